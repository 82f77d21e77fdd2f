// Package trajectory persists session histories as JSON files for
// rehydration and external review.
package trajectory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

// ErrNotFound is returned when no trajectory exists for a chat.
var ErrNotFound = errors.New("trajectory not found")

const (
	saveRetryInitialInterval = 50 * time.Millisecond
	saveRetryMaxInterval     = time.Second
	saveRetryMax             = 3
)

// Trajectory is the on-disk representation of one session.
type Trajectory struct {
	ChatID    string          `json:"chat_id"`
	Version   uint64          `json:"version"`
	Thread    types.Thread    `json:"thread"`
	Messages  []types.Message `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store reads and writes trajectories under a base directory. Writes
// are atomic (temp file + rename) and serialized per path.
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at basePath.
func NewStore(basePath string) *Store {
	return &Store{
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Store) pathFor(chatID string) string {
	return filepath.Join(s.basePath, "trajectories", chatID+".json")
}

// Save writes a trajectory, retrying transient filesystem errors with
// capped exponential backoff.
func (s *Store) Save(ctx context.Context, t *Trajectory) error {
	if t.ChatID == "" {
		return fmt.Errorf("trajectory has no chat id")
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trajectory: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = saveRetryInitialInterval
	b.MaxInterval = saveRetryMaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, saveRetryMax), ctx)

	return backoff.Retry(func() error {
		return s.write(t.ChatID, data)
	}, policy)
}

func (s *Store) write(chatID string, data []byte) error {
	filePath := s.pathFor(chatID)

	lock := s.pathLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Load reads the trajectory for a chat. Returns ErrNotFound when no
// file exists.
func (s *Store) Load(ctx context.Context, chatID string) (*Trajectory, error) {
	data, err := os.ReadFile(s.pathFor(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read trajectory: %w", err)
	}

	var t Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trajectory: %w", err)
	}
	return &t, nil
}

// Delete removes a chat's trajectory. Deleting a missing file is not
// an error.
func (s *Store) Delete(ctx context.Context, chatID string) error {
	filePath := s.pathFor(chatID)

	lock := s.pathLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete trajectory: %w", err)
	}
	return nil
}

// List returns the chat ids with persisted trajectories.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, "trajectories"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read trajectory directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) pathLock(filePath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[filePath] = lock
	}
	return lock
}
