// Package checkpoint snapshots the workspace before user messages so a
// thread can be rolled back to the state a change was made against.
package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/threadcore-ai/threadcore/internal/logging"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

const (
	// maxFileSize caps the size of files copied into a snapshot.
	maxFileSize = 1 << 20
	// maxFiles caps the number of files per snapshot.
	maxFiles = 2000
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	"vendor":       true,
	".venv":        true,
}

// Stats summarizes the changes between two consecutive checkpoints.
type Stats struct {
	Files     int `json:"files"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Creator builds workspace checkpoints under a data directory.
type Creator struct {
	workspace string
	dir       string
}

// NewCreator returns a Creator snapshotting workspace into
// dataDir/checkpoints.
func NewCreator(workspace, dataDir string) *Creator {
	return &Creator{
		workspace: workspace,
		dir:       filepath.Join(dataDir, "checkpoints"),
	}
}

// Create snapshots the workspace and returns the checkpoint list for
// the next user message. prev carries the previous message's
// checkpoints so change stats can be computed against them.
func (c *Creator) Create(ctx context.Context, prev []types.Checkpoint, chatID string) ([]types.Checkpoint, error) {
	commitID := ulid.Make().String()
	snapDir := filepath.Join(c.dir, chatID, commitID)

	files, err := c.snapshot(ctx, snapDir)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot workspace: %w", err)
	}

	cp := types.Checkpoint{
		WorkspaceFolder: c.workspace,
		CommitID:        commitID,
		CreatedAt:       time.Now(),
	}

	ev := logging.Debug().
		Str("chatID", chatID).
		Str("commitID", commitID).
		Int("filesCopied", len(files))
	if prevID := lastCommitID(prev); prevID != "" {
		stats := c.diffStats(filepath.Join(c.dir, chatID, prevID), snapDir)
		ev = ev.Int("filesChanged", stats.Files).
			Int("additions", stats.Additions).
			Int("deletions", stats.Deletions)
	}
	ev.Msg("workspace checkpoint created")

	return []types.Checkpoint{cp}, nil
}

// snapshot copies workspace files into dst, honoring the size and
// count caps. Returns the relative paths copied.
func (c *Creator) snapshot(ctx context.Context, dst string) ([]string, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, err
	}

	var copied []string
	err := filepath.WalkDir(c.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if skippedDirs[name] || (strings.HasPrefix(name, ".") && path != c.workspace) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(copied) >= maxFiles {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}

		rel, err := filepath.Rel(c.workspace, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		out := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return nil
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return nil
		}
		copied = append(copied, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return copied, nil
}

// diffStats compares two snapshots line-wise.
func (c *Creator) diffStats(prevDir, curDir string) Stats {
	var stats Stats
	dmp := diffmatchpatch.New()

	seen := make(map[string]bool)
	_ = filepath.WalkDir(curDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(curDir, path)
		if err != nil {
			return nil
		}
		seen[rel] = true

		after, _ := os.ReadFile(path)
		before, _ := os.ReadFile(filepath.Join(prevDir, rel))
		if string(before) == string(after) {
			return nil
		}

		add, del := lineDiff(dmp, string(before), string(after))
		stats.Files++
		stats.Additions += add
		stats.Deletions += del
		return nil
	})

	// Files present before but gone now count as pure deletions.
	_ = filepath.WalkDir(prevDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(prevDir, path)
		if err != nil || seen[rel] {
			return nil
		}
		before, _ := os.ReadFile(path)
		stats.Files++
		stats.Deletions += countLines(string(before))
		return nil
	})

	return stats
}

func lineDiff(dmp *diffmatchpatch.DiffMatchPatch, before, after string) (additions, deletions int) {
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func lastCommitID(prev []types.Checkpoint) string {
	if len(prev) == 0 {
		return ""
	}
	return prev[len(prev)-1].CommitID
}
