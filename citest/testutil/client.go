package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/session"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// ErrDuplicate reports a command rejected for a repeated request id.
var ErrDuplicate = fmt.Errorf("duplicate client request id")

// TestClient talks to a TestServer over HTTP.
type TestClient struct {
	base string
	http *http.Client
}

// NewTestClient creates a client for the given base URL.
func NewTestClient(base string) *TestClient {
	return &TestClient{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendCommand posts a command with a fresh client request id.
func (c *TestClient) SendCommand(chatID string, cmd session.Command) error {
	return c.SendCommandWithID(chatID, cmd, ulid.Make().String())
}

// SendCommandWithID posts a command under an explicit request id.
func (c *TestClient) SendCommandWithID(chatID string, cmd session.Command, requestID string) error {
	body, err := json.Marshal(session.CommandRequest{
		ClientRequestID: requestID,
		Command:         cmd,
	})
	if err != nil {
		return err
	}

	resp, err := c.http.Post(c.base+"/chats/"+chatID+"/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return ErrDuplicate
	default:
		return fmt.Errorf("command rejected: %s", resp.Status)
	}
}

// Snapshot fetches the chat's current state.
func (c *TestClient) Snapshot(chatID string) (event.Snapshot, uint64, error) {
	resp, err := c.http.Get(c.base + "/chats/" + chatID + "/snapshot")
	if err != nil {
		return event.Snapshot{}, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return event.Snapshot{}, 0, fmt.Errorf("snapshot failed: %s", resp.Status)
	}

	var env event.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return event.Snapshot{}, 0, err
	}
	snap, ok := env.Event.(*event.Snapshot)
	if !ok {
		return event.Snapshot{}, 0, fmt.Errorf("unexpected event type %T", env.Event)
	}
	return *snap, env.Seq, nil
}

// WaitState polls the snapshot until the session reaches the wanted
// state with an empty queue.
func (c *TestClient) WaitState(chatID string, want types.SessionState, timeout time.Duration) (event.Snapshot, error) {
	deadline := time.Now().Add(timeout)
	for {
		snap, _, err := c.Snapshot(chatID)
		if err == nil && snap.Runtime.State == want && snap.Runtime.QueueSize == 0 {
			return snap, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return event.Snapshot{}, err
			}
			return snap, fmt.Errorf("state %s never reached, still %s", want, snap.Runtime.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
