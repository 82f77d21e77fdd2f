package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/threadcore-ai/threadcore/internal/event"
)

// SSEStream consumes a chat's SSE feed.
type SSEStream struct {
	Envelopes <-chan event.Envelope
	cancel    context.CancelFunc
}

// Close terminates the stream.
func (s *SSEStream) Close() {
	s.cancel()
}

// OpenEvents connects to the chat's SSE endpoint and decodes envelopes
// into a channel. The first envelope is the snapshot frame.
func (c *TestClient) OpenEvents(chatID string) (*SSEStream, error) {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/chats/"+chatID+"/events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan event.Envelope, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &SSEStream{Envelopes: out, cancel: cancel}, nil
}
