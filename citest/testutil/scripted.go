package testutil

import (
	"context"
	"sync"

	"github.com/threadcore-ai/threadcore/internal/session"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Turn is one scripted model response.
type Turn struct {
	// Text is streamed back in small chunks.
	Text string
	// ToolCalls, when set, ends the turn with finish reason
	// "tool_calls" instead of "stop".
	ToolCalls []types.ToolCall
	// Err aborts the turn with a generation error.
	Err error
}

// ScriptedGenerator plays back a fixed sequence of turns, one per
// generation. Generations past the end of the script answer with a
// fallback text.
type ScriptedGenerator struct {
	mu    sync.Mutex
	turns []Turn
	next  int
}

// NewScriptedGenerator builds a generator from the given turns.
func NewScriptedGenerator(turns ...Turn) *ScriptedGenerator {
	return &ScriptedGenerator{turns: turns}
}

// Generate implements session.Generator.
func (g *ScriptedGenerator) Generate(ctx context.Context, s *session.Session, h *session.StreamHandle) error {
	g.mu.Lock()
	var turn Turn
	if g.next < len(g.turns) {
		turn = g.turns[g.next]
		g.next++
	} else {
		turn = Turn{Text: "script exhausted"}
	}
	g.mu.Unlock()

	if turn.Err != nil {
		return turn.Err
	}

	const chunk = 4
	for i := 0; i < len(turn.Text); i += chunk {
		if h.Aborted() {
			h.Finish(session.FinishAbort)
			return nil
		}
		end := min(i+chunk, len(turn.Text))
		h.Emit(types.AppendContent{Text: turn.Text[i:end]})
	}

	if len(turn.ToolCalls) > 0 {
		h.Emit(types.SetToolCalls{ToolCalls: turn.ToolCalls})
		h.Finish(session.FinishToolCalls)
		return nil
	}
	h.Finish(session.FinishStop)
	return nil
}
