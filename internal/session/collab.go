package session

import (
	"context"
	"time"

	"github.com/threadcore-ai/threadcore/internal/confirm"
	"github.com/threadcore-ai/threadcore/internal/trajectory"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Generator drives one streaming model call against the session's
// current history. Implementations emit deltas through the handle and
// must finish the stream (Finish or FinishWithError) before the call
// is considered complete; the handle tolerates an implementation that
// returns first and finishes from another goroutine. Implementations
// must observe h.Aborted and stop producing deltas once it reports true.
type Generator interface {
	Generate(ctx context.Context, s *Session, h *StreamHandle) error
}

// ToolRunner executes a batch of accepted tool calls and returns the
// result messages to append. waitIde reports that at least one call
// must be completed on the IDE side; the session then parks in
// WaitingIde until an IdeToolResult command arrives.
type ToolRunner interface {
	Execute(ctx context.Context, calls []types.ToolCall, messages []types.Message, thread types.Thread) (results []types.Message, waitIde bool, err error)
}

// Checkpointer creates a workspace checkpoint before a user message.
type Checkpointer interface {
	Create(ctx context.Context, prev []types.Checkpoint, chatID string) ([]types.Checkpoint, error)
}

// TrajectoryStore persists and rehydrates session trajectories.
type TrajectoryStore interface {
	Save(ctx context.Context, t *trajectory.Trajectory) error
	Load(ctx context.Context, chatID string) (*trajectory.Trajectory, error)
}

// Deps bundles the collaborators the command processor calls out to.
// Any of them may be nil; the processor degrades to a logged no-op for
// the concern a nil collaborator covers.
type Deps struct {
	Generator   Generator
	Tools       ToolRunner
	Checkpoints Checkpointer
	Store       TrajectoryStore
	Rules       *confirm.Ruleset

	// SaveDebounce is the minimum interval between opportunistic
	// trajectory saves. Zero disables debouncing.
	SaveDebounce time.Duration
}
