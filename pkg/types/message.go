package types

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is a single record in a session's conversation history.
type Message struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Reasoning      string          `json:"reasoning,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolFailed     bool            `json:"tool_failed,omitempty"`
	ThinkingBlocks []ThinkingBlock `json:"thinking_blocks,omitempty"`
	Citations      []Citation      `json:"citations,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Checkpoints    []Checkpoint    `json:"checkpoints,omitempty"`
	Extra          map[string]any  `json:"extra,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Empty reports whether the message carries neither text nor any
// structured payload. Empty drafts are dropped instead of flushed.
func (m *Message) Empty() bool {
	return m.Content == "" &&
		m.Reasoning == "" &&
		len(m.ToolCalls) == 0 &&
		len(m.ThinkingBlocks) == 0 &&
		len(m.Citations) == 0 &&
		m.Usage == nil &&
		len(m.Extra) == 0
}

// FindToolCall returns the tool call with the given id, if present.
func (m *Message) FindToolCall(id string) (ToolCall, bool) {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Usage accumulates token counts reported by the model.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// ThinkingBlock is an opaque provider thinking block carried through
// the draft and the committed message unchanged.
type ThinkingBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Citation is a source reference attached to an assistant message.
type Citation struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Checkpoint records a workspace snapshot taken before a user message.
type Checkpoint struct {
	WorkspaceFolder string    `json:"workspace_folder"`
	CommitID        string    `json:"commit_id"`
	CreatedAt       time.Time `json:"created_at"`
}
