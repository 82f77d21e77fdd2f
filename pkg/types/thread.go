// Package types provides the core data types for the threadcore engine.
package types

// Thread holds the mutable parameters of a conversation thread.
// A Thread is owned exclusively by its session and is mutated only
// through the session's command processor.
type Thread struct {
	Model              string `json:"model"`
	Mode               string `json:"mode"`
	BoostReasoning     bool   `json:"boost_reasoning"`
	ToolUse            string `json:"tool_use"`
	ContextTokensCap   int    `json:"context_tokens_cap"`
	IncludeProjectInfo bool   `json:"include_project_info"`
	CheckpointsEnabled bool   `json:"checkpoints_enabled"`
	UseCompression     bool   `json:"use_compression"`
	Title              string `json:"title"`
	TitleGenerated     bool   `json:"title_generated"`
}

// SessionState is the runtime state of a session.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateGenerating     SessionState = "generating"
	StateExecutingTools SessionState = "executing_tools"
	StateWaitingIde     SessionState = "waiting_ide"
	StatePaused         SessionState = "paused"
	StateError          SessionState = "error"
)

// Busy reports whether the state blocks ordinary command processing.
func (s SessionState) Busy() bool {
	switch s {
	case StateGenerating, StateExecutingTools, StateWaitingIde:
		return true
	}
	return false
}

// Runtime is the externally visible runtime status of a session.
type Runtime struct {
	State     SessionState `json:"state"`
	Paused    bool         `json:"paused"`
	Error     string       `json:"error,omitempty"`
	QueueSize int          `json:"queue_size"`
}

// Pause reason types.
const (
	PauseConfirmation = "confirmation"
	PauseDenial       = "denial"
)

// PauseReason blocks automatic progress until a human accepts or denies
// one specific tool invocation. One instance exists per pending tool call.
type PauseReason struct {
	ReasonType       string `json:"reason_type"`
	Command          string `json:"command"`
	Rule             string `json:"rule"`
	ToolCallID       string `json:"tool_call_id"`
	IntegrConfigPath string `json:"integr_config_path,omitempty"`
}
