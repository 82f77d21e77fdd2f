package session

import (
	"encoding/json"
	"fmt"
)

// Command type discriminators.
const (
	CmdUserMessage    = "user_message"
	CmdRetryFromIndex = "retry_from_index"
	CmdSetParams      = "set_params"
	CmdAbort          = "abort"
	CmdToolDecision   = "tool_decision"
	CmdToolDecisions  = "tool_decisions"
	CmdIdeToolResult  = "ide_tool_result"
	CmdUpdateMessage  = "update_message"
	CmdRemoveMessage  = "remove_message"
)

// Command is one user-issued operation against a session. The
// implementations below are the closed set of variants; each is
// consumed exactly once by the command processor.
type Command interface {
	CommandType() string
}

// UserMessage appends a user message and starts generation.
type UserMessage struct {
	Content string `json:"content"`
}

func (UserMessage) CommandType() string { return CmdUserMessage }

// RetryFromIndex truncates the history from Index, appends a new user
// message, and restarts generation.
type RetryFromIndex struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

func (RetryFromIndex) CommandType() string { return CmdRetryFromIndex }

// SetParams applies a field-by-field patch to the thread parameters.
// A patch that is not a JSON object is logged and dropped.
type SetParams struct {
	Patch json.RawMessage `json:"patch"`
}

func (SetParams) CommandType() string { return CmdSetParams }

// Abort cancels any in-flight stream and returns the session to Idle.
type Abort struct{}

func (Abort) CommandType() string { return CmdAbort }

// Decision is one accept/deny verdict for a pending tool call.
type Decision struct {
	ToolCallID string `json:"tool_call_id"`
	Accepted   bool   `json:"accepted"`
}

// ToolDecision resolves a single pending pause reason.
type ToolDecision struct {
	Decision
}

func (ToolDecision) CommandType() string { return CmdToolDecision }

// ToolDecisions resolves a batch of pending pause reasons at once.
type ToolDecisions struct {
	Decisions []Decision `json:"decisions"`
}

func (ToolDecisions) CommandType() string { return CmdToolDecisions }

// IdeToolResult delivers a tool result produced on the IDE side.
type IdeToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Failed     bool   `json:"failed,omitempty"`
}

func (IdeToolResult) CommandType() string { return CmdIdeToolResult }

// UpdateMessage replaces a message's content, optionally regenerating
// everything after it.
type UpdateMessage struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

func (UpdateMessage) CommandType() string { return CmdUpdateMessage }

// RemoveMessage deletes a message, optionally regenerating from its
// former position.
type RemoveMessage struct {
	MessageID  string `json:"message_id"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

func (RemoveMessage) CommandType() string { return CmdRemoveMessage }

// CommandRequest pairs a command with the client-supplied request id
// used for idempotent-retry detection.
type CommandRequest struct {
	ClientRequestID string
	Command         Command
}

type commandRequestJSON struct {
	ClientRequestID string          `json:"client_request_id"`
	Command         json.RawMessage `json:"command"`
}

type commandProbe struct {
	Type string `json:"type"`
}

// MarshalJSON encodes the request with a "type" discriminator on the
// command object.
func (r CommandRequest) MarshalJSON() ([]byte, error) {
	if r.Command == nil {
		return nil, fmt.Errorf("command request has no command")
	}
	body, err := json.Marshal(r.Command)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", r.Command.CommandType()))
	cmd, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandRequestJSON{
		ClientRequestID: r.ClientRequestID,
		Command:         cmd,
	})
}

// UnmarshalJSON decodes the request by the command's "type" field.
func (r *CommandRequest) UnmarshalJSON(data []byte) error {
	var raw commandRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cmd, err := UnmarshalCommand(raw.Command)
	if err != nil {
		return err
	}
	r.ClientRequestID = raw.ClientRequestID
	r.Command = cmd
	return nil
}

// UnmarshalCommand decodes a single command by its "type" field.
func UnmarshalCommand(data []byte) (Command, error) {
	var probe commandProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var cmd Command
	switch probe.Type {
	case CmdUserMessage:
		cmd = &UserMessage{}
	case CmdRetryFromIndex:
		cmd = &RetryFromIndex{}
	case CmdSetParams:
		cmd = &SetParams{}
	case CmdAbort:
		cmd = &Abort{}
	case CmdToolDecision:
		cmd = &ToolDecision{}
	case CmdToolDecisions:
		cmd = &ToolDecisions{}
	case CmdIdeToolResult:
		cmd = &IdeToolResult{}
	case CmdUpdateMessage:
		cmd = &UpdateMessage{}
	case CmdRemoveMessage:
		cmd = &RemoveMessage{}
	default:
		return nil, fmt.Errorf("unknown command type: %q", probe.Type)
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// isPauseExempt reports whether a command may jump the queue while the
// session is paused.
func isPauseExempt(cmd Command) bool {
	switch cmd.CommandType() {
	case CmdToolDecision, CmdToolDecisions, CmdAbort:
		return true
	}
	return false
}

// isIdeExempt reports whether a command may jump the queue while the
// session waits on the IDE.
func isIdeExempt(cmd Command) bool {
	switch cmd.CommandType() {
	case CmdIdeToolResult, CmdAbort:
		return true
	}
	return false
}
