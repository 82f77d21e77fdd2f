package types

import (
	"encoding/json"
	"fmt"
)

// Delta operation discriminators.
const (
	OpAppendContent     = "append_content"
	OpAppendReasoning   = "append_reasoning"
	OpSetToolCalls      = "set_tool_calls"
	OpSetThinkingBlocks = "set_thinking_blocks"
	OpAddCitation       = "add_citation"
	OpSetUsage          = "set_usage"
	OpMergeExtra        = "merge_extra"
)

// DeltaOp is one streaming mutation applied to the in-flight draft
// message. Deltas are applied in arrival order and are not idempotent:
// replaying an append twice duplicates content. Subscribers that mirror
// the draft must apply each batch exactly once.
type DeltaOp interface {
	Op() string
}

// AppendContent appends text to the draft's accumulated content.
type AppendContent struct {
	Text string `json:"text"`
}

func (AppendContent) Op() string { return OpAppendContent }

// AppendReasoning concatenates text into the draft's reasoning field.
type AppendReasoning struct {
	Text string `json:"text"`
}

func (AppendReasoning) Op() string { return OpAppendReasoning }

// SetToolCalls replaces the draft's tool-call list.
type SetToolCalls struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

func (SetToolCalls) Op() string { return OpSetToolCalls }

// SetThinkingBlocks replaces the draft's thinking blocks.
type SetThinkingBlocks struct {
	Blocks []ThinkingBlock `json:"blocks"`
}

func (SetThinkingBlocks) Op() string { return OpSetThinkingBlocks }

// AddCitation appends one citation to the draft.
type AddCitation struct {
	Citation Citation `json:"citation"`
}

func (AddCitation) Op() string { return OpAddCitation }

// SetUsage replaces the usage accumulator paired with the draft.
// The payload is kept raw; a value that fails to decode into Usage is
// ignored by the applier.
type SetUsage struct {
	Usage json.RawMessage `json:"usage"`
}

func (SetUsage) Op() string { return OpSetUsage }

// MergeExtra unions key/value pairs into the draft's side-channel map.
type MergeExtra struct {
	Extra map[string]any `json:"extra"`
}

func (MergeExtra) Op() string { return OpMergeExtra }

// MarshalDeltaOp encodes a delta operation with its "op" discriminator.
func MarshalDeltaOp(op DeltaOp) ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["op"] = json.RawMessage(fmt.Sprintf("%q", op.Op()))
	return json.Marshal(fields)
}

// UnmarshalDeltaOp decodes a delta operation by its "op" discriminator.
func UnmarshalDeltaOp(data []byte) (DeltaOp, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Op {
	case OpAppendContent:
		var op AppendContent
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpAppendReasoning:
		var op AppendReasoning
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpSetToolCalls:
		var op SetToolCalls
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpSetThinkingBlocks:
		var op SetThinkingBlocks
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpAddCitation:
		var op AddCitation
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpSetUsage:
		var op SetUsage
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	case OpMergeExtra:
		var op MergeExtra
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, fmt.Errorf("unknown delta op: %q", probe.Op)
	}
}

// MarshalDeltaOps encodes a batch of delta operations.
func MarshalDeltaOps(ops []DeltaOp) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		data, err := MarshalDeltaOp(op)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// UnmarshalDeltaOps decodes a batch of delta operations.
func UnmarshalDeltaOps(raw []json.RawMessage) ([]DeltaOp, error) {
	ops := make([]DeltaOp, 0, len(raw))
	for _, data := range raw {
		op, err := UnmarshalDeltaOp(data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
