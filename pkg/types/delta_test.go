package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaOpRoundTrip(t *testing.T) {
	ops := []DeltaOp{
		AppendContent{Text: "hello"},
		AppendReasoning{Text: "thinking"},
		SetToolCalls{ToolCalls: []ToolCall{{ID: "tc1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)}}},
		SetThinkingBlocks{Blocks: []ThinkingBlock{{Type: "thinking", Thinking: "hmm"}}},
		AddCitation{Citation: Citation{URL: "https://example.com", Title: "Example"}},
		SetUsage{Usage: json.RawMessage(`{"prompt_tokens":10,"completion_tokens":5}`)},
		MergeExtra{Extra: map[string]any{"key": "value"}},
	}

	raw, err := MarshalDeltaOps(ops)
	require.NoError(t, err)
	require.Len(t, raw, len(ops))

	decoded, err := UnmarshalDeltaOps(raw)
	require.NoError(t, err)
	require.Len(t, decoded, len(ops))

	for i, op := range decoded {
		assert.Equal(t, ops[i].Op(), op.Op())
	}

	appended, ok := decoded[0].(AppendContent)
	require.True(t, ok)
	assert.Equal(t, "hello", appended.Text)

	calls, ok := decoded[2].(SetToolCalls)
	require.True(t, ok)
	require.Len(t, calls.ToolCalls, 1)
	assert.Equal(t, "shell", calls.ToolCalls[0].Name)
}

func TestMarshalDeltaOpDiscriminator(t *testing.T) {
	data, err := MarshalDeltaOp(AppendContent{Text: "x"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, OpAppendContent, fields["op"])
	assert.Equal(t, "x", fields["text"])
}

func TestUnmarshalDeltaOpUnknown(t *testing.T) {
	_, err := UnmarshalDeltaOp([]byte(`{"op":"warp_drive"}`))
	assert.Error(t, err)
}

func TestMessageEmpty(t *testing.T) {
	msg := &Message{ID: "m1", Role: RoleAssistant}
	assert.True(t, msg.Empty())

	msg.Reasoning = "thought about it"
	assert.False(t, msg.Empty())

	msg = &Message{Usage: &Usage{PromptTokens: 1}}
	assert.False(t, msg.Empty())

	msg = &Message{ToolCalls: []ToolCall{{ID: "tc1"}}}
	assert.False(t, msg.Empty())
}

func TestMessageFindToolCall(t *testing.T) {
	msg := &Message{ToolCalls: []ToolCall{
		{ID: "tc1", Name: "shell"},
		{ID: "tc2", Name: "read_file"},
	}}

	tc, ok := msg.FindToolCall("tc2")
	require.True(t, ok)
	assert.Equal(t, "read_file", tc.Name)

	_, ok = msg.FindToolCall("tc9")
	assert.False(t, ok)
}
