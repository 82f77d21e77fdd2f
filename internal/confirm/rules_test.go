package confirm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

func shellCall(id, script string) types.ToolCall {
	args, _ := json.Marshal(map[string]string{"command": script})
	return types.ToolCall{ID: id, Name: "shell", Arguments: args}
}

func TestEvaluateNoMatchAllows(t *testing.T) {
	rs := &Ruleset{}
	verdict, _, _ := rs.Evaluate(types.ToolCall{ID: "tc1", Name: "read_file"})
	assert.Equal(t, Allow, verdict)
}

func TestEvaluateDefaultAsksEverything(t *testing.T) {
	verdict, rule, _ := Default().Evaluate(types.ToolCall{ID: "tc1", Name: "anything"})
	assert.Equal(t, Ask, verdict)
	assert.Equal(t, "*", rule.Tool)
}

func TestEvaluateDenyWinsOverAsk(t *testing.T) {
	rs := &Ruleset{
		Ask:  []Rule{{Tool: "shell"}},
		Deny: []Rule{{Tool: "shell", Command: "rm *"}},
	}
	verdict, _, _ := rs.Evaluate(shellCall("tc1", "rm -rf /tmp/x"))
	assert.Equal(t, Deny, verdict)

	verdict, _, _ = rs.Evaluate(shellCall("tc2", "ls -la"))
	assert.Equal(t, Ask, verdict)
}

func TestEvaluateCommandSubcommand(t *testing.T) {
	rs := &Ruleset{Ask: []Rule{{Tool: "shell", Command: "git push"}}}

	verdict, _, _ := rs.Evaluate(shellCall("tc1", "git push origin main"))
	assert.Equal(t, Ask, verdict)

	verdict, _, _ = rs.Evaluate(shellCall("tc2", "git status"))
	assert.Equal(t, Allow, verdict)
}

func TestEvaluateCompoundCommand(t *testing.T) {
	rs := &Ruleset{Ask: []Rule{{Tool: "shell", Command: "rm *"}}}

	// The dangerous command hides behind a harmless one.
	verdict, _, _ := rs.Evaluate(shellCall("tc1", "ls && rm -rf build"))
	assert.Equal(t, Ask, verdict)
}

func TestEvaluateUnparseableScriptAsks(t *testing.T) {
	rs := &Ruleset{Ask: []Rule{{Tool: "shell", Command: "rm *"}}}
	verdict, _, _ := rs.Evaluate(shellCall("tc1", "if then ((("))
	assert.Equal(t, Ask, verdict)
}

func TestEvaluateToolGlob(t *testing.T) {
	rs := &Ruleset{Ask: []Rule{{Tool: "mcp_*"}}}

	verdict, _, _ := rs.Evaluate(types.ToolCall{ID: "tc1", Name: "mcp_browser"})
	assert.Equal(t, Ask, verdict)

	verdict, _, _ = rs.Evaluate(types.ToolCall{ID: "tc2", Name: "read_file"})
	assert.Equal(t, Allow, verdict)
}

func TestEvaluateCommandRuleNeedsCommandArgument(t *testing.T) {
	rs := &Ruleset{Ask: []Rule{{Tool: "*", Command: "rm *"}}}
	// No command argument, so a command-scoped rule cannot match.
	verdict, _, _ := rs.Evaluate(types.ToolCall{ID: "tc1", Name: "read_file"})
	assert.Equal(t, Allow, verdict)
}

func TestEvaluateAllPartition(t *testing.T) {
	rs := &Ruleset{
		Ask:  []Rule{{Tool: "shell", Command: "git push"}},
		Deny: []Rule{{Tool: "shell", Command: "rm *"}},
	}

	p := rs.EvaluateAll([]types.ToolCall{
		shellCall("tc1", "ls"),
		shellCall("tc2", "git push origin main"),
		shellCall("tc3", "rm -rf /"),
	})

	require.Len(t, p.Allowed, 1)
	assert.Equal(t, "tc1", p.Allowed[0].ID)

	require.Len(t, p.Denied, 1)
	assert.Equal(t, "tc3", p.Denied[0].Call.ID)

	require.Len(t, p.Reasons, 1)
	reason := p.Reasons[0]
	assert.Equal(t, types.PauseConfirmation, reason.ReasonType)
	assert.Equal(t, "tc2", reason.ToolCallID)
	assert.Equal(t, "git push origin main", reason.Command)
	assert.Equal(t, "shell: git push", reason.Rule)
}

func TestLoadRulesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ask:
  - tool: shell
    command: "git push"
deny:
  - tool: shell
    command: "rm *"
    integr_config_path: /etc/threadcore/shell.yaml
`), 0o644))

	rs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rs.Ask, 1)
	require.Len(t, rs.Deny, 1)
	assert.Equal(t, "git push", rs.Ask[0].Command)
	assert.Equal(t, "/etc/threadcore/shell.yaml", rs.Deny[0].IntegrConfigPath)
}

func TestParseShellCommands(t *testing.T) {
	cmds, err := parseShellCommands("git push origin main && ls -la; echo done | wc -l")
	require.NoError(t, err)
	require.Len(t, cmds, 4)

	assert.Equal(t, "git", cmds[0].Name)
	assert.Equal(t, "push", cmds[0].Subcommand)
	assert.Equal(t, "ls", cmds[1].Name)
	assert.Equal(t, "echo", cmds[2].Name)
	assert.Equal(t, "wc", cmds[3].Name)
}

func TestParseShellCommandsQuoting(t *testing.T) {
	cmds, err := parseShellCommands(`git commit -m "a message"`)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "git", cmds[0].Name)
	assert.Equal(t, "commit", cmds[0].Subcommand)
}
