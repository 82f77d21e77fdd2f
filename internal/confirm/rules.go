// Package confirm decides which tool invocations may run automatically,
// which need a human decision, and which are denied outright.
package confirm

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/threadcore-ai/threadcore/pkg/types"
)

// Verdict is the outcome of evaluating one tool call against a ruleset.
type Verdict int

const (
	// Allow lets the tool call execute without confirmation.
	Allow Verdict = iota
	// Ask requires a human decision before execution.
	Ask
	// Deny rejects the tool call without pausing.
	Deny
)

// Rule matches tool invocations. Tool is a doublestar pattern applied
// to the tool name. Command, when set, is a pattern applied to each
// simple command parsed out of the invocation's "command" argument;
// rules with a Command pattern only match shell-style tools.
type Rule struct {
	Tool             string `yaml:"tool" json:"tool"`
	Command          string `yaml:"command,omitempty" json:"command,omitempty"`
	IntegrConfigPath string `yaml:"integr_config_path,omitempty" json:"integr_config_path,omitempty"`
}

// String renders the rule the way it is shown in pause reasons.
func (r Rule) String() string {
	if r.Command != "" {
		return r.Tool + ": " + r.Command
	}
	return r.Tool
}

// Ruleset holds the ask and deny rule lists. Deny wins over ask; a tool
// call matching no rule is auto-approved.
type Ruleset struct {
	Ask  []Rule `yaml:"ask" json:"ask"`
	Deny []Rule `yaml:"deny" json:"deny"`
}

// Default returns a conservative ruleset: every tool call asks.
func Default() *Ruleset {
	return &Ruleset{
		Ask: []Rule{{Tool: "*"}},
	}
}

// Load reads a ruleset from a YAML file.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return &rs, nil
}

// Evaluate returns the verdict for one tool call plus the rule that
// produced it and the command string it matched on, if any.
func (rs *Ruleset) Evaluate(call types.ToolCall) (Verdict, Rule, string) {
	if rule, cmd, ok := matchRules(rs.Deny, call); ok {
		return Deny, rule, cmd
	}
	if rule, cmd, ok := matchRules(rs.Ask, call); ok {
		return Ask, rule, cmd
	}
	return Allow, Rule{}, ""
}

// Partition is the result of evaluating a batch of tool calls.
type Partition struct {
	Allowed []types.ToolCall
	Denied  []DeniedCall
	Reasons []types.PauseReason
}

// DeniedCall pairs a denied tool call with the rule that denied it.
type DeniedCall struct {
	Call types.ToolCall
	Rule Rule
}

// Evaluate classifies a batch of tool calls, producing one pause reason
// per call that needs confirmation.
func (rs *Ruleset) EvaluateAll(calls []types.ToolCall) Partition {
	var p Partition
	for _, call := range calls {
		verdict, rule, cmd := rs.Evaluate(call)
		switch verdict {
		case Deny:
			p.Denied = append(p.Denied, DeniedCall{Call: call, Rule: rule})
		case Ask:
			p.Reasons = append(p.Reasons, types.PauseReason{
				ReasonType:       types.PauseConfirmation,
				Command:          displayCommand(call, cmd),
				Rule:             rule.String(),
				ToolCallID:       call.ID,
				IntegrConfigPath: rule.IntegrConfigPath,
			})
		default:
			p.Allowed = append(p.Allowed, call)
		}
	}
	return p
}

func matchRules(rules []Rule, call types.ToolCall) (Rule, string, bool) {
	for _, rule := range rules {
		if cmd, ok := ruleMatches(rule, call); ok {
			return rule, cmd, true
		}
	}
	return Rule{}, "", false
}

func ruleMatches(rule Rule, call types.ToolCall) (string, bool) {
	if !patternMatch(rule.Tool, call.Name) {
		return "", false
	}
	if rule.Command == "" {
		return "", true
	}

	script := commandArgument(call)
	if script == "" {
		return "", false
	}

	commands, err := parseShellCommands(script)
	if err != nil || len(commands) == 0 {
		// Unparseable scripts match any command rule: better to ask
		// than to wave through something we could not read.
		return script, true
	}
	for _, cmd := range commands {
		if commandMatch(rule.Command, cmd) {
			return script, true
		}
	}
	return "", false
}

// commandMatch applies a rule's command pattern to one parsed command.
// Supported shapes: "name", "name sub", and the wildcard forms "*",
// "name *", "name sub *".
func commandMatch(pattern string, cmd shellCommand) bool {
	joined := cmd.Name
	if cmd.Subcommand != "" {
		joined += " " + cmd.Subcommand
	}

	parts := strings.Fields(pattern)
	switch len(parts) {
	case 0:
		return false
	case 1:
		if parts[0] == "*" {
			return true
		}
		return patternMatch(parts[0], cmd.Name)
	case 2:
		if parts[1] == "*" {
			return patternMatch(parts[0], cmd.Name)
		}
		return patternMatch(parts[0], cmd.Name) && patternMatch(parts[1], cmd.Subcommand)
	default:
		if parts[len(parts)-1] == "*" {
			prefix := strings.Join(parts[:len(parts)-1], " ")
			return patternMatch(prefix, joined)
		}
		return patternMatch(pattern, joined)
	}
}

// patternMatch matches s against a glob pattern. Plain strings compare
// directly; patterns containing wildcards go through doublestar.
func patternMatch(pattern, s string) bool {
	if pattern == "" {
		return false
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == s
	}
	matched, err := doublestar.Match(pattern, s)
	if err != nil {
		return false
	}
	return matched
}

// commandArgument extracts the "command" field from a tool call's
// JSON arguments, empty when absent.
func commandArgument(call types.ToolCall) string {
	if len(call.Arguments) == 0 {
		return ""
	}
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return ""
	}
	return args.Command
}

// displayCommand picks what to show the user for a pause reason: the
// matched shell command when there is one, the tool name otherwise.
func displayCommand(call types.ToolCall, matched string) string {
	if matched != "" {
		return matched
	}
	if cmd := commandArgument(call); cmd != "" {
		return cmd
	}
	return call.Name
}
