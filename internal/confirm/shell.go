package confirm

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// shellCommand is one simple command parsed out of a shell script.
type shellCommand struct {
	Name       string
	Subcommand string
	Args       []string
}

// parseShellCommands extracts every simple command from a shell script,
// including commands behind pipes, &&/|| chains and subshells. A script
// that fails to parse yields no commands; callers treat that as a
// confirmation-required case rather than letting it through.
func parseShellCommands(script string) ([]shellCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, err
	}

	var commands []shellCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd, ok := extractCall(call); ok {
				commands = append(commands, cmd)
			}
		}
		return true
	})

	return commands, nil
}

func extractCall(call *syntax.CallExpr) (shellCommand, bool) {
	if len(call.Args) == 0 {
		return shellCommand{}, false
	}

	var cmd shellCommand
	cmd.Name = wordText(call.Args[0])
	if cmd.Name == "" {
		return shellCommand{}, false
	}

	for _, arg := range call.Args[1:] {
		text := wordText(arg)
		if text == "" {
			continue
		}
		cmd.Args = append(cmd.Args, text)
		if cmd.Subcommand == "" && !strings.HasPrefix(text, "-") {
			cmd.Subcommand = text
		}
	}

	return cmd, true
}

// wordText flattens a word's literal parts. Expansions and substitutions
// come back empty, which keeps them from masquerading as literals.
func wordText(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dq := range p.Parts {
				if lit, ok := dq.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		}
	}
	return sb.String()
}
