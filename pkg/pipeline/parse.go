package pipeline

import (
	"fmt"
	"strings"

	"overseer/pkg/proto"
)

// subverbVerbs take a mandatory second token.
var subverbVerbs = map[string]bool{
	"sprint":  true,
	"backlog": true,
	"tdd":     true,
	"project": true,
}

// Parse splits a raw slash command into its verb, optional subverb, and
// arguments. Verbs are case-sensitive; quoting groups arguments; a
// --project=<name> argument selects the target project.
func Parse(raw, requester string) (proto.Command, error) {
	cmd := proto.Command{Raw: raw, Requester: requester}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return cmd, fmt.Errorf("empty command")
	}
	if !strings.HasPrefix(trimmed, "/") {
		return cmd, fmt.Errorf("commands start with '/'")
	}

	tokens, err := tokenize(trimmed[1:])
	if err != nil {
		return cmd, err
	}
	if len(tokens) == 0 {
		return cmd, fmt.Errorf("empty command")
	}

	cmd.Verb = tokens[0]
	rest := tokens[1:]
	if subverbVerbs[cmd.Verb] && len(rest) > 0 {
		cmd.Subverb = rest[0]
		rest = rest[1:]
	}

	for _, tok := range rest {
		if name, ok := strings.CutPrefix(tok, "--project="); ok {
			cmd.Project = name
			continue
		}
		cmd.Args = append(cmd.Args, tok)
	}
	return cmd, nil
}

// tokenize splits on whitespace honoring double-quoted groups.
func tokenize(s string) ([]string, error) {
	var (
		tokens   []string
		current  strings.Builder
		inQuotes bool
		pending  bool
	)
	flush := func() {
		if pending {
			tokens = append(tokens, current.String())
			current.Reset()
			pending = false
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			pending = true
		case !inQuotes && (r == ' ' || r == '\t'):
			flush()
		default:
			current.WriteRune(r)
			pending = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}
