package fingerprint

import (
	"sort"
	"strings"
)

// Arg is one classified command-line argument. A flag with a separate value
// spans two tokens.
type Arg struct {
	// Flag is the matched flag spelling, empty for positional arguments
	Flag string

	// Value is the flag argument, or the token itself for positionals
	Value string

	// Form records how the value was attached
	Form ValueForm

	// Tokens are the original tokens, passed to the compiler unchanged
	Tokens []string

	// Rule is nil for positionals and for unknown flags hashed by policy
	Rule *Rule
}

// Positional reports whether the argument is an input rather than a flag
func (a Arg) Positional() bool {
	return a.Flag == "" && a.Rule == nil
}

// HasRole reports whether the argument matched a rule with the given role
func (a Arg) HasRole(role string) bool {
	return a.Rule != nil && a.Rule.Role == role
}

// canonical renders the argument independent of how its value was attached
func (a Arg) canonical() string {
	if a.Rule == nil {
		return strings.Join(a.Tokens, "\x00")
	}

	if a.Rule.Prefix != "" {
		return a.Tokens[0]
	}

	return a.Flag + "\x00" + a.Value
}

// parseArgs classifies args against a family table. Any not_cacheable rule,
// or an unknown flag under a not_cacheable policy, stops parsing.
func parseArgs(fam *FamilyRules, args []string) ([]Arg, error) {
	out := make([]Arg, 0, len(args))

	for i := 0; i < len(args); i++ {
		tok := args[i]

		if tok == "-" || !(strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, "@")) {
			out = append(out, Arg{Value: tok, Tokens: []string{tok}})
			continue
		}

		arg, consumed, ok := matchExact(fam, args[i:])
		if !ok {
			arg, ok = matchPrefix(fam, tok)
			consumed = 1
		}

		if !ok {
			if fam.Unknown == ActionNotCacheable {
				return nil, &NotCacheableError{Reason: "unknown flag " + flagName(tok)}
			}

			out = append(out, Arg{Flag: tok, Tokens: []string{tok}})
			continue
		}

		if consumed < 0 {
			return nil, &NotCacheableError{Reason: "missing argument to " + tok}
		}

		if arg.Rule.Action == ActionNotCacheable {
			return nil, &NotCacheableError{Reason: arg.Rule.Reason}
		}

		out = append(out, arg)
		i += consumed - 1
	}

	return out, nil
}

// matchExact finds the longest flag rule matching the head of args. consumed
// is -1 when the flag needs a separate value that is missing.
func matchExact(fam *FamilyRules, args []string) (Arg, int, bool) {
	tok := args[0]

	var (
		best     Arg
		bestLen  = -1
		consumed int
	)

	for i := range fam.Rules {
		rule := &fam.Rules[i]
		if rule.Flag == "" || !strings.HasPrefix(tok, rule.Flag) || len(rule.Flag) <= bestLen {
			continue
		}

		rest := tok[len(rule.Flag):]

		var (
			arg = Arg{Flag: rule.Flag, Rule: rule}
			n   int
		)

		switch {
		case rest == "" && rule.Value == ValueNone:
			arg.Form, n = ValueNone, 1
		case rest == "" && (rule.Value == ValueSeparate || rule.Value == ValueSeparateOrJoined || rule.Value == ValueSeparateOrEquals):
			arg.Form = ValueSeparate
			if len(args) < 2 {
				n = -1
			} else {
				arg.Value, n = args[1], 2
			}
		case rest != "" && (rule.Value == ValueJoined || rule.Value == ValueSeparateOrJoined):
			arg.Form, arg.Value, n = ValueJoined, rest, 1
		case strings.HasPrefix(rest, "=") && (rule.Value == ValueEquals || rule.Value == ValueSeparateOrEquals):
			arg.Form, arg.Value, n = ValueEquals, rest[1:], 1
		default:
			continue
		}

		if n > 0 {
			arg.Tokens = append([]string(nil), args[:n]...)
		} else {
			arg.Tokens = []string{tok}
		}

		best, bestLen, consumed = arg, len(rule.Flag), n
	}

	return best, consumed, bestLen >= 0
}

// matchPrefix finds the longest prefix rule matching tok
func matchPrefix(fam *FamilyRules, tok string) (Arg, bool) {
	var (
		best    Arg
		bestLen = -1
	)

	for i := range fam.Rules {
		rule := &fam.Rules[i]
		if rule.Prefix == "" || !strings.HasPrefix(tok, rule.Prefix) || len(rule.Prefix) <= bestLen {
			continue
		}

		best = Arg{
			Flag:   rule.Prefix,
			Value:  tok[len(rule.Prefix):],
			Form:   ValueJoined,
			Tokens: []string{tok},
			Rule:   rule,
		}
		bestLen = len(rule.Prefix)
	}

	return best, bestLen >= 0
}

func flagName(tok string) string {
	if i := strings.IndexByte(tok, '='); i > 0 {
		return tok[:i]
	}

	return tok
}

// hashArgs feeds the hashed arguments to h. Ordered arguments keep their
// relative order; hash_sorted arguments are sorted first. canon may rewrite
// an argument's canonical form or drop it by returning false.
func hashArgs(h *hasher, args []Arg, canon func(Arg) (string, bool)) {
	var sorted []string

	for _, arg := range args {
		if arg.Positional() {
			continue
		}

		action := ActionHash
		if arg.Rule != nil {
			action = arg.Rule.Action
		}

		if action == ActionIgnore {
			continue
		}

		s, ok := arg.canonical(), true
		if canon != nil {
			s, ok = canon(arg)
		}

		if !ok {
			continue
		}

		if action == ActionHashSorted {
			sorted = append(sorted, s)
			continue
		}

		h.str("arg", s)
	}

	sort.Strings(sorted)
	for _, s := range sorted {
		h.str("sorted-arg", s)
	}
}

// rebuild returns the tokens of args that pass keep, in order
func rebuild(args []Arg, keep func(Arg) bool) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if keep(arg) {
			out = append(out, arg.Tokens...)
		}
	}

	return out
}

// positionals returns the input arguments
func positionals(args []Arg) []string {
	var out []string
	for _, arg := range args {
		if arg.Positional() {
			out = append(out, arg.Value)
		}
	}

	return out
}

// values returns the values of every argument with role, in order
func values(args []Arg, role string) []string {
	var out []string
	for _, arg := range args {
		if arg.HasRole(role) {
			out = append(out, arg.Value)
		}
	}

	return out
}

// last returns the value of the final argument with role
func last(args []Arg, role string) (string, bool) {
	vals := values(args, role)
	if len(vals) == 0 {
		return "", false
	}

	return vals[len(vals)-1], true
}

func hasRole(args []Arg, role string) bool {
	for _, arg := range args {
		if arg.HasRole(role) {
			return true
		}
	}

	return false
}
