package fingerprint

import (
	"strings"
)

// DepInfo is the content of a Makefile-style dependency file
type DepInfo struct {
	// Files are every dependency named by any rule, in first-seen order
	Files []string

	// Env holds "# env-dep:" variables; a nil value means the variable was unset
	Env map[string]*string
}

// ParseDepInfo parses a dependency file as written by rustc --emit=dep-info
func ParseDepInfo(data []byte) DepInfo {
	info := DepInfo{Env: make(map[string]*string)}
	seen := make(map[string]bool)

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\\\n", " ")

	for _, line := range strings.Split(text, "\n") {
		if rest, ok := strings.CutPrefix(line, "# env-dep:"); ok {
			key, value, hasValue := strings.Cut(rest, "=")
			if hasValue {
				v := unescapeEnvDep(value)
				info.Env[key] = &v
			} else {
				info.Env[key] = nil
			}
			continue
		}

		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}

		colon := ruleColon(line)
		if colon < 0 {
			continue
		}

		for _, dep := range splitDeps(line[colon+1:]) {
			if !seen[dep] {
				seen[dep] = true
				info.Files = append(info.Files, dep)
			}
		}
	}

	return info
}

// ruleColon finds the colon ending a rule's targets, skipping escaped
// characters and drive letters such as C:\
func ruleColon(line string) int {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case ':':
			if i+1 < len(line) && line[i+1] != ' ' && line[i+1] != '\t' {
				continue
			}
			return i
		}
	}

	return -1
}

// splitDeps splits on unescaped whitespace, resolving "\ " escapes
func splitDeps(s string) []string {
	var (
		out []string
		cur strings.Builder
	)

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '#'):
			cur.WriteByte(s[i+1])
			i++
		case c == '$' && i+1 < len(s) && s[i+1] == '$':
			cur.WriteByte('$')
			i++
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}

	flush()
	return out
}

// unescapeEnvDep reverses rustc's escaping of newlines in env-dep values
func unescapeEnvDep(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}

	return b.String()
}
