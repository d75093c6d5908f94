// Package invocation describes a single compiler command as issued by a build tool.
package invocation

import (
	"path/filepath"
	"sort"
	"strings"
)

// Family is the compiled-language family of a compiler executable.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyCC
	FamilyRust
)

// String returns the family name
func (f Family) String() string {
	switch f {
	case FamilyCC:
		return "cc"
	case FamilyRust:
		return "rust"
	default:
		return "unknown"
	}
}

// Language is the name stats are keyed by ("C", "C++", "Rust").
type Language string

const (
	LanguageC       Language = "C"
	LanguageCXX     Language = "C++"
	LanguageRust    Language = "Rust"
	LanguageUnknown Language = "Unknown"
)

// Invocation is an immutable snapshot of one compiler command.
type Invocation struct {
	// Executable is the compiler as named by the build tool
	Executable string

	// Args excludes the executable itself
	Args []string

	// Cwd is the absolute working directory of the caller
	Cwd string

	// Env is the caller's environment in KEY=VALUE form
	Env []string

	// Family is detected from the executable name
	Family Family

	// Terminal reports whether the caller's stderr is a terminal, which
	// decides the color mode when the command does not request one
	Terminal bool
}

// New captures an invocation. Slices are copied so later mutation by the
// caller cannot leak into the snapshot.
func New(executable string, args []string, cwd string, env []string) *Invocation {
	return &Invocation{
		Executable: executable,
		Args:       append([]string(nil), args...),
		Cwd:        cwd,
		Env:        append([]string(nil), env...),
		Family:     DetectFamily(executable),
	}
}

// Getenv returns the value of key in the invocation environment
func (inv *Invocation) Getenv(key string) (string, bool) {
	prefix := key + "="
	// Later entries win, matching os/exec semantics
	for i := len(inv.Env) - 1; i >= 0; i-- {
		if strings.HasPrefix(inv.Env[i], prefix) {
			return inv.Env[i][len(prefix):], true
		}
	}

	return "", false
}

// EnvMatching returns sorted KEY=VALUE pairs whose key satisfies match.
func (inv *Invocation) EnvMatching(match func(key string) bool) []string {
	seen := make(map[string]string)
	for _, kv := range inv.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !match(key) {
			continue
		}

		seen[key] = value
	}

	out := make([]string, 0, len(seen))
	for k, v := range seen {
		out = append(out, k+"="+v)
	}

	sort.Strings(out)
	return out
}

// Path resolves p against the invocation working directory
func (inv *Invocation) Path(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(inv.Cwd, p)
}

// DetectFamily classifies a compiler by its executable name.
func DetectFamily(executable string) Family {
	name := strings.ToLower(filepath.Base(executable))
	name = strings.TrimSuffix(name, ".exe")

	// rustc, rustc-1.79, or a rustup proxy named rustc
	if name == "rustc" || strings.HasPrefix(name, "rustc-") {
		return FamilyRust
	}

	// Strip a target prefix such as x86_64-linux-gnu-gcc-13
	base := name
	if i := strings.LastIndex(base, "-"); i >= 0 && isVersion(base[i+1:]) {
		base = base[:i]
	}

	if i := strings.LastIndex(base, "-"); i >= 0 {
		base = base[i+1:]
	}

	switch base {
	case "cc", "c++", "gcc", "g++", "clang", "clang++":
		return FamilyCC
	}

	return FamilyUnknown
}

// IsCXXDriver reports whether the executable is a C++ driver by name
func IsCXXDriver(executable string) bool {
	name := strings.ToLower(filepath.Base(executable))
	return strings.Contains(name, "++")
}

func isVersion(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}

	return true
}
