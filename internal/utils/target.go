package utils

import (
	"strings"
)

// Target is a parsed target triple such as x86_64-unknown-linux-gnu
type Target struct {
	Triple string
	Arch   string
	Vendor string
	OS     string
	Env    string
}

// ParseTarget parses a target triple into its components.
// Missing components are left empty; two-part triples (wasm32-wasi) set Arch and OS.
func ParseTarget(triple string) Target {
	t := Target{Triple: strings.TrimSpace(triple)}
	if t.Triple == "" {
		return t
	}

	parts := strings.Split(t.Triple, "-")
	t.Arch = parts[0]

	switch len(parts) {
	case 1:
	case 2:
		t.OS = parts[1]
	case 3:
		t.Vendor = parts[1]
		t.OS = parts[2]
	default:
		t.Vendor = parts[1]
		t.OS = parts[2]
		t.Env = strings.Join(parts[3:], "-")
	}

	return t
}

// IsWindows reports whether binaries for this target carry Windows naming
func (t Target) IsWindows() bool {
	return t.OS == "windows"
}

// IsWasm reports whether the target produces WebAssembly modules
func (t Target) IsWasm() bool {
	return strings.HasPrefix(t.Arch, "wasm")
}

// ExeSuffix returns the executable file suffix for the target
func (t Target) ExeSuffix() string {
	switch {
	case t.IsWindows():
		return ".exe"
	case t.IsWasm():
		return ".wasm"
	default:
		return ""
	}
}

// StaticLibName returns the file name of a static library for the target
func (t Target) StaticLibName(stem string) string {
	if t.IsWindows() && t.Env == "msvc" {
		return stem + ".lib"
	}

	return "lib" + stem + ".a"
}
