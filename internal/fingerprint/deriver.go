// Package fingerprint decides whether a compiler invocation can be cached and,
// if so, derives the key that identifies its output.
//
// Each compiler family carries its own flag classification table (rules.yaml,
// overridable at runtime). Invocations the table cannot fully account for are
// reported as not cacheable and run unmodified.
package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Norgate-AV/compcache/internal/cache"
	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/invocation"
)

// Color modes recorded with each entry
const (
	ColorAlways = "always"
	ColorNever  = "never"
	ColorAuto   = "auto"
)

// NotCacheableError routes an invocation to pass-through. It is benign.
type NotCacheableError struct {
	Reason   string
	Language invocation.Language
}

func (e *NotCacheableError) Error() string {
	return "not cacheable: " + e.Reason
}

// DeriveError means the invocation looked cacheable but the key could not be
// computed, usually because the preprocessing run failed. Command is the real
// compile to run uncached instead.
type DeriveError struct {
	Language invocation.Language
	Command  compiler.Command
	Err      error
}

func (e *DeriveError) Error() string {
	return fmt.Sprintf("failed to fingerprint %s compilation: %v", e.Language, e.Err)
}

func (e *DeriveError) Unwrap() error {
	return e.Err
}

// Derivation is everything the dispatcher needs for one cacheable compile
type Derivation struct {
	// Key is the hex fingerprint
	Key string

	Family   invocation.Family
	Language invocation.Language

	// ColorMode is the effective diagnostics color mode, always or never
	ColorMode string

	// Outputs are the files the compile writes, by logical name
	Outputs []cache.Output

	// Command is the real compile, with an auto color mode made explicit
	Command compiler.Command

	Compiler *Identity

	// jsonDiagnostics is set when diagnostics are emitted as JSON messages
	jsonDiagnostics bool
}

// ColorSensitive reports whether stderr recorded under one color mode would
// differ under another. Structured messages other than diagnostics, such as
// rustc artifact notices, carry no color.
func (d *Derivation) ColorSensitive(stderr []byte) bool {
	if len(stderr) == 0 {
		return false
	}

	if d.jsonDiagnostics {
		return bytes.Contains(stderr, []byte(`"$message_type":"diagnostic"`))
	}

	return true
}

// Deriver computes fingerprints. It is safe for concurrent use.
type Deriver struct {
	rules      *Rules
	runner     *compiler.Runner
	identities *identityCache
	scratchDir string
	logger     *slog.Logger
}

// NewDeriver creates a deriver. scratchDir holds temporary dependency files
// and defaults to the system temp directory.
func NewDeriver(rules *Rules, runner *compiler.Runner, scratchDir string) *Deriver {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}

	return &Deriver{
		rules:      rules,
		runner:     runner,
		identities: newIdentityCache(),
		scratchDir: scratchDir,
		logger:     slog.Default().With("component", "fingerprint"),
	}
}

// Derive classifies inv and computes its fingerprint.
//
// It returns *NotCacheableError for invocations that must pass through,
// *compiler.LaunchError when the compiler cannot be run at all, and
// *DeriveError when fingerprinting itself failed.
func (d *Deriver) Derive(ctx context.Context, inv *invocation.Invocation) (*Derivation, error) {
	if inv.Family == invocation.FamilyUnknown {
		return nil, &NotCacheableError{Reason: "unsupported compiler", Language: invocation.LanguageUnknown}
	}

	path, err := resolveExecutable(inv)
	if err != nil {
		return nil, err
	}

	var deriv *Derivation
	switch inv.Family {
	case invocation.FamilyCC:
		deriv, err = d.deriveCC(ctx, inv, path)
	case invocation.FamilyRust:
		deriv, err = d.deriveRust(ctx, inv, path)
	}

	var nc *NotCacheableError
	if errors.As(err, &nc) {
		d.logger.Debug("Invocation not cacheable", "compiler", inv.Executable, "reason", nc.Reason)
	}

	return deriv, err
}

// baseCommand is the invocation as the build tool issued it
func baseCommand(inv *invocation.Invocation, path string) compiler.Command {
	return compiler.Command{
		Path: path,
		Args: append([]string(nil), inv.Args...),
		Dir:  inv.Cwd,
		Env:  inv.Env,
	}
}

// resolveColor turns a requested mode into always or never. The real
// compiler writes into a pipe, so auto follows the client's terminal.
func resolveColor(requested string, terminal bool) string {
	switch requested {
	case ColorAlways:
		return ColorAlways
	case ColorNever:
		return ColorNever
	default:
		if terminal {
			return ColorAlways
		}
		return ColorNever
	}
}

// hashEnv feeds the family's output-affecting variables to h
func hashEnv(h *hasher, inv *invocation.Invocation, fam *FamilyRules) {
	for _, kv := range inv.EnvMatching(fam.envMatcher()) {
		h.str("env", kv)
	}
}
