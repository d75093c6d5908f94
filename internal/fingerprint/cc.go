package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Norgate-AV/compcache/internal/cache"
	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/invocation"
)

// Roles used by the cc table
const (
	roleCompile      = "compile"
	roleOutput       = "output"
	roleDep          = "dep"
	roleDepFile      = "dep_file"
	roleDepOption    = "dep_option"
	roleLanguage     = "language"
	rolePreprocessor = "preprocessor"
	roleColor        = "color"
	roleDebug        = "debug"
	roleAuxInput     = "aux_input"
)

// Artifact names for cc outputs
const (
	ArtifactObject  = "obj"
	ArtifactDepFile = "dep"
)

var ccSourceLanguages = map[string]invocation.Language{
	".c":   invocation.LanguageC,
	".i":   invocation.LanguageC,
	".cc":  invocation.LanguageCXX,
	".cp":  invocation.LanguageCXX,
	".cxx": invocation.LanguageCXX,
	".cpp": invocation.LanguageCXX,
	".c++": invocation.LanguageCXX,
	".C":   invocation.LanguageCXX,
	".ii":  invocation.LanguageCXX,
}

func (d *Deriver) deriveCC(ctx context.Context, inv *invocation.Invocation, path string) (*Derivation, error) {
	guess := invocation.LanguageC
	if invocation.IsCXXDriver(inv.Executable) {
		guess = invocation.LanguageCXX
	}

	args, err := parseArgs(&d.rules.CC, inv.Args)
	if err != nil {
		return nil, withLanguage(err, guess)
	}

	notCacheable := func(reason string) error {
		return &NotCacheableError{Reason: reason, Language: guess}
	}

	if !hasRole(args, roleCompile) {
		return nil, notCacheable("not a compilation (linking)")
	}

	inputs := positionals(args)
	switch {
	case len(inputs) == 0:
		return nil, notCacheable("no input file")
	case len(inputs) > 1:
		return nil, notCacheable("multiple input files")
	case inputs[0] == "-":
		return nil, notCacheable("stdin input")
	}

	input := inputs[0]

	lang, reason := ccLanguage(inv.Executable, args, input)
	if reason != "" {
		return nil, notCacheable(reason)
	}

	deriv := &Derivation{
		Family:   invocation.FamilyCC,
		Language: lang,
		Command:  baseCommand(inv, path),
	}

	// Outputs
	output, ok := last(args, roleOutput)
	if !ok {
		output = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + ".o"
	}

	deriv.Outputs = append(deriv.Outputs, cache.Output{Name: ArtifactObject, Path: inv.Path(output)})

	wantDeps := hasRole(args, roleDep)
	if wantDeps {
		depFile, ok := last(args, roleDepFile)
		if !ok {
			depFile = strings.TrimSuffix(output, filepath.Ext(output)) + ".d"
		}
		deriv.Outputs = append(deriv.Outputs, cache.Output{Name: ArtifactDepFile, Path: inv.Path(depFile)})
	}

	// Color
	requested := ccColor(args)
	deriv.ColorMode = resolveColor(requested, inv.Terminal)
	if requested == ColorAuto && deriv.ColorMode == ColorAlways {
		deriv.Command.Args = append(deriv.Command.Args, "-fdiagnostics-color=always")
	}

	id, err := d.identify(ctx, inv, path)
	if err != nil {
		return nil, deriveError(err, deriv)
	}
	deriv.Compiler = id

	// Auxiliary inputs such as profile data are not captured by preprocessing
	auxPaths := make([]string, 0)
	for _, v := range values(args, roleAuxInput) {
		auxPaths = append(auxPaths, inv.Path(v))
	}

	auxDigests, err := hashFiles(ctx, auxPaths)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, notCacheable("unreadable auxiliary input")
	}

	preprocessed, err := d.preprocessCC(ctx, path, inv, args)
	if err != nil {
		return nil, deriveError(err, deriv)
	}

	h := newHasher()
	h.str("family", "cc")
	h.str("compiler", id.Path)
	h.str("compiler-digest", id.Digest)
	h.str("compiler-version", id.Version)
	h.str("language", string(lang))

	hashArgs(h, args, func(arg Arg) (string, bool) {
		if arg.HasRole(rolePreprocessor) {
			return "", false
		}
		return arg.canonical(), true
	})

	for _, digest := range auxDigests {
		h.str("aux-input", digest)
	}

	hashEnv(h, inv, &d.rules.CC)

	if hasRole(args, roleDebug) {
		h.str("cwd", inv.Cwd)
	}

	// The dependency file names the object as its target
	if wantDeps {
		h.str("dep-target", output)
	}

	h.bytes("preprocessed", preprocessed)

	deriv.Key = h.sum()
	return deriv, nil
}

// preprocessCC runs the compiler with -E and returns the translation unit
func (d *Deriver) preprocessCC(ctx context.Context, path string, inv *invocation.Invocation, args []Arg) ([]byte, error) {
	pre := rebuild(args, func(arg Arg) bool {
		if arg.Rule == nil {
			return true
		}

		switch arg.Rule.Role {
		case roleCompile, roleOutput, roleDep, roleDepFile, roleDepOption, roleColor:
			return false
		}

		return true
	})

	cmd := compiler.Command{
		Path: path,
		Args: append([]string{"-E"}, pre...),
		Dir:  inv.Cwd,
		Env:  inv.Env,
	}

	res, err := d.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if !res.Status.IsSuccess() {
		return nil, fmt.Errorf("preprocessor %s: %s", res.Status, firstLine(res.Stderr))
	}

	return res.Stdout, nil
}

// ccLanguage picks C or C++ from -x, the driver name, then the extension.
// A non-empty reason means the source type is not cacheable.
func ccLanguage(exe string, args []Arg, input string) (invocation.Language, string) {
	if x, ok := last(args, roleLanguage); ok {
		switch x {
		case "c", "cpp-output":
			return invocation.LanguageC, ""
		case "c++", "c++-cpp-output":
			return invocation.LanguageCXX, ""
		case "none":
		default:
			return "", "unsupported language " + x
		}
	}

	ext := filepath.Ext(input)

	lang, ok := ccSourceLanguages[ext]
	if !ok {
		if ext == ".h" || ext == ".hpp" || ext == ".hh" {
			return "", "precompiled header"
		}
		return "", "unsupported source type " + ext
	}

	// A C++ driver compiles .c sources as C++
	if lang == invocation.LanguageC && ext == ".c" && invocation.IsCXXDriver(exe) {
		return invocation.LanguageCXX, ""
	}

	return lang, ""
}

// ccColor returns the last color request on the command line
func ccColor(args []Arg) string {
	mode := ColorAuto

	for _, arg := range args {
		if !arg.HasRole(roleColor) {
			continue
		}

		switch arg.Flag {
		case "-fdiagnostics-color", "-fcolor-diagnostics":
			mode = ColorAlways
			if arg.Form == ValueEquals {
				mode = arg.Value
			}
		case "-fno-diagnostics-color", "-fno-color-diagnostics":
			mode = ColorNever
		}
	}

	return mode
}

func deriveError(err error, deriv *Derivation) error {
	var launch *compiler.LaunchError
	if errors.As(err, &launch) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &DeriveError{Language: deriv.Language, Command: deriv.Command, Err: err}
}

// withLanguage fills in the language of a classification failure
func withLanguage(err error, lang invocation.Language) error {
	var nc *NotCacheableError
	if errors.As(err, &nc) && nc.Language == "" {
		nc.Language = lang
	}

	return err
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
