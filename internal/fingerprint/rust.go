package fingerprint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/Norgate-AV/compcache/internal/cache"
	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/utils"
)

// Roles used by the rust table
const (
	roleCrateType   = "crate_type"
	roleCrateName   = "crate_name"
	roleEmit        = "emit"
	roleTest        = "test"
	roleExtern      = "extern"
	roleLinkLib     = "link_lib"
	roleTarget      = "target"
	roleCodegen     = "codegen"
	roleErrorFormat = "error_format"
	roleJSON        = "json"
	roleOutDir      = "out_dir"
)

const renderedAnsi = "diagnostic-rendered-ansi"

var rustCrateTypes = map[string]bool{
	"bin":       true,
	"lib":       true,
	"rlib":      true,
	"staticlib": true,
}

// rustEmitExtensions maps emit kinds other than link to their file suffix
var rustEmitExtensions = map[string]string{
	"dep-info": ".d",
	"obj":      ".o",
	"asm":      ".s",
	"llvm-bc":  ".bc",
	"llvm-ir":  ".ll",
	"mir":      ".mir",
}

// rustCrate is the part of a rustc command line that decides the outputs
type rustCrate struct {
	name   string
	extra  string
	types  []string
	emit   []string
	test   bool
	outDir string
	target string
	input  string
}

func (d *Deriver) deriveRust(ctx context.Context, inv *invocation.Invocation, path string) (*Derivation, error) {
	args, err := parseArgs(&d.rules.Rust, inv.Args)
	if err != nil {
		return nil, withLanguage(err, invocation.LanguageRust)
	}

	crate, err := parseRustCrate(args)
	if err != nil {
		return nil, err
	}

	deriv := &Derivation{
		Family:   invocation.FamilyRust,
		Language: invocation.LanguageRust,
		Command:  baseCommand(inv, path),
	}

	// Color
	errorFormat, _ := last(args, roleErrorFormat)
	jsonOpts := rustJSONOptions(args)

	if strings.HasPrefix(errorFormat, "json") {
		deriv.jsonDiagnostics = true
		deriv.ColorMode = ColorNever
		if slices.Contains(jsonOpts, renderedAnsi) {
			deriv.ColorMode = ColorAlways
		}
	} else {
		requested, ok := last(args, roleColor)
		if !ok {
			requested = ColorAuto
		}

		deriv.ColorMode = resolveColor(requested, inv.Terminal)
		if requested == ColorAuto && deriv.ColorMode == ColorAlways {
			deriv.Command.Args = append(deriv.Command.Args, "--color=always")
		}
	}

	id, err := d.identify(ctx, inv, path)
	if err != nil {
		return nil, deriveError(err, deriv)
	}
	deriv.Compiler = id

	target := utils.ParseTarget(id.Host)
	if crate.target != "" {
		target = utils.ParseTarget(crate.target)
	}

	deriv.Outputs = rustOutputs(crate, target, inv)

	depInfo, err := d.rustDepInfo(ctx, path, inv, args)
	if err != nil {
		return nil, deriveError(err, deriv)
	}

	sources := make([]string, len(depInfo.Files))
	for i, f := range depInfo.Files {
		sources[i] = inv.Path(f)
	}

	sourceDigests, err := hashFiles(ctx, sources)
	if err != nil {
		return nil, deriveError(fmt.Errorf("failed to hash sources: %w", err), deriv)
	}

	externs := rustExternFiles(args, inv)
	externDigests, err := hashFiles(ctx, externs)
	if err != nil {
		return nil, deriveError(fmt.Errorf("failed to hash extern crates: %w", err), deriv)
	}

	staticLibs := rustStaticLibs(args, inv, target)
	staticDigests, err := hashFiles(ctx, staticLibs)
	if err != nil {
		return nil, deriveError(fmt.Errorf("failed to hash static libraries: %w", err), deriv)
	}

	h := newHasher()
	h.str("family", "rust")
	h.str("compiler-digest", id.Digest)
	h.str("compiler-version", id.Version)

	hashArgs(h, args, func(arg Arg) (string, bool) {
		if arg.HasRole(roleJSON) {
			return "--json\x00" + strings.Join(slices.DeleteFunc(strings.Split(arg.Value, ","), func(s string) bool {
				return s == renderedAnsi
			}), ","), true
		}
		return arg.canonical(), true
	})

	// Artifact notices and the dependency file both embed the output directory
	if slices.Contains(jsonOpts, "artifacts") || slices.Contains(crate.emit, "dep-info") {
		h.str("out-dir", crate.outDir)
	}

	for i, f := range depInfo.Files {
		h.str("source", f)
		h.str("source-digest", sourceDigests[i])
	}

	for i, f := range externs {
		h.str("extern", f)
		h.str("extern-digest", externDigests[i])
	}

	for _, digest := range staticDigests {
		h.str("static-lib", digest)
	}

	envKeys := make([]string, 0, len(depInfo.Env))
	for k := range depInfo.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)

	for _, k := range envKeys {
		if v, ok := inv.Getenv(k); ok {
			h.str("env-dep", k+"="+v)
		} else {
			h.str("env-dep-unset", k)
		}
	}

	hashEnv(h, inv, &d.rules.Rust)

	// Debug info and panic locations embed the working directory
	h.str("cwd", inv.Cwd)

	deriv.Key = h.sum()
	return deriv, nil
}

// parseRustCrate checks the command line describes a single cacheable crate
func parseRustCrate(args []Arg) (*rustCrate, error) {
	notCacheable := func(reason string) error {
		return &NotCacheableError{Reason: reason, Language: invocation.LanguageRust}
	}

	crate := &rustCrate{test: hasRole(args, roleTest)}

	inputs := positionals(args)
	switch {
	case len(inputs) == 0:
		return nil, notCacheable("no input file")
	case len(inputs) > 1:
		return nil, notCacheable("multiple input files")
	case inputs[0] == "-":
		return nil, notCacheable("stdin input")
	}
	crate.input = inputs[0]

	var ok bool
	if crate.name, ok = last(args, roleCrateName); !ok {
		return nil, notCacheable("missing --crate-name")
	}

	if crate.outDir, ok = last(args, roleOutDir); !ok {
		return nil, notCacheable("missing --out-dir")
	}

	crate.target, _ = last(args, roleTarget)
	if strings.HasSuffix(crate.target, ".json") {
		return nil, notCacheable("custom target specification")
	}

	for _, v := range values(args, roleCrateType) {
		for _, t := range strings.Split(v, ",") {
			if !rustCrateTypes[t] {
				return nil, notCacheable("crate type " + t)
			}
			if !slices.Contains(crate.types, t) {
				crate.types = append(crate.types, t)
			}
		}
	}

	if len(crate.types) == 0 && !crate.test {
		return nil, notCacheable("missing --crate-type")
	}

	for _, v := range values(args, roleEmit) {
		for _, kind := range strings.Split(v, ",") {
			if strings.Contains(kind, "=") {
				return nil, notCacheable("emit with explicit path")
			}
			if kind != "link" && kind != "metadata" && rustEmitExtensions[kind] == "" {
				return nil, notCacheable("emit kind " + kind)
			}
			if !slices.Contains(crate.emit, kind) {
				crate.emit = append(crate.emit, kind)
			}
		}
	}

	if len(crate.emit) == 0 {
		crate.emit = []string{"link"}
	}

	for _, v := range values(args, roleCodegen) {
		key, value, _ := strings.Cut(v, "=")
		switch key {
		case "incremental":
			return nil, notCacheable("incremental compilation")
		case "split-debuginfo":
			if value != "off" {
				return nil, notCacheable("split debuginfo")
			}
		case "extra-filename":
			crate.extra = value
		}
	}

	return crate, nil
}

// rustOutputs names the files rustc writes into the output directory
func rustOutputs(crate *rustCrate, target utils.Target, inv *invocation.Invocation) []cache.Output {
	stem := crate.name + crate.extra
	outDir := inv.Path(crate.outDir)

	var names []string
	for _, kind := range crate.emit {
		switch kind {
		case "link":
			if crate.test {
				names = append(names, stem+target.ExeSuffix())
				continue
			}

			for _, t := range crate.types {
				switch t {
				case "bin":
					names = append(names, stem+target.ExeSuffix())
				case "lib", "rlib":
					names = append(names, "lib"+stem+".rlib")
				case "staticlib":
					names = append(names, target.StaticLibName(stem))
				}
			}
		case "metadata":
			names = append(names, "lib"+stem+".rmeta")
		default:
			names = append(names, stem+rustEmitExtensions[kind])
		}
	}

	outputs := make([]cache.Output, 0, len(names))
	for _, name := range names {
		outputs = append(outputs, cache.Output{Name: name, Path: filepath.Join(outDir, name)})
	}

	return outputs
}

// rustDepInfo asks rustc for the crate's source files and tracked environment
func (d *Deriver) rustDepInfo(ctx context.Context, path string, inv *invocation.Invocation, args []Arg) (DepInfo, error) {
	if err := os.MkdirAll(d.scratchDir, 0o755); err != nil {
		return DepInfo{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	dir, err := os.MkdirTemp(d.scratchDir, "depinfo-")
	if err != nil {
		return DepInfo{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	depFile := filepath.Join(dir, "deps.d")

	probe := rebuild(args, func(arg Arg) bool {
		if arg.Rule == nil {
			return true
		}

		switch arg.Rule.Role {
		case roleOutDir, roleEmit, roleJSON, roleErrorFormat, roleColor:
			return false
		}

		return true
	})
	probe = append(probe, "--emit=dep-info="+depFile, "--color=never")

	res, err := d.runner.Run(ctx, compiler.Command{Path: path, Args: probe, Dir: inv.Cwd, Env: inv.Env})
	if err != nil {
		return DepInfo{}, err
	}

	if !res.Status.IsSuccess() {
		return DepInfo{}, fmt.Errorf("dependency scan %s: %s", res.Status, firstLine(res.Stderr))
	}

	data, err := os.ReadFile(depFile)
	if err != nil {
		return DepInfo{}, fmt.Errorf("failed to read dependency file: %w", err)
	}

	info := ParseDepInfo(data)
	if len(info.Files) == 0 {
		return DepInfo{}, fmt.Errorf("dependency file lists no sources")
	}

	return info, nil
}

// rustExternFiles returns the crate files named by --extern, sorted
func rustExternFiles(args []Arg, inv *invocation.Invocation) []string {
	var files []string
	for _, v := range values(args, roleExtern) {
		if _, p, ok := strings.Cut(v, "="); ok && p != "" {
			files = append(files, inv.Path(p))
		}
	}

	sort.Strings(files)
	return slices.Compact(files)
}

// rustStaticLibs finds the archives of -l static= libraries on the -L search path
func rustStaticLibs(args []Arg, inv *invocation.Invocation, target utils.Target) []string {
	var dirs []string
	for _, arg := range args {
		if arg.Flag != "-L" {
			continue
		}

		dir := arg.Value
		if kind, p, ok := strings.Cut(dir, "="); ok && !strings.ContainsAny(kind, `/\`) {
			dir = p
		}
		dirs = append(dirs, inv.Path(dir))
	}

	var libs []string
	for _, v := range values(args, roleLinkLib) {
		kind, name, ok := strings.Cut(v, "=")
		if !ok {
			continue
		}

		kind, _, _ = strings.Cut(kind, ":")
		if kind != "static" {
			continue
		}

		name, _, _ = strings.Cut(name, ":")
		for _, dir := range dirs {
			p := filepath.Join(dir, target.StaticLibName(name))
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				libs = append(libs, p)
				break
			}
		}
	}

	return libs
}

// rustJSONOptions returns every component of every --json value
func rustJSONOptions(args []Arg) []string {
	var opts []string
	for _, v := range values(args, roleJSON) {
		opts = append(opts, strings.Split(v, ",")...)
	}

	return opts
}
