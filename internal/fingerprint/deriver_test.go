package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/testutil"
)

type fixture struct {
	t       *testing.T
	bin     string
	work    string
	deriver *Deriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.RequirePosix(t)

	root := t.TempDir()
	f := &fixture{
		t:    t,
		bin:  filepath.Join(root, "bin"),
		work: filepath.Join(root, "work"),
	}

	require.NoError(t, os.MkdirAll(f.bin, 0o755))
	require.NoError(t, os.MkdirAll(f.work, 0o755))

	testutil.WriteFakeCC(t, f.bin, "gcc")
	testutil.WriteFakeCC(t, f.bin, "g++")
	testutil.WriteFakeRustc(t, f.bin)

	f.deriver = NewDeriver(mustRules(t), compiler.NewRunner(), filepath.Join(root, "scratch"))
	return f
}

func (f *fixture) env(extra ...string) []string {
	return append([]string{"PATH=" + f.bin + ":/usr/bin:/bin"}, extra...)
}

func (f *fixture) file(name, content string) {
	testutil.WriteFile(f.t, f.work, name, content)
}

func (f *fixture) derive(inv *invocation.Invocation) (*Derivation, error) {
	return f.deriver.Derive(context.Background(), inv)
}

func (f *fixture) key(t *testing.T, exe string, args []string, env ...string) string {
	t.Helper()

	d, err := f.derive(invocation.New(exe, args, f.work, f.env(env...)))
	require.NoError(t, err)
	require.Len(t, d.Key, 64)
	return d.Key
}

func TestDerive_CC(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int main(void) { return 0; }\n")

	d, err := f.derive(invocation.New("gcc", []string{"-c", "a.c", "-o", "out/a.o", "-O2"}, f.work, f.env()))
	require.NoError(t, err)

	assert.Len(t, d.Key, 64)
	assert.Equal(t, invocation.FamilyCC, d.Family)
	assert.Equal(t, invocation.LanguageC, d.Language)
	assert.Equal(t, ColorNever, d.ColorMode)
	assert.Equal(t, filepath.Join(f.bin, "gcc"), d.Command.Path)
	assert.Equal(t, []string{"-c", "a.c", "-o", "out/a.o", "-O2"}, d.Command.Args)
	assert.Equal(t, f.work, d.Command.Dir)

	require.Len(t, d.Outputs, 1)
	assert.Equal(t, ArtifactObject, d.Outputs[0].Name)
	assert.Equal(t, filepath.Join(f.work, "out/a.o"), d.Outputs[0].Path)

	require.NotNil(t, d.Compiler)
	assert.Contains(t, d.Compiler.Version, "fakecc")
}

func TestDerive_CC_SameKey(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")

	base := f.key(t, "gcc", []string{"-c", "a.c", "-o", "a.o"})

	tests := []struct {
		name string
		args []string
		env  []string
	}{
		{name: "joined output", args: []string{"-c", "a.c", "-oa.o"}},
		{name: "include path", args: []string{"-c", "a.c", "-o", "a.o", "-Iinclude"}},
		{name: "color flag", args: []string{"-c", "a.c", "-o", "a.o", "-fdiagnostics-color=always"}},
		{name: "no color flag", args: []string{"-fno-color-diagnostics", "-c", "a.c", "-o", "a.o"}},
		{name: "pipe", args: []string{"-pipe", "-c", "a.c", "-o", "a.o"}},
		{name: "unrelated env", args: []string{"-c", "a.c", "-o", "a.o"}, env: []string{"HOME=/elsewhere", "TERM=xterm"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, base, f.key(t, "gcc", tt.args, tt.env...))
		})
	}
}

func TestDerive_CC_DistinctKey(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")
	f.file("b/a.c", "int x;\n")
	f.file("p.prof", "profile-1")

	base := f.key(t, "gcc", []string{"-c", "a.c", "-o", "a.o"})

	tests := []struct {
		name string
		args []string
		env  []string
	}{
		{name: "optimization", args: []string{"-c", "a.c", "-o", "a.o", "-O2"}},
		{name: "target arch", args: []string{"-c", "a.c", "-o", "a.o", "-march=native"}},
		{name: "define changes preprocessed text", args: []string{"-c", "a.c", "-o", "a.o", "-DFOO"}},
		{name: "different source path", args: []string{"-c", "b/a.c", "-o", "a.o"}},
		{name: "language override", args: []string{"-c", "a.c", "-o", "a.o", "-xc++"}},
		{name: "profile data", args: []string{"-c", "a.c", "-o", "a.o", "-fprofile-use=p.prof"}},
		{name: "output affecting env", args: []string{"-c", "a.c", "-o", "a.o"}, env: []string{"SOURCE_DATE_EPOCH=1"}},
	}

	seen := map[string]string{base: "base"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := f.key(t, "gcc", tt.args, tt.env...)
			prev, dup := seen[key]
			assert.False(t, dup, "collides with %s", prev)
			seen[key] = tt.name
		})
	}
}

func TestDerive_CC_SourceAndCompilerChanges(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")
	args := []string{"-c", "a.c", "-o", "a.o"}

	before := f.key(t, "gcc", args)

	f.file("a.c", "int y;\n")
	afterSource := f.key(t, "gcc", args)
	assert.NotEqual(t, before, afterSource)

	// A toolchain upgrade replaces the binary
	gcc := filepath.Join(f.bin, "gcc")
	data, err := os.ReadFile(gcc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(gcc, append(data, []byte("# upgraded\n")...), 0o755))

	assert.NotEqual(t, afterSource, f.key(t, "gcc", args))
}

func TestDerive_CC_WorkingDirectoryOnlyWithDebugInfo(t *testing.T) {
	f := newFixture(t)
	other := t.TempDir()
	testutil.WriteFile(t, other, "a.c", "int x;\n")
	f.file("a.c", "int x;\n")

	keyIn := func(dir string, args ...string) string {
		d, err := f.derive(invocation.New("gcc", args, dir, f.env()))
		require.NoError(t, err)
		return d.Key
	}

	assert.Equal(t, keyIn(f.work, "-c", "a.c"), keyIn(other, "-c", "a.c"))
	assert.NotEqual(t, keyIn(f.work, "-c", "a.c", "-g"), keyIn(other, "-c", "a.c", "-g"))
}

func TestDerive_CC_Language(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")
	f.file("b.cpp", "int y;\n")

	tests := []struct {
		exe  string
		args []string
		want invocation.Language
	}{
		{exe: "gcc", args: []string{"-c", "a.c"}, want: invocation.LanguageC},
		{exe: "gcc", args: []string{"-c", "b.cpp"}, want: invocation.LanguageCXX},
		{exe: "g++", args: []string{"-c", "a.c"}, want: invocation.LanguageCXX},
		{exe: "gcc", args: []string{"-xc++", "-c", "a.c"}, want: invocation.LanguageCXX},
	}

	for _, tt := range tests {
		d, err := f.derive(invocation.New(tt.exe, tt.args, f.work, f.env()))
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.Language, "%s %v", tt.exe, tt.args)
	}
}

func TestDerive_CC_DependencyFile(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")

	d, err := f.derive(invocation.New("gcc", []string{"-c", "a.c", "-o", "obj/a.o", "-MD", "-MF", "deps/a.d"}, f.work, f.env()))
	require.NoError(t, err)
	require.Len(t, d.Outputs, 2)
	assert.Equal(t, ArtifactDepFile, d.Outputs[1].Name)
	assert.Equal(t, filepath.Join(f.work, "deps/a.d"), d.Outputs[1].Path)

	d, err = f.derive(invocation.New("gcc", []string{"-c", "a.c", "-o", "obj/a.o", "-MMD"}, f.work, f.env()))
	require.NoError(t, err)
	require.Len(t, d.Outputs, 2)
	assert.Equal(t, filepath.Join(f.work, "obj/a.d"), d.Outputs[1].Path)

	// The dependency file names the object, so the object path matters
	k1 := f.key(t, "gcc", []string{"-c", "a.c", "-o", "x.o", "-MD"})
	k2 := f.key(t, "gcc", []string{"-c", "a.c", "-o", "y.o", "-MD"})
	assert.NotEqual(t, k1, k2)
}

func TestDerive_CC_NotCacheable(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")
	f.file("b.c", "int y;\n")
	f.file("s.s", "nop\n")

	tests := []struct {
		name   string
		args   []string
		reason string
	}{
		{name: "linking", args: []string{"a.c", "-o", "a.out"}, reason: "not a compilation (linking)"},
		{name: "preprocess only", args: []string{"-E", "a.c"}, reason: "preprocess only"},
		{name: "multiple inputs", args: []string{"-c", "a.c", "b.c"}, reason: "multiple input files"},
		{name: "no input", args: []string{"-c"}, reason: "no input file"},
		{name: "stdin", args: []string{"-c", "-xc", "-"}, reason: "stdin input"},
		{name: "response file", args: []string{"-c", "@args.rsp"}, reason: "response file"},
		{name: "unknown flag", args: []string{"-c", "a.c", "--frobnicate"}, reason: "unknown flag --frobnicate"},
		{name: "split dwarf", args: []string{"-c", "a.c", "-gsplit-dwarf"}, reason: "split dwarf"},
		{name: "assembly", args: []string{"-c", "s.s"}, reason: "unsupported source type .s"},
		{name: "header", args: []string{"-c", "a.h"}, reason: "precompiled header"},
		{name: "unreadable profile", args: []string{"-c", "a.c", "-fprofile-use=missing.prof"}, reason: "unreadable auxiliary input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.derive(invocation.New("gcc", tt.args, f.work, f.env()))

			var nc *NotCacheableError
			require.ErrorAs(t, err, &nc)
			assert.Equal(t, tt.reason, nc.Reason)
			assert.Equal(t, invocation.LanguageC, nc.Language)
		})
	}
}

func TestDerive_CC_PreprocessFailure(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "#include \"missing.h\"\n")

	_, err := f.derive(invocation.New("gcc", []string{"-c", "a.c", "-o", "a.o"}, f.work, f.env()))

	var derr *DeriveError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, invocation.LanguageC, derr.Language)
	assert.Equal(t, []string{"-c", "a.c", "-o", "a.o"}, derr.Command.Args)
	assert.Contains(t, derr.Error(), "missing.h")
}

func TestDerive_LaunchFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.derive(invocation.New("/nonexistent/gcc", []string{"-c", "a.c"}, f.work, f.env()))

	var launch *compiler.LaunchError
	require.ErrorAs(t, err, &launch)
	assert.Equal(t, "/nonexistent/gcc", launch.Path)

	_, err = f.derive(invocation.New("clang", []string{"-c", "a.c"}, f.work, []string{"PATH=" + f.bin}))
	require.ErrorAs(t, err, &launch)
}

func TestDerive_UnknownCompiler(t *testing.T) {
	f := newFixture(t)

	_, err := f.derive(invocation.New("nvcc", []string{"-c", "a.cu"}, f.work, f.env()))

	var nc *NotCacheableError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "unsupported compiler", nc.Reason)
}

func TestDerive_CC_AutoColorFollowsTerminal(t *testing.T) {
	f := newFixture(t)
	f.file("a.c", "int x;\n")

	inv := invocation.New("gcc", []string{"-c", "a.c"}, f.work, f.env())
	plain, err := f.derive(inv)
	require.NoError(t, err)

	inv.Terminal = true
	tty, err := f.derive(inv)
	require.NoError(t, err)

	assert.Equal(t, ColorNever, plain.ColorMode)
	assert.Equal(t, ColorAlways, tty.ColorMode)
	assert.Equal(t, plain.Key, tty.Key)
	assert.Equal(t, "-fdiagnostics-color=always", tty.Command.Args[len(tty.Command.Args)-1])
	assert.NotContains(t, plain.Command.Args, "-fdiagnostics-color=always")

	// An explicit request is not overridden by the terminal
	inv = invocation.New("gcc", []string{"-c", "a.c", "-fdiagnostics-color=never"}, f.work, f.env())
	inv.Terminal = true
	explicit, err := f.derive(inv)
	require.NoError(t, err)
	assert.Equal(t, ColorNever, explicit.ColorMode)
}

func TestDerivation_ColorSensitive(t *testing.T) {
	human := &Derivation{}
	assert.False(t, human.ColorSensitive(nil))
	assert.True(t, human.ColorSensitive([]byte("warning: x\n")))

	jsonDiag := &Derivation{jsonDiagnostics: true}
	assert.False(t, jsonDiag.ColorSensitive([]byte(`{"$message_type":"artifact","artifact":"/t/libdemo.rlib","emit":"link"}`+"\n")))
	assert.True(t, jsonDiag.ColorSensitive([]byte(`{"$message_type":"diagnostic","message":"unused"}`+"\n")))
}
