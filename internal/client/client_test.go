package client

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/compcache/internal/codes"
	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/dispatch"
	"github.com/Norgate-AV/compcache/internal/fingerprint"
	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/server"
	"github.com/Norgate-AV/compcache/internal/stats"
	"github.com/Norgate-AV/compcache/internal/storage"
	"github.com/Norgate-AV/compcache/internal/testutil"
)

type fixture struct {
	t      *testing.T
	root   string
	bin    string
	work   string
	log    string
	socket string
	gcc    string
	rustc  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.RequirePosix(t)

	// Short enough for a unix socket path
	root, err := os.MkdirTemp("", "cct")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	f := &fixture{
		t:      t,
		root:   root,
		bin:    filepath.Join(root, "bin"),
		work:   filepath.Join(root, "work"),
		log:    filepath.Join(root, "compiles.log"),
		socket: filepath.Join(root, "s.sock"),
	}

	require.NoError(t, os.MkdirAll(f.bin, 0o755))
	require.NoError(t, os.MkdirAll(f.work, 0o755))
	f.gcc = testutil.WriteFakeCC(t, f.bin, "gcc")
	f.rustc = testutil.WriteFakeRustc(t, f.bin)

	return f
}

// serve runs an in-process server on the fixture's socket
func (f *fixture) serve() {
	t := f.t
	t.Helper()

	local, err := storage.NewLocal(filepath.Join(f.root, "cache"), 1<<30)
	require.NoError(t, err)
	store := storage.NewStore(local, 0)

	rules, err := fingerprint.DefaultRules()
	require.NoError(t, err)

	runner := compiler.NewRunner()
	st := stats.New()
	d := dispatch.New(fingerprint.NewDeriver(rules, runner, filepath.Join(f.root, "scratch")), store, runner, st)

	ln, err := server.Listen(f.socket)
	require.NoError(t, err)

	srv := server.New(d, store, st, server.Options{Version: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		store.Close()
	})
}

func (f *fixture) inv(args ...string) *invocation.Invocation {
	return invocation.New(f.gcc, args, f.work, []string{
		"PATH=" + f.bin + ":/usr/bin:/bin",
		"FAKECC_LOG=" + f.log,
	})
}

func (f *fixture) rustInv(args ...string) *invocation.Invocation {
	return invocation.New(f.rustc, args, f.work, []string{
		"PATH=" + f.bin + ":/usr/bin:/bin",
		"FAKERUSTC_LOG=" + f.log,
	})
}

// shim returns a shim whose server launcher always fails
func (f *fixture) shim(stdout, stderr *bytes.Buffer) *Shim {
	start := StartOptions{Executable: "/bin/false", Timeout: 2 * time.Second}
	return NewShim(Connect(f.socket), start, compiler.Stdio{Stdout: stdout, Stderr: stderr})
}

func TestShim_MissThenHit(t *testing.T) {
	f := newFixture(t)
	f.serve()
	testutil.WriteFile(t, f.work, "a.c", "int WARN;\n")

	var stdout, stderr bytes.Buffer
	shim := f.shim(&stdout, &stderr)

	code, err := shim.Run(context.Background(), f.inv("-c", "a.c", "-o", "a.o", "-fdiagnostics-color=always"))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	first := stderr.String()
	assert.Contains(t, first, "\x1b[01;35m")

	require.NoError(t, os.Remove(filepath.Join(f.work, "a.o")))
	stderr.Reset()

	code, err = shim.Run(context.Background(), f.inv("-c", "a.c", "-o", "a.o", "-fdiagnostics-color=always"))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, first, stderr.String(), "hit replays stderr byte for byte")
	assert.FileExists(t, filepath.Join(f.work, "a.o"))

	assert.Equal(t, 1, testutil.CountLines(t, f.log))

	info, err := Connect(f.socket).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Stats.Language("C").Hits)
	assert.Equal(t, int64(1), info.Stats.Language("C").Misses)
}

func TestShim_RustCrateGraphAcrossColorModes(t *testing.T) {
	f := newFixture(t)
	f.serve()
	testutil.WriteFile(t, f.work, "dep/lib.rs", "pub fn dep() {}\n")
	testutil.WriteFile(t, f.work, "app/main.rs", "fn main() { dep::dep(); }\n")
	testutil.WriteFile(t, f.work, "lint/lib.rs", "// WARN\npub fn lint() {}\n")

	out := filepath.Join(f.work, "out")

	crate := func(name, src, kind, color string, extra ...string) []string {
		args := []string{
			"--crate-name", name, "--edition=2021", src,
			"--crate-type", kind, "--emit=link", "--out-dir", "out",
			"-L", "dependency=out", "--color=" + color,
		}
		return append(args, extra...)
	}

	build := func(color string) []string {
		var streams []string
		for _, args := range [][]string{
			crate("dep", "dep/lib.rs", "lib", color),
			crate("app", "app/main.rs", "bin", color, "--extern", "dep=out/libdep.rlib"),
		} {
			var stdout, stderr bytes.Buffer
			code, err := f.shim(&stdout, &stderr).Run(context.Background(), f.rustInv(args...))
			require.NoError(t, err)
			require.Equal(t, 0, code, stderr.String())
			streams = append(streams, stderr.String())
		}
		return streams
	}

	for _, stderr := range build("never") {
		assert.NotContains(t, stderr, "\x1b[")
	}
	assert.FileExists(t, filepath.Join(out, "libdep.rlib"))
	assert.FileExists(t, filepath.Join(out, "app"))
	assert.Equal(t, 2, testutil.CountLines(t, f.log))

	require.NoError(t, os.RemoveAll(out))

	build("always")
	assert.FileExists(t, filepath.Join(out, "libdep.rlib"))
	assert.FileExists(t, filepath.Join(out, "app"))
	assert.Equal(t, 2, testutil.CountLines(t, f.log), "rebuild is served from the cache")

	c := Connect(f.socket)
	info, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Stats.Language("Rust").Hits)
	assert.Equal(t, int64(2), info.Stats.Language("Rust").Misses)

	// Diagnostics follow the requested color mode on both paths
	lint := func(color string) string {
		require.NoError(t, os.RemoveAll(out))

		var stdout, stderr bytes.Buffer
		code, err := f.shim(&stdout, &stderr).Run(context.Background(), f.rustInv(crate("lint", "lint/lib.rs", "lib", color)...))
		require.NoError(t, err)
		require.Equal(t, 0, code)
		assert.FileExists(t, filepath.Join(out, "liblint.rlib"))
		return stderr.String()
	}

	plain := lint("never")
	assert.Contains(t, plain, "warning: unused variable")
	assert.NotContains(t, plain, "\x1b[")

	colored := lint("always")
	assert.Contains(t, colored, "\x1b[33mwarning")
	assert.Equal(t, 4, testutil.CountLines(t, f.log), "plain diagnostics are not replayed in color")

	assert.Equal(t, colored, lint("always"))
	assert.Equal(t, 4, testutil.CountLines(t, f.log))

	info, err = c.Stats(context.Background())
	require.NoError(t, err)
	rust := info.Stats.Language("Rust")
	assert.Equal(t, int64(3), rust.Hits)
	assert.Equal(t, int64(4), rust.Misses)
	assert.Equal(t, int64(1), rust.ForcedRecompiles)
}

func TestShim_CompileFailureExitCode(t *testing.T) {
	f := newFixture(t)
	f.serve()
	testutil.WriteFile(t, f.work, "bad.c", "#error nope\n")

	var stdout, stderr bytes.Buffer
	code, err := f.shim(&stdout, &stderr).Run(context.Background(), f.inv("-c", "bad.c"))
	require.NoError(t, err)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "error: boom")
}

func TestShim_PassThroughRunsLocally(t *testing.T) {
	f := newFixture(t)
	f.serve()
	testutil.WriteFile(t, f.work, "main.c", "int main(void) { return 0; }\n")

	var stdout, stderr bytes.Buffer
	code, err := f.shim(&stdout, &stderr).Run(context.Background(), f.inv("main.c", "-o", "app"))
	require.NoError(t, err)

	assert.Equal(t, 0, code)
	assert.FileExists(t, filepath.Join(f.work, "app"))
	assert.Equal(t, 1, testutil.CountLines(t, f.log))

	info, err := Connect(f.socket).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Stats.Language("C").NotCacheable)
}

func TestShim_LaunchFailureIsHardError(t *testing.T) {
	f := newFixture(t)
	f.serve()

	var stdout, stderr bytes.Buffer
	inv := invocation.New(filepath.Join(f.bin, "missing-gcc"), []string{"-c", "a.c"}, f.work, nil)

	_, err := f.shim(&stdout, &stderr).Run(context.Background(), inv)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Contains(t, err.Error(), "missing-gcc")
	assert.Equal(t, codes.ExitNotFound, serverErr.ExitCode)
}

func TestShim_FallsBackWhenServerCannotStart(t *testing.T) {
	f := newFixture(t)
	testutil.WriteFile(t, f.work, "a.c", "int x;\n")

	var stdout, stderr bytes.Buffer
	code, err := f.shim(&stdout, &stderr).Run(context.Background(), f.inv("-c", "a.c", "-o", "a.o"))
	require.NoError(t, err)

	assert.Equal(t, 0, code)
	assert.FileExists(t, filepath.Join(f.work, "a.o"))
	assert.Equal(t, 1, testutil.CountLines(t, f.log))
}

func TestClient_NotRunning(t *testing.T) {
	f := newFixture(t)
	c := Connect(f.socket)

	_, err := c.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = c.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestClient_ZeroStatsAndShutdown(t *testing.T) {
	f := newFixture(t)
	f.serve()
	testutil.WriteFile(t, f.work, "a.c", "int x;\n")

	var stdout, stderr bytes.Buffer
	_, err := f.shim(&stdout, &stderr).Run(context.Background(), f.inv("-c", "a.c"))
	require.NoError(t, err)

	c := Connect(f.socket)

	info, err := c.ZeroStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.Stats.Language("C").Misses)

	info, err = c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", info.Version)

	require.Eventually(t, func() bool {
		_, err := c.Stats(context.Background())
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEnsureServer_AlreadyRunning(t *testing.T) {
	f := newFixture(t)
	f.serve()

	info, err := Connect(f.socket).EnsureServer(context.Background(), StartOptions{Executable: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestStart_Errors(t *testing.T) {
	f := newFixture(t)
	c := Connect(f.socket)
	logFile := filepath.Join(f.root, "logs", "server.log")

	t.Run("exits during startup", func(t *testing.T) {
		_, err := c.Start(context.Background(), StartOptions{Executable: "/bin/false", LogFile: logFile})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited during startup")
		assert.Contains(t, err.Error(), logFile)
		assert.FileExists(t, logFile)
	})

	t.Run("never answers", func(t *testing.T) {
		_, err := c.Start(context.Background(), StartOptions{
			Executable: "/bin/sleep",
			Args:       []string{"5"},
			Timeout:    200 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not answer within 200ms")
	})

	t.Run("cannot launch", func(t *testing.T) {
		_, err := c.Start(context.Background(), StartOptions{Executable: filepath.Join(f.root, "nope")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start server")
	})
}
