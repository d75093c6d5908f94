package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/Norgate-AV/compcache/internal/client"
	"github.com/Norgate-AV/compcache/internal/codes"
	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/config"
	"github.com/Norgate-AV/compcache/internal/invocation"
)

// runShim serves one compiler invocation and returns the exit code. Only
// warnings reach stderr so the compiler's own output stays untouched.
func runShim(args []string) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "compcache: failed to get working directory: %v\n", err)
		return codes.ExitInternal
	}

	inv := invocation.New(args[0], args[1:], cwd, os.Environ())
	inv.Terminal = isTerminal(os.Stderr)

	stdio := compiler.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}

	var shim *client.Shim

	cfg, err := config.NewLoader().Load(nil, cwd)
	if err != nil {
		slog.Warn("Invalid configuration, compiling without cache", "err", err)
		shim = client.NewShim(client.Connect(""), client.StartOptions{}, stdio)
		return exitCode(shim.RunLocal(ctx, inv))
	}

	shim = client.NewShim(client.Connect(cfg.Socket), serverStartOptions(cfg), stdio)
	return exitCode(shim.Run(ctx, inv))
}

func exitCode(code int, err error) int {
	if err == nil {
		return code
	}

	fmt.Fprintf(os.Stderr, "compcache: %v\n", err)

	var (
		serverErr *client.ServerError
		launch    *compiler.LaunchError
	)

	switch {
	case errors.As(err, &serverErr) && serverErr.ExitCode != 0:
		return serverErr.ExitCode
	case errors.As(err, &launch):
		return launch.ExitCode()
	default:
		return codes.ExitInternal
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// serverStartOptions launches this binary as a foreground server. The
// resolved settings are passed through the environment so the server sees
// the same configuration as the client that started it.
func serverStartOptions(cfg *config.Config) client.StartOptions {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	env := append(os.Environ(),
		config.EnvPrefix+"_DIR="+cfg.Dir,
		config.EnvPrefix+"_SOCKET="+cfg.Socket,
		config.EnvPrefix+"_IDLE_TIMEOUT="+cfg.IdleTimeout.String(),
		fmt.Sprintf("%s_CACHE_SIZE=%d", config.EnvPrefix, cfg.CacheSize),
		config.EnvPrefix+"_LOG="+cfg.LogLevel.String(),
		config.EnvPrefix+"_LOG_FILE="+cfg.LogFile,
	)

	if cfg.MetricsAddr != "" {
		env = append(env, config.EnvPrefix+"_METRICS_ADDR="+cfg.MetricsAddr)
	}

	if cfg.RulesFile != "" {
		env = append(env, config.EnvPrefix+"_RULES_FILE="+cfg.RulesFile)
	}

	return client.StartOptions{
		Executable: exe,
		Args:       []string{"server"},
		Env:        env,
		LogFile:    cfg.LogFile,
		Timeout:    cfg.ServerStartupTimeout,
	}
}
