package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/config"
	"github.com/Norgate-AV/compcache/internal/dispatch"
	"github.com/Norgate-AV/compcache/internal/fingerprint"
	"github.com/Norgate-AV/compcache/internal/server"
	"github.com/Norgate-AV/compcache/internal/stats"
	"github.com/Norgate-AV/compcache/internal/storage"
	"github.com/Norgate-AV/compcache/internal/version"
)

var serverCmd = &cobra.Command{
	Use:    "server",
	Short:  "Run the cache server in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runServer,
}

func init() {
	serverCmd.Flags().String("idle-timeout", "", "Exit after this long without requests (0 disables)")
	serverCmd.Flags().String("cache-size", "", "Maximum local cache size, e.g. 10G")
	serverCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")
	serverCmd.Flags().String("rules", "", "Flag classification table overriding the built-in one")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg)
}

// serve runs a server for cfg until it is shut down
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "daemon")

	rules, err := fingerprint.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}

	ln, err := server.Listen(cfg.Socket)
	if err != nil {
		if errors.Is(err, server.ErrAlreadyRunning) {
			logger.Info("Server already running", "socket", cfg.Socket)
			return nil
		}
		return err
	}
	defer ln.Close()

	backend, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("failed to open cache storage: %w", err)
	}

	store := storage.NewStore(backend, 0)
	defer store.Close()

	st := stats.New()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, st, cfg.MetricsAddr); err != nil {
			return err
		}
	}

	runner := compiler.NewRunner()
	deriver := fingerprint.NewDeriver(rules, runner, filepath.Join(cfg.Dir, "tmp"))
	dispatcher := dispatch.New(deriver, store, runner, st)

	srv := server.New(dispatcher, store, st, server.Options{
		IdleTimeout: cfg.IdleTimeout,
		Version:     version.Version,
	})

	logger.Info("Cache storage ready", "location", backend.Location(), "socket", cfg.Socket)

	return srv.Serve(ctx, ln)
}

func serveMetrics(ctx context.Context, st *stats.Stats, addr string) error {
	collector, err := stats.NewCollector(st)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	go func() {
		if err := collector.Serve(ctx, ln); err != nil {
			slog.Default().Warn("Metrics endpoint stopped", "component", "metrics", "err", err)
		}
	}()

	return nil
}
