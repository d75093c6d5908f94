package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Norgate-AV/compcache/internal/client"
	"github.com/Norgate-AV/compcache/internal/protocol"
	"github.com/Norgate-AV/compcache/internal/stats"
)

const requestTimeout = 10 * time.Second

var startServerCmd = &cobra.Command{
	Use:   "start-server",
	Short: "Start the cache server in the background",
	Args:  cobra.NoArgs,
	RunE:  runStartServer,
}

var stopServerCmd = &cobra.Command{
	Use:   "stop-server",
	Short: "Stop the cache server and print its final statistics",
	Args:  cobra.NoArgs,
	RunE:  runStopServer,
}

var showStatsCmd = &cobra.Command{
	Use:   "show-stats",
	Short: "Print cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runShowStats,
}

var zeroStatsCmd = &cobra.Command{
	Use:   "zero-stats",
	Short: "Reset cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runZeroStats,
}

func init() {
	startServerCmd.Flags().String("idle-timeout", "", "Exit after this long without requests (0 disables)")
	startServerCmd.Flags().String("cache-size", "", "Maximum local cache size, e.g. 10G")
	startServerCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")
	startServerCmd.Flags().String("rules", "", "Flag classification table overriding the built-in one")
	showStatsCmd.Flags().Bool("json", false, "Print statistics as JSON")
}

func runStartServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	c := client.Connect(cfg.Socket)

	if info, err := c.Stats(cmd.Context()); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "compcache server already running (pid %d)\n", info.PID)
		return nil
	}

	info, err := c.Start(cmd.Context(), serverStartOptions(cfg))
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Started compcache server (pid %d) on %s\n", info.PID, cfg.Socket)
	return nil
}

func runStopServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	info, err := client.Connect(cfg.Socket).Shutdown(ctx)
	if errors.Is(err, client.ErrNotRunning) {
		fmt.Fprintln(cmd.OutOrStdout(), "No compcache server running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped compcache server (pid %d)\n", info.PID)
	return writeInfo(cmd.OutOrStdout(), info)
}

func runShowStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	info, err := client.Connect(cfg.Socket).Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), info)
	}

	return writeInfo(cmd.OutOrStdout(), info)
}

func runZeroStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	if _, err := client.Connect(cfg.Socket).ZeroStats(ctx); err != nil {
		return fmt.Errorf("failed to zero stats: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Statistics zeroed")
	return nil
}

// statsView is the JSON form of show-stats
type statsView struct {
	ID            string         `json:"id"`
	Version       string         `json:"version"`
	PID           int            `json:"pid"`
	StartedAt     time.Time      `json:"started_at"`
	Uptime        string         `json:"uptime"`
	CacheLocation string         `json:"cache_location"`
	CacheSize     int64          `json:"cache_size"`
	MaxCacheSize  int64          `json:"max_cache_size"`
	InFlight      int64          `json:"in_flight"`
	Stats         stats.Snapshot `json:"stats"`
}

func writeJSON(w io.Writer, info *protocol.ServerInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(statsView{
		ID:            info.ID,
		Version:       info.Version,
		PID:           info.PID,
		StartedAt:     info.StartedAt,
		Uptime:        info.Uptime.Round(time.Second).String(),
		CacheLocation: info.CacheLocation,
		CacheSize:     info.CacheSize,
		MaxCacheSize:  info.MaxCacheSize,
		InFlight:      info.InFlight,
		Stats:         info.Stats,
	})
}

func writeInfo(w io.Writer, info *protocol.ServerInfo) error {
	if err := info.Stats.Format(w); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nCache location  %s\n", info.CacheLocation)
	if info.MaxCacheSize > 0 {
		fmt.Fprintf(w, "Cache size      %s\n", humanize.IBytes(uint64(info.CacheSize)))
		fmt.Fprintf(w, "Max cache size  %s\n", humanize.IBytes(uint64(info.MaxCacheSize)))
	}
	fmt.Fprintf(w, "Server uptime   %s (started %s)\n", info.Uptime.Round(time.Second), humanize.Time(info.StartedAt))

	return nil
}
