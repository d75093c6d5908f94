package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/compcache/internal/config"
	"github.com/Norgate-AV/compcache/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "compcache [compiler args...]",
	Short: "Transparent compilation cache",
	Long: `A compiler wrapper that caches C, C++ and Rust compilation results.

Use it as a compiler launcher, for example:

  CC="compcache gcc" make
  RUSTC_WRAPPER=compcache cargo build

Results are kept in a local cache directory and, optionally, a shared S3 or
HTTP store. A background server is started on first use and exits after a
period of inactivity.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if args := os.Args[1:]; len(args) > 0 && isCompilerInvocation(args[0]) {
		os.Exit(runShim(args))
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
	rootCmd.PersistentFlags().String("dir", "", "Cache directory")
	rootCmd.PersistentFlags().String("socket", "", "Server socket path")
	rootCmd.PersistentFlags().String("log-level", "", "Server log level (debug, info, warn, error)")
	rootCmd.AddCommand(serverCmd, startServerCmd, stopServerCmd, showStatsCmd, zeroStatsCmd)
}

// isCompilerInvocation reports whether the first argument names a compiler
// rather than a flag or one of our subcommands
func isCompilerInvocation(first string) bool {
	if first == "" || strings.HasPrefix(first, "-") {
		return false
	}

	switch first {
	case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return false
	}

	for _, c := range rootCmd.Commands() {
		if c.Name() == first || c.HasAlias(first) {
			return false
		}
	}

	return true
}

// loadConfig loads configuration for an operator command run from the
// current directory
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	return config.NewLoader().Load(cmd, cwd)
}
