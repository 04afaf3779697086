// Package cli implements the vsb command-line surface: backup, restore,
// and upload subcommands sharing a global config path, verbosity, and
// cron-friendly quiet mode.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vsb-project/vsb/internal/logging"
	"github.com/vsb-project/vsb/internal/pathutil"
)

var (
	cfgFile  string
	verbose  int
	cronMode bool

	logger *logging.Logger

	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version is set by main at build time.
var Version = "dev"

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vsb.yaml"
	}
	return home + "/.vsb.yaml"
}

// NewRootCmd builds the root command with its global flags and
// subcommands wired in.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "vsb",
		Short:   "Deduplicating, content-addressed backup tool",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ResetHadError()
			logger = logging.New()
			logging.SetVerbosity(verbose)
			if cronMode {
				logging.SetWarnOnly()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", defaultConfigPath(), "configuration file path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&cronMode, "cron", false, "suppress routine output; only warnings and errors")

	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newUploadCmd())

	return rootCmd
}

// Execute runs the CLI to completion, wiring SIGINT/SIGTERM into context
// cancellation so in-flight hooks and HTTP calls observe it, and exits
// with status 1 if any error-level event was logged during the run (even
// if the subcommand itself returned a nil error, per the exit contract).
func Execute() int {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigChan; ok {
			cancelFunc()
		}
	}()
	defer func() {
		signal.Stop(sigChan)
		close(sigChan)
	}()

	rootCmd := NewRootCmd()
	rootCmd.SetContext(rootContext)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if logging.HadError() {
		return 1
	}
	return 0
}

// GetLogger returns the process-wide CLI logger, initializing a default
// one if called before PersistentPreRun (e.g. from tests).
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.New()
	}
	return logger
}

// GetContext returns the signal-aware root context, or a background
// context if called before Execute.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// ConfigPath returns the -c/--config flag value, with ~ expansion and
// symlink resolution applied the same way the backup engine resolves
// configured item paths.
func ConfigPath() string {
	resolved, err := pathutil.ResolveAbsolutePath(cfgFile)
	if err != nil {
		return cfgFile
	}
	return resolved
}
