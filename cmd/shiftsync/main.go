package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "dev"

var (
	configPath string
	noColor    bool
	verbose    bool
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:           "shiftsync",
	Short:         "Offline-first cache and sync engine for shift handoffs",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(slog.New(slog.NewTextHandler(logWriter(), &slog.HandlerOptions{
			Level: logLevel(),
		})))
	},
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// logWriter returns stderr, or a size-rotated file when --log-file is set so
// long-running commands on a terminal device don't fill its storage.
func logWriter() io.Writer {
	if logFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/shiftsync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(devServerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
