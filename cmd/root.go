// Package cmd is the ling CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/gateway"
)

// Version is set at build time via -ldflags "-X github.com/linggen/linggen-agent/cmd.Version=v1.0.0".
var Version = "dev"

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

var (
	webOnly bool
	devMode bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ling",
	Short: "Linggen Agent — local-first multi-agent coding assistant",
	Long: "Linggen Agent drives language-model-backed agents through an autonomous " +
		"tool loop against a sandboxed workspace, streaming incremental progress to clients.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&webOnly, "web", false, "server only, no terminal UI attach")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "no static-asset embed (requires --web)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ling %s\n", Version)
		},
	}
}

func runServer() int {
	cfg, path, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	setupLogging(cfg)
	if path != "" {
		slog.Info("config loaded", "path", path)
	} else {
		slog.Warn("no config file found, running with defaults")
	}

	if devMode && !webOnly {
		fmt.Fprintln(os.Stderr, "--dev requires --web")
		return exitConfigError
	}
	if !webOnly {
		// The terminal UI ships separately and attaches over /ws.
		slog.Info("server mode; terminal UI attaches via /ws")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := gateway.New(ctx, cfg, gateway.Options{Dev: devMode})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		return exitConfigError
	}

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, gateway.ErrBind) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitBindError
		}
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return exitConfigError
	}
	return exitOK
}

func setupLogging(cfg *config.Config) {
	snap := cfg.Snapshot()
	level := slog.LevelInfo
	switch snap.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if dir := snap.Logging.Directory; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(dir, "linggen-agent.log"),
				os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				out = f
			}
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}
