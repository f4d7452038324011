// Package cmd wires the CLI: the API gateway, the chat bots, or both.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via
// -ldflags "-X github.com/Alishahryar1/free-claude-code/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "free-claude-code",
	Short: "Claude Code on free model backends",
	Long: "free-claude-code runs an Anthropic-compatible API gateway in front of\n" +
		"OpenAI-style backends (NVIDIA NIM, OpenRouter, LM Studio) and, optionally,\n" +
		"Telegram/Discord bots that drive the Claude CLI through it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAll(cmd.Context())
	},
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.free-claude-code/config.json5 or $FCC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(botCmd())
	rootCmd.AddCommand(versionCmd())
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("free-claude-code %s (%s)\n", Version, runtime.Version())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run only the Anthropic-compatible API gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeOnly(cmd.Context())
		},
	}
}

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run only the chat bots (Telegram/Discord)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBotsOnly(cmd.Context())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("FCC_CONFIG"); env != "" {
		return env
	}
	return "~/.free-claude-code/config.json5"
}

// Execute runs the root command under a signal-bound context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
