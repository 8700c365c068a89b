// chatbubble runs the chat widget, either as a web bridge serving browsers
// or as a terminal client.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/chatbubble/internal/config"
	"github.com/ashureev/chatbubble/internal/profile"
	"github.com/ashureev/chatbubble/internal/widget"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// localNamespace holds the terminal client's session in the store.
const localNamespace = "local"

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "chatbubble",
	Short:         "chatbubble connects visitors to a dialogue backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// The terminal client owns stdout; its logs go to stderr.
		out := io.Writer(os.Stdout)
		if cmd.Name() == chatCmd.Name() {
			out = os.Stderr
			if !cmd.Flags().Changed("log-level") {
				logLevel = "warn"
			}
		}
		if err := setupLogger(out, logLevel); err != nil {
			return err
		}

		if err := godotenv.Load(); err != nil {
			slog.Info("No .env file found, using environment variables")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, chatCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
	})))
	return nil
}

// loadWidget reads the configuration and widget profile shared by the
// serve and chat commands.
func loadWidget() (*config.Config, widget.Options, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, widget.Options{}, fmt.Errorf("load configuration: %w", err)
	}

	prof, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		return nil, widget.Options{}, fmt.Errorf("load widget profile: %w", err)
	}

	return cfg, widget.Options{
		Endpoint:      cfg.Endpoint,
		StartOpen:     cfg.StartOpen,
		Profile:       prof,
		NotifyTimeout: cfg.NotifyTimeout,
		TurnTimeout:   cfg.TurnTimeout,
		Logger:        slog.Default(),
	}, nil
}
