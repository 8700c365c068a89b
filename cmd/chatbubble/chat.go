package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/chatbubble/internal/console"
	"github.com/ashureev/chatbubble/internal/protocol"
	"github.com/ashureev/chatbubble/internal/store"
	"github.com/ashureev/chatbubble/internal/widget"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the backend from this terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runChat(cmd.Context())
	},
}

func runChat(parent context.Context) error {
	cfg, opts, err := loadWidget()
	if err != nil {
		return err
	}

	kv, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if cfg.LoginWebhookURL != "" {
		hook := console.NewLoginWebhook(&http.Client{}, cfg.LoginWebhookURL, slog.Default())
		defer hook.Wait()
		opts.LoginListener = hook.Listener()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	view := console.NewView(os.Stdout, console.IsTerminal(os.Stdout))
	client := protocol.NewClient(&http.Client{}, slog.Default())
	engine, err := widget.New(ctx, opts, kv.Namespace(localNamespace), view, client)
	if err != nil {
		return fmt.Errorf("start widget: %w", err)
	}
	defer engine.Wait()

	view.Title(opts.Profile.Title, opts.Profile.Subtitle)
	engine.Start()
	view.Notice("type a message, /help for commands")

	return console.Run(ctx, engine, view, os.Stdin)
}
