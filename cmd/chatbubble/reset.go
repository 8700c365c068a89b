package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/chatbubble/internal/config"
	"github.com/ashureev/chatbubble/internal/store"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the terminal client's session, transcript and credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		kv, err := store.NewSQLite(config.DBPath())
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer func() {
			if closeErr := kv.Close(); closeErr != nil {
				slog.Error("Failed to close store", "error", closeErr)
			}
		}()

		deleted, err := kv.DeleteNamespace(cmd.Context(), localNamespace)
		if err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session reset (%d keys removed)\n", deleted)
		return nil
	},
}
