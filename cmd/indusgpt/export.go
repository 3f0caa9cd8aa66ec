package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/samedit66/indusgpt/internal/config"
	"github.com/samedit66/indusgpt/internal/processors"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/spf13/cobra"
)

func newExportCmd(global *globalFlags) *cobra.Command {
	var output, dbDSN string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every user's answers as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), global)
			if err != nil {
				return err
			}
			if dbDSN != "" {
				cfg.DatabaseURL = dbDSN
			}
			script, err := config.LoadScript(cfg.QuestionsFile)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			rows, err := processors.ExportQaPairs(cmd.Context(), st, len(script.Questions), w)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			slog.Info("Export written", "rows", rows, "output", output)
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d answers to %s\n", rows, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV file to write, - or empty for stdout")
	cmd.Flags().StringVar(&dbDSN, "db-dsn", "", "application database, Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	return cmd
}
