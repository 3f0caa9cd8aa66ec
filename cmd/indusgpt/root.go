package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/samedit66/indusgpt/internal/config"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand and override the environment.
type globalFlags struct {
	stateDir  string
	questions string
	logLevel  string
	logFile   string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	var logCloser io.Closer

	root := &cobra.Command{
		Use:           "indusgpt",
		Short:         "Scripted lead-qualification chatbot for WhatsApp",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := flags.logLevel
			if level == "" {
				level = os.Getenv("LOG_LEVEL")
			}
			file := flags.logFile
			if file == "" {
				file = os.Getenv("LOG_FILE")
			}
			closer, err := initializeLogger(cmd.ErrOrStderr(), level, file)
			if err != nil {
				return err
			}
			logCloser = closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.stateDir, "state-dir", "", "state directory for databases, reports and the lock file (overrides $INDUSGPT_STATE_DIR)")
	pf.StringVar(&flags.questions, "questions", "", "conversation script YAML (overrides $QUESTIONS_FILE)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides $LOG_LEVEL)")
	pf.StringVar(&flags.logFile, "log-file", "", "append logs to this file instead of stderr (overrides $LOG_FILE)")

	root.AddCommand(newServeCmd(&flags), newConsoleCmd(&flags), newExportCmd(&flags))
	return root
}

// initializeLogger installs a text slog handler writing to w, or to file when set.
func initializeLogger(w io.Writer, level, file string) (io.Closer, error) {
	var closer io.Closer
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(level)}))
	slog.SetDefault(logger)
	return closer, nil
}

// loadConfig reads .env and the environment, applies flag overrides and resolves ssm:
// secret references.
func loadConfig(ctx context.Context, flags *globalFlags) (config.Config, error) {
	cfg := config.Load()
	if flags.stateDir != "" {
		cfg.SetStateDir(flags.stateDir)
	}
	if flags.questions != "" {
		cfg.QuestionsFile = flags.questions
	}
	if cfg.HasSecretRefs() {
		resolver, err := config.NewDefaultSSMResolver(ctx)
		if err != nil {
			return cfg, err
		}
		if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
			return cfg, err
		}
	}
	slog.Debug("Final configuration",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"oracle", cfg.OracleProvider,
		"messaging", cfg.MessagingProvider,
		"api_addr", cfg.APIAddr,
		"questions_file", cfg.QuestionsFile)
	return cfg, nil
}
