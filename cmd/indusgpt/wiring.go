package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samedit66/indusgpt/internal/composer"
	"github.com/samedit66/indusgpt/internal/config"
	"github.com/samedit66/indusgpt/internal/conversation"
	"github.com/samedit66/indusgpt/internal/oracle"
	"github.com/samedit66/indusgpt/internal/processors"
	"github.com/samedit66/indusgpt/internal/router"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/samedit66/indusgpt/internal/validator"
)

// buildOracle creates the configured provider client wrapped in transient-failure retries.
func buildOracle(ctx context.Context, cfg config.Config) (oracle.Client, error) {
	var c oracle.Client
	switch cfg.OracleProvider {
	case config.ProviderOpenAI:
		opts := []oracle.OpenAIOption{oracle.WithAPIKey(cfg.OpenAIKey), oracle.WithModel(cfg.Model)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, oracle.WithBaseURL(cfg.OpenAIBaseURL))
		}
		client, err := oracle.NewOpenAIClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		c = client
	case config.ProviderGemini:
		model := cfg.Model
		if model == config.DefaultModel {
			model = oracle.DefaultGeminiModel
		}
		client, err := oracle.NewGeminiClient(ctx, cfg.GeminiKey, model)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		c = client
	default:
		return nil, fmt.Errorf("unknown ORACLE_PROVIDER %q", cfg.OracleProvider)
	}
	slog.Debug("Oracle client configured", "provider", cfg.OracleProvider, "model", cfg.Model, "base_url_set", cfg.OpenAIBaseURL != "")
	return oracle.NewRetrying(c, oracle.DefaultMaxAttempts, oracle.DefaultBaseDelay), nil
}

// buildMachine wires the router, validator and composer around one oracle. Callers finalize
// finished conversations after showing the reply.
func buildMachine(script config.Script, st store.Store, oc oracle.Client, procs ...conversation.Processor) (*conversation.Machine, error) {
	opts := []conversation.Option{
		conversation.WithProcessors(procs...),
		conversation.WithGuidance(st),
		conversation.WithDeferredFinalization(),
	}
	if script.Finished != "" {
		opts = append(opts, conversation.WithFinishedText(script.Finished))
	}
	return conversation.New(script.Questions, st,
		router.New(oc),
		validator.New(oc),
		composer.New(oc, composer.WithTemplates(script.Templates())),
		opts...)
}

// buildSinks returns the report destinations: the local report directory and, when
// configured, an S3-compatible bucket.
func buildSinks(cfg config.Config) ([]processors.Sink, error) {
	var sinks []processors.Sink
	if cfg.ReportDir != "" {
		local, err := processors.NewLocalDirSink(cfg.ReportDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, local)
	}
	if cfg.ReportS3.Enabled() {
		s3, err := processors.NewS3Sink(processors.S3Config{
			Endpoint:  cfg.ReportS3.Endpoint,
			Bucket:    cfg.ReportS3.Bucket,
			AccessKey: cfg.ReportS3.AccessKey,
			SecretKey: cfg.ReportS3.SecretKey,
			UseSSL:    cfg.ReportS3.UseSSL,
			Prefix:    "reports/",
		})
		if err != nil {
			return nil, fmt.Errorf("report bucket: %w", err)
		}
		sinks = append(sinks, s3)
	}
	return sinks, nil
}
