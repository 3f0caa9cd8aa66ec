package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samedit66/indusgpt/internal/api"
	"github.com/samedit66/indusgpt/internal/config"
	"github.com/samedit66/indusgpt/internal/conversation"
	"github.com/samedit66/indusgpt/internal/lockfile"
	"github.com/samedit66/indusgpt/internal/messaging"
	"github.com/samedit66/indusgpt/internal/processors"
	"github.com/samedit66/indusgpt/internal/recovery"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/samedit66/indusgpt/internal/twiliowhatsapp"
	"github.com/samedit66/indusgpt/internal/whatsapp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	apiAddr     string
	provider    string
	dbDSN       string
	qrOutput    string
	numericCode bool
}

func newServeCmd(global *globalFlags) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the outbox sender, the job runner and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, global)
			if err != nil {
				return err
			}
			applyServeFlags(&cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(ctx, cfg, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.apiAddr, "api-addr", "", "admin API address (overrides $API_ADDR)")
	f.StringVar(&flags.provider, "provider", "", "messaging provider, whatsapp or twilio (overrides $MESSAGING_PROVIDER)")
	f.StringVar(&flags.dbDSN, "db-dsn", "", "application database, Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	f.StringVar(&flags.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	f.BoolVar(&flags.numericCode, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	return cmd
}

func applyServeFlags(cfg *config.Config, flags serveFlags) {
	if flags.apiAddr != "" {
		cfg.APIAddr = flags.apiAddr
	}
	if flags.provider != "" {
		cfg.MessagingProvider = flags.provider
	}
	if flags.dbDSN != "" {
		cfg.DatabaseURL = flags.dbDSN
	}
}

// transport is the messaging side of serve: the service plus provider-specific cleanup and,
// for Twilio, the inbound webhook.
type transport struct {
	service messaging.Service
	webhook http.Handler
	close   func()
}

func openTransport(ctx context.Context, cfg config.Config, flags serveFlags) (*transport, error) {
	switch cfg.MessagingProvider {
	case config.MessagingWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(flags.qrOutput))
		}
		if flags.numericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return &transport{service: messaging.NewWhatsAppService(client), close: client.Disconnect}, nil
	case config.MessagingTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return &transport{service: svc, webhook: http.HandlerFunc(svc.WebhookHandler), close: func() {}}, nil
	default:
		return nil, fmt.Errorf("unknown MESSAGING_PROVIDER %q", cfg.MessagingProvider)
	}
}

func runServe(ctx context.Context, cfg config.Config, flags serveFlags) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir, lockfile.WithProvider(cfg.MessagingProvider))
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := cfg.EnsureStateDirs(); err != nil {
		return err
	}
	script, err := config.LoadScript(cfg.QuestionsFile)
	if err != nil {
		return err
	}
	oc, err := buildOracle(ctx, cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tr, err := openTransport(ctx, cfg, flags)
	if err != nil {
		return err
	}
	defer tr.close()
	svc := tr.service

	outbox := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
		return svc.SendMessage(ctx, msg.Recipient, msg.Body)
	}, 0)
	jobs := store.NewJobRunner(st, 0)

	sinks, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	report := processors.NewReport(processors.NewExtractor(oc, ""), len(script.Questions), sinks, processors.WithProfiles(st))
	jobs.RegisterHandler(processors.JobKindReportExport, processors.ProcessorHandler(report))

	machine, err := buildMachine(script, st, oc,
		processors.NewManagerNotice(outbox, cfg.ManagerContact),
		processors.NewOperatorSummary(outbox, st, st, len(script.Questions)),
		processors.NewDeferred(jobs, processors.JobKindReportExport),
	)
	if err != nil {
		return err
	}

	if err := startupRecovery(ctx, outbox, jobs, machine); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	// Turns outlive ctx so shutdown can drain the coalescing buffers into the store.
	turnCtx, cancelTurns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTurns()
	handler := messaging.NewResponseHandler(turnCtx, svc, machine, st, outbox,
		messaging.WithAllowedUsers(cfg.AllowedUsers...),
		messaging.WithOperators(cfg.Operators...),
		messaging.WithCoalesceWindow(cfg.CoalesceWindow),
		messaging.WithNotices(script.VoiceNotice, script.MediaNotice),
	)

	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr)}
	if tr.webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(tr.webhook))
	}
	server := api.NewServer(machine, st, apiOpts...)

	slog.Info("Bootstrapping indusgpt",
		"provider", cfg.MessagingProvider,
		"questions", len(script.Questions),
		"sinks", len(sinks),
		"allowed_users", len(cfg.AllowedUsers),
		"coalesce_window", cfg.CoalesceWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { outbox.Run(gctx); return nil })
	g.Go(func() error { jobs.Run(gctx); return nil })
	g.Go(func() error { handler.Run(gctx); return nil })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	drainTurns(handler, cancelTurns, shutdownDrainTimeout)
	if stopErr := svc.Stop(); stopErr != nil {
		slog.Warn("Messaging service stop failed", "error", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("indusgpt exited successfully")
	return nil
}

// shutdownDrainTimeout bounds how long buffered turns may run after a shutdown signal.
const shutdownDrainTimeout = 45 * time.Second

// drainTurns closes h while turns can still reach the oracle and the store, then cancels
// them. Turns still running after timeout are cancelled.
func drainTurns(h interface{ Close() }, cancelTurns context.CancelFunc, timeout time.Duration) {
	stop := time.AfterFunc(timeout, func() {
		slog.Warn("Shutdown drain timed out, cancelling pending turns", "timeout", timeout)
		cancelTurns()
	})
	h.Close()
	stop.Stop()
	cancelTurns()
}

// startupRecovery requeues in-flight outbox messages and jobs, then finalizes conversations
// that reached the end of the script without being finalized.
func startupRecovery(ctx context.Context, outbox *store.OutboxSender, jobs *store.JobRunner, machine *conversation.Machine) error {
	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.Outbox(outbox))
	rm.RegisterRecoverable(recovery.Jobs(jobs))
	rm.RegisterRecoverable(recovery.Conversations(machine))
	return rm.RecoverAll(ctx)
}
