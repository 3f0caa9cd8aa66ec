package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samedit66/indusgpt/internal/config"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/samedit66/indusgpt/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv isolates a test from variables the config layer reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"INDUSGPT_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN", "QUESTIONS_FILE", "REPORT_DIR",
		"ORACLE_PROVIDER", "OPENAI_API_KEY", "GEMINI_API_KEY", "MODEL", "MESSAGING_PROVIDER",
		"API_ADDR", "TWILIO_AUTH_TOKEN", "REPORT_S3_ENDPOINT", "REPORT_S3_BUCKET",
		"REPORT_S3_ACCESS_KEY", "REPORT_S3_SECRET_KEY", "LOG_LEVEL", "LOG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func restoreLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "console", "export"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"state-dir", "questions", "log-level", "log-file"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
	serve, _, _ := root.Find([]string{"serve"})
	for _, flag := range []string{"api-addr", "provider", "db-dsn", "qr-output", "numeric-code"} {
		assert.NotNil(t, serve.Flags().Lookup(flag), flag)
	}
}

func TestInitializeLoggerToFile(t *testing.T) {
	restoreLogger(t)
	path := filepath.Join(t.TempDir(), "indusgpt.log")

	closer, err := initializeLogger(os.Stderr, "info", path)
	require.NoError(t, err)
	slog.Debug("hidden message")
	slog.Info("visible message", "user", "919800000001")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "visible message")
	assert.Contains(t, string(data), "user=919800000001")
	assert.NotContains(t, string(data), "hidden message")
}

func TestInitializeLoggerToWriter(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	closer, err := initializeLogger(&buf, "", "")
	require.NoError(t, err)
	assert.Nil(t, closer)
	slog.Debug("debug is the default level")
	assert.Contains(t, buf.String(), "debug is the default level")
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	clearEnv(t)
	envDir, flagDir := t.TempDir(), t.TempDir()
	t.Setenv("INDUSGPT_STATE_DIR", envDir)

	cfg, err := loadConfig(context.Background(), &globalFlags{stateDir: flagDir, questions: "script.yaml"})
	require.NoError(t, err)
	assert.Equal(t, flagDir, cfg.StateDir)
	assert.Equal(t, filepath.Join(flagDir, config.DefaultAppDBFileName), cfg.DatabaseURL)
	assert.Equal(t, filepath.Join(flagDir, config.DefaultReportDirName), cfg.ReportDir)
	assert.Equal(t, "script.yaml", cfg.QuestionsFile)
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Config{APIAddr: config.DefaultAPIAddr, MessagingProvider: config.MessagingWhatsApp, DatabaseURL: "a.db"}
	applyServeFlags(&cfg, serveFlags{})
	assert.Equal(t, config.DefaultAPIAddr, cfg.APIAddr)

	applyServeFlags(&cfg, serveFlags{apiAddr: ":9090", provider: config.MessagingTwilio, dbDSN: "postgres://localhost/indusgpt"})
	assert.Equal(t, ":9090", cfg.APIAddr)
	assert.Equal(t, config.MessagingTwilio, cfg.MessagingProvider)
	assert.Equal(t, "postgres://localhost/indusgpt", cfg.DatabaseURL)
}

func TestBuildOracle(t *testing.T) {
	_, err := buildOracle(context.Background(), config.Config{OracleProvider: "claude"})
	assert.Error(t, err)

	_, err = buildOracle(context.Background(), config.Config{OracleProvider: config.ProviderOpenAI})
	assert.Error(t, err, "missing API key")

	c, err := buildOracle(context.Background(), config.Config{OracleProvider: config.ProviderOpenAI, OpenAIKey: "sk-test", Model: config.DefaultModel})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestBuildSinks(t *testing.T) {
	sinks, err := buildSinks(config.Config{ReportDir: t.TempDir()})
	require.NoError(t, err)
	assert.Len(t, sinks, 1)

	sinks, err = buildSinks(config.Config{
		ReportDir: t.TempDir(),
		ReportS3:  config.S3{Endpoint: "localhost:9000", Bucket: "leads", AccessKey: "k", SecretKey: "s"},
	})
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
}

func TestRunConsole(t *testing.T) {
	script := config.Script{
		Introduction: "Hi!",
		Closing:      "That's all.",
		Finished:     "Already done.",
		Questions: []models.Question{
			{ID: "business", Text: "What does your business sell?", AnswerRequirement: "A description of the products."},
		},
	}
	fake := testutil.NewFakeOracle().
		On("intent", testutil.Reply(map[string]string{"category": "information"})).
		On("reply", testutil.Reply(map[string]string{"message": "Thanks."})).
		Queue("validation", map[string]any{"verdict": "valid", "extracted": "User sells handmade soap", "confidence": 0.9})

	var out bytes.Buffer
	view, err := newConsoleView(&out, true, 0)
	require.NoError(t, err)
	st := store.NewInMemoryStore()
	machine, err := buildMachine(script, st, fake, consoleSummary{view: view, total: 1})
	require.NoError(t, err)

	in := strings.NewReader("/state\nHandmade soap\n\n/state\nanything else\n/quit\nnever read\n")
	require.NoError(t, runConsole(context.Background(), in, view, machine, "919800000001"))

	got := out.String()
	assert.Contains(t, got, "bot: Hi!")
	assert.Contains(t, got, "What does your business sell?")
	assert.Contains(t, got, "[in_progress, question 1 of 1]")
	assert.Contains(t, got, "[919800000001] Conversation finished.")
	assert.Contains(t, got, "[finished]")
	assert.Contains(t, got, "bot: Already done.")
	assert.Less(t, strings.Index(got, "That's all."), strings.Index(got, "[919800000001] Conversation finished."),
		"closing reply must print before the summary")
	assert.Len(t, fake.Calls("validation"), 1)
}

func TestExportCommand(t *testing.T) {
	clearEnv(t)
	restoreLogger(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")

	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	ctx := context.Background()
	const user = "919800000001"
	_, err = st.Start(ctx, user)
	require.NoError(t, err)
	require.NoError(t, st.Advance(ctx, user, 0, models.QaPair{Index: 0, Question: "What does your business sell?", Answer: "Soap", CreatedAt: time.Now()}))
	require.NoError(t, st.Close())

	outPath := filepath.Join(dir, "answers.csv")
	root := newRootCmd()
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"export", "--state-dir", dir, "--db-dsn", dbPath, "-o", outPath, "--log-level", "error"})
	require.NoError(t, root.Execute())
	assert.Contains(t, stderr.String(), "Exported 1 answers")

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{user, "", "in_progress", "1", "What does your business sell?", "Soap"}, records[1][:6])
}

// ctxCloser records whether its context was still live when Close ran.
type ctxCloser struct {
	ctx       context.Context
	block     bool
	liveAtRun bool
}

func (c *ctxCloser) Close() {
	c.liveAtRun = c.ctx.Err() == nil
	if c.block {
		<-c.ctx.Done()
	}
}

func TestDrainTurnsKeepsContextLiveUntilClosed(t *testing.T) {
	parent, stop := context.WithCancel(context.Background())
	stop()
	turnCtx, cancelTurns := context.WithCancel(context.WithoutCancel(parent))
	c := &ctxCloser{ctx: turnCtx}

	drainTurns(c, cancelTurns, time.Minute)

	assert.True(t, c.liveAtRun, "turns must still run after the serve context is cancelled")
	assert.Error(t, turnCtx.Err())
}

func TestDrainTurnsGivesUpAfterTimeout(t *testing.T) {
	turnCtx, cancelTurns := context.WithCancel(context.Background())
	c := &ctxCloser{ctx: turnCtx, block: true}

	done := make(chan struct{})
	go func() {
		drainTurns(c, cancelTurns, 20*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drainTurns did not return after the timeout")
	}
	assert.True(t, c.liveAtRun)
}
