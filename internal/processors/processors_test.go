package processors

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/samedit66/indusgpt/internal/testutil"
)

var (
	reportTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pairs      = []models.QaPair{
		{Index: 0, Question: "Which bank is your corporate account with?", Answer: "User responded that they bank with SBI", CreatedAt: reportTime},
		{Index: 1, Question: "Which payment gateway do you use?", Answer: "User responded that they use Razorpay", CreatedAt: reportTime},
	}
)

type memorySink struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newMemorySink() *memorySink { return &memorySink{files: make(map[string][]byte)} }

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Write(_ context.Context, name string, data []byte, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
	return nil
}

func (s *memorySink) get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

type queued struct{ recipient, kind, body, dedupe string }

type fakeOutbox struct {
	mu   sync.Mutex
	msgs []queued
}

func (f *fakeOutbox) Enqueue(_ context.Context, recipient, kind, body, dedupe string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, queued{recipient, kind, body, dedupe})
	return nil
}

func TestExtractUsesOracleAndDropsSecrets(t *testing.T) {
	fake := testutil.NewFakeOracle().On("lead", testutil.Reply(map[string]any{
		"fields": []map[string]string{
			{"key": "Bank", "value": " SBI "},
			{"key": "payment_gateway", "value": "Razorpay"},
			{"key": "gateway_password", "value": "hunter2"},
			{"key": "shipping_city", "value": "Pune"},
		},
		"summary": "SBI customer using Razorpay.",
	}))
	fields, summary, source := NewExtractor(fake, "").Extract(context.Background(), "u1", pairs)
	assert.Equal(t, ExtractionOracle, source)
	assert.Equal(t, "SBI customer using Razorpay.", summary)
	assert.Equal(t, []models.LeadField{
		{Key: "bank", Value: "SBI"},
		{Key: "payment_gateway", Value: "Razorpay"},
		{Key: "shipping_city", Value: "Pune"},
	}, fields)

	calls := fake.Calls("lead")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Content, "Razorpay")
}

func TestExtractFallsBackToRawAnswers(t *testing.T) {
	fake := testutil.NewFakeOracle().On("lead", testutil.Fail(oracle.Transient(errors.New("timeout"))))
	fields, summary, source := NewExtractor(fake, "").Extract(context.Background(), "u1", pairs)
	assert.Equal(t, ExtractionRaw, source)
	assert.Empty(t, summary)
	assert.Equal(t, []models.LeadField{
		{Key: "q1", Value: pairs[0].Answer},
		{Key: "q2", Value: pairs[1].Answer},
	}, fields)

	fields, _, source = NewExtractor(nil, "").Extract(context.Background(), "u1", nil)
	assert.Equal(t, ExtractionRaw, source)
	assert.Empty(t, fields)
}

func TestReportWritesJSONAndCSV(t *testing.T) {
	fake := testutil.NewFakeOracle().On("lead", testutil.Reply(map[string]any{
		"fields":  []map[string]string{{"key": "bank", "value": "SBI"}},
		"summary": "SBI lead",
	}))
	st := store.NewInMemoryStore()
	require.NoError(t, st.SaveUserName(context.Background(), "+91 98000", "Asha"))
	sink := newMemorySink()
	r := NewReport(NewExtractor(fake, ""), 5, []Sink{sink}, WithProfiles(st), WithReportClock(func() time.Time { return reportTime }))

	require.NoError(t, r.Process(context.Background(), "+91 98000", pairs))

	raw, ok := sink.get("leads/_91_98000.json")
	require.True(t, ok)
	var rec models.LeadRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "Asha", rec.UserName)
	assert.False(t, rec.Complete)
	assert.Equal(t, "SBI", rec.Field("bank"))
	assert.Len(t, rec.QaPairs, 2)
	assert.Equal(t, reportTime, rec.CreatedAt)

	rawCSV, ok := sink.get("leads/_91_98000.csv")
	require.True(t, ok)
	rows, err := csv.NewReader(bytes.NewReader(rawCSV)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"user_id", "user_name", "complete", "created_at", "summary", "bank"}, rows[0])
	assert.Equal(t, []string{"+91 98000", "Asha", "false", "2025-03-01T12:00:00Z", "SBI lead", "SBI"}, rows[1])
}

func TestReportReportsSinkFailures(t *testing.T) {
	good, bad := newMemorySink(), newMemorySink()
	bad.err = errors.New("disk full")
	r := NewReport(NewExtractor(nil, ""), 2, []Sink{bad, good})
	err := r.Process(context.Background(), "u1", pairs)
	require.Error(t, err)
	_, ok := good.get("leads/u1.json")
	assert.True(t, ok, "a failing sink must not stop the others")
}

func TestLocalDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	sink, err := NewLocalDirSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), "leads/u1.json", []byte("one"), "application/json"))
	require.NoError(t, sink.Write(context.Background(), "leads/u1.json", []byte("two"), "application/json"))
	data, err := os.ReadFile(filepath.Join(dir, "leads", "u1.json"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	assert.Error(t, sink.Write(context.Background(), "../escape.json", []byte("x"), ""))
	_, err = NewLocalDirSink("  ")
	assert.Error(t, err)
}

func TestNewS3SinkValidatesConfig(t *testing.T) {
	_, err := NewS3Sink(S3Config{})
	assert.Error(t, err)
	_, err = NewS3Sink(S3Config{Endpoint: "localhost:9000", Bucket: "leads"})
	assert.Error(t, err)
	_, err = NewS3Sink(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	assert.Error(t, err)
	s, err := NewS3Sink(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "leads"})
	require.NoError(t, err)
	assert.Equal(t, "s3:leads", s.Name())
}

func TestS3SinkPutsObject(t *testing.T) {
	var mu sync.Mutex
	puts := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			puts[r.URL.Path] = string(body)
			mu.Unlock()
			w.Header().Set("ETag", `"abc"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	s, err := NewS3Sink(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "a", SecretKey: "b", Bucket: "leads", Prefix: "reports",
	})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "leads/u1.json", []byte(`{"ok":true}`), "application/json"))

	mu.Lock()
	defer mu.Unlock()
	// Plain-HTTP uploads may be chunk-signed, so only look for the payload.
	assert.Contains(t, puts["/leads/reports/leads/u1.json"], `{"ok":true}`)
}

func TestDeferredReportRunsThroughJobRunner(t *testing.T) {
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "jobs.db")))
	require.NoError(t, err)
	defer st.Close()

	sink := newMemorySink()
	report := NewReport(NewExtractor(nil, ""), 2, []Sink{sink})
	runner := store.NewJobRunner(st, 20*time.Millisecond)
	runner.RegisterHandler(JobKindReportExport, ProcessorHandler(report))

	d := NewDeferred(runner, JobKindReportExport)
	require.NoError(t, d.Process(context.Background(), "u1", pairs))
	// A repeated finalization does not queue a second job.
	require.NoError(t, d.Process(context.Background(), "u1", pairs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := sink.get("leads/u1.json")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProcessorHandlerRejectsBadPayload(t *testing.T) {
	h := ProcessorHandler(NewReport(NewExtractor(nil, ""), 1, nil))
	assert.Error(t, h(context.Background(), "not json"))
	assert.Error(t, h(context.Background(), `{"pairs":[]}`))
}

func TestManagerNotice(t *testing.T) {
	out := &fakeOutbox{}
	require.NoError(t, NewManagerNotice(out, "@priya").Process(context.Background(), "u1", nil))
	require.NoError(t, NewManagerNotice(out, "").Process(context.Background(), "u2", nil))

	require.Len(t, out.msgs, 2)
	assert.Equal(t, queued{"u1", store.OutboxKindNotice, "Your personal manager @priya will contact you soon.", "manager-notice:u1"}, out.msgs[0])
	assert.Equal(t, ManagerNoticeDefault, out.msgs[1].body)
}

func TestOperatorSummary(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	out := &fakeOutbox{}
	p := NewOperatorSummary(out, st, st, 5)

	// No operator chat attached yet.
	require.NoError(t, p.Process(ctx, "u1", pairs))
	assert.Empty(t, out.msgs)

	require.NoError(t, st.SetSetting(ctx, store.SettingOperatorChat, "group-1"))
	require.NoError(t, st.SaveUserName(ctx, "u1", "Asha"))
	require.NoError(t, p.Process(ctx, "u1", pairs))
	require.Len(t, out.msgs, 1)
	msg := out.msgs[0]
	assert.Equal(t, "group-1", msg.recipient)
	assert.Equal(t, store.OutboxKindRelay, msg.kind)
	assert.True(t, strings.HasPrefix(msg.body, "[Asha | u1] Conversation stopped early, 2 of 5 answered."))
	assert.Contains(t, msg.body, "2. Which payment gateway do you use?\nUser responded that they use Razorpay")
}

func TestExportQaPairs(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	for _, u := range []string{"b", "a"} {
		_, err := st.Start(ctx, u)
		require.NoError(t, err)
	}
	for i, p := range pairs {
		require.NoError(t, st.Advance(ctx, "a", i, p))
	}
	require.NoError(t, st.Advance(ctx, "b", 0, pairs[0]))

	var buf bytes.Buffer
	n, err := ExportQaPairs(ctx, st, 2, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"a", "", "finished", "1", pairs[0].Question, pairs[0].Answer, "2025-03-01T12:00:00Z"}, rows[1])
	assert.Equal(t, "in_progress", rows[3][2])
}
