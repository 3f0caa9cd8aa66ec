// Package processors holds the consumers of finished conversations.
//
// Each processor implements conversation.Processor. The state machine calls them once per user
// in registration order; they are written so that running one twice for the same user
// overwrites rather than duplicates its output.
package processors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
	"github.com/samedit66/indusgpt/internal/store"
)

// DefaultExtractInstructions asks the oracle for a flat lead record.
const DefaultExtractInstructions = `You turn a finished business questionnaire into a flat record.
Return one field per fact with a short snake_case key and a concise value, plus a one-sentence
summary of the lead. Use only facts stated in the answers. Never record passwords, PINs,
one-time codes, API keys or any other secret, even if the user wrote one.`

var leadSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"fields": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string"},
					"value": map[string]any{"type": "string"},
				},
				"required":             []string{"key", "value"},
				"additionalProperties": false,
			},
		},
		"summary": map[string]any{"type": "string"},
	},
	"required":             []string{"fields", "summary"},
	"additionalProperties": false,
}

// Extraction sources recorded on a LeadRecord.
const (
	ExtractionOracle = "oracle"
	ExtractionRaw    = "raw"
)

// secretWords flag keys whose values are dropped from reports.
var secretWords = map[string]struct{}{
	"password": {}, "passwd": {}, "pass": {}, "secret": {}, "token": {}, "pin": {}, "otp": {},
	"cvv": {}, "credential": {}, "credentials": {}, "apikey": {}, "login": {},
}

// Extractor builds LeadRecords from QaPairs.
type Extractor struct {
	oracle       oracle.Client
	instructions string
}

// NewExtractor creates an Extractor. A nil oracle always falls back to the raw answers.
func NewExtractor(c oracle.Client, instructions string) *Extractor {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultExtractInstructions
	}
	return &Extractor{oracle: c, instructions: instructions}
}

type extraction struct {
	Fields  []models.LeadField `json:"fields"`
	Summary string             `json:"summary"`
}

// Extract returns the structured fields for pairs. When the oracle fails the fields are the raw
// answers keyed by question number.
func (e *Extractor) Extract(ctx context.Context, userID string, pairs []models.QaPair) (fields []models.LeadField, summary, source string) {
	if e.oracle != nil && len(pairs) > 0 {
		var out extraction
		err := oracle.CompleteJSON(ctx, e.oracle, oracle.Request{
			Instructions: e.instructions,
			Content:      formatPairs(pairs),
			SchemaName:   "lead",
			Schema:       leadSchema,
		}, &out)
		if err == nil && len(out.Fields) > 0 {
			return redact(out.Fields), strings.TrimSpace(out.Summary), ExtractionOracle
		}
		slog.Warn("Extractor.Extract: falling back to raw answers", "user", userID, "error", err)
	}
	fields = make([]models.LeadField, 0, len(pairs))
	for _, p := range pairs {
		fields = append(fields, models.LeadField{Key: fmt.Sprintf("q%d", p.Index+1), Value: p.Answer})
	}
	return fields, "", ExtractionRaw
}

func formatPairs(pairs []models.QaPair) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", p.Question, p.Answer)
	}
	return b.String()
}

func redact(fields []models.LeadField) []models.LeadField {
	out := make([]models.LeadField, 0, len(fields))
	for _, f := range fields {
		key := strings.ToLower(strings.TrimSpace(f.Key))
		if key == "" || isSecretKey(key) {
			continue
		}
		out = append(out, models.LeadField{Key: key, Value: strings.TrimSpace(f.Value)})
	}
	return out
}

func isSecretKey(key string) bool {
	if strings.Contains(key, "api_key") {
		return true
	}
	for _, w := range strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' || r == ' ' }) {
		if _, ok := secretWords[w]; ok {
			return true
		}
	}
	return false
}

// Report extracts a LeadRecord and writes it as JSON and CSV to every sink.
type Report struct {
	extractor     *Extractor
	sinks         []Sink
	names         store.ProfileRepo
	questionCount int
	now           func() time.Time
}

// ReportOption configures a Report.
type ReportOption func(*Report)

// WithProfiles adds user display names to reports.
func WithProfiles(names store.ProfileRepo) ReportOption {
	return func(r *Report) {
		r.names = names
	}
}

// WithReportClock sets the report timestamp source.
func WithReportClock(now func() time.Time) ReportOption {
	return func(r *Report) {
		r.now = now
	}
}

// NewReport creates a Report for a script of questionCount questions.
func NewReport(extractor *Extractor, questionCount int, sinks []Sink, opts ...ReportOption) *Report {
	r := &Report{extractor: extractor, sinks: sinks, questionCount: questionCount, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build assembles the LeadRecord for userID.
func (r *Report) Build(ctx context.Context, userID string, pairs []models.QaPair) models.LeadRecord {
	fields, summary, source := r.extractor.Extract(ctx, userID, pairs)
	rec := models.LeadRecord{
		UserID:     userID,
		Complete:   len(pairs) >= r.questionCount,
		Fields:     fields,
		Summary:    summary,
		QaPairs:    pairs,
		CreatedAt:  r.now().UTC(),
		Extraction: source,
	}
	if r.names != nil {
		if name, err := r.names.GetUserName(ctx, userID); err == nil {
			rec.UserName = name
		}
	}
	return rec
}

// Process implements conversation.Processor.
func (r *Report) Process(ctx context.Context, userID string, pairs []models.QaPair) error {
	rec := r.Build(ctx, userID, pairs)
	jsonData, err := RenderJSON(rec)
	if err != nil {
		return err
	}
	csvData, err := RenderCSV(rec)
	if err != nil {
		return err
	}

	base := reportName(userID)
	var failed []string
	for _, s := range r.sinks {
		if err := s.Write(ctx, base+".json", jsonData, "application/json"); err != nil {
			slog.Error("Report.Process: sink write failed", "user", userID, "sink", s.Name(), "error", err)
			failed = append(failed, s.Name())
			continue
		}
		if err := s.Write(ctx, base+".csv", csvData, "text/csv"); err != nil {
			slog.Error("Report.Process: sink write failed", "user", userID, "sink", s.Name(), "error", err)
			failed = append(failed, s.Name())
			continue
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("write report for %s: sinks failed: %s", userID, strings.Join(failed, ", "))
	}
	slog.Info("Report.Process: report written", "user", userID, "fields", len(rec.Fields), "complete", rec.Complete, "extraction", rec.Extraction, "sinks", len(r.sinks))
	return nil
}

// reportName maps a user ID to a file-safe object name.
func reportName(userID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, userID)
	return "leads/" + strings.Trim(clean, ".")
}
