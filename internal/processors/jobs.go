package processors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samedit66/indusgpt/internal/conversation"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/store"
)

// JobKindReportExport is the durable job kind that writes a lead report.
const JobKindReportExport = "report.export"

// JobEnqueuer queues durable jobs. store.JobRunner implements it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind, payloadJSON, dedupeKey string) (string, error)
}

type reportPayload struct {
	UserID string          `json:"user_id"`
	Pairs  []models.QaPair `json:"pairs"`
}

// Deferred runs another processor through the durable job queue, so the work is retried with
// backoff and survives restarts. The dedupe key is the user ID: one report job per user.
type Deferred struct {
	jobs JobEnqueuer
	kind string
}

// NewDeferred creates a processor that enqueues kind jobs on jobs.
func NewDeferred(jobs JobEnqueuer, kind string) *Deferred {
	return &Deferred{jobs: jobs, kind: kind}
}

// Process implements conversation.Processor.
func (d *Deferred) Process(ctx context.Context, userID string, pairs []models.QaPair) error {
	payload, err := json.Marshal(reportPayload{UserID: userID, Pairs: pairs})
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", d.kind, err)
	}
	if _, err := d.jobs.Enqueue(ctx, d.kind, string(payload), d.kind+":"+userID); err != nil {
		return fmt.Errorf("enqueue %s: %w", d.kind, err)
	}
	return nil
}

// ProcessorHandler adapts a processor to a store.JobHandler for payloads written by Deferred.
func ProcessorHandler(p conversation.Processor) store.JobHandler {
	return func(ctx context.Context, payloadJSON string) error {
		var payload reportPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("decode job payload: %w", err)
		}
		if payload.UserID == "" {
			return fmt.Errorf("job payload has no user_id")
		}
		return p.Process(ctx, payload.UserID, payload.Pairs)
	}
}
