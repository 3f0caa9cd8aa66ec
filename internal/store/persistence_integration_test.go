package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samedit66/indusgpt/internal/models"
)

// TestConversationSurvivesRestart verifies progress, partial context and answers are read
// back from disk after the store is reopened.
func TestConversationSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	s1.Start(ctx, "919800000001")
	if err := s1.Advance(ctx, "919800000001", 0, models.QaPair{Question: "Which bank?", Answer: "SBI corporate account"}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	s1.AppendPartialContext(ctx, "919800000001", "Razorpay")
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	p, _ := s2.GetProgress(ctx, "919800000001")
	if p.Cursor != 1 {
		t.Errorf("cursor after restart = %d, want 1", p.Cursor)
	}
	if got, _ := s2.GetPartialContext(ctx, "919800000001"); got != "Razorpay" {
		t.Errorf("partial context after restart = %q", got)
	}
	pairs, _ := s2.ListQaPairs(ctx, "919800000001")
	if len(pairs) != 1 || pairs[0].Answer != "SBI corporate account" {
		t.Errorf("pairs after restart = %+v", pairs)
	}
}

// TestJobRunnerRestartRecovery simulates a crash while a job is running. The job must
// execute exactly once after the restart.
func TestJobRunnerRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	jobID, err := s1.EnqueueJob(ctx, "report.export", past, `{"user_id":"919800000001"}`, "919800000001")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Claimed, then the process dies before completing it.
	if jobs, _ := s1.ClaimDueJobs(ctx, past, 10); len(jobs) != 1 {
		t.Fatalf("Expected to claim 1 job, got %d", len(jobs))
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, 20*time.Millisecond)
	runner.RegisterHandler("report.export", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	runner.Run(runCtx)

	if got := atomic.LoadInt32(&executed); got != 1 {
		t.Errorf("Expected 1 execution after restart, got %d", got)
	}
	job, err := s2.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob after restart failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("Expected job status 'done', got %q", job.Status)
	}
}

// TestOutboxSenderRestartRecovery simulates a crash mid-send. The message is requeued and
// delivered once after the restart.
func TestOutboxSenderRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if _, err := s1.EnqueueOutboxMessage(ctx, "919800000001", OutboxKindReply, "Which PSP do you use?", "reply-1"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	msgs, err := s1.ClaimDueOutboxMessages(ctx, past, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ClaimDueOutboxMessages = %d, %v", len(msgs), err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	sender.Run(runCtx)

	if got := atomic.LoadInt32(&sent); got != 1 {
		t.Errorf("Expected 1 send after recovery, got %d", got)
	}
}

// TestDedupRepoRestartSafety verifies that dedup records survive a store restart.
func TestDedupRepoRestartSafety(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if isNew, err := s1.RecordInbound(ctx, "msg-restart-1", "919800000001"); err != nil || !isNew {
		t.Fatalf("RecordInbound = %v, %v; want true", isNew, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	isNew, err := s2.RecordInbound(ctx, "msg-restart-1", "919800000001")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew {
		t.Error("Expected isNew=false for duplicate after restart")
	}
}
