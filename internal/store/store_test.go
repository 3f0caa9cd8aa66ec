package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/util"
)

// backends returns every Store implementation available in the test environment.
// Postgres runs only when DATABASE_URL is set.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && DetectDSNType(dsn) == "postgres" {
		b["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Fatalf("NewPostgresStore failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

// uniqueUser keeps Postgres runs from colliding with rows left by earlier runs.
func uniqueUser(t *testing.T, name string) string {
	t.Helper()
	return name + "-" + util.GenerateRandomHex(8)
}

func TestConversationStore_StartIsIdempotent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u1")

			p, err := s.GetProgress(ctx, user)
			if err != nil {
				t.Fatalf("GetProgress failed: %v", err)
			}
			if p.Started {
				t.Fatal("unknown user should not be started")
			}

			created, err := s.Start(ctx, user)
			if err != nil || !created {
				t.Fatalf("first Start = %v, %v; want true, nil", created, err)
			}
			created, err = s.Start(ctx, user)
			if err != nil || created {
				t.Fatalf("second Start = %v, %v; want false, nil", created, err)
			}

			p, _ = s.GetProgress(ctx, user)
			if !p.Started || p.Cursor != 0 || p.Finalized {
				t.Errorf("progress after Start = %+v", p)
			}
		})
	}
}

func TestConversationStore_AdvanceAppendsAndClearsContext(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u2")
			s.Start(ctx, user)

			if err := s.AppendPartialContext(ctx, user, "SBI"); err != nil {
				t.Fatalf("AppendPartialContext failed: %v", err)
			}
			if err := s.AppendPartialContext(ctx, user, "corporate"); err != nil {
				t.Fatalf("AppendPartialContext failed: %v", err)
			}
			got, _ := s.GetPartialContext(ctx, user)
			if got != "SBI\ncorporate" {
				t.Errorf("partial context = %q, want %q", got, "SBI\ncorporate")
			}

			pair := models.QaPair{Question: "Which bank?", Answer: "SBI corporate account"}
			if err := s.Advance(ctx, user, 0, pair); err != nil {
				t.Fatalf("Advance failed: %v", err)
			}

			p, _ := s.GetProgress(ctx, user)
			if p.Cursor != 1 {
				t.Errorf("cursor = %d, want 1", p.Cursor)
			}
			if got, _ := s.GetPartialContext(ctx, user); got != "" {
				t.Errorf("partial context after Advance = %q, want empty", got)
			}
			pairs, err := s.ListQaPairs(ctx, user)
			if err != nil {
				t.Fatalf("ListQaPairs failed: %v", err)
			}
			if len(pairs) != 1 || pairs[0].Index != 0 || pairs[0].Answer != "SBI corporate account" {
				t.Errorf("pairs = %+v", pairs)
			}
		})
	}
}

func TestConversationStore_AdvanceRejectsStaleCursor(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u3")
			s.Start(ctx, user)
			s.AppendPartialContext(ctx, user, "note")

			err := s.Advance(ctx, user, 1, models.QaPair{Question: "Q", Answer: "A"})
			if !errors.Is(err, ErrCursorMismatch) {
				t.Fatalf("Advance with stale cursor error = %v, want ErrCursorMismatch", err)
			}
			p, _ := s.GetProgress(ctx, user)
			if p.Cursor != 0 {
				t.Errorf("cursor changed to %d on rejected Advance", p.Cursor)
			}
			if got, _ := s.GetPartialContext(ctx, user); got != "note" {
				t.Errorf("partial context = %q after rejected Advance, want %q", got, "note")
			}
			if pairs, _ := s.ListQaPairs(ctx, user); len(pairs) != 0 {
				t.Errorf("pairs = %+v after rejected Advance, want none", pairs)
			}
		})
	}
}

func TestConversationStore_ConcurrentAdvanceSingleWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u4")
			s.Start(ctx, user)

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Advance(ctx, user, 0, models.QaPair{Question: "Q", Answer: "A"}); err == nil {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()

			if wins != 1 {
				t.Errorf("successful Advance calls = %d, want 1", wins)
			}
			if pairs, _ := s.ListQaPairs(ctx, user); len(pairs) != 1 {
				t.Errorf("pairs = %d, want 1", len(pairs))
			}
		})
	}
}

func TestConversationStore_MarkFinalizedOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u5")
			s.Start(ctx, user)

			first, err := s.MarkFinalized(ctx, user)
			if err != nil || !first {
				t.Fatalf("first MarkFinalized = %v, %v; want true, nil", first, err)
			}
			second, err := s.MarkFinalized(ctx, user)
			if err != nil || second {
				t.Fatalf("second MarkFinalized = %v, %v; want false, nil", second, err)
			}
			if err := s.Advance(ctx, user, 0, models.QaPair{Question: "Q", Answer: "A"}); !errors.Is(err, ErrCursorMismatch) {
				t.Errorf("Advance after finalize error = %v, want ErrCursorMismatch", err)
			}
		})
	}
}

func TestConversationStore_MarkFinalizedUnknownUser(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u6")

			first, err := s.MarkFinalized(ctx, user)
			if err != nil || !first {
				t.Fatalf("MarkFinalized = %v, %v; want true, nil", first, err)
			}
			p, _ := s.GetProgress(ctx, user)
			if !p.Started || !p.Finalized {
				t.Errorf("progress = %+v, want started and finalized", p)
			}
		})
	}
}

func TestSettingsAndProfiles(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			user := uniqueUser(t, "u7")

			if err := s.SaveUserName(ctx, user, "Asha"); err != nil {
				t.Fatalf("SaveUserName failed: %v", err)
			}
			if err := s.SaveUserName(ctx, user, "Asha K"); err != nil {
				t.Fatalf("SaveUserName overwrite failed: %v", err)
			}
			if got, _ := s.GetUserName(ctx, user); got != "Asha K" {
				t.Errorf("GetUserName = %q, want %q", got, "Asha K")
			}

			key := uniqueUser(t, SettingOperatorChat)
			if got, _ := s.GetSetting(ctx, key); got != "" {
				t.Errorf("missing setting = %q, want empty", got)
			}
			s.SetSetting(ctx, key, "group@g.us")
			if got, _ := s.GetSetting(ctx, key); got != "group@g.us" {
				t.Errorf("GetSetting = %q", got)
			}
			s.DeleteSetting(ctx, key)
			if got, _ := s.GetSetting(ctx, key); got != "" {
				t.Errorf("setting after delete = %q", got)
			}
		})
	}
}

func TestGuidanceKeepsOrder(t *testing.T) {
	for name, open := range backends(t) {
		if name == "postgres" {
			continue // shared table across runs
		}
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			s.AddGuidance(ctx, "Accept Razorpay as a PSP")
			s.AddGuidance(ctx, "Ask for the account type")

			got, err := s.ListGuidance(ctx)
			if err != nil {
				t.Fatalf("ListGuidance failed: %v", err)
			}
			if len(got) != 2 || got[0] != "Accept Razorpay as a PSP" || got[1] != "Ask for the account type" {
				t.Errorf("ListGuidance = %v", got)
			}
		})
	}
}

func TestListUsersSorted(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	s.Start(ctx, "b")
	s.Start(ctx, "a")
	users, _ := s.ListUsers(ctx)
	if len(users) != 2 || users[0] != "a" || users[1] != "b" {
		t.Errorf("ListUsers = %v, want [a b]", users)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user@localhost/db", "postgres"},
		{"postgresql://user@localhost/db", "postgres"},
		{"host=localhost dbname=indus", "postgres"},
		{"/var/lib/indusgpt/state.db", "sqlite3"},
		{"file:state.db?_foreign_keys=on", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
