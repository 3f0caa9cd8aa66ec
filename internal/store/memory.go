package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/samedit66/indusgpt/internal/models"
)

// In-memory dedup cache bounds. Redeliveries happen within minutes of the original, so
// entries older than the TTL are safe to forget.
const (
	DefaultDedupCacheSize = 10000
	DefaultDedupTTL       = 24 * time.Hour
)

type memoryConversation struct {
	progress       models.Progress
	partialContext string
	pairs          []models.QaPair
}

// InMemoryStore keeps all state in process memory. It is used by the console command and
// tests; state is lost on restart.
type InMemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*memoryConversation
	names    map[string]string
	settings map[string]string
	guidance []string
	dedup    *expirable.LRU[string, *DedupRecord]
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[string]*memoryConversation),
		names:    make(map[string]string),
		settings: make(map[string]string),
		dedup:    expirable.NewLRU[string, *DedupRecord](DefaultDedupCacheSize, nil, DefaultDedupTTL),
	}
}

// conv returns the user's record, creating it when create is set. Callers hold s.mu.
func (s *InMemoryStore) conv(userID string, create bool) *memoryConversation {
	c, ok := s.convs[userID]
	if !ok && create {
		c = &memoryConversation{progress: models.Progress{Started: true}}
		s.convs[userID] = c
	}
	return c
}

func (s *InMemoryStore) GetProgress(_ context.Context, userID string) (models.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.conv(userID, false); c != nil {
		return c.progress, nil
	}
	return models.Progress{}, nil
}

func (s *InMemoryStore) Start(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv(userID, false) != nil {
		return false, nil
	}
	s.conv(userID, true)
	return true, nil
}

func (s *InMemoryStore) Advance(_ context.Context, userID string, expectedCursor int, pair models.QaPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(userID, false)
	if c == nil || c.progress.Finalized || c.progress.Cursor != expectedCursor {
		return ErrCursorMismatch
	}
	pair.Index = expectedCursor
	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = time.Now()
	}
	c.pairs = append(c.pairs, pair)
	c.progress.Cursor++
	c.partialContext = ""
	return nil
}

func (s *InMemoryStore) GetPartialContext(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.conv(userID, false); c != nil {
		return c.partialContext, nil
	}
	return "", nil
}

func (s *InMemoryStore) AppendPartialContext(_ context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(userID, true)
	c.partialContext = joinContext(c.partialContext, text)
	return nil
}

func (s *InMemoryStore) ClearPartialContext(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.conv(userID, false); c != nil {
		c.partialContext = ""
	}
	return nil
}

func (s *InMemoryStore) MarkFinalized(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(userID, true)
	if c.progress.Finalized {
		return false, nil
	}
	c.progress.Finalized = true
	return true, nil
}

func (s *InMemoryStore) ListQaPairs(_ context.Context, userID string) ([]models.QaPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(userID, false)
	if c == nil || len(c.pairs) == 0 {
		return nil, nil
	}
	out := make([]models.QaPair, len(c.pairs))
	copy(out, c.pairs)
	return out, nil
}

func (s *InMemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.convs))
	for id := range s.convs {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *InMemoryStore) SaveUserName(_ context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
	return nil
}

func (s *InMemoryStore) GetUserName(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[userID], nil
}

func (s *InMemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key], nil
}

func (s *InMemoryStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *InMemoryStore) DeleteSetting(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, key)
	return nil
}

func (s *InMemoryStore) AddGuidance(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guidance = append(s.guidance, text)
	return nil
}

func (s *InMemoryStore) ListGuidance(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.guidance...), nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	return s.dedup.Contains(messageID), nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup.Contains(messageID) {
		return false, nil
	}
	s.dedup.Add(messageID, &DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()})
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup.Peek(messageID); ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
