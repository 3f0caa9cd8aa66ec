package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/store"
)

// Enqueuer queues an outgoing message. store.OutboxSender implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipient, kind, body, dedupeKey string) error
}

// Default manager hand-off texts. ManagerNoticeWithName takes the manager's contact.
const (
	ManagerNoticeWithName = "Your personal manager %s will contact you soon."
	ManagerNoticeDefault  = "Your personal manager will contact you soon."
)

// ManagerNotice tells the user who will follow up after the conversation ends.
type ManagerNotice struct {
	out     Enqueuer
	contact string
}

// NewManagerNotice creates the processor. contact may be empty.
func NewManagerNotice(out Enqueuer, contact string) *ManagerNotice {
	return &ManagerNotice{out: out, contact: strings.TrimSpace(contact)}
}

// Text returns the notice sent to users.
func (n *ManagerNotice) Text() string {
	if n.contact == "" {
		return ManagerNoticeDefault
	}
	return fmt.Sprintf(ManagerNoticeWithName, n.contact)
}

// Process implements conversation.Processor.
func (n *ManagerNotice) Process(ctx context.Context, userID string, _ []models.QaPair) error {
	if err := n.out.Enqueue(ctx, userID, store.OutboxKindNotice, n.Text(), "manager-notice:"+userID); err != nil {
		return fmt.Errorf("enqueue manager notice: %w", err)
	}
	return nil
}

// OperatorSummary posts the collected answers to the operator chat.
type OperatorSummary struct {
	out      Enqueuer
	settings store.SettingsRepo
	names    store.ProfileRepo
	total    int
}

// NewOperatorSummary creates the processor for a script of total questions. The operator chat
// is read from settings on every call; nothing is sent while none is attached.
func NewOperatorSummary(out Enqueuer, settings store.SettingsRepo, names store.ProfileRepo, total int) *OperatorSummary {
	return &OperatorSummary{out: out, settings: settings, names: names, total: total}
}

// Process implements conversation.Processor.
func (s *OperatorSummary) Process(ctx context.Context, userID string, pairs []models.QaPair) error {
	chat, err := s.settings.GetSetting(ctx, store.SettingOperatorChat)
	if err != nil {
		return fmt.Errorf("get operator chat: %w", err)
	}
	if chat == "" {
		return nil
	}
	name := ""
	if s.names != nil {
		name, _ = s.names.GetUserName(ctx, userID)
	}
	body := FormatSummary(UserTag(userID, name), pairs, s.total)
	if err := s.out.Enqueue(ctx, chat, store.OutboxKindRelay, body, "summary:"+userID); err != nil {
		return fmt.Errorf("enqueue operator summary: %w", err)
	}
	return nil
}

// UserTag labels a user in operator messages.
func UserTag(userID, name string) string {
	if name == "" {
		return "[" + userID + "]"
	}
	return "[" + name + " | " + userID + "]"
}

// FormatSummary renders a finished conversation for operators.
func FormatSummary(tag string, pairs []models.QaPair, total int) string {
	var b strings.Builder
	status := "finished"
	if len(pairs) < total {
		status = fmt.Sprintf("stopped early, %d of %d answered", len(pairs), total)
	}
	fmt.Fprintf(&b, "%s Conversation %s.\n", tag, status)
	for _, p := range pairs {
		fmt.Fprintf(&b, "\n%d. %s\n%s\n", p.Index+1, p.Question, p.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
