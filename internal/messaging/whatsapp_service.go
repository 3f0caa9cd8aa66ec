package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is implemented by *whatsapp.Client; mocks without it get no inbound events.
type eventSource interface {
	AddEventHandler(h func(evt any))
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
	events eventSource
	*channels
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{client: client, channels: newChannels()}
	if src, ok := client.(eventSource); ok {
		s.events = src
		slog.Debug("WhatsAppService created with event source")
	} else {
		slog.Debug("WhatsAppService created without event source (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient accepts phone numbers and group chat IDs.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the WhatsApp event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService no event source available, skipping event handling")
		return nil
	}
	s.events.AddEventHandler(s.HandleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	if s.stop() {
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// HandleEvent feeds whatsmeow events into the service channels.
func (s *WhatsAppService) HandleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		r, ok := whatsapp.ParseMessage(v)
		if !ok {
			return
		}
		if s.emitResponse(r) {
			slog.Debug("WhatsAppService incoming message forwarded", "from", r.From, "kind", r.Kind, "group", r.IsGroup())
		}
	case *events.Receipt:
		var status models.MessageStatus
		switch v.Type {
		case events.ReceiptTypeDelivered:
			status = models.MessageStatusDelivered
		case events.ReceiptTypeRead:
			status = models.MessageStatusRead
		default:
			return
		}
		s.emitReceipt(models.Receipt{To: v.MessageSource.Chat.User, Status: status, Time: v.Timestamp.Unix()})
	}
}
