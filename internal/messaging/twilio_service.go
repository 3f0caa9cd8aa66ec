package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/twiliowhatsapp"
)

// WebhookValidator checks Twilio request signatures. *twiliowhatsapp.Client implements it.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements the Service interface using Twilio API. Inbound messages arrive
// through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	validator WebhookValidator
	publicURL string
	*channels
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not match publicURL,
// the webhook URL as configured in the Twilio console.
func WithSignatureValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, channels: newChannels()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if strings.HasSuffix(canonicalTo, "@g.us") {
		return fmt.Errorf("twilio cannot send to group chat %s", canonicalTo)
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on Responses().
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	response, err := parseWebhook(r)
	if err != nil {
		slog.Warn("Twilio webhook rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Debug("Inbound WhatsApp message from Twilio", "from", response.From, "kind", response.Kind, "body_length", len(response.Body))
	s.emitResponse(response)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func parseWebhook(r *http.Request) (models.Response, error) {
	from, err := CanonicalizePhone(r.FormValue("From"))
	if err != nil {
		return models.Response{}, fmt.Errorf("invalid From: %w", err)
	}
	resp := models.Response{
		ID:   r.FormValue("MessageSid"),
		From: from,
		Name: r.FormValue("ProfileName"),
		Kind: models.MessageKindText,
		Body: r.FormValue("Body"),
		Time: time.Now().Unix(),
	}
	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		resp.Kind = models.MessageKindMedia
		if strings.HasPrefix(r.FormValue("MediaContentType0"), "audio/") {
			resp.Kind = models.MessageKindVoice
		}
	}
	if resp.Kind == models.MessageKindText && strings.TrimSpace(resp.Body) == "" {
		return models.Response{}, fmt.Errorf("missing Body")
	}
	return resp, nil
}
