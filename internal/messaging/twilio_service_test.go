package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/twiliowhatsapp"
)

func postWebhook(t *testing.T, svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, req)
	return rr
}

func TestTwilioWebhookText(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rr := postWebhook(t, svc, url.Values{
		"From":        {"whatsapp:+919800000001"},
		"Body":        {"Razorpay"},
		"MessageSid":  {"SM1"},
		"ProfileName": {"Asha"},
	}, "")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	select {
	case r := <-svc.Responses():
		want := models.Response{ID: "SM1", From: userA, Name: "Asha", Kind: models.MessageKindText, Body: "Razorpay", Time: r.Time}
		if r != want {
			t.Errorf("got %+v, want %+v", r, want)
		}
	default:
		t.Fatal("expected inbound response")
	}
}

func TestTwilioWebhookMedia(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	postWebhook(t, svc, url.Values{
		"From":              {"whatsapp:+919800000001"},
		"NumMedia":          {"1"},
		"MediaContentType0": {"audio/ogg"},
	}, "")
	postWebhook(t, svc, url.Values{
		"From":              {"whatsapp:+919800000001"},
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
	}, "")

	if r := <-svc.Responses(); r.Kind != models.MessageKindVoice {
		t.Errorf("expected voice, got %+v", r)
	}
	if r := <-svc.Responses(); r.Kind != models.MessageKindMedia {
		t.Errorf("expected media, got %+v", r)
	}
}

func TestTwilioWebhookRejectsBadInput(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if rr := postWebhook(t, svc, url.Values{"Body": {"hi"}}, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing From: expected 400, got %d", rr.Code)
	}
	if rr := postWebhook(t, svc, url.Values{"From": {"+919800000001"}}, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing Body: expected 400, got %d", rr.Code)
	}
}

type stubValidator struct {
	ok     bool
	url    string
	params map[string]string
	sig    string
}

func (v *stubValidator) ValidateWebhook(url string, params map[string]string, sig string) bool {
	v.url, v.params, v.sig = url, params, sig
	return v.ok
}

func TestTwilioWebhookSignature(t *testing.T) {
	v := &stubValidator{}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation(v, "https://bot.example.com/twilio/webhook"))
	form := url.Values{"From": {"+919800000001"}, "Body": {"hi"}}

	if rr := postWebhook(t, svc, form, "sig"); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if v.url != "https://bot.example.com/twilio/webhook" || v.sig != "sig" || v.params["Body"] != "hi" {
		t.Errorf("validator got url=%q sig=%q params=%v", v.url, v.sig, v.params)
	}

	v.ok = true
	if rr := postWebhook(t, svc, form, "sig"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestTwilioServiceSend(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendMessage(ctx, "+91 98000 00001", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != userA {
		t.Fatalf("unexpected sends %+v", mock.SentMessages)
	}
	if err := svc.SendMessage(ctx, opsGroup, "copy"); err == nil {
		t.Error("expected group send to fail on twilio")
	}

	svc.Stop()
	if err := svc.SendMessage(ctx, userA, "late"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
