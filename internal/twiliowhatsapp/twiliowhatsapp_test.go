package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestSendMessageFormatsAddresses(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(api, Opts{AuthToken: "tok", FromWhats: "+14155238886"})

	if err := c.SendMessage(context.Background(), "919800000000", "Hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 message, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "whatsapp:+919800000000" {
		t.Errorf("unexpected To %q", *p.To)
	}
	if *p.From != "whatsapp:+14155238886" {
		t.Errorf("unexpected From %q", *p.From)
	}
	if *p.Body != "Hello" {
		t.Errorf("unexpected Body %q", *p.Body)
	}
}

func TestSendMessageWrapsError(t *testing.T) {
	boom := errors.New("rate limited")
	c := newClient(&fakeAPI{err: boom}, Opts{AuthToken: "tok", FromWhats: "whatsapp:+1"})

	if err := c.SendMessage(context.Background(), "+2", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateWebhookRejectsBadSignature(t *testing.T) {
	c := newClient(&fakeAPI{}, Opts{AuthToken: "tok", FromWhats: "+1"})
	if c.ValidateWebhook("https://example.com/twilio/webhook", map[string]string{"Body": "hi"}, "bogus") {
		t.Error("expected bogus signature to be rejected")
	}
}

func TestAddress(t *testing.T) {
	for in, want := range map[string]string{
		"123":           "whatsapp:+123",
		"+123":          "whatsapp:+123",
		"whatsapp:+123": "whatsapp:+123",
	} {
		if got := Address(in); got != want {
			t.Errorf("Address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("unexpected sent messages %+v", mock.SentMessages)
	}
}
