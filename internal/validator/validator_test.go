package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
	"github.com/samedit66/indusgpt/internal/testutil"
)

var corporateAccount = models.Question{
	ID:                "corporate_account",
	Text:              "Do you have a corporate account? Which bank is it with?",
	AnswerRequirement: "must confirm having a corporate account and name the bank",
}

func validateWith(t *testing.T, answer map[string]any, in Input, opts ...Option) models.Outcome {
	t.Helper()
	fake := testutil.NewFakeOracle().On("validation", testutil.Reply(answer))
	out, err := New(fake, opts...).Validate(context.Background(), in)
	require.NoError(t, err)
	return out
}

func TestValidatePassesThroughConfidentVerdicts(t *testing.T) {
	out := validateWith(t, map[string]any{
		"verdict": "valid", "extracted": "User responded that they have an SBI corporate account", "confidence": 0.95,
	}, Input{UserInput: "Yes, SBI corporate account", Question: corporateAccount})
	assert.Equal(t, models.Valid("User responded that they have an SBI corporate account"), out)

	out = validateWith(t, map[string]any{
		"verdict": "needs_more_details", "extracted": "User banks with SBI", "reason": "account type unknown", "confidence": 0.8,
	}, Input{UserInput: "SBI", Question: corporateAccount})
	assert.Equal(t, models.NeedsMoreDetails("User banks with SBI", "account type unknown"), out)

	out = validateWith(t, map[string]any{
		"verdict": "invalid", "reason": "postponed", "confidence": 0.9,
	}, Input{UserInput: "I'll think about it", Question: corporateAccount})
	assert.Equal(t, models.Invalid("postponed"), out)
}

func TestValidateConfirmsContextWithBareYes(t *testing.T) {
	out := validateWith(t, map[string]any{
		"verdict": "valid", "extracted": "User responded that they have a corporate account at Bank X", "confidence": 0.9,
	}, Input{
		UserInput: "Yes",
		Question:  corporateAccount,
		Context:   "User has an account at Bank X",
	})
	require.True(t, out.IsValid())
	assert.Contains(t, out.Extracted, "Bank X")
}

func TestValidateColdYesIsNeverValid(t *testing.T) {
	for _, policy := range []models.ConfirmationPolicy{models.ConfirmationInfer, models.ConfirmationExplicit} {
		t.Run(string(policy), func(t *testing.T) {
			q := corporateAccount
			q.Confirmation = policy
			// The oracle wrongly accepts the bare "yes".
			out := validateWith(t, map[string]any{
				"verdict": "valid", "extracted": "User responded yes", "confidence": 0.99,
			}, Input{UserInput: "Yes", Question: q})
			assert.False(t, out.IsValid())
			assert.Equal(t, models.OutcomeNeedsMoreDetails, out.Kind)
			assert.Equal(t, ReasonNothingConfirmed, out.Reason)
		})
	}
}

func TestValidateExplicitPolicyRejectsBareConfirmation(t *testing.T) {
	q := corporateAccount
	q.Confirmation = models.ConfirmationExplicit
	out := validateWith(t, map[string]any{
		"verdict": "valid", "extracted": "User responded that they have a corporate account at Bank X", "confidence": 0.9,
	}, Input{UserInput: "ok", Question: q, Context: "User has an account at Bank X"})
	assert.Equal(t, models.OutcomeNeedsMoreDetails, out.Kind)
	assert.Equal(t, ReasonRestateRequired, out.Reason)

	// A restated answer passes under the same policy.
	out = validateWith(t, map[string]any{
		"verdict": "valid", "extracted": "User responded that they have a corporate account at Bank X", "confidence": 0.9,
	}, Input{UserInput: "Yes, corporate account at Bank X", Question: q, Context: "User has an account at Bank X"})
	assert.True(t, out.IsValid())
}

func TestValidateFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		answer map[string]any
		reason string
	}{
		{"low confidence", map[string]any{"verdict": "valid", "extracted": "SBI", "confidence": 0.3}, ReasonLowConfidence},
		{"valid without data", map[string]any{"verdict": "valid", "extracted": " ", "confidence": 0.9}, ReasonUnclassifiable},
		{"unknown verdict", map[string]any{"verdict": "maybe", "extracted": "SBI", "confidence": 0.9}, ReasonUnclassifiable},
		{"empty verdict", map[string]any{"verdict": "", "confidence": 0.9}, ReasonUnclassifiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := validateWith(t, tt.answer, Input{UserInput: "SBI maybe", Question: corporateAccount})
			assert.Equal(t, models.OutcomeInvalid, out.Kind)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestValidateMinConfidenceOption(t *testing.T) {
	answer := map[string]any{"verdict": "valid", "extracted": "SBI corporate", "confidence": 0.5}
	in := Input{UserInput: "SBI corporate", Question: corporateAccount}
	assert.False(t, validateWith(t, answer, in).IsValid())
	assert.True(t, validateWith(t, answer, in, WithMinConfidence(0.4)).IsValid())
}

func TestValidateUnclassifiableIsInvalid(t *testing.T) {
	fake := testutil.NewFakeOracle().On("validation", testutil.Fail(oracle.ErrUnclassifiable))
	out, err := New(fake).Validate(context.Background(), Input{UserInput: "x", Question: corporateAccount})
	require.NoError(t, err)
	assert.Equal(t, models.Invalid(ReasonUnclassifiable), out)
}

func TestValidateReturnsTransientErrors(t *testing.T) {
	fake := testutil.NewFakeOracle().On("validation", testutil.Fail(oracle.Transient(errors.New("timeout"))))
	_, err := New(fake).Validate(context.Background(), Input{UserInput: "SBI", Question: corporateAccount})
	require.Error(t, err)
	assert.True(t, oracle.IsTransient(err))
}

func TestValidateSendsContextGuidanceAndRequirement(t *testing.T) {
	fake := testutil.NewFakeOracle().On("validation", testutil.Reply(map[string]any{"verdict": "invalid", "reason": "r"}))
	_, err := New(fake).Validate(context.Background(), Input{
		UserInput: "Razorpay",
		Question:  corporateAccount,
		Context:   "User banks with SBI",
		Guidance:  []string{"Treat Paytm as a PSP"},
	})
	require.NoError(t, err)

	calls := fake.Calls("validation")
	require.Len(t, calls, 1)
	for _, want := range []string{corporateAccount.Text, corporateAccount.AnswerRequirement, "User banks with SBI", "Razorpay", "Treat Paytm as a PSP"} {
		assert.Contains(t, calls[0].Content, want)
	}
}

func TestIsBareAffirmation(t *testing.T) {
	yes := []string{"Yes", "ok", "Okay!", "yes bro", "haan ji", "of course", "Yes I have", "that's right", "👍 yes"}
	no := []string{"", "SBI", "Yes, SBI corporate account", "I have", "no", "We use Razorpay", "yes yes yes yes yes"}
	for _, s := range yes {
		assert.True(t, IsBareAffirmation(s), s)
	}
	for _, s := range no {
		assert.False(t, IsBareAffirmation(s), s)
	}
}
