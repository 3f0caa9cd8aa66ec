package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/oracle"
	"github.com/samedit66/indusgpt/internal/testutil"
)

const (
	bankQuestion = "Which bank is your corporate account with?"
	nextQuestion = "How many monthly transactions do you process?"
)

func message(text string) testutil.OracleFunc {
	return testutil.Reply(map[string]string{"message": text})
}

func TestComposeValidatedAppendsNextQuestionVerbatim(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", message("Great, SBI noted."))
	out, err := New(fake).Compose(context.Background(), Turn{
		Kind:             KindValidated,
		UserInput:        "SBI",
		Outcome:          models.Valid("User responded that they bank with SBI"),
		Advanced:         true,
		AnsweredQuestion: bankQuestion,
		NextQuestion:     nextQuestion,
	})
	require.NoError(t, err)
	assert.Equal(t, "Great, SBI noted.\n\n"+nextQuestion, out)
}

func TestComposeNeverRepeatsAnsweredOrNextQuestion(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", message("Thanks! "+bankQuestion+" Next: "+nextQuestion))
	out, err := New(fake).Compose(context.Background(), Turn{
		Kind:             KindValidated,
		Outcome:          models.Valid("SBI"),
		Advanced:         true,
		AnsweredQuestion: bankQuestion,
		NextQuestion:     nextQuestion,
	})
	require.NoError(t, err)
	assert.NotContains(t, out, bankQuestion)
	assert.Equal(t, 1, strings.Count(out, nextQuestion))
	assert.True(t, strings.HasSuffix(out, nextQuestion))
}

func TestComposeFinishedAppendsClosing(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", message("Perfect, thank you."))
	c := New(fake, WithTemplates(Templates{Closing: "We'll be in touch."}))
	out, err := c.Compose(context.Background(), Turn{
		Kind:             KindValidated,
		Outcome:          models.Valid("100 per month"),
		Advanced:         true,
		Finished:         true,
		AnsweredQuestion: nextQuestion,
	})
	require.NoError(t, err)
	assert.Equal(t, "Perfect, thank you.\n\nWe'll be in touch.", out)
}

func TestComposeInvalidRepeatsOpenQuestion(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", message("No worries, take your time."))
	out, err := New(fake).Compose(context.Background(), Turn{
		Kind:         KindInvalid,
		UserInput:    "I'll think about it",
		Outcome:      models.Invalid("postponed"),
		NextQuestion: bankQuestion,
	})
	require.NoError(t, err)
	assert.Equal(t, "No worries, take your time.\n\n"+bankQuestion, out)
}

func TestComposeNeedsMoreAsksOnlyForMissingDetail(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", message("Is that a corporate account?"))
	out, err := New(fake).Compose(context.Background(), Turn{
		Kind:         KindNeedsMore,
		UserInput:    "SBI",
		Outcome:      models.NeedsMoreDetails("User banks with SBI", "account type unknown"),
		NextQuestion: bankQuestion,
	})
	require.NoError(t, err)
	assert.Equal(t, "Is that a corporate account?", out)

	calls := fake.Calls("reply")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Content, "account type unknown")
}

func TestComposeFallsBackToTemplatesOnOracleFailure(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", testutil.Fail(oracle.Transient(errors.New("timeout"))))
	c := New(fake)
	ctx := context.Background()

	out, err := c.Compose(ctx, Turn{Kind: KindValidated, Outcome: models.Valid("x"), Advanced: true, NextQuestion: nextQuestion})
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates().Acknowledge+"\n\n"+nextQuestion, out)

	out, err = c.Compose(ctx, Turn{Kind: KindNeedsMore, Outcome: models.NeedsMoreDetails("", "the bank name"), NextQuestion: bankQuestion})
	require.NoError(t, err)
	assert.Contains(t, out, "the bank name")
	assert.True(t, strings.HasSuffix(out, bankQuestion))

	out, err = c.Compose(ctx, Turn{Kind: KindFAQ, UserInput: "Is it legal?", NextQuestion: bankQuestion})
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates().FAQFallback+"\n\n"+bankQuestion, out)
}

func TestComposeWithoutOracleUsesTemplates(t *testing.T) {
	out, err := New(nil).Compose(context.Background(), Turn{Kind: KindInvalid, Outcome: models.Invalid("r"), NextQuestion: bankQuestion})
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates().Invalid+"\n\n"+bankQuestion, out)
}

func TestComposeGreetingUsesIntroduction(t *testing.T) {
	fake := testutil.NewFakeOracle()
	c := New(fake, WithTemplates(Templates{Introduction: "Hello from the team."}))
	out, err := c.Compose(context.Background(), Turn{Kind: KindGreeting, NextQuestion: bankQuestion})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the team.\n\n"+bankQuestion, out)
	assert.Empty(t, fake.Calls(""))
	assert.Equal(t, out, c.Introduction(bankQuestion))
}

func TestComposeFAQPassesFAQAndGuidance(t *testing.T) {
	fake := testutil.NewFakeOracle().On("reply", message("Payouts are weekly."))
	c := New(fake, WithTemplates(Templates{FAQ: "Q: When are payouts? A: Weekly."}))
	out, err := c.Compose(context.Background(), Turn{
		Kind:         KindFAQ,
		UserInput:    "When do you pay?",
		NextQuestion: bankQuestion,
		Guidance:     []string{"Keep answers short"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Payouts are weekly.\n\n"+bankQuestion, out)

	calls := fake.Calls("reply")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Content, "Weekly.")
	assert.Contains(t, calls[0].Content, "Keep answers short")
}

func TestComposeRejectsUnknownKind(t *testing.T) {
	_, err := New(nil).Compose(context.Background(), Turn{Kind: Kind(42)})
	assert.Error(t, err)
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, KindValidated, KindFor(models.Valid("x")))
	assert.Equal(t, KindNeedsMore, KindFor(models.NeedsMoreDetails("", "r")))
	assert.Equal(t, KindInvalid, KindFor(models.Invalid("r")))
	assert.Equal(t, KindInvalid, KindFor(models.Outcome{}))
}
