package router

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

func classifyWith(t *testing.T, answer testutil.OracleFunc, input, last string) (models.Category, error) {
	t.Helper()
	fake := testutil.NewFakeOracle().On("intent", answer)
	return New(fake).Classify(context.Background(), input, last)
}

const deferred = "No rush, let me know later.\n\nWhich bank is your account with?"

func TestClassifyCategories(t *testing.T) {
	tests := []struct {
		label string
		want  models.Category
	}{
		{"greeting", models.CategoryGreeting},
		{"faq", models.CategoryFAQ},
		{"information", models.CategoryInformation},
		{"ignore", models.CategoryIgnore},
		{"FAQ", models.CategoryFAQ},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := classifyWith(t, testutil.Reply(map[string]string{"category": tt.label, "reasoning": "r"}), "x", deferred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyIgnoreNeedsPriorBotMessage(t *testing.T) {
	got, err := classifyWith(t, testutil.Reply(map[string]string{"category": "ignore"}), "ok", "")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryInformation, got)
}

func TestClassifyIgnoreNeedsDeferral(t *testing.T) {
	tests := []struct {
		name string
		last string
		want models.Category
	}{
		{"confirmation request", "You have an account at SBI. Please confirm it is a corporate account.", models.CategoryInformation},
		{"open question", "Got it, thanks!\n\nWhich payment gateway do you use?", models.CategoryInformation},
		{"deferred", deferred, models.CategoryIgnore},
		{"take your time", "Take your time and check with your accountant.", models.CategoryIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := classifyWith(t, testutil.Reply(map[string]string{"category": "ignore"}), "ok", tt.last)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstructionsTreatAcknowledgementsAsInformation(t *testing.T) {
	assert.NotContains(t, DefaultInstructions, "(ok, thanks, got it)")
	assert.Contains(t, DefaultInstructions, "explicitly let the user answer later")
}

func TestClassifyUnknownCategoryFallsBackToInformation(t *testing.T) {
	got, err := classifyWith(t, testutil.Reply(map[string]string{"category": "start"}), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryInformation, got)
}

func TestClassifyUnclassifiableFallsBackToInformation(t *testing.T) {
	got, err := classifyWith(t, testutil.Fail(oracle.ErrUnclassifiable), "???", "")
	require.NoError(t, err)
	assert.Equal(t, models.CategoryInformation, got)
}

func TestClassifyPropagatesTransientFailure(t *testing.T) {
	_, err := classifyWith(t, testutil.Fail(oracle.Transient(errors.New("timeout"))), "SBI", "Which bank?")
	require.Error(t, err)
	assert.True(t, oracle.IsTransient(err))
}

func TestClassifySendsPreviousBotMessage(t *testing.T) {
	fake := testutil.NewFakeOracle().On("intent", testutil.Reply(map[string]string{"category": "information"}))
	r := New(fake, WithInstructions("custom rules"))

	_, err := r.Classify(context.Background(), "SBI corporate account", "Which bank do you use?")
	require.NoError(t, err)

	calls := fake.Calls("intent")
	require.Len(t, calls, 1)
	assert.Equal(t, "custom rules", calls[0].Instructions)
	assert.Contains(t, calls[0].Content, "Which bank do you use?")
	assert.Contains(t, calls[0].Content, "SBI corporate account")
}
