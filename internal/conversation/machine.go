// Package conversation drives users through the question script.
//
// A Machine routes each inbound turn, validates answers against the current question together
// with what was learned on earlier turns, and advances the user's cursor only on a Valid
// outcome. Oracle calls run without any lock held; state changes happen afterwards under a
// per-user lock and only if the state the turn was validated against is still current.
// Finalization processors run exactly once per user, guarded by Store.MarkFinalized.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/samedit66/indusgpt/internal/composer"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/samedit66/indusgpt/internal/validator"
)

var (
	// ErrOracleUnavailable is returned when a turn was dropped because the oracle kept failing.
	// The accompanying Reply carries a generic "try again" text.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrStateContention is returned when the user's state kept changing under a turn.
	ErrStateContention = errors.New("conversation state changed during turn")
	// ErrNoQuestions is returned by New for an empty script.
	ErrNoQuestions = errors.New("no questions configured")
)

const (
	// DefaultMaxAttempts bounds how often a turn is re-validated after a concurrent change.
	DefaultMaxAttempts = 3
	// DefaultTryAgainText is sent when a turn was dropped.
	DefaultTryAgainText = "Sorry, I couldn't process that just now. Please send it again in a minute."

	lastReplyCacheSize = 10000
	lastReplyTTL       = 24 * time.Hour
)

// Classifier routes an inbound message.
type Classifier interface {
	Classify(ctx context.Context, input, lastBotMessage string) (models.Category, error)
}

// AnswerValidator judges answers.
type AnswerValidator interface {
	Validate(ctx context.Context, in validator.Input) (models.Outcome, error)
}

// ReplyComposer renders replies.
type ReplyComposer interface {
	Compose(ctx context.Context, t composer.Turn) (string, error)
	Introduction(firstQuestion string) string
}

// Processor consumes a finished conversation. Processors are called once per user, in
// registration order, with the QaPairs ordered by question index. The list is shorter than the
// script when an operator finished the conversation early.
type Processor interface {
	Process(ctx context.Context, userID string, pairs []models.QaPair) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, userID string, pairs []models.QaPair) error

func (f ProcessorFunc) Process(ctx context.Context, userID string, pairs []models.QaPair) error {
	return f(ctx, userID, pairs)
}

// Status is the coarse state of a user's conversation.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is a read-only view of a conversation. Question and PartialContext are set only while
// the conversation is not finished.
type State struct {
	Status         Status
	Cursor         int
	Question       models.Question
	PartialContext string
}

// Reply is the result of a turn.
type Reply struct {
	Text string
	// Suppress is set when nothing should be sent, such as for acknowledgements the router
	// classified as ignorable.
	Suppress bool
	Category models.Category
	Outcome  models.Outcome
	Advanced bool
	Finished bool
}

// Machine is the conversation state machine. It is safe for concurrent use.
type Machine struct {
	questions  []models.Question
	store      store.ConversationStore
	settings   store.SettingsRepo
	router     Classifier
	validator  AnswerValidator
	composer   ReplyComposer
	processors []Processor

	locks         *userLocks
	lastReply     *expirable.LRU[string, sentReply]
	maxAttempts   int
	now           func() time.Time
	deferFinalize bool

	finishedText string
	tryAgainText string
}

// Option configures a Machine.
type Option func(*Machine)

// WithProcessors registers finalization processors, called in the given order.
func WithProcessors(p ...Processor) Option {
	return func(m *Machine) {
		m.processors = append(m.processors, p...)
	}
}

// WithGuidance reads operator guidance from settings on every turn.
func WithGuidance(settings store.SettingsRepo) Option {
	return func(m *Machine) {
		m.settings = settings
	}
}

// WithMaxAttempts sets how often a turn is re-validated after a concurrent state change.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithFinishedText sets the reply for messages from users whose conversation is over. When
// empty, such messages get no reply.
func WithFinishedText(text string) Option {
	return func(m *Machine) {
		m.finishedText = text
	}
}

// WithDeferredFinalization leaves finalization of a conversation that a turn finished to the
// caller. The caller delivers the reply, then calls Finalize, so the closing reply reaches the
// user before anything the processors send.
func WithDeferredFinalization() Option {
	return func(m *Machine) {
		m.deferFinalize = true
	}
}

// WithTryAgainText sets the reply for dropped turns.
func WithTryAgainText(text string) Option {
	return func(m *Machine) {
		if strings.TrimSpace(text) != "" {
			m.tryAgainText = text
		}
	}
}

// WithClock sets the time source for QaPair timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// New creates a Machine for questions.
func New(questions []models.Question, st store.ConversationStore, r Classifier, v AnswerValidator, c ReplyComposer, opts ...Option) (*Machine, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	for i, q := range questions {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
	}
	if st == nil || r == nil || v == nil || c == nil {
		return nil, errors.New("conversation: store, router, validator and composer are required")
	}
	m := &Machine{
		questions:    append([]models.Question(nil), questions...),
		store:        st,
		router:       r,
		validator:    v,
		composer:     c,
		locks:        newUserLocks(),
		lastReply:    expirable.NewLRU[string, sentReply](lastReplyCacheSize, nil, lastReplyTTL),
		maxAttempts:  DefaultMaxAttempts,
		now:          time.Now,
		tryAgainText: DefaultTryAgainText,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Questions returns the script.
func (m *Machine) Questions() []models.Question {
	return append([]models.Question(nil), m.questions...)
}

// HasStarted reports whether userID has a progress record.
func (m *Machine) HasStarted(ctx context.Context, userID string) (bool, error) {
	p, err := m.store.GetProgress(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get progress: %w", err)
	}
	return p.Started, nil
}

// CurrentState returns the user's state without changing it.
func (m *Machine) CurrentState(ctx context.Context, userID string) (State, error) {
	s, err := m.snapshot(ctx, userID)
	if err != nil {
		return State{}, err
	}
	return s.state(m.questions), nil
}

// QaPairs returns the answers collected so far, ordered by question.
func (m *Machine) QaPairs(ctx context.Context, userID string) ([]models.QaPair, error) {
	pairs, err := m.store.ListQaPairs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list qa pairs: %w", err)
	}
	return pairs, nil
}

// LastReply returns the last text the machine produced for userID.
func (m *Machine) LastReply(userID string) string {
	r, _ := m.lastReply.Get(userID)
	return r.text
}

// Start creates the user's progress record and returns the introduction with the question the
// user is on. It does not move the cursor.
func (m *Machine) Start(ctx context.Context, userID string) (Reply, error) {
	created, err := m.store.Start(ctx, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("start conversation: %w", err)
	}
	s, err := m.snapshot(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	if s.finished(len(m.questions)) {
		return m.finishedReply(ctx, userID, s), nil
	}
	slog.Info("Machine.Start: conversation started", "user", userID, "created", created, "cursor", s.progress.Cursor)
	text := m.composer.Introduction(m.questions[s.progress.Cursor].Text)
	m.remember(userID, text, false)
	return Reply{Text: text, Category: models.CategoryGreeting}, nil
}

// SubmitTurn processes one (possibly coalesced) user message and returns the reply to send.
// The first message of a new user is a regular turn: a greeting gets the introduction, an
// answer is validated against the first question.
//
// Turns for one user must be submitted in arrival order; Dispatcher does that. If the oracle
// fails after retries, no state is changed and the error wraps ErrOracleUnavailable while the
// reply carries a generic "try again" text.
func (m *Machine) SubmitTurn(ctx context.Context, userID, input string) (Reply, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Reply{Suppress: true}, nil
	}

	s, err := m.snapshot(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	if s.finished(len(m.questions)) {
		return m.finishedReply(ctx, userID, s), nil
	}

	last, _ := m.lastReply.Get(userID)
	category, err := m.router.Classify(ctx, input, last.text)
	if err != nil {
		return m.unavailable(ctx, userID, "classify", err)
	}
	if category == models.CategoryIgnore && !last.deferrable {
		// Only an FAQ answer can have told the user to come back later. After any other
		// reply an acknowledgement may be a confirmation and goes to the validator.
		slog.Debug("Machine.SubmitTurn: previous reply asked for input, not ignoring", "user", userID)
		category = models.CategoryInformation
	}
	slog.Debug("Machine.SubmitTurn: classified", "user", userID, "category", category, "cursor", s.progress.Cursor)

	guidance := m.guidance(ctx)
	switch category {
	case models.CategoryIgnore:
		return Reply{Suppress: true, Category: category}, nil
	case models.CategoryGreeting, models.CategoryFAQ:
		kind := composer.KindGreeting
		if category == models.CategoryFAQ {
			kind = composer.KindFAQ
		}
		text, err := m.composer.Compose(ctx, composer.Turn{
			Kind:         kind,
			UserInput:    input,
			NextQuestion: m.questions[s.progress.Cursor].Text,
			Guidance:     guidance,
		})
		if err != nil {
			return Reply{}, fmt.Errorf("compose %s reply: %w", category, err)
		}
		if !s.progress.Started {
			if _, err := m.store.Start(ctx, userID); err != nil {
				return Reply{}, fmt.Errorf("start conversation: %w", err)
			}
		}
		m.remember(userID, text, category == models.CategoryFAQ)
		return Reply{Text: text, Category: category}, nil
	default:
		return m.answer(ctx, userID, input, guidance)
	}
}

// answer validates input against the current question and applies the outcome. When another
// turn changed the state in the meantime the input is validated again against the new state.
func (m *Machine) answer(ctx context.Context, userID, input string, guidance []string) (Reply, error) {
	n := len(m.questions)
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		s, err := m.snapshot(ctx, userID)
		if err != nil {
			return Reply{}, err
		}
		if s.finished(n) {
			return m.finishedReply(ctx, userID, s), nil
		}

		q := m.questions[s.progress.Cursor]
		outcome, err := m.validator.Validate(ctx, validator.Input{
			UserInput: input,
			Question:  q,
			Context:   s.context,
			Guidance:  guidance,
		})
		if err != nil {
			return m.unavailable(ctx, userID, "validate", err)
		}

		applied, err := m.apply(ctx, userID, s, input, outcome)
		if err != nil {
			return Reply{}, err
		}
		if !applied {
			slog.Warn("Machine.answer: state changed during validation, retrying", "user", userID, "attempt", attempt)
			continue
		}

		advanced := outcome.IsValid()
		finished := advanced && s.progress.Cursor+1 >= n

		turn := composer.Turn{
			Kind:      composer.KindFor(outcome),
			UserInput: input,
			Outcome:   outcome,
			Advanced:  advanced,
			Finished:  finished,
			Guidance:  guidance,
		}
		switch {
		case finished:
			turn.AnsweredQuestion = q.Text
		case advanced:
			turn.AnsweredQuestion = q.Text
			turn.NextQuestion = m.questions[s.progress.Cursor+1].Text
		default:
			turn.NextQuestion = q.Text
		}
		reply := Reply{
			Category: models.CategoryInformation,
			Outcome:  outcome,
			Advanced: advanced,
			Finished: finished,
		}
		text, err := m.composer.Compose(ctx, turn)
		if err != nil {
			err = fmt.Errorf("compose reply: %w", err)
		} else {
			reply.Text = text
			m.remember(userID, text, false)
		}
		if finished && !m.deferFinalize {
			m.finalize(ctx, userID)
		}
		return reply, err
	}
	return Reply{Text: m.tryAgainText}, fmt.Errorf("%w: user %s", ErrStateContention, userID)
}

// apply stores outcome if the user's state still matches s. It reports false when the state
// moved on and the turn has to be validated again.
func (m *Machine) apply(ctx context.Context, userID string, s snapshot, input string, outcome models.Outcome) (bool, error) {
	unlock := m.locks.lock(userID)
	defer unlock()

	cur, err := m.snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	if cur != s {
		return false, nil
	}
	if !cur.progress.Started {
		if _, err := m.store.Start(ctx, userID); err != nil {
			return false, fmt.Errorf("start conversation: %w", err)
		}
	}

	switch outcome.Kind {
	case models.OutcomeValid:
		err := m.store.Advance(ctx, userID, s.progress.Cursor, models.QaPair{
			Index:     s.progress.Cursor,
			Question:  m.questions[s.progress.Cursor].Text,
			Answer:    outcome.Extracted,
			CreatedAt: m.now().UTC(),
		})
		if errors.Is(err, store.ErrCursorMismatch) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("advance: %w", err)
		}
		slog.Info("Machine.apply: question answered", "user", userID, "cursor", s.progress.Cursor+1)
	case models.OutcomeNeedsMoreDetails, models.OutcomeInvalid:
		if err := m.store.AppendPartialContext(ctx, userID, contextNote(input, outcome)); err != nil {
			return false, fmt.Errorf("append partial context: %w", err)
		}
		slog.Debug("Machine.apply: answer not accepted", "user", userID, "outcome", outcome.Kind, "reason", outcome.Reason)
	default:
		return false, fmt.Errorf("unknown outcome kind %v", outcome.Kind)
	}
	return true, nil
}

// ForceFinish ends the user's conversation with whatever was collected and runs the processors
// if that has not happened yet. Calling it again returns the same pairs and runs nothing.
func (m *Machine) ForceFinish(ctx context.Context, userID string) ([]models.QaPair, error) {
	unlock := m.locks.lock(userID)
	won, err := m.store.MarkFinalized(ctx, userID)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("mark finalized: %w", err)
	}

	pairs, err := m.QaPairs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if won {
		slog.Info("Machine.ForceFinish: conversation finished by operator", "user", userID, "answers", len(pairs))
		m.runProcessors(ctx, userID, pairs)
	}
	return pairs, nil
}

// Finalize runs the processors for a conversation that reached the end of the script, unless
// that already happened. It reports whether they ran. Callers using WithDeferredFinalization
// call it after delivering a reply with Finished set.
func (m *Machine) Finalize(ctx context.Context, userID string) bool {
	p, err := m.store.GetProgress(ctx, userID)
	if err != nil {
		slog.Error("Machine.Finalize: get progress failed", "user", userID, "error", err)
		return false
	}
	if p.Finalized || p.Cursor < len(m.questions) {
		return false
	}
	return m.finalize(ctx, userID)
}

// RecoverState finalizes conversations that reached the end of the script but were not
// finalized, e.g. because the process stopped between the last answer and finalization.
func (m *Machine) RecoverState(ctx context.Context) error {
	users, err := m.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	recovered := 0
	for _, userID := range users {
		p, err := m.store.GetProgress(ctx, userID)
		if err != nil {
			return fmt.Errorf("get progress for %s: %w", userID, err)
		}
		if p.Cursor >= len(m.questions) && !p.Finalized {
			if m.finalize(ctx, userID) {
				recovered++
			}
		}
	}
	slog.Info("Machine.RecoverState: finalization recovery complete", "users", len(users), "finalized", recovered)
	return nil
}

// finalize marks the conversation finalized and runs the processors if this call won the
// compare-and-swap. It reports whether the processors ran.
func (m *Machine) finalize(ctx context.Context, userID string) bool {
	won, err := m.store.MarkFinalized(ctx, userID)
	if err != nil {
		slog.Error("Machine.finalize: mark finalized failed", "user", userID, "error", err)
		return false
	}
	if !won {
		return false
	}
	pairs, err := m.store.ListQaPairs(ctx, userID)
	if err != nil {
		slog.Error("Machine.finalize: list qa pairs failed", "user", userID, "error", err)
		return false
	}
	m.runProcessors(ctx, userID, pairs)
	return true
}

// runProcessors calls every processor in order. A failing processor is logged and does not
// stop the ones after it.
func (m *Machine) runProcessors(ctx context.Context, userID string, pairs []models.QaPair) {
	for i, p := range m.processors {
		if err := p.Process(ctx, userID, pairs); err != nil {
			slog.Error("Machine.runProcessors: processor failed", "user", userID, "processor", i, "type", fmt.Sprintf("%T", p), "error", err)
		}
	}
	slog.Info("Machine.runProcessors: conversation finalized", "user", userID, "answers", len(pairs), "processors", len(m.processors))
}

// finishedReply answers a user whose conversation is over. A conversation that reached the end
// without being finalized is finalized here, or by the caller under WithDeferredFinalization.
func (m *Machine) finishedReply(ctx context.Context, userID string, s snapshot) Reply {
	if !s.progress.Finalized && !m.deferFinalize {
		m.finalize(ctx, userID)
	}
	return Reply{Text: m.finishedText, Suppress: m.finishedText == "", Finished: true}
}

func (m *Machine) unavailable(ctx context.Context, userID, step string, err error) (Reply, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Reply{}, fmt.Errorf("%s: %w", step, ctxErr)
	}
	slog.Warn("Machine.SubmitTurn: oracle failed, turn dropped", "user", userID, "step", step, "error", err)
	return Reply{Text: m.tryAgainText}, fmt.Errorf("%w: %s: %w", ErrOracleUnavailable, step, err)
}

func (m *Machine) guidance(ctx context.Context) []string {
	if m.settings == nil {
		return nil
	}
	g, err := m.settings.ListGuidance(ctx)
	if err != nil {
		slog.Warn("Machine.guidance: list guidance failed", "error", err)
		return nil
	}
	return g
}

// sentReply is the last reply produced for a user. deferrable is set for FAQ answers, the only
// replies that may have told the user to send the answer later.
type sentReply struct {
	text       string
	deferrable bool
}

func (m *Machine) remember(userID, text string, deferrable bool) {
	if text != "" {
		m.lastReply.Add(userID, sentReply{text: text, deferrable: deferrable})
	}
}

// snapshot is the part of a user's state a turn is validated against.
type snapshot struct {
	progress models.Progress
	context  string
}

func (s snapshot) finished(n int) bool {
	return s.progress.Finished(n)
}

func (s snapshot) state(questions []models.Question) State {
	switch {
	case s.finished(len(questions)):
		return State{Status: StatusFinished, Cursor: s.progress.Cursor}
	case !s.progress.Started:
		return State{Status: StatusNotStarted, Question: questions[0]}
	default:
		return State{
			Status:         StatusInProgress,
			Cursor:         s.progress.Cursor,
			Question:       questions[s.progress.Cursor],
			PartialContext: s.context,
		}
	}
}

func (m *Machine) snapshot(ctx context.Context, userID string) (snapshot, error) {
	p, err := m.store.GetProgress(ctx, userID)
	if err != nil {
		return snapshot{}, fmt.Errorf("get progress: %w", err)
	}
	c, err := m.store.GetPartialContext(ctx, userID)
	if err != nil {
		return snapshot{}, fmt.Errorf("get partial context: %w", err)
	}
	return snapshot{progress: p, context: c}, nil
}

// contextNote records a rejected or partial answer for the next validation of the same
// question.
func contextNote(input string, o models.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User said %q.", input)
	if o.Extracted != "" {
		fmt.Fprintf(&b, " Learned: %s.", strings.TrimSuffix(o.Extracted, "."))
	}
	if o.Reason != "" {
		label := "Missing"
		if o.Kind == models.OutcomeInvalid {
			label = "Not accepted"
		}
		fmt.Fprintf(&b, " %s: %s.", label, strings.TrimSuffix(o.Reason, "."))
	}
	return b.String()
}
