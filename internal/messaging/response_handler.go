// Package messaging connects chat transports to the conversation machine: inbound filtering,
// operator relay and commands, message coalescing and outgoing sends.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/samedit66/indusgpt/internal/batcher"
	"github.com/samedit66/indusgpt/internal/conversation"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/processors"
	"github.com/samedit66/indusgpt/internal/store"
)

// Conversation is the part of conversation.Machine the handler drives.
type Conversation interface {
	Questions() []models.Question
	SubmitTurn(ctx context.Context, userID, input string) (conversation.Reply, error)
	Finalize(ctx context.Context, userID string) bool
	ForceFinish(ctx context.Context, userID string) ([]models.QaPair, error)
	CurrentState(ctx context.Context, userID string) (conversation.State, error)
	QaPairs(ctx context.Context, userID string) ([]models.QaPair, error)
}

// HandlerStore holds the repositories the handler reads and writes.
type HandlerStore interface {
	store.ProfileRepo
	store.SettingsRepo
	store.DedupRepo
}

// Outbox queues outgoing messages. store.OutboxSender and DirectOutbox implement it.
type Outbox interface {
	Enqueue(ctx context.Context, recipient, kind, body, dedupeKey string) error
}

// DirectOutbox sends immediately through a Service. It is used with the in-memory store,
// which has no durable outbox.
type DirectOutbox struct {
	Service Service
}

func (o DirectOutbox) Enqueue(ctx context.Context, recipient, _, body, _ string) error {
	return o.Service.SendMessage(ctx, recipient, body)
}

// Default notices for non-text messages.
const (
	DefaultVoiceNotice = "Please write your answer as text, I can't listen to voice messages right now."
	DefaultMediaNotice = "Please write your answer as text."
)

// Operator commands, accepted in group chats.
const (
	CommandAttach = "/attach"
	CommandDetach = "/detach"
	CommandStop   = "/stop"
	CommandLearn  = "/learn"
	CommandStatus = "/status"
)

// ResponseHandler routes inbound messages. User text is coalesced per user, then submitted to
// the conversation one turn at a time per user; replies and operator copies go to the outbox.
type ResponseHandler struct {
	msgService Service
	conv       Conversation
	store      HandlerStore
	out        Outbox

	allowed     []string
	operators   []string
	window      time.Duration
	voiceNotice string
	mediaNotice string

	coalescer  *batcher.Coalescer
	dispatcher *conversation.Dispatcher
}

// Option configures a ResponseHandler.
type Option func(*ResponseHandler)

// WithAllowedUsers restricts conversations to the given user IDs. Empty allows everyone.
func WithAllowedUsers(ids ...string) Option {
	return func(h *ResponseHandler) { h.allowed = canonicalList(ids) }
}

// WithOperators restricts operator commands to the given sender IDs. Empty allows any
// member of a group chat.
func WithOperators(ids ...string) Option {
	return func(h *ResponseHandler) { h.operators = canonicalList(ids) }
}

// WithCoalesceWindow sets how long a user's messages are collected before they form one turn.
func WithCoalesceWindow(d time.Duration) Option {
	return func(h *ResponseHandler) { h.window = d }
}

// WithNotices sets the replies to voice and other non-text messages. Empty values keep the
// defaults.
func WithNotices(voice, media string) Option {
	return func(h *ResponseHandler) {
		if strings.TrimSpace(voice) != "" {
			h.voiceNotice = voice
		}
		if strings.TrimSpace(media) != "" {
			h.mediaNotice = media
		}
	}
}

// NewResponseHandler creates a handler. Turns run on ctx; cancelling it drops queued turns, so
// ctx should stay live until Close has drained them.
func NewResponseHandler(ctx context.Context, msgService Service, conv Conversation, st HandlerStore, out Outbox, opts ...Option) *ResponseHandler {
	h := &ResponseHandler{
		msgService:  msgService,
		conv:        conv,
		store:       st,
		out:         out,
		window:      batcher.DefaultWindow,
		voiceNotice: DefaultVoiceNotice,
		mediaNotice: DefaultMediaNotice,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.dispatcher = conversation.NewDispatcher(ctx, h.handleTurn)
	h.coalescer = batcher.New(h.window, func(userID, text string) {
		if !h.dispatcher.Submit(userID, text) {
			slog.Error("ResponseHandler turn dropped, dispatcher stopped", "user", userID, "length", len(text))
		}
	})
	return h
}

func canonicalList(ids []string) []string {
	var out []string
	for _, id := range ids {
		if c, err := CanonicalizePhone(id); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Start begins processing responses from the messaging service.
// This should be called once to start the response processing loop.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go rh.Run(ctx)
}

// Run processes responses until the channel closes or ctx is done.
func (rh *ResponseHandler) Run(ctx context.Context) {
	defer slog.Info("ResponseHandler stopped response processing")
	for {
		select {
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				slog.Debug("ResponseHandler responses channel closed")
				return
			}
			if err := rh.ProcessResponse(ctx, response); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes buffered messages and waits for running turns.
func (rh *ResponseHandler) Close() {
	rh.coalescer.Close()
	rh.dispatcher.Close()
}

// ProcessResponse handles one inbound message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = from

	if response.ID != "" {
		fresh, err := rh.store.RecordInbound(ctx, response.ID, from)
		if err != nil {
			return fmt.Errorf("record inbound: %w", err)
		}
		if !fresh {
			slog.Debug("ResponseHandler dropping redelivered message", "id", response.ID, "from", from)
			return nil
		}
		defer func() {
			if err := rh.store.MarkProcessed(ctx, response.ID); err != nil {
				slog.Warn("ResponseHandler mark processed failed", "id", response.ID, "error", err)
			}
		}()
	}

	if response.IsGroup() {
		return rh.processGroup(ctx, response)
	}

	if len(rh.allowed) > 0 && !slices.Contains(rh.allowed, from) {
		slog.Info("ResponseHandler ignoring user outside allow-list", "from", from)
		return nil
	}
	if response.Name != "" {
		if err := rh.store.SaveUserName(ctx, from, response.Name); err != nil {
			slog.Warn("ResponseHandler save user name failed", "from", from, "error", err)
		}
	}

	switch response.Kind {
	case models.MessageKindVoice:
		rh.relay(ctx, from, "user: [voice message]")
		return rh.send(ctx, from, store.OutboxKindNotice, rh.voiceNotice)
	case models.MessageKindMedia:
		rh.relay(ctx, from, "user: [media message]")
		return rh.send(ctx, from, store.OutboxKindNotice, rh.mediaNotice)
	}

	text := strings.TrimSpace(response.Body)
	if text == "" {
		return nil
	}
	rh.relay(ctx, from, "user: "+text)
	rh.coalescer.Add(from, text)
	return nil
}

// handleTurn runs on the dispatcher, one turn at a time per user. A finished conversation is
// finalized after its reply is queued, so the closing reply goes out before the processors'
// messages.
func (rh *ResponseHandler) handleTurn(ctx context.Context, userID, text string) {
	reply, err := rh.conv.SubmitTurn(ctx, userID, text)
	if err != nil {
		slog.Error("ResponseHandler turn failed", "user", userID, "error", err)
	}
	if !reply.Suppress && strings.TrimSpace(reply.Text) != "" {
		if err := rh.send(ctx, userID, store.OutboxKindReply, reply.Text); err != nil {
			slog.Error("ResponseHandler enqueue reply failed", "user", userID, "error", err)
		} else {
			rh.relay(ctx, userID, "bot: "+reply.Text)
		}
	}
	if reply.Finished {
		rh.conv.Finalize(ctx, userID)
	}
}

func (rh *ResponseHandler) send(ctx context.Context, to, kind, body string) error {
	if err := rh.out.Enqueue(ctx, to, kind, body, ""); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// relay copies a line of a user's conversation to the operator chat, if one is attached.
func (rh *ResponseHandler) relay(ctx context.Context, userID, line string) {
	chat, err := rh.store.GetSetting(ctx, store.SettingOperatorChat)
	if err != nil {
		slog.Warn("ResponseHandler get operator chat failed", "error", err)
		return
	}
	if chat == "" {
		return
	}
	name, _ := rh.store.GetUserName(ctx, userID)
	if err := rh.out.Enqueue(ctx, chat, store.OutboxKindRelay, processors.UserTag(userID, name)+" "+line, ""); err != nil {
		slog.Warn("ResponseHandler relay failed", "user", userID, "error", err)
	}
}

// processGroup handles operator commands. Other group messages are ignored.
func (rh *ResponseHandler) processGroup(ctx context.Context, response models.Response) error {
	command, arg, _ := strings.Cut(strings.TrimSpace(response.Body), " ")
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(command, "/") {
		return nil
	}
	if len(rh.operators) > 0 && !slices.Contains(rh.operators, response.From) {
		slog.Info("ResponseHandler ignoring command from non-operator", "from", response.From, "command", command)
		return nil
	}

	current, err := rh.store.GetSetting(ctx, store.SettingOperatorChat)
	if err != nil {
		return fmt.Errorf("get operator chat: %w", err)
	}
	if command == CommandAttach {
		if err := rh.store.SetSetting(ctx, store.SettingOperatorChat, response.Chat); err != nil {
			return fmt.Errorf("attach operator chat: %w", err)
		}
		slog.Info("ResponseHandler operator chat attached", "chat", response.Chat, "by", response.From)
		return rh.send(ctx, response.Chat, store.OutboxKindRelay, "This chat now receives conversation copies.")
	}
	if current != response.Chat {
		slog.Debug("ResponseHandler ignoring command outside operator chat", "chat", response.Chat, "command", command)
		return nil
	}

	var out string
	switch command {
	case CommandDetach:
		if err := rh.store.DeleteSetting(ctx, store.SettingOperatorChat); err != nil {
			return fmt.Errorf("detach operator chat: %w", err)
		}
		out = "This chat no longer receives conversation copies."
	case CommandStop:
		out, err = rh.stop(ctx, arg)
	case CommandLearn:
		if arg == "" {
			out = "Usage: /learn <instruction>"
			break
		}
		if err = rh.store.AddGuidance(ctx, arg); err == nil {
			out = "Noted. I will follow this from now on."
		}
	case CommandStatus:
		out, err = rh.status(ctx, arg)
	default:
		out = "Commands: /attach, /detach, /stop <user>, /learn <instruction>, /status <user>"
	}
	if err != nil {
		slog.Error("ResponseHandler operator command failed", "command", command, "error", err)
		out = fmt.Sprintf("%s failed: %v", command, err)
	}
	return rh.send(ctx, response.Chat, store.OutboxKindRelay, out)
}

func (rh *ResponseHandler) stop(ctx context.Context, arg string) (string, error) {
	userID, err := CanonicalizePhone(arg)
	if err != nil {
		return "Usage: /stop <user>", nil
	}
	pairs, err := rh.conv.ForceFinish(ctx, userID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Conversation with %s finished with %d of %d answers.", userID, len(pairs), len(rh.conv.Questions())), nil
}

func (rh *ResponseHandler) status(ctx context.Context, arg string) (string, error) {
	userID, err := CanonicalizePhone(arg)
	if err != nil {
		return "Usage: /status <user>", nil
	}
	state, err := rh.conv.CurrentState(ctx, userID)
	if err != nil {
		return "", err
	}
	pairs, err := rh.conv.QaPairs(ctx, userID)
	if err != nil {
		return "", err
	}
	name, _ := rh.store.GetUserName(ctx, userID)
	tag := processors.UserTag(userID, name)
	total := len(rh.conv.Questions())
	switch state.Status {
	case conversation.StatusNotStarted:
		return tag + " Not started.", nil
	case conversation.StatusInProgress:
		var b strings.Builder
		fmt.Fprintf(&b, "%s In progress, question %d of %d.", tag, state.Cursor+1, total)
		for _, p := range pairs {
			fmt.Fprintf(&b, "\n\n%d. %s\n%s", p.Index+1, p.Question, p.Answer)
		}
		return b.String(), nil
	default:
		return processors.FormatSummary(tag, pairs, total), nil
	}
}
