// Package models defines the core data structures for indusgpt.
//
// It includes inbound/outbound message types and the API response envelope, which are
// shared across modules.
package models

// MessageStatus represents the delivery status of an outgoing message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessageKind classifies inbound content. Only text can be answered; other kinds get a
// notice asking the user to write instead.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindVoice MessageKind = "voice"
	MessageKindMedia MessageKind = "media"
)

// Receipt tracks the status of a sent message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound message from a user or an operator group.
type Response struct {
	ID   string      `json:"id,omitempty"`   // transport message ID, used for dedup
	From string      `json:"from"`           // canonical sender ID
	Name string      `json:"name,omitempty"` // display name when the transport exposes one
	Chat string      `json:"chat,omitempty"` // group chat ID; empty for direct messages
	Kind MessageKind `json:"kind,omitempty"`
	Body string      `json:"body"`
	Time int64       `json:"time"`
}

// IsGroup reports whether the message arrived in a group chat.
func (r Response) IsGroup() bool {
	return r.Chat != ""
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope returned by the admin API.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
