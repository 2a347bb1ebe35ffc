package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pattadon/promochat/internal/domain"
)

// EventType names an outbound client event kind.
type EventType string

const (
	// EventActivity reports pipeline progress for observability panels.
	EventActivity EventType = "activity"
	// EventChat carries a new transcript message.
	EventChat EventType = "chat"
	// EventChatDelta carries incremental streamed text.
	EventChatDelta EventType = "chat_delta"
	// EventError reports a client-visible failure.
	EventError EventType = "error"
	// EventNewChatInfo announces a freshly created session.
	EventNewChatInfo EventType = "new_chat_info"
)

// Event is one outbound frame on the client connection.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// ActivityData is the payload of an activity event.
type ActivityData struct {
	MessageID   string `json:"message_id"`
	Header      string `json:"message_header"`
	Body        string `json:"message_body"`
	ElapsedTime string `json:"elapsed_time"`
}

// ChatData is the payload of a chat event: a new transcript message plus the
// session's current context classification and details.
type ChatData struct {
	MessageID      string                 `json:"message_id"`
	Message        string                 `json:"message"`
	MessageType    string                 `json:"message_type"`
	Context        string                 `json:"context"`
	ContextDetails *domain.ContextPayload `json:"context_details,omitempty"`
}

// ChatDeltaData is the payload of a chat_delta event.
type ChatDeltaData struct {
	MessageID   string `json:"message_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
	IsCompleted bool   `json:"is_completed"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// NewChatInfoData is the payload of a new_chat_info event.
type NewChatInfoData struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

// Emitter pushes events to the connected client. Implementations must be
// safe to call from the session's pipeline goroutine.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// NewActivityEvent builds an activity event.
func NewActivityEvent(header, body string, elapsed time.Duration) Event {
	return Event{Type: EventActivity, Data: ActivityData{
		MessageID:   uuid.NewString(),
		Header:      header,
		Body:        body,
		ElapsedTime: fmt.Sprintf("%.3f seconds", elapsed.Seconds()),
	}}
}

// NewChatEvent builds a chat event carrying the session's classification.
func NewChatEvent(messageType, message string, kind domain.ContextKind, details *domain.ContextPayload) Event {
	kindName := ""
	if kind.Classified() {
		kindName = kind.String()
	}
	return Event{Type: EventChat, Data: ChatData{
		MessageID:      uuid.NewString(),
		Message:        message,
		MessageType:    messageType,
		Context:        kindName,
		ContextDetails: details,
	}}
}

// NewChatDeltaEvent builds a chat_delta event.
func NewChatDeltaEvent(messageType, message string, completed bool) Event {
	return Event{Type: EventChatDelta, Data: ChatDeltaData{
		MessageID:   uuid.NewString(),
		Message:     message,
		MessageType: messageType,
		IsCompleted: completed,
	}}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(code, message string) Event {
	return Event{Type: EventError, Data: ErrorData{
		ErrorCode:    code,
		ErrorMessage: message,
	}}
}

// NewChatInfoEvent builds a new_chat_info event.
func NewChatInfoEvent(chatID, userID int64) Event {
	return Event{Type: EventNewChatInfo, Data: NewChatInfoData{
		ChatID: chatID,
		UserID: userID,
	}}
}
