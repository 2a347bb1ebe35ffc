// Package domain contains core domain types for the PromoChat application.
package domain

import (
	"fmt"
	"time"
)

// SessionStatus describes the pipeline state of a chat session.
type SessionStatus string

const (
	// StatusReady means the session is idle and accepting new input.
	StatusReady SessionStatus = "ready"
	// StatusRunning means a remote run is outstanding for this session.
	StatusRunning SessionStatus = "running"
	// StatusError means the last pipeline stage failed unrecoverably.
	StatusError SessionStatus = "error"
)

// Valid reports whether the status is one of the known resting states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusReady, StatusRunning, StatusError:
		return true
	}
	return false
}

// Speaker identifies who produced a chat message.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// Valid reports whether the speaker is one of the known roles.
func (s Speaker) Valid() bool {
	switch s {
	case SpeakerUser, SpeakerAssistant, SpeakerSystem:
		return true
	}
	return false
}

// Message is a single entry in the user-visible conversation transcript.
type Message struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// ActivityEntry is one record in the session's audit trail. The activity log
// is append-only and never trimmed.
type ActivityEntry struct {
	Label     string        `json:"label"`
	Detail    string        `json:"detail"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChatSession is one user's ongoing conversation plus pipeline state.
//
// Messages, ActivityLog and RunIDs are append-only; stages never mutate
// earlier entries. Status returns to "ready" on terminal success, never
// resting at any "complete" state.
type ChatSession struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	ThreadID       string          `json:"thread_id"`
	Status         SessionStatus   `json:"status"`
	Context        ContextKind     `json:"context"`
	Messages       []Message       `json:"messages"`
	ActivityLog    []ActivityEntry `json:"activity_log"`
	RunIDs         []string        `json:"run_ids"`
	LastContext    *ContextPayload `json:"last_context,omitempty"`
	LastPromotions []Promotion     `json:"last_promotions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewChatSession creates a session bound to a remote conversation thread.
// The store assigns the ID on insert.
func NewChatSession(userID int64, threadID string) *ChatSession {
	now := time.Now().UTC()
	return &ChatSession{
		UserID:    userID,
		ThreadID:  threadID,
		Status:    StatusReady,
		Context:   ContextNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage adds a message to the conversation transcript.
func (c *ChatSession) AppendMessage(speaker Speaker, text string) error {
	if !speaker.Valid() {
		return fmt.Errorf("invalid speaker %q", speaker)
	}
	c.Messages = append(c.Messages, Message{Speaker: speaker, Text: text})
	return nil
}

// AppendActivity adds an entry to the audit trail.
func (c *ChatSession) AppendActivity(label, detail string, elapsed time.Duration) {
	c.ActivityLog = append(c.ActivityLog, ActivityEntry{
		Label:     label,
		Detail:    detail,
		Elapsed:   elapsed,
		Timestamp: time.Now().UTC(),
	})
}

// AppendRunID records a remote run handle. RunIDs is monotonically growing.
func (c *ChatSession) AppendRunID(runID string) {
	c.RunIDs = append(c.RunIDs, runID)
}

// LastRunID returns the most recently started run handle, or "" if no run
// has been started yet.
func (c *ChatSession) LastRunID() string {
	if len(c.RunIDs) == 0 {
		return ""
	}
	return c.RunIDs[len(c.RunIDs)-1]
}

// LastUserMessage returns the text of the most recent user message, or ""
// if the user has not spoken yet.
func (c *ChatSession) LastUserMessage() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Speaker == SpeakerUser {
			return c.Messages[i].Text
		}
	}
	return ""
}

// SetStatus transitions the session to the given resting state.
func (c *ChatSession) SetStatus(status SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}
	c.Status = status
	return nil
}

// IsRunning reports whether a remote run is outstanding.
func (c *ChatSession) IsRunning() bool { return c.Status == StatusRunning }

// IsReady reports whether the session is accepting new input.
func (c *ChatSession) IsReady() bool { return c.Status == StatusReady }
