// Package assistant implements the HTTP client for the remote assistant
// service's thread/run/message API, plus the blocking run waiter.
package assistant

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// RunStatus is the remote execution state of a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether the run has finished, successfully or not.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// Run is one remote execution of a specialist agent against a thread.
type Run struct {
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
	Usage  *RunUsage `json:"usage,omitempty"`
}

// RunUsage reports token consumption for a completed run.
type RunUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RunRequest describes a run to start: the specialist agent identity and an
// optional supplementary instruction appended to the specialist's own.
type RunRequest struct {
	SpecialistID string
	Instructions string
}

// ThreadMessage is one message in a remote conversation thread.
type ThreadMessage struct {
	ID      string        `json:"id"`
	Role    string        `json:"role"`
	Content []MessagePart `json:"content"`
}

// MessagePart is one typed content part; only "text" parts are understood.
type MessagePart struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

// MessageText carries the text value of a text content part.
type MessageText struct {
	Value string `json:"value"`
}

// TextValue returns the value of the first text content part, if any.
func (m *ThreadMessage) TextValue() (string, bool) {
	for _, part := range m.Content {
		if part.Type == "text" && part.Text != nil {
			return part.Text.Value, true
		}
	}
	return "", false
}

// UpstreamError reports a non-success response from the assistant service.
// It classifies as errdefs.ErrUnavailable.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("assistant %s: upstream status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return errdefs.ErrUnavailable
}

// IsUpstreamError reports whether err is (or wraps) an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
