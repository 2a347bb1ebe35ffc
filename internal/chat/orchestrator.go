// Package chat implements the conversation orchestration engine: the
// per-session pipeline that drives specialist agent runs, the promotion
// search step, and the event stream back to the client.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/assistant"
	"github.com/pattadon/promochat/internal/domain"
	"github.com/pattadon/promochat/internal/store"
)

// Gateway is the slice of the assistant client the orchestrator drives.
type Gateway interface {
	CreateThread(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
	AddMessage(ctx context.Context, threadID, role, content string) (string, error)
	CreateRun(ctx context.Context, threadID string, req assistant.RunRequest) (*assistant.Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]assistant.ThreadMessage, error)
	StreamRun(ctx context.Context, threadID string, req assistant.RunRequest, onDelta func(string)) (*assistant.Run, error)
}

// RunWaiter blocks until a remote run reaches a terminal state.
type RunWaiter interface {
	Wait(ctx context.Context, threadID, runID string) (*assistant.Run, error)
}

// Searcher queries the promotion search collaborator.
type Searcher interface {
	Search(ctx context.Context, queries []string) ([]domain.Promotion, error)
}

// Specialists holds the fixed remote agent identities, keyed by role.
type Specialists struct {
	Context  string
	Product  string
	Occasion string
	Place    string
	Selector string
}

// ForKind returns the detail specialist for a context classification.
func (s Specialists) ForKind(kind domain.ContextKind) (string, bool) {
	var id string
	switch kind {
	case domain.ContextProduct:
		id = s.Product
	case domain.ContextOccasion:
		id = s.Occasion
	case domain.ContextPlace:
		id = s.Place
	case domain.ContextNone:
		return "", false
	}
	if id == "" {
		return "", false
	}
	return id, true
}

// Config holds the orchestrator's injected collaborators.
type Config struct {
	Repo        store.Repository
	Gateway     Gateway
	Waiter      RunWaiter
	Search      Searcher
	Specialists Specialists
	Logger      *slog.Logger
}

// Orchestrator runs the four-stage pipeline for inbound user messages and
// manages session lifecycle against the remote thread service.
type Orchestrator struct {
	repo    store.Repository
	gateway Gateway
	waiter  RunWaiter
	search  Searcher
	spec    Specialists
	logger  *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:    cfg.Repo,
		gateway: cfg.Gateway,
		waiter:  cfg.Waiter,
		search:  cfg.Search,
		spec:    cfg.Specialists,
		logger:  logger,
	}
}

// CreateSession allocates a remote thread and records a new session for the
// user, announcing it to the client with a new_chat_info event.
func (o *Orchestrator) CreateSession(ctx context.Context, em Emitter, userID int64) (*domain.ChatSession, error) {
	start := time.Now()

	if _, err := o.repo.GetUser(ctx, userID); err != nil {
		o.emitLookupFailure(ctx, em, err)
		return nil, err
	}

	threadID, err := o.gateway.CreateThread(ctx)
	if err != nil {
		o.logger.Warn("failed to create remote thread", "user_id", userID, "error", err)
		o.emit(ctx, em, NewErrorEvent("502", "Could not start a new conversation"))
		return nil, err
	}
	o.logger.Info("created remote thread", "thread_id", threadID, "user_id", userID)

	session := domain.NewChatSession(userID, threadID)
	session.AppendActivity("new_chat", "New chat created", time.Since(start))

	if err := o.repo.CreateSession(ctx, session); err != nil {
		o.emit(ctx, em, NewErrorEvent("500", "Could not record the new conversation"))
		return nil, err
	}
	o.logger.Info("created chat session", "chat_id", session.ID, "user_id", userID)

	o.emit(ctx, em, NewChatInfoEvent(session.ID, session.UserID))
	return session, nil
}

// DeleteSession discards the remote thread and removes the session.
func (o *Orchestrator) DeleteSession(ctx context.Context, chatID int64) (*domain.ChatSession, error) {
	session, err := o.repo.GetSession(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := o.gateway.DeleteThread(ctx, session.ThreadID); err != nil {
		return nil, fmt.Errorf("discard remote thread %s: %w", session.ThreadID, err)
	}
	o.logger.Info("deleted remote thread", "thread_id", session.ThreadID, "chat_id", chatID)

	if err := o.repo.DeleteSession(ctx, chatID); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (o *Orchestrator) GetSession(ctx context.Context, chatID int64) (*domain.ChatSession, error) {
	return o.repo.GetSession(ctx, chatID)
}

// ProcessMessage runs the full pipeline for one inbound user message. All
// failures are surfaced to the client as events; none escape the call.
func (o *Orchestrator) ProcessMessage(ctx context.Context, em Emitter, chatID, userID int64, message string) {
	session, err := o.repo.GetSession(ctx, chatID)
	if err != nil {
		o.logger.Warn("chat not found", "chat_id", chatID, "error", err)
		o.emitLookupFailure(ctx, em, err)
		return
	}

	user, err := o.repo.GetUser(ctx, userID)
	if err != nil {
		o.logger.Warn("user not found", "user_id", userID, "error", err)
		o.emitLookupFailure(ctx, em, err)
		return
	}

	pipe := &pipeline{
		o:       o,
		em:      em,
		session: session,
		user:    user,
		timer:   newStageTimer(),
	}
	pipe.run(ctx, message)
}

func (o *Orchestrator) emitLookupFailure(ctx context.Context, em Emitter, err error) {
	if errdefs.IsNotFound(err) {
		o.emit(ctx, em, NewErrorEvent("404", err.Error()))
		return
	}
	o.emit(ctx, em, NewErrorEvent("500", "Internal error"))
}

func (o *Orchestrator) emit(ctx context.Context, em Emitter, event Event) {
	if err := em.Emit(ctx, event); err != nil {
		o.logger.Debug("failed to emit event", "type", event.Type, "error", err)
	}
}

// stageTimer tracks per-stage elapsed time for the final pipeline report.
type stageTimer struct {
	start time.Time
	last  time.Time
	marks []stageMark
}

type stageMark struct {
	name    string
	elapsed time.Duration
}

func newStageTimer() *stageTimer {
	now := time.Now()
	return &stageTimer{start: now, last: now}
}

func (t *stageTimer) mark(name string) {
	now := time.Now()
	t.marks = append(t.marks, stageMark{name: name, elapsed: now.Sub(t.last)})
	t.last = now
}

func (t *stageTimer) total() time.Duration {
	return time.Since(t.start)
}

// isCancellation reports whether err stems from the client connection going
// away or the surrounding context being torn down.
func isCancellation(err error) bool {
	return errdefs.IsCanceled(err)
}
