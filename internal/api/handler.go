// Package api provides HTTP handlers for the PromoChat REST API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/pattadon/promochat/internal/domain"
	"github.com/pattadon/promochat/internal/store"
)

// SessionDeleter removes a chat session along with its remote thread.
type SessionDeleter interface {
	DeleteSession(ctx context.Context, chatID int64) (*domain.ChatSession, error)
}

// Handler serves the read-side REST API over sessions and users.
type Handler struct {
	repo    store.Repository
	deleter SessionDeleter
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, deleter SessionDeleter) *Handler {
	return &Handler{repo: repo, deleter: deleter}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes attaches the REST endpoints to the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/api/users", h.ListUsers)
	r.Get("/api/users/{id}", h.GetUser)
	r.Get("/api/chat/{id}", h.GetChat)
	r.Delete("/api/chat/{id}", h.DeleteChat)
	r.Get("/api/chat/{id}/messages", h.GetChatMessages)
	r.Get("/api/chat/{id}/activity", h.GetChatActivity)
}

// Root reports the API name and version.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"message": "PromoChat API"})
}

// ListUsers returns all known users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.repo.ListUsers(r.Context())
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []*domain.User{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// GetUser returns one user by ID.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			Error(w, http.StatusNotFound, "User not found")
			return
		}
		slog.Error("Failed to load user", "user_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	JSON(w, http.StatusOK, user)
}

// GetChat returns the full session record.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, session)
}

// DeleteChat discards the session and its remote thread, returning the
// removed record.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	session, err := h.deleter.DeleteSession(r.Context(), id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			Error(w, http.StatusNotFound, "Chat not found")
			return
		}
		slog.Error("Failed to delete chat", "chat_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	slog.Info("Deleted chat", "chat_id", id)
	JSON(w, http.StatusOK, session)
}

// GetChatMessages returns just the conversation transcript.
func (h *Handler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	messages := session.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

// GetChatActivity returns just the pipeline audit trail.
func (h *Handler) GetChatActivity(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	activity := session.ActivityLog
	if activity == nil {
		activity = []domain.ActivityEntry{}
	}
	JSON(w, http.StatusOK, activity)
}

func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) (*domain.ChatSession, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	session, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Warn("Chat not found", "chat_id", id)
			Error(w, http.StatusNotFound, "Chat not found")
			return nil, false
		}
		slog.Error("Failed to load chat", "chat_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return nil, false
	}
	return session, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
