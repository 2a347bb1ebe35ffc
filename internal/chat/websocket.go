package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketHandler handles the WebSocket chat connection. Each connection
// processes one client action at a time; pipeline events stream back over
// the same socket.
type WebSocketHandler struct {
	orch          *Orchestrator
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(orch *Orchestrator, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		orch:          orch,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientRequest is one inbound frame: an action name plus its payload.
type clientRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type newUserMessageData struct {
	ChatID  int64  `json:"chat_id"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type createNewChatData struct {
	UserID int64 `json:"user_id"`
}

// wsEmitter writes pipeline events as JSON text frames. A failed write
// cancels the pipeline context so in-flight remote work stops.
type wsEmitter struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func (e *wsEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := e.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		e.cancel()
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	em := &wsEmitter{conn: ws, cancel: cancel}
	h.readLoop(ctx, ws, em)
	slog.Info("Chat connection ended", "ip", r.RemoteAddr)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, em Emitter) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client")
			} else {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(message, &req); err != nil {
			slog.Warn("Malformed client frame", "error", err)
			continue
		}

		switch req.Action {
		case "new_user_message":
			var data newUserMessageData
			if err := json.Unmarshal(req.Data, &data); err != nil ||
				data.ChatID == 0 || data.UserID == 0 || data.Message == "" {
				h.sendError(ctx, em, "400", "Bad request")
				continue
			}
			h.orch.ProcessMessage(ctx, em, data.ChatID, data.UserID, data.Message)
		case "create_new_chat":
			var data createNewChatData
			if err := json.Unmarshal(req.Data, &data); err != nil || data.UserID == 0 {
				h.sendError(ctx, em, "400", "Bad request")
				continue
			}
			if _, err := h.orch.CreateSession(ctx, em, data.UserID); err != nil {
				slog.Warn("Failed to create chat", "user_id", data.UserID, "error", err)
			}
		default:
			slog.Warn("Unknown client action", "action", req.Action)
		}
	}
}

func (h *WebSocketHandler) sendError(ctx context.Context, em Emitter, code, message string) {
	if err := em.Emit(ctx, NewErrorEvent(code, message)); err != nil {
		slog.Debug("Failed to send error event", "error", err)
	}
}
