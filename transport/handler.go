package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"parley/auth"
	"parley/domain"
	"parley/observability"
	"parley/runtime"
)

// Handler upgrades HTTP requests into live connections: one socket per
// user, registered in the Connection Registry for the relay's push path.
type Handler struct {
	log        *slog.Logger
	registry   *runtime.Registry
	relay      *runtime.Relay
	tokens     *auth.TokenManager
	monitor    *observability.Monitor
	upgrader   websocket.Upgrader
	bufferSize int
}

func NewHandler(
	log *slog.Logger,
	registry *runtime.Registry,
	relay *runtime.Relay,
	tokens *auth.TokenManager,
	monitor *observability.Monitor,
	allowedOrigins []string,
	bufferSize int,
) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return &Handler{
		log:      log,
		registry: registry,
		relay:    relay,
		tokens:   tokens,
		monitor:  monitor,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin header.
				return origin == "" || allowed[origin]
			},
		},
		bufferSize: bufferSize,
	}
}

// HandleWebSocket handles GET /ws?token=...
// The token authenticates the join; the connection then owns the user's
// single registry slot until it drops or a newer connection displaces it.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	session := runtime.NewSession(string(userID), h.bufferSize)
	if displaced := h.registry.Join(userID, session); displaced != nil {
		// Single-connection policy: the old socket's pump stops, the old
		// connection is silently orphaned for delivery.
		if old, ok := displaced.(*runtime.Session); ok {
			old.Displace()
		}
	}
	defer func() {
		h.registry.Leave(userID, session)
		session.Close()
		h.monitor.SetLiveConnections(h.registry.Size())
		h.log.Info("Client disconnected", "user_id", userID)
	}()
	h.monitor.SetLiveConnections(h.registry.Size())
	h.log.Info("Client connected", "user_id", userID)

	go h.writePump(conn, session)
	h.readLoop(r, conn, userID, session)
}

// readLoop decodes inbound frames and dispatches them to the relay.
// A malformed frame is logged and skipped: a single bad event must never
// break delivery for the other conversations.
func (h *Handler) readLoop(r *http.Request, conn *websocket.Conn, userID domain.UserID, session *runtime.Session) {
	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Warn("Malformed frame dropped", "user_id", userID, "error", err)
			continue
		}

		switch frame.Type {
		case FrameSend:
			_, err := h.relay.Send(ctx, domain.SendCommand{
				ConversationID: domain.ConversationID(frame.ConversationID),
				SenderID:       userID,
				ReceiverID:     domain.UserID(frame.ReceiverID),
				Content:        frame.Text,
				ClientTag:      frame.ClientTag,
			})
			if err != nil {
				h.fail(ctx, session, userID, frame, err)
			}
		case FrameTypingStart, FrameTypingStop:
			err := h.relay.Typing(ctx, domain.TypingCommand{
				ConversationID: domain.ConversationID(frame.ConversationID),
				UserID:         userID,
				Active:         frame.Type == FrameTypingStart,
			})
			if err != nil {
				h.log.Debug("Typing event rejected", "user_id", userID, "error", err)
			}
		case FrameRead:
			if err := h.relay.MarkRead(ctx, domain.ConversationID(frame.ConversationID), userID); err != nil {
				h.fail(ctx, session, userID, frame, err)
			}
		default:
			h.log.Warn("Unknown frame type dropped", "user_id", userID, "type", frame.Type)
		}
	}
}

// fail reports a rejected operation back through the session's write pump,
// keeping a single writer per socket.
func (h *Handler) fail(ctx context.Context, session *runtime.Session, userID domain.UserID, frame ClientFrame, err error) {
	h.log.Warn("Frame rejected", "user_id", userID, "type", frame.Type, "error", err)
	_ = session.Consume(ctx, errorEvent{
		conversation: domain.ConversationID(frame.ConversationID),
		userID:       userID,
		message:      err.Error(),
	})
}

// writePump is the single writer for the socket. It drains the session's
// event channel until the session closes: either the read loop saw the
// connection drop, or a newer join displaced it.
func (h *Handler) writePump(conn *websocket.Conn, session *runtime.Session) {
	for {
		select {
		case <-session.Done():
			if session.Displaced() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded by a newer connection"),
					time.Now().Add(time.Second))
			}
			conn.Close()
			return
		case evt := <-session.Events:
			frame := ToServerFrame(evt)
			if frame == nil {
				continue
			}
			data, err := json.Marshal(frame)
			if err != nil {
				h.log.Error("Frame encoding failed", "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Warn(fmt.Sprintf("Failed to push frame to %s", session.UserID), "error", err)
				conn.Close()
				return
			}
		}
	}
}
