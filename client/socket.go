package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"parley/contract"
	"parley/domain"
	apperrors "parley/errors"
	"parley/engine"
	"parley/transport"
)

// FrameHandler is where inbound frames go; in practice the sync engine.
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame transport.ServerFrame)
	Refresh(ctx context.Context) error
}

// Socket holds the live connection. It reconnects with backoff and asks
// the handler to refresh after each successful dial, which is how state
// missed while offline comes back.
type Socket struct {
	log       *slog.Logger
	wsURL     string
	token     string
	handler   FrameHandler
	reconnect time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

var (
	_ contract.Worker = (*Socket)(nil)
	_ engine.Sender   = (*Socket)(nil)
)

func NewSocket(log *slog.Logger, wsURL, token string) *Socket {
	return &Socket{
		log:       log,
		wsURL:     wsURL,
		token:     token,
		reconnect: 2 * time.Second,
	}
}

// Attach sets the frame handler. The socket sends fine without one; it
// must be attached before Run.
func (s *Socket) Attach(handler FrameHandler) {
	s.handler = handler
}

// Run dials and reads until the context ends. Each drop is followed by a
// fresh dial; each successful dial is followed by a handler refresh.
func (s *Socket) Run(ctx context.Context) error {
	for {
		if err := s.session(ctx); err != nil {
			s.log.Warn("Connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnect):
		}
	}
}

func (s *Socket) session(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s?token=%s", s.wsURL, url.QueryEscape(s.token))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.log.Info("Connected")
	if err := s.handler.Refresh(ctx); err != nil {
		s.log.Warn("Post-connect refresh failed", "error", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var frame transport.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Malformed frame dropped", "error", err)
			continue
		}
		s.handler.HandleFrame(ctx, frame)
	}
}

func (s *Socket) Send(_ context.Context, conversationID domain.ConversationID, receiverID domain.UserID, text, clientTag string) error {
	return s.write(transport.ClientFrame{
		Type:           transport.FrameSend,
		ConversationID: uint64(conversationID),
		ReceiverID:     string(receiverID),
		Text:           text,
		ClientTag:      clientTag,
	})
}

func (s *Socket) Typing(_ context.Context, conversationID domain.ConversationID, active bool) error {
	frameType := transport.FrameTypingStop
	if active {
		frameType = transport.FrameTypingStart
	}
	return s.write(transport.ClientFrame{
		Type:           frameType,
		ConversationID: uint64(conversationID),
	})
}

func (s *Socket) MarkRead(_ context.Context, conversationID domain.ConversationID) error {
	return s.write(transport.ClientFrame{
		Type:           transport.FrameRead,
		ConversationID: uint64(conversationID),
	})
}

func (s *Socket) write(frame transport.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return apperrors.ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
