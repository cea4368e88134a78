// Package transport carries push events between the server and live
// WebSocket connections. Frames are JSON; the durable store stays the
// source of truth, so a lost frame is recovered by the next history fetch.
package transport

import (
	"time"

	"parley/domain"
	"parley/domain/event"
)

const (
	FrameSend        = "send"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FrameRead        = "read"
	FrameNew         = "new"
	FrameError       = "error"
)

// ClientFrame is what a connection may send upstream.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID uint64 `json:"conversation_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Text           string `json:"text,omitempty"`
	ClientTag      string `json:"client_tag,omitempty"`
}

// ServerFrame is what the server pushes downstream. Exactly one payload
// field is set, matching Type.
type ServerFrame struct {
	Type    string          `json:"type"`
	Message *MessagePayload `json:"message,omitempty"`
	Typing  *TypingPayload  `json:"typing,omitempty"`
	Read    *ReadPayload    `json:"read,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type MessagePayload struct {
	ID             uint64    `json:"id"`
	ConversationID uint64    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Text           string    `json:"text"`
	Lang           string    `json:"lang,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ClientTag      string    `json:"client_tag,omitempty"`
}

type TypingPayload struct {
	ConversationID uint64 `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type ReadPayload struct {
	ConversationID uint64 `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	MaxID          uint64 `json:"max_id"`
}

// ToMessagePayload converts the authoritative record for the wire.
func ToMessagePayload(m domain.Message, clientTag string) *MessagePayload {
	return &MessagePayload{
		ID:             uint64(m.ID),
		ConversationID: uint64(m.ConversationID),
		SenderID:       string(m.SenderID),
		ReceiverID:     string(m.ReceiverID),
		Text:           m.Content,
		Lang:           m.Lang,
		CreatedAt:      m.CreatedAt,
		ClientTag:      clientTag,
	}
}

// Message converts a wire payload back into the domain record.
func (p *MessagePayload) Message() domain.Message {
	return domain.Message{
		ID:             domain.MessageID(p.ID),
		ConversationID: domain.ConversationID(p.ConversationID),
		SenderID:       domain.UserID(p.SenderID),
		ReceiverID:     domain.UserID(p.ReceiverID),
		Content:        p.Text,
		Lang:           p.Lang,
		CreatedAt:      p.CreatedAt,
	}
}

// errorEvent lets the read loop surface a per-connection failure through
// the session's own write pump, keeping a single writer per socket.
type errorEvent struct {
	conversation domain.ConversationID
	userID       domain.UserID
	message      string
}

func (e errorEvent) ConversationID() domain.ConversationID { return e.conversation }

func (e errorEvent) Participants() []domain.UserID { return []domain.UserID{e.userID} }

// ToServerFrame classifies a domain event into its wire form. Returns nil
// for event kinds the connection should not see.
func ToServerFrame(e event.DomainEvent) *ServerFrame {
	switch evt := e.(type) {
	case event.MessageStored:
		return &ServerFrame{Type: FrameNew, Message: ToMessagePayload(evt.Message, evt.ClientTag)}
	case event.Typing:
		frameType := FrameTypingStop
		if evt.Active {
			frameType = FrameTypingStart
		}
		return &ServerFrame{Type: frameType, Typing: &TypingPayload{
			ConversationID: uint64(evt.Conversation),
			UserID:         string(evt.UserID),
		}}
	case event.MessagesRead:
		return &ServerFrame{Type: FrameRead, Read: &ReadPayload{
			ConversationID: uint64(evt.Conversation),
			ReaderID:       string(evt.ReaderID),
			MaxID:          uint64(evt.MaxID),
		}}
	case errorEvent:
		return &ServerFrame{Type: FrameError, Error: evt.message}
	default:
		return nil
	}
}
