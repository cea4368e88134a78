package event

import (
	"parley/domain"
)

// DomainEvent is anything the fanout can route to a conversation's
// participants.
type DomainEvent interface {
	ConversationID() domain.ConversationID
	Participants() []domain.UserID
}

// MessageStored is emitted once a message is durable. It carries the
// authoritative record (real id, server timestamp) plus the sender's
// client tag for optimistic reconciliation.
type MessageStored struct {
	Message   domain.Message
	ClientTag string
}

func (e MessageStored) ConversationID() domain.ConversationID {
	return e.Message.ConversationID
}

func (e MessageStored) Participants() []domain.UserID {
	return []domain.UserID{e.Message.SenderID, e.Message.ReceiverID}
}

// Typing relays a typing indicator to the counterpart only.
type Typing struct {
	Conversation domain.ConversationID
	UserID       domain.UserID
	Counterpart  domain.UserID
	Active       bool
}

func (e Typing) ConversationID() domain.ConversationID { return e.Conversation }

func (e Typing) Participants() []domain.UserID {
	return []domain.UserID{e.Counterpart}
}

// MessagesRead notifies the other holder of a conversation that the reader
// consumed messages up to and including MaxID.
type MessagesRead struct {
	Conversation domain.ConversationID
	ReaderID     domain.UserID
	Counterpart  domain.UserID
	MaxID        domain.MessageID
}

func (e MessagesRead) ConversationID() domain.ConversationID { return e.Conversation }

func (e MessagesRead) Participants() []domain.UserID {
	return []domain.UserID{e.Counterpart}
}
