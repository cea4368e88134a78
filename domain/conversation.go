// Package domain contains core concepts of the messaging system.
// A Conversation is the canonical pairing of two users: one durable id
// per unordered pair, regardless of who initiated it.
package domain

import "time"

type UserID string

type ConversationID uint64

type Conversation struct {
	ID           ConversationID
	ParticipantA UserID // canonical order: ParticipantA < ParticipantB
	ParticipantB UserID
	CreatedAt    time.Time
}

// CanonicalPair orders two identities so that any unordered pair maps to
// exactly one storage key.
func CanonicalPair(a, b UserID) (UserID, UserID) {
	if b < a {
		return b, a
	}
	return a, b
}

func (c Conversation) Has(u UserID) bool {
	return c.ParticipantA == u || c.ParticipantB == u
}

// Peer returns the other participant. The caller must be one of the two.
func (c Conversation) Peer(u UserID) UserID {
	if c.ParticipantA == u {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// ConversationSummary is the derived list-view shape: last message and
// unread count are computed for the requesting user, never stored.
type ConversationSummary struct {
	Conversation
	Peer            UserID
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}
