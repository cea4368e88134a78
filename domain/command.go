package domain

// SendCommand is the relay's input for a message send. ClientTag is a
// client-generated correlation value echoed back in the push event so the
// sender can replace its optimistic entry; it is never persisted.
type SendCommand struct {
	ConversationID ConversationID `validate:"required"`
	SenderID       UserID         `validate:"required"`
	ReceiverID     UserID         `validate:"required,nefield=SenderID"`
	Content        string         `validate:"required,max=4000"`
	ClientTag      string         `validate:"omitempty,uuid"`
}

// TypingCommand is a fire-and-forget pass-through: no persistence, no dedup.
type TypingCommand struct {
	ConversationID ConversationID
	UserID         UserID
	Active         bool
}
