package domain

import "time"

type MessageID uint64

// Message represents an immutable chat record. The id is server-assigned,
// monotonically increasing per store, and is the sole deduplication key.
// Only the Read flag may change after creation, and only through a
// mark-as-read issued by the receiver.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	ReceiverID     UserID
	Content        string
	Lang           string // ISO 639-1 tag detected at relay time, may be empty
	CreatedAt      time.Time
	Read           bool
}
