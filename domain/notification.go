package domain

// NotificationIntent is a one-shot decision to interrupt the user about an
// incoming message. Raised only when suppression conditions are not met,
// consumed by at most one surface, then dropped.
type NotificationIntent struct {
	SenderID       UserID
	SenderName     string
	Text           string
	ConversationID ConversationID
}
