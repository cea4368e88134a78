package errors

import "fmt"

var (
	ErrWorkerPanic         = fmt.Errorf("worker panic")
	ErrEmptyWords          = fmt.Errorf("no words have been found")
	ErrSelfConversation    = fmt.Errorf("a conversation requires two distinct users")
	ErrSameParticipant     = fmt.Errorf("sender and receiver must differ")
	ErrEmptyContent        = fmt.Errorf("message content is empty")
	ErrUnknownConversation = fmt.Errorf("conversation does not exist")
	ErrNotParticipant      = fmt.Errorf("user is not a participant of this conversation")
	ErrNotConnected        = fmt.Errorf("no live connection for this user")
	ErrInvalidCredentials  = fmt.Errorf("invalid credentials")
	ErrUserExists          = fmt.Errorf("user already exists")
	ErrInvalidCursor       = fmt.Errorf("invalid pagination cursor")
	ErrNoConversationOpen  = fmt.Errorf("no conversation is open")
)
