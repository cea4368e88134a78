// Package runtime handles event routing between the transport, the store,
// and live connections. It orchestrates the system without containing UI
// or screen logic.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/go-playground/validator/v10"

	"parley/domain"
	"parley/domain/event"
	apperrors "parley/errors"
	"parley/moderation"
	"parley/observability"
	"parley/repositories"
)

// Relay is the server-side send path: validate, censor, persist, then push
// the persisted record to both participants' live connections. It never
// queues or retries a delivery; an offline receiver catches up through its
// next history fetch.
type Relay struct {
	log           *slog.Logger
	validate      *validator.Validate
	conversations repositories.IConversationRepository
	messages      repositories.IMessageRepository
	moderator     *moderation.Moderator
	monitor       *observability.Monitor
	events        chan event.DomainEvent
}

func NewRelay(
	log *slog.Logger,
	conversations repositories.IConversationRepository,
	messages repositories.IMessageRepository,
	moderator *moderation.Moderator,
	monitor *observability.Monitor,
	bufferSize int,
) *Relay {
	return &Relay{
		log:           log,
		validate:      validator.New(),
		conversations: conversations,
		messages:      messages,
		moderator:     moderator,
		monitor:       monitor,
		events:        make(chan event.DomainEvent, bufferSize),
	}
}

// Events exposes the relay's output channel to the fanout worker.
func (r *Relay) Events() chan event.DomainEvent {
	return r.events
}

// Send persists the message and emits the authoritative record for fanout.
// The returned message carries the durable id and server timestamp; the
// sender also receives it as an echo through its own live connection.
// On persistence failure the error surfaces to the sender only and no push
// happens.
func (r *Relay) Send(ctx context.Context, cmd domain.SendCommand) (domain.Message, error) {
	cmd.Content = strings.TrimSpace(cmd.Content)
	if cmd.Content == "" {
		return domain.Message{}, apperrors.ErrEmptyContent
	}
	if cmd.SenderID == cmd.ReceiverID {
		return domain.Message{}, apperrors.ErrSameParticipant
	}
	if err := r.validate.StructCtx(ctx, cmd); err != nil {
		return domain.Message{}, fmt.Errorf("invalid send command: %w", err)
	}

	conv, err := r.conversations.ByID(cmd.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if !conv.Has(cmd.SenderID) || !conv.Has(cmd.ReceiverID) {
		return domain.Message{}, apperrors.ErrNotParticipant
	}

	content := cmd.Content
	var censoredWords []string
	if r.moderator != nil {
		content, censoredWords = r.moderator.Censor(content)
	}
	info := whatlanggo.Detect(content)

	stored, err := r.messages.Append(domain.Message{
		ConversationID: cmd.ConversationID,
		SenderID:       cmd.SenderID,
		ReceiverID:     cmd.ReceiverID,
		Content:        content,
		Lang:           info.Lang.Iso6391(),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("message persistence: %w", err)
	}

	if len(censoredWords) > 0 {
		r.log.Warn("message censored",
			"conversation_id", stored.ConversationID,
			"sender_id", stored.SenderID,
			"words", len(censoredWords))
	}

	r.emit(ctx, event.MessageStored{Message: stored, ClientTag: cmd.ClientTag})
	r.monitor.IncrRelayed()
	return stored, nil
}

// Typing passes a typing indicator to the counterpart connection.
// No persistence, no dedup, fire and forget.
func (r *Relay) Typing(ctx context.Context, cmd domain.TypingCommand) error {
	conv, err := r.conversations.ByID(cmd.ConversationID)
	if err != nil {
		return err
	}
	if !conv.Has(cmd.UserID) {
		return apperrors.ErrNotParticipant
	}
	r.emit(ctx, event.Typing{
		Conversation: cmd.ConversationID,
		UserID:       cmd.UserID,
		Counterpart:  conv.Peer(cmd.UserID),
		Active:       cmd.Active,
	})
	return nil
}

// MarkRead flips the receiver-scoped read flags in the store and broadcasts
// one read receipt to the other holder of the conversation.
func (r *Relay) MarkRead(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	conv, err := r.conversations.ByID(conversationID)
	if err != nil {
		return err
	}
	if !conv.Has(userID) {
		return apperrors.ErrNotParticipant
	}
	maxID, err := r.messages.MarkRead(conversationID, userID)
	if err != nil {
		return err
	}
	if maxID == 0 {
		return nil
	}
	r.emit(ctx, event.MessagesRead{
		Conversation: conversationID,
		ReaderID:     userID,
		Counterpart:  conv.Peer(userID),
		MaxID:        maxID,
	})
	return nil
}

func (r *Relay) emit(ctx context.Context, e event.DomainEvent) {
	select {
	case r.events <- e:
	case <-ctx.Done():
	default:
		r.log.Warn(fmt.Sprintf("Event channel full for conversation %d, dropping event", e.ConversationID()))
		r.monitor.IncrDropped()
	}
}
