//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"parley/domain"
	apperrors "parley/errors"
)

type IMessageRepository interface {
	Append(message domain.Message) (domain.Message, error)
	History(conversationID domain.ConversationID, cursor *string) ([]domain.Message, *string, error)
	MarkRead(conversationID domain.ConversationID, userID domain.UserID) (domain.MessageID, error)
	UnreadCount(conversationID domain.ConversationID, userID domain.UserID) (int, error)
	Last(conversationID domain.ConversationID) (domain.Message, bool, error)
}

// MessageRepository persists messages in BadgerDB.
// The key is formatted as "msg:{conversation_padded}:{id_padded}" so that a
// prefix scan per conversation yields messages in id order, and the id part
// alone can serve as the pagination cursor. Ids come from a Badger sequence,
// which makes them monotonically increasing per store as required for
// deduplication.
type MessageRepository struct {
	db       *badger.DB
	seq      *badger.Sequence
	log      *slog.Logger
	pageSize int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, pageSize int) (*MessageRepository, error) {
	seq, err := db.GetSequence([]byte("seq:message"), 256)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &MessageRepository{db: db, seq: seq, log: log, pageSize: pageSize}, nil
}

func (m *MessageRepository) Close() error {
	return m.seq.Release()
}

type diskMessage struct {
	ID           uint64 `cbor:"1,keyasint"`
	Conversation uint64 `cbor:"2,keyasint"`
	Sender       string `cbor:"3,keyasint"`
	Receiver     string `cbor:"4,keyasint"`
	Content      string `cbor:"5,keyasint"`
	Lang         string `cbor:"6,keyasint"`
	At           int64  `cbor:"7,keyasint"`
	Read         bool   `cbor:"8,keyasint"`
}

func messageKey(conversationID domain.ConversationID, id domain.MessageID) []byte {
	return []byte(fmt.Sprintf("msg:%019d:%019d", conversationID, id))
}

func conversationPrefix(conversationID domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("msg:%019d:", conversationID))
}

// Append assigns the durable id and persists the record. The returned
// message is the authoritative one the relay pushes to both participants.
func (m *MessageRepository) Append(message domain.Message) (domain.Message, error) {
	next, err := m.seq.Next()
	if err != nil {
		return domain.Message{}, err
	}
	message.ID = domain.MessageID(next + 1)

	bytes, err := encodeMessage(message)
	if err != nil {
		return domain.Message{}, err
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(message.ConversationID, message.ID), bytes)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return message, nil
}

// History returns the newest page of a conversation using a reverse prefix
// scan, newest first. The returned cursor is the padded id of the oldest
// entry in the page; passing it back continues with strictly older messages.
func (m *MessageRepository) History(conversationID domain.ConversationID, cursor *string) ([]domain.Message, *string, error) {
	var messages []domain.Message
	var lastKey string
	var more bool
	prefix := conversationPrefix(conversationID)

	err := m.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the highest possible id, then walk backwards.
			seekKey = append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		default:
			if len(*cursor) != 19 {
				return apperrors.ErrInvalidCursor
			}
			if _, err := strconv.ParseUint(*cursor, 10, 64); err != nil {
				return apperrors.ErrInvalidCursor
			}
			seekKey = append(append([]byte{}, prefix...), []byte(*cursor)...)
		}

		it.Seek(seekKey)
		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == m.pageSize {
				// The iterator is on a valid older row, so more remains.
				more = true
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				message, err := DecodeMessage(val)
				if err != nil {
					return err
				}
				messages = append(messages, message)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !more {
		// Exhausted: the caller gets no cursor and saves the empty round-trip.
		return messages, nil, nil
	}
	return messages, &lastKey, nil
}

// MarkRead flips the read flag on every unread message addressed to userID
// and returns the highest id it touched, so the relay can broadcast a single
// read receipt. Returns 0 when nothing was unread.
func (m *MessageRepository) MarkRead(conversationID domain.ConversationID, userID domain.UserID) (domain.MessageID, error) {
	var maxID domain.MessageID
	prefix := conversationPrefix(conversationID)

	err := m.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var message domain.Message
			err := item.Value(func(val []byte) error {
				var err error
				message, err = DecodeMessage(val)
				return err
			})
			if err != nil {
				return err
			}
			if message.ReceiverID != userID || message.Read {
				continue
			}
			message.Read = true
			bytes, err := encodeMessage(message)
			if err != nil {
				return err
			}
			if err = txn.Set(item.KeyCopy(nil), bytes); err != nil {
				return err
			}
			if message.ID > maxID {
				maxID = message.ID
			}
		}
		return nil
	})
	return maxID, err
}

func (m *MessageRepository) UnreadCount(conversationID domain.ConversationID, userID domain.UserID) (int, error) {
	count := 0
	prefix := conversationPrefix(conversationID)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				message, err := DecodeMessage(val)
				if err != nil {
					return err
				}
				if message.ReceiverID == userID && !message.Read {
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

// Last returns the most recent message of a conversation, if any.
func (m *MessageRepository) Last(conversationID domain.ConversationID) (domain.Message, bool, error) {
	var message domain.Message
	found := false
	prefix := conversationPrefix(conversationID)
	err := m.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()
		seekKey := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			var err error
			message, err = DecodeMessage(val)
			return err
		})
	})
	return message, found, err
}

func encodeMessage(message domain.Message) ([]byte, error) {
	return cbor.Marshal(diskMessage{
		ID:           uint64(message.ID),
		Conversation: uint64(message.ConversationID),
		Sender:       string(message.SenderID),
		Receiver:     string(message.ReceiverID),
		Content:      message.Content,
		Lang:         message.Lang,
		At:           message.CreatedAt.UnixNano(),
		Read:         message.Read,
	})
}

// DecodeMessage parses a stored message value. Exported for the read-only
// viewer.
func DecodeMessage(val []byte) (domain.Message, error) {
	var dm diskMessage
	if err := cbor.Unmarshal(val, &dm); err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             domain.MessageID(dm.ID),
		ConversationID: domain.ConversationID(dm.Conversation),
		SenderID:       domain.UserID(dm.Sender),
		ReceiverID:     domain.UserID(dm.Receiver),
		Content:        dm.Content,
		Lang:           dm.Lang,
		CreatedAt:      time.Unix(0, dm.At).UTC(),
		Read:           dm.Read,
	}, nil
}
