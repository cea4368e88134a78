//go:generate go run go.uber.org/mock/mockgen -source=conversation.go -destination=../mocks/mock_conversation_repository.go -package=mocks
package repositories

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"parley/domain"
	apperrors "parley/errors"
)

type IConversationRepository interface {
	GetOrCreate(a, b domain.UserID) (domain.Conversation, error)
	ByID(id domain.ConversationID) (domain.Conversation, error)
	ListForUser(userID domain.UserID) ([]domain.Conversation, error)
}

// ConversationRepository canonicalizes a pair of user identities into one
// durable conversation row. Keys:
//
//	conv:pair:{a}:{b}   canonical pair -> record (a < b)
//	conv:id:{id}        id -> record, zero padded for lexicographic order
//	conv:user:{u}:{id}  membership index, one entry per participant
type ConversationRepository struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

func NewConversationRepository(db *badger.DB, log *slog.Logger) (*ConversationRepository, error) {
	seq, err := db.GetSequence([]byte("seq:conversation"), 64)
	if err != nil {
		return nil, fmt.Errorf("conversation sequence: %w", err)
	}
	return &ConversationRepository{db: db, seq: seq, log: log}, nil
}

// Close releases the id sequence lease.
func (r *ConversationRepository) Close() error {
	return r.seq.Release()
}

type diskConversation struct {
	ID           uint64 `cbor:"1,keyasint"`
	ParticipantA string `cbor:"2,keyasint"`
	ParticipantB string `cbor:"3,keyasint"`
	CreatedAt    int64  `cbor:"4,keyasint"`
}

func pairKey(a, b domain.UserID) []byte {
	return []byte(fmt.Sprintf("conv:pair:%s:%s", a, b))
}

func idKey(id domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("conv:id:%019d", id))
}

func memberKey(u domain.UserID, id domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("conv:user:%s:%019d", u, id))
}

// GetOrCreate returns the single conversation for the unordered pair,
// creating it lazily on first contact. Idempotent under concurrent calls
// from both participants: the pair is canonicalized before the lookup and
// a transaction conflict (both sides racing the first create) is resolved
// by re-reading the winner's row.
func (r *ConversationRepository) GetOrCreate(a, b domain.UserID) (domain.Conversation, error) {
	if a == b {
		return domain.Conversation{}, apperrors.ErrSelfConversation
	}
	first, second := domain.CanonicalPair(a, b)

	for {
		conv, err := r.getOrCreateOnce(first, second)
		if err == badger.ErrConflict {
			r.log.Debug("conversation create raced, retrying",
				"participant_a", first, "participant_b", second)
			continue
		}
		return conv, err
	}
}

func (r *ConversationRepository) getOrCreateOnce(first, second domain.UserID) (domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(pairKey(first, second))
		if err == nil {
			return item.Value(func(val []byte) error {
				conv, err = DecodeConversation(val)
				return err
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		next, err := r.seq.Next()
		if err != nil {
			return err
		}
		conv = domain.Conversation{
			ID:           domain.ConversationID(next + 1),
			ParticipantA: first,
			ParticipantB: second,
			CreatedAt:    time.Now().UTC(),
		}
		bytes, err := encodeConversation(conv)
		if err != nil {
			return err
		}
		if err = txn.Set(pairKey(first, second), bytes); err != nil {
			return err
		}
		if err = txn.Set(idKey(conv.ID), bytes); err != nil {
			return err
		}
		if err = txn.Set(memberKey(first, conv.ID), nil); err != nil {
			return err
		}
		return txn.Set(memberKey(second, conv.ID), nil)
	})
	return conv, err
}

func (r *ConversationRepository) ByID(id domain.ConversationID) (domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if err == badger.ErrKeyNotFound {
			return apperrors.ErrUnknownConversation
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			conv, err = DecodeConversation(val)
			return err
		})
	})
	return conv, err
}

// ListForUser walks the membership index. Summaries (last message, unread
// count) are derived by the caller, never stored here.
func (r *ConversationRepository) ListForUser(userID domain.UserID) ([]domain.Conversation, error) {
	var ids []domain.ConversationID
	prefix := []byte(fmt.Sprintf("conv:user:%s:", userID))
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var id uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &id); err != nil {
				return err
			}
			ids = append(ids, domain.ConversationID(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conversations := make([]domain.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.ByID(id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func encodeConversation(c domain.Conversation) ([]byte, error) {
	return cbor.Marshal(diskConversation{
		ID:           uint64(c.ID),
		ParticipantA: string(c.ParticipantA),
		ParticipantB: string(c.ParticipantB),
		CreatedAt:    c.CreatedAt.UnixNano(),
	})
}

// DecodeConversation parses a stored conversation value. Exported for the
// read-only viewer.
func DecodeConversation(val []byte) (domain.Conversation, error) {
	var dc diskConversation
	if err := cbor.Unmarshal(val, &dc); err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:           domain.ConversationID(dc.ID),
		ParticipantA: domain.UserID(dc.ParticipantA),
		ParticipantB: domain.UserID(dc.ParticipantB),
		CreatedAt:    time.Unix(0, dc.CreatedAt).UTC(),
	}, nil
}
