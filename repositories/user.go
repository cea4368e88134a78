//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"parley/domain"
	apperrors "parley/errors"
)

type IUserRepository interface {
	Create(user User) error
	Get(id domain.UserID) (User, error)
}

// User is a credential record for the transport handshake. Profile data
// lives elsewhere; this store only knows enough to issue a token.
type User struct {
	ID           domain.UserID
	PasswordHash string
	CreatedAt    time.Time
}

type UserRepository struct {
	db *badger.DB
}

func NewUserRepository(db *badger.DB) *UserRepository {
	return &UserRepository{db: db}
}

type diskUser struct {
	ID           string `cbor:"1,keyasint"`
	PasswordHash string `cbor:"2,keyasint"`
	CreatedAt    int64  `cbor:"3,keyasint"`
}

func userKey(id domain.UserID) []byte {
	return []byte(fmt.Sprintf("user:%s", id))
}

func (r *UserRepository) Create(user User) error {
	bytes, err := cbor.Marshal(diskUser{
		ID:           string(user.ID),
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(userKey(user.ID))
		if err == nil {
			return apperrors.ErrUserExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(userKey(user.ID), bytes)
	})
}

func (r *UserRepository) Get(id domain.UserID) (User, error) {
	var user User
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(id))
		if err == badger.ErrKeyNotFound {
			return apperrors.ErrInvalidCredentials
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var du diskUser
			if err := cbor.Unmarshal(val, &du); err != nil {
				return err
			}
			user = User{
				ID:           domain.UserID(du.ID),
				PasswordHash: du.PasswordHash,
				CreatedAt:    time.Unix(0, du.CreatedAt).UTC(),
			}
			return nil
		})
	})
	return user, err
}
