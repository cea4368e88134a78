package auth

import (
	"fmt"
	"time"

	"parley/domain"
	apperrors "parley/errors"
	"parley/repositories"
)

type IService interface {
	Register(userID domain.UserID, password string) (string, error)
	Login(userID domain.UserID, password string) (string, error)
}

// Service issues the tokens the transport handshake requires. Profile
// management lives outside this subsystem; this only stores credentials.
type Service struct {
	users  repositories.IUserRepository
	tokens *TokenManager
}

func NewService(users repositories.IUserRepository, tokens *TokenManager) *Service {
	return &Service{users: users, tokens: tokens}
}

func (s *Service) Register(userID domain.UserID, password string) (string, error) {
	if userID == "" || len(password) < 8 {
		return "", apperrors.ErrInvalidCredentials
	}

	// Hash before persisting so the repository never sees plain passwords.
	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing failed: %w", err)
	}

	err = s.users.Create(repositories.User{
		ID:           userID,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return s.tokens.Generate(userID)
}

func (s *Service) Login(userID domain.UserID, password string) (string, error) {
	user, err := s.users.Get(userID)
	if err != nil {
		// Generic error to prevent user enumeration.
		return "", apperrors.ErrInvalidCredentials
	}
	match, err := ComparePassword(password, user.PasswordHash)
	if err != nil || !match {
		return "", apperrors.ErrInvalidCredentials
	}
	return s.tokens.Generate(userID)
}
