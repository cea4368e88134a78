package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"parley/domain"
)

// Claims defines the data stored inside a session token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates session tokens. The secret comes from
// configuration; it is never hardcoded.
type TokenManager struct {
	secret   []byte
	duration time.Duration
}

func NewTokenManager(secret string, duration time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), duration: duration}
}

// Generate creates a signed token for a user (HMAC with SHA256).
func (m *TokenManager) Generate(userID domain.UserID) (string, error) {
	claims := &Claims{
		UserID: string(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "parley",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses the token, checks signature and expiry, and returns the
// authenticated user id.
func (m *TokenManager) Validate(tokenString string) (domain.UserID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}
	return domain.UserID(claims.UserID), nil
}
