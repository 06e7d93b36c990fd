package core

import (
	"errors"
	"fmt"
	"log"

	"cmoon.dev/moonchat/internal/auth"
	"cmoon.dev/moonchat/internal/store"
)

// ErrInvalidCredentials is returned for both unknown usernames and wrong
// passwords, so a caller cannot tell which one failed.
var ErrInvalidCredentials = errors.New("invalid username or password")

type AuthService struct {
	dbStore *store.SQLiteStore
}

func NewAuthService(db *store.SQLiteStore) *AuthService {
	return &AuthService{dbStore: db}
}

func (s *AuthService) Register(username, password string) (*store.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.dbStore.CreateUser(username, hash)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Authenticate(username, password string) (*store.User, error) {
	user, err := s.dbStore.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		log.Printf("Error looking up user %s: %v", username, err)
		return nil, err
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Logout exists for symmetry with the session token flow. Tokens are
// stateless, so there is nothing to revoke server-side.
func (s *AuthService) Logout() {}
