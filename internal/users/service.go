package users

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service manages account lifecycle for the verification surfaces.
type Service struct {
	repo Repository
}

// NewService creates a new user service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register creates a new account with a hashed secret. Accounts start
// unverified and unbound.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, error) {
	if len(creds.Secret) < 6 {
		return User{}, errors.New("secret must be at least 6 characters")
	}
	if creds.Phone == "" {
		return User{}, errors.New("phone is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Secret), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:         uuid.New().String(),
		Name:       creds.Name,
		Phone:      creds.Phone,
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}

	return user, nil
}

// Authenticate verifies login credentials.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByPhone(ctx, creds.Phone)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.SecretHash, []byte(creds.Secret)); err != nil {
		return User{}, errors.New("invalid secret")
	}
	return user, nil
}

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.FindByID(ctx, id)
}
