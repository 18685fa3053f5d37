package users

import (
	"context"
	"errors"
	"sync"
)

type memoryRepository struct {
	mu    sync.Mutex
	users map[string]User // keyed by ID
}

// NewMemoryRepository builds an in-memory user store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Phone == user.Phone {
			return errors.New("user exists")
		}
	}
	r.users[user.ID] = user
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *memoryRepository) FindByPhone(_ context.Context, phone string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Phone == phone {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memoryRepository) FindByLID(_ context.Context, lid string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lid == "" {
		return User{}, ErrNotFound
	}
	for _, user := range r.users {
		if user.WhatsAppLID == lid {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, id string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	user.TokenVersion = version
	r.users[id] = user
	return nil
}

func (r *memoryRepository) SetVerificationError(_ context.Context, id, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	user.LastVerificationError = message
	r.users[id] = user
	return nil
}

func (r *memoryRepository) CommitVerification(_ context.Context, result VerificationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[result.UserID]
	if !ok {
		return ErrNotFound
	}
	if result.LID != "" {
		if user.WhatsAppLID != "" && user.WhatsAppLID != result.LID {
			return ErrIdentityLocked
		}
		for id, other := range r.users {
			if id != result.UserID && other.WhatsAppLID == result.LID {
				return ErrIdentityConflict
			}
		}
		user.WhatsAppLID = result.LID
	}
	user.Phone = result.Phone
	user.IsPhoneVerified = true
	user.LastVerificationError = ""
	r.users[result.UserID] = user
	return nil
}
