// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/iacapto/capto/pkg/entitlement"
)

// Storage implements entitlement.Storage using in-memory maps
type Storage struct {
	mu         sync.RWMutex
	users      map[string]*entitlement.User
	byCustomer map[string]string

	// per-email locks serializing UpdateEntitlement
	locks sync.Map
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:      make(map[string]*entitlement.User),
		byCustomer: make(map[string]string),
	}
}

// CreateUser implements entitlement.Storage
func (s *Storage) CreateUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("%w: invalid user", entitlement.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Email]; ok {
		return entitlement.ErrDuplicateEmail
	}

	// Store a copy to prevent external mutations
	s.users[user.Email] = user.Clone()
	if user.CustomerRef != "" {
		s.byCustomer[user.CustomerRef] = user.Email
	}
	return nil
}

// GetUser implements entitlement.Storage
func (s *Storage) GetUser(ctx context.Context, email string) (*entitlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[email]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	return user.Clone(), nil
}

// GetUserByCustomerRef implements entitlement.Storage
func (s *Storage) GetUserByCustomerRef(ctx context.Context, customerRef string) (*entitlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.byCustomer[customerRef]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	return s.users[email].Clone(), nil
}

// UpdateEntitlement implements entitlement.Storage.
// fn runs without holding the map lock, so updates to different emails proceed in parallel.
func (s *Storage) UpdateEntitlement(
	ctx context.Context, email string, fn entitlement.Mutation,
) (*entitlement.User, error) {
	lock := s.lockFor(email)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	current, ok := s.users[email]
	var next entitlement.Entitlement
	if ok {
		next = current.Subscription.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}

	next = fn(next).Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[email]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	stored.Subscription = next
	return stored.Clone(), nil
}

func (s *Storage) lockFor(email string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(email, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Len returns the number of stored users
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*entitlement.User)
	s.byCustomer = make(map[string]string)
}
