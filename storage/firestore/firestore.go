// Package firestore provides a Firestore implementation of the entitlement.Storage interface.
// Users are documents keyed by a SHA-256 of the email; entitlement updates run in a Firestore transaction.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iacapto/capto/pkg/entitlement"
)

// Storage implements entitlement.Storage using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	usersCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for user records
	// Default: "capto_users"
	UsersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "capto_users"
	}

	return &Storage{
		client:          client,
		usersCollection: config.UsersCollection,
	}, nil
}

// CreateUser implements entitlement.Storage
func (s *Storage) CreateUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("%w: invalid user", entitlement.ErrValidation)
	}

	data := map[string]interface{}{
		"id":          user.ID,
		"email":       user.Email,
		"customerRef": user.CustomerRef,
		"createdAt":   user.CreatedAt,
		"updatedAt":   time.Now().UTC(),
	}
	for k, v := range subscriptionFields(user.Subscription) {
		data[k] = v
	}

	// Create fails with AlreadyExists when the document is present
	_, err := s.userDoc(user.Email).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return entitlement.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser implements entitlement.Storage
func (s *Storage) GetUser(ctx context.Context, email string) (*entitlement.User, error) {
	snap, err := s.userDoc(email).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitlement.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return decodeUser(snap)
}

// GetUserByCustomerRef implements entitlement.Storage
func (s *Storage) GetUserByCustomerRef(ctx context.Context, customerRef string) (*entitlement.User, error) {
	iter := s.client.Collection(s.usersCollection).
		Where("customerRef", "==", customerRef).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query customer: %w", err)
	}
	return decodeUser(snap)
}

// UpdateEntitlement implements entitlement.Storage.
// Firestore retries the transaction on contention, so fn may run more than once.
func (s *Storage) UpdateEntitlement(
	ctx context.Context, email string, fn entitlement.Mutation,
) (*entitlement.User, error) {
	doc := s.userDoc(email)
	var updated *entitlement.User

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitlement.ErrUserNotFound
			}
			return fmt.Errorf("failed to get user: %w", err)
		}

		user, err := decodeUser(snap)
		if err != nil {
			return err
		}
		user.Subscription = fn(user.Subscription.Clone()).Clone()

		data := subscriptionFields(user.Subscription)
		data["updatedAt"] = time.Now().UTC()
		if err := tx.Set(doc, data, firestore.MergeAll); err != nil {
			return fmt.Errorf("failed to update entitlement: %w", err)
		}

		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Storage) userDoc(email string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(docID(email))
}

// docID derives a valid document ID from any email. Raw emails can be
// ".", "..", "__x__" or contain '/', all of which Firestore rejects.
func docID(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}

func subscriptionFields(e entitlement.Entitlement) map[string]interface{} {
	data := map[string]interface{}{
		"plan":      string(e.Plan),
		"status":    string(e.Status),
		"expiresAt": nil,
	}
	if e.ExpiresAt != nil {
		data["expiresAt"] = *e.ExpiresAt
	}
	return data
}

func decodeUser(snap *firestore.DocumentSnapshot) (*entitlement.User, error) {
	if !snap.Exists() {
		return nil, entitlement.ErrUserNotFound
	}

	data := snap.Data()
	user := &entitlement.User{
		ID:          getString(data, "id"),
		Email:       getString(data, "email"),
		CustomerRef: getString(data, "customerRef"),
		CreatedAt:   getTime(data, "createdAt").UTC(),
		Subscription: entitlement.Entitlement{
			Plan:   entitlement.Plan(getString(data, "plan")),
			Status: entitlement.Status(getString(data, "status")),
		},
	}

	if expiresAt, ok := data["expiresAt"].(time.Time); ok && !expiresAt.IsZero() {
		t := expiresAt.UTC()
		user.Subscription.ExpiresAt = &t
	}

	return user, nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
