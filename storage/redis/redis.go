// Package redis provides a Redis implementation of the entitlement.Storage interface.
// User creation is atomic via a Lua script; entitlement updates use optimistic
// WATCH/MULTI transactions retried on conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iacapto/capto/pkg/entitlement"
)

// hashTag pins user and customer index keys to one cluster slot
const hashTag = "{users}"

// Storage implements entitlement.Storage using Redis
type Storage struct {
	client       redis.UniversalClient
	config       Config
	createScript *redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "capto:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 10)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "capto:",
		MaxRetries: 10,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
// All keys carry the same hash tag so the create script stays in one cluster slot.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "capto:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}

	return &Storage{
		client: client,
		config: config,
		// KEYS[1] user key, KEYS[2] customer index key (may be empty)
		createScript: redis.NewScript(`
			if redis.call('EXISTS', KEYS[1]) == 1 then
				return 0
			end
			redis.call('SET', KEYS[1], ARGV[1])
			if ARGV[2] ~= '' then
				redis.call('SET', KEYS[2], ARGV[2])
			end
			return 1
		`),
	}, nil
}

// CreateUser implements entitlement.Storage
func (s *Storage) CreateUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("%w: invalid user", entitlement.ErrValidation)
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	index := ""
	if user.CustomerRef != "" {
		index = user.Email
	}

	keys := []string{s.userKey(user.Email), s.customerKey(user.CustomerRef)}
	created, err := s.createScript.Run(ctx, s.client, keys, data, index).Int()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if created == 0 {
		return entitlement.ErrDuplicateEmail
	}
	return nil
}

// GetUser implements entitlement.Storage
func (s *Storage) GetUser(ctx context.Context, email string) (*entitlement.User, error) {
	data, err := s.client.Get(ctx, s.userKey(email)).Bytes()
	if err == redis.Nil {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return decodeUser(data)
}

// GetUserByCustomerRef implements entitlement.Storage
func (s *Storage) GetUserByCustomerRef(ctx context.Context, customerRef string) (*entitlement.User, error) {
	email, err := s.client.Get(ctx, s.customerKey(customerRef)).Result()
	if err == redis.Nil {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return s.GetUser(ctx, email)
}

// UpdateEntitlement implements entitlement.Storage.
// fn may run once per attempt when concurrent writers conflict.
func (s *Storage) UpdateEntitlement(
	ctx context.Context, email string, fn entitlement.Mutation,
) (*entitlement.User, error) {
	key := s.userKey(email)

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		var updated *entitlement.User

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return entitlement.ErrUserNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get user: %w", err)
			}

			user, err := decodeUser(data)
			if err != nil {
				return err
			}
			user.Subscription = fn(user.Subscription.Clone()).Clone()

			out, err := json.Marshal(user)
			if err != nil {
				return fmt.Errorf("failed to marshal user: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			if err == nil {
				updated = user
			}
			return err
		}, key)

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			// Another writer touched the key between WATCH and EXEC
			if err := sleepJitter(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		case errors.Is(err, entitlement.ErrUserNotFound):
			return nil, err
		default:
			return nil, fmt.Errorf("failed to update entitlement: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: entitlement update for %s kept conflicting after %d attempts",
		entitlement.ErrStorageUnavailable, email, s.config.MaxRetries)
}

func sleepJitter(ctx context.Context, attempt int) error {
	d := time.Duration(rand.Intn(5*(attempt+1))+1) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeUser(data []byte) (*entitlement.User, error) {
	var user entitlement.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

// userKey generates the Redis key for a user record
func (s *Storage) userKey(email string) string {
	return fmt.Sprintf("%s%s:user:%s", s.config.KeyPrefix, hashTag, email)
}

// customerKey generates the Redis key for the customer reference index
func (s *Storage) customerKey(customerRef string) string {
	return fmt.Sprintf("%s%s:customer:%s", s.config.KeyPrefix, hashTag, customerRef)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
