package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/iacapto/capto/internal/config"
	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/storage/firestore"
	"github.com/iacapto/capto/storage/memory"
	"github.com/iacapto/capto/storage/postgres"
	"github.com/iacapto/capto/storage/redis"
)

// openStorage connects the configured backend. The returned close function
// releases its connections and is never nil.
func openStorage(ctx context.Context, cfg *config.Config) (entitlement.Storage, func(), error) {
	switch cfg.StorageBackend {
	case config.StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := redis.New(client, redis.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.StoragePostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.StorageFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{UsersCollection: cfg.FirestoreCollection})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}
