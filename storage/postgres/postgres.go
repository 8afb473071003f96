// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// Entitlement updates run in a transaction holding a row lock (SELECT ... FOR UPDATE).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iacapto/capto/pkg/entitlement"
)

// Schema creates the users table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	email        TEXT PRIMARY KEY,
	id           TEXT NOT NULL,
	customer_ref TEXT UNIQUE,
	created_at   TIMESTAMPTZ NOT NULL,
	plan         TEXT NOT NULL DEFAULT 'none',
	status       TEXT NOT NULL DEFAULT 'inactive',
	expires_at   TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const selectUser = `SELECT email, id, COALESCE(customer_ref, ''), created_at, plan, status, expires_at FROM users`

// Storage implements entitlement.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the schema on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates the users table if it does not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateUser implements entitlement.Storage
func (s *Storage) CreateUser(ctx context.Context, user *entitlement.User) error {
	if user == nil || user.Email == "" {
		return fmt.Errorf("%w: invalid user", entitlement.ErrValidation)
	}

	var customerRef *string
	if user.CustomerRef != "" {
		customerRef = &user.CustomerRef
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users (email, id, customer_ref, created_at, plan, status, expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (email) DO NOTHING`,
		user.Email, user.ID, customerRef, user.CreatedAt,
		string(user.Subscription.Plan), string(user.Subscription.Status), user.Subscription.ExpiresAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrDuplicateEmail
	}
	return nil
}

// GetUser implements entitlement.Storage
func (s *Storage) GetUser(ctx context.Context, email string) (*entitlement.User, error) {
	return scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE email = $1`, email))
}

// GetUserByCustomerRef implements entitlement.Storage
func (s *Storage) GetUserByCustomerRef(ctx context.Context, customerRef string) (*entitlement.User, error) {
	return scanUser(s.pool.QueryRow(ctx, selectUser+` WHERE customer_ref = $1`, customerRef))
}

// UpdateEntitlement implements entitlement.Storage
func (s *Storage) UpdateEntitlement(
	ctx context.Context, email string, fn entitlement.Mutation,
) (*entitlement.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx, selectUser+` WHERE email = $1 FOR UPDATE`, email))
	if err != nil {
		return nil, err
	}

	user.Subscription = fn(user.Subscription.Clone()).Clone()

	_, err = tx.Exec(ctx,
		`UPDATE users SET plan = $2, status = $3, expires_at = $4, updated_at = $5 WHERE email = $1`,
		email, string(user.Subscription.Plan), string(user.Subscription.Status),
		user.Subscription.ExpiresAt, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update entitlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*entitlement.User, error) {
	var (
		user      entitlement.User
		plan      string
		status    string
		expiresAt *time.Time
	)

	err := row.Scan(&user.Email, &user.ID, &user.CustomerRef, &user.CreatedAt, &plan, &status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.CreatedAt = user.CreatedAt.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		expiresAt = &t
	}
	user.Subscription = entitlement.Entitlement{
		Plan:      entitlement.Plan(plan),
		Status:    entitlement.Status(status),
		ExpiresAt: expiresAt,
	}
	return &user, nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
