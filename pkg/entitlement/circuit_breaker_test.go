package entitlement_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/storage/memory"
)

var errConnRefused = errors.New("dial tcp: connection refused")

// flakyStorage fails every call while down is set
type flakyStorage struct {
	*memory.Storage
	down  atomic.Bool
	calls atomic.Int32
}

func (s *flakyStorage) GetUser(ctx context.Context, email string) (*entitlement.User, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errConnRefused
	}
	return s.Storage.GetUser(ctx, email)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var states []entitlement.CircuitBreakerState
	cb := entitlement.NewDefaultCircuitBreaker(3, time.Hour, func(s entitlement.CircuitBreakerState) {
		states = append(states, s)
	})
	store := &flakyStorage{Storage: memory.New()}
	store.down.Store(true)
	wrapped := entitlement.NewCircuitBreakerStorage(store, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wrapped.GetUser(ctx, "a@x.com")
		assert.ErrorIs(t, err, errConnRefused)
	}
	assert.Equal(t, entitlement.StateOpen, cb.State())

	_, err := wrapped.GetUser(ctx, "a@x.com")
	assert.ErrorIs(t, err, entitlement.ErrCircuitOpen)
	assert.ErrorIs(t, err, entitlement.ErrStorageUnavailable)
	assert.Equal(t, int32(3), store.calls.Load(), "open breaker must not reach storage")
	assert.Equal(t, []entitlement.CircuitBreakerState{entitlement.StateOpen}, states)
}

func TestCircuitBreaker_DomainErrorsDoNotTrip(t *testing.T) {
	cb := entitlement.NewDefaultCircuitBreaker(2, time.Hour, nil)
	wrapped := entitlement.NewCircuitBreakerStorage(memory.New(), cb)
	ctx := context.Background()

	require.NoError(t, wrapped.CreateUser(ctx, &entitlement.User{ID: "1", Email: "a@x.com", CustomerRef: "cus_1"}))
	for i := 0; i < 5; i++ {
		_, err := wrapped.GetUser(ctx, "missing@x.com")
		assert.ErrorIs(t, err, entitlement.ErrUserNotFound)

		err = wrapped.CreateUser(ctx, &entitlement.User{ID: "2", Email: "a@x.com", CustomerRef: "cus_2"})
		assert.ErrorIs(t, err, entitlement.ErrDuplicateEmail)
	}
	assert.Equal(t, entitlement.StateClosed, cb.State())

	user, err := wrapped.GetUserByCustomerRef(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := entitlement.NewDefaultCircuitBreaker(1, 20*time.Millisecond, nil)
	store := &flakyStorage{Storage: memory.New()}
	wrapped := entitlement.NewCircuitBreakerStorage(store, cb)
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &entitlement.User{ID: "1", Email: "a@x.com", CustomerRef: "cus_1"}))

	store.down.Store(true)
	_, err := wrapped.GetUser(ctx, "a@x.com")
	require.Error(t, err)
	assert.Equal(t, entitlement.StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, entitlement.StateHalfOpen, cb.State())

	// A failed trial call reopens.
	_, err = wrapped.GetUser(ctx, "a@x.com")
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, entitlement.StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	store.down.Store(false)
	user, err := wrapped.GetUser(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
	assert.Equal(t, entitlement.StateClosed, cb.State())
}

func TestCircuitBreakerStorage_UpdateEntitlement(t *testing.T) {
	cb := entitlement.NewDefaultCircuitBreaker(0, 0, nil)
	wrapped := entitlement.NewCircuitBreakerStorage(memory.New(), cb)
	ctx := context.Background()
	require.NoError(t, wrapped.CreateUser(ctx, &entitlement.User{ID: "1", Email: "a@x.com", CustomerRef: "cus_1"}))

	user, err := wrapped.UpdateEntitlement(ctx, "a@x.com", entitlement.ActivatePix(t0))
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPixWeekly, user.Subscription.Plan)
	assert.Equal(t, entitlement.StatusActive, user.Subscription.Status)
}

// slowStorage blocks GetUser until release is closed
type slowStorage struct {
	*flakyStorage
	entered chan struct{}
	release chan struct{}
}

func (s *slowStorage) GetUser(ctx context.Context, email string) (*entitlement.User, error) {
	if !s.down.Load() {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.flakyStorage.GetUser(ctx, email)
}

func TestCircuitBreaker_HalfOpenAdmitsOneTrialCall(t *testing.T) {
	cb := entitlement.NewDefaultCircuitBreaker(1, 20*time.Millisecond, nil)
	store := &slowStorage{
		flakyStorage: &flakyStorage{Storage: memory.New()},
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	wrapped := entitlement.NewCircuitBreakerStorage(store, cb)
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &entitlement.User{ID: "1", Email: "a@x.com", CustomerRef: "cus_1"}))

	store.down.Store(true)
	_, err := wrapped.GetUser(ctx, "a@x.com")
	require.ErrorIs(t, err, errConnRefused)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, entitlement.StateHalfOpen, cb.State())

	store.down.Store(false)
	trialErr := make(chan error, 1)
	go func() {
		_, err := wrapped.GetUser(ctx, "a@x.com")
		trialErr <- err
	}()
	<-store.entered

	// The trial call is in flight; everyone else fails fast.
	for i := 0; i < 5; i++ {
		_, err := wrapped.GetUser(ctx, "a@x.com")
		assert.ErrorIs(t, err, entitlement.ErrCircuitOpen)
	}
	assert.Equal(t, int32(1), store.calls.Load(), "only the failed call has reached storage")

	close(store.release)
	require.NoError(t, <-trialErr)
	assert.Equal(t, entitlement.StateClosed, cb.State())

	_, err = wrapped.GetUser(ctx, "a@x.com")
	assert.NoError(t, err)
}
