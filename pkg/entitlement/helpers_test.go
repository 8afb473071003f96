package entitlement_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/storage/memory"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// sequentialIssuer hands out cus_1, cus_2, ...
type sequentialIssuer struct {
	n   atomic.Int64
	err error
}

func (s *sequentialIssuer) IssueCustomer(ctx context.Context, email string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("cus_%d", s.n.Add(1)), nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	subs     map[string]entitlement.SubscriptionChange
	failures int // calls that fail before succeeding
	failWith error
	delay    time.Duration
	calls    atomic.Int64
}

func (f *fakeFetcher) FetchSubscription(ctx context.Context, ref string) (*entitlement.SubscriptionChange, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, f.failWith
	}
	sub, ok := f.subs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", entitlement.ErrUpstream, ref)
	}
	return &sub, nil
}

type recordingMetrics struct {
	entitlement.NoopMetrics
	mu          sync.Mutex
	transitions []string
	decisions   []string
	expiries    int
}

func (m *recordingMetrics) RecordTransition(event, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, event+":"+outcome)
}

func (m *recordingMetrics) RecordGateDecision(decision string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
}

func (m *recordingMetrics) RecordLazyExpiry(plan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiries++
}

func (m *recordingMetrics) Transitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transitions...)
}

type fixture struct {
	storage    *memory.Storage
	clock      *fakeClock
	metrics    *recordingMetrics
	directory  *entitlement.Directory
	gate       *entitlement.Gate
	fetcher    *fakeFetcher
	reconciler *entitlement.Reconciler
}

func newFixture(t *testing.T, mode entitlement.FetchMode) *fixture {
	t.Helper()

	f := &fixture{
		storage: memory.New(),
		clock:   newFakeClock(t0),
		metrics: &recordingMetrics{},
		fetcher: &fakeFetcher{subs: map[string]entitlement.SubscriptionChange{}},
	}

	dir, err := entitlement.NewDirectory(f.storage, entitlement.Config{
		Customers: &sequentialIssuer{},
		Clock:     f.clock,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	f.directory = dir
	f.gate = entitlement.NewGate(dir)

	rec, err := entitlement.NewReconciler(dir, entitlement.ReconcilerConfig{
		Fetcher:      f.fetcher,
		Mode:         mode,
		FetchTimeout: time.Second,
		Backoff:      entitlement.ConstantBackoff(time.Millisecond),
		Plans: entitlement.PricePlans{
			"price_monthly": entitlement.PlanMonthly,
			"price_annual":  entitlement.PlanAnnual,
		},
	})
	require.NoError(t, err)
	f.reconciler = rec
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	return f
}

func (f *fixture) register(t *testing.T, email string) *entitlement.User {
	t.Helper()
	user, err := f.directory.Register(context.Background(), email)
	require.NoError(t, err)
	return user
}

func ptr(t time.Time) *time.Time { return &t }
