package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SubscriptionFetcher retrieves the current state of a provider subscription
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionChange, error)
}

// FetchMode selects how the subscription behind a completed checkout is retrieved
type FetchMode string

const (
	// FetchSync retrieves the subscription before the webhook is acknowledged
	FetchSync FetchMode = "sync"
	// FetchAsync acknowledges first and retrieves in the background with retries
	FetchAsync FetchMode = "async"
)

// Valid reports whether m is a known fetch mode
func (m FetchMode) Valid() bool {
	return m == FetchSync || m == FetchAsync
}

const (
	defaultFetchTimeout     = 10 * time.Second
	defaultMaxFetchAttempts = 5
)

// ReconcilerConfig configures the subscription reconciler
type ReconcilerConfig struct {
	// Fetcher retrieves subscriptions after a subscription-mode checkout (required)
	Fetcher SubscriptionFetcher

	// Mode selects the secondary fetch strategy (default: FetchSync)
	Mode FetchMode

	// FetchTimeout bounds each subscription retrieval (default: 10s)
	FetchTimeout time.Duration

	// MaxFetchAttempts bounds background retrievals in FetchAsync mode (default: 5)
	MaxFetchAttempts int

	// Backoff spaces background retries (default: DefaultBackoff())
	Backoff Backoff

	// Plans maps provider price IDs back to plans
	Plans PricePlans
}

// Validate checks the configuration
func (c *ReconcilerConfig) Validate() error {
	if c.Fetcher == nil {
		return fmt.Errorf("subscription fetcher is required")
	}
	if c.Mode != "" && !c.Mode.Valid() {
		return fmt.Errorf("unknown fetch mode %q", c.Mode)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must be non-negative")
	}
	if c.MaxFetchAttempts < 0 {
		return fmt.Errorf("max fetch attempts must be non-negative")
	}
	return nil
}

// Reconciler applies decoded payment events to user entitlements
type Reconciler struct {
	directory *Directory
	config    ReconcilerConfig
	metrics   Metrics
	logger    Logger

	fetches singleflight.Group

	// background fetches in FetchAsync mode
	bgCtx    context.Context
	bgCancel context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewReconciler creates a reconciler writing through directory
func NewReconciler(directory *Directory, config ReconcilerConfig) (*Reconciler, error) {
	if directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconciler config: %w", err)
	}

	if config.Mode == "" {
		config.Mode = FetchSync
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	if config.MaxFetchAttempts == 0 {
		config.MaxFetchAttempts = defaultMaxFetchAttempts
	}
	if config.Backoff == nil {
		config.Backoff = DefaultBackoff()
	}
	if config.Plans == nil {
		config.Plans = PricePlans{}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Reconciler{
		directory: directory,
		config:    config,
		metrics:   directory.metrics,
		logger:    directory.logger,
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}, nil
}

// Apply reconciles one verified event. Events that cannot be correlated to a
// user are logged and dropped; the returned error reports only failures to
// read or write storage or to reach the provider.
func (r *Reconciler) Apply(ctx context.Context, event Event) error {
	switch e := event.(type) {
	case CheckoutCompleted:
		return r.applyCheckout(ctx, e)
	case SubscriptionUpdated:
		return r.applySubscription(ctx, "subscription_updated", e.EventMeta, e.SubscriptionChange, false)
	case SubscriptionDeleted:
		return r.applySubscription(ctx, "subscription_deleted", e.EventMeta, e.SubscriptionChange, true)
	case Unhandled:
		r.metrics.RecordTransition("unhandled", "ignored")
		r.logger.Debug("ignoring event", Field{"event_id", e.ID}, Field{"event_type", e.Type})
		return nil
	default:
		return fmt.Errorf("unsupported event %T", event)
	}
}

func (r *Reconciler) applyCheckout(ctx context.Context, e CheckoutCompleted) error {
	switch {
	case e.Mode == CheckoutModePayment && e.Plan == PlanPixWeekly:
		return r.activatePix(ctx, e)
	case e.Mode == CheckoutModeSubscription && e.SubscriptionRef != "":
		if r.config.Mode == FetchAsync {
			return r.activateSubscriptionAsync(e)
		}
		return r.activateSubscription(ctx, e)
	default:
		r.metrics.RecordTransition("checkout_completed", "ignored")
		r.logger.Debug("checkout does not change entitlements",
			Field{"event_id", e.ID}, Field{"session_id", e.SessionID}, Field{"mode", string(e.Mode)})
		return nil
	}
}

func (r *Reconciler) activatePix(ctx context.Context, e CheckoutCompleted) error {
	if e.UserEmail == "" {
		r.uncorrelated("checkout_completed", e.EventMeta, Field{"reason", "missing userEmail metadata"})
		return nil
	}

	paidAt := e.Created
	if paidAt.IsZero() {
		paidAt = r.directory.Now()
	}

	user, err := r.directory.ApplyEntitlementChange(ctx, e.UserEmail, ActivatePix(paidAt))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.uncorrelated("checkout_completed", e.EventMeta, Field{"email", e.UserEmail})
			return nil
		}
		r.metrics.RecordTransition("checkout_completed", "error")
		return fmt.Errorf("failed to activate pix access: %w", err)
	}

	r.applied("checkout_completed", e.EventMeta, user)
	return nil
}

func (r *Reconciler) activateSubscription(ctx context.Context, e CheckoutCompleted) error {
	sub, err := r.fetchSubscription(ctx, e.SubscriptionRef)
	if err != nil {
		r.metrics.RecordTransition("checkout_completed", "error")
		return err
	}

	customerRef := sub.CustomerRef
	if customerRef == "" {
		customerRef = e.CustomerRef
	}

	user, err := r.directory.LookupByCustomerRef(ctx, customerRef)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.uncorrelated("checkout_completed", e.EventMeta, Field{"customer_ref", customerRef})
			return nil
		}
		r.metrics.RecordTransition("checkout_completed", "error")
		return fmt.Errorf("failed to correlate customer: %w", err)
	}

	user, err = r.directory.ApplyEntitlementChange(ctx, user.Email, ActivateSubscription(*sub, r.config.Plans))
	if err != nil {
		r.metrics.RecordTransition("checkout_completed", "error")
		return fmt.Errorf("failed to activate subscription: %w", err)
	}

	r.applied("checkout_completed", e.EventMeta, user)
	return nil
}

// activateSubscriptionAsync hands the checkout to a background worker. Until
// the worker succeeds the user stays on their previous entitlement.
func (r *Reconciler) activateSubscriptionAsync(e CheckoutCompleted) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.RecordTransition("checkout_completed", "error")
		return fmt.Errorf("reconciler is closed")
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.inflight.Done()
		r.retryActivation(r.bgCtx, e)
	}()
	return nil
}

func (r *Reconciler) retryActivation(ctx context.Context, e CheckoutCompleted) {
	for attempt := 1; ; attempt++ {
		err := r.activateSubscription(ctx, e)
		if err == nil {
			return
		}
		if !retryable(err) || attempt >= r.config.MaxFetchAttempts {
			r.logger.Error("subscription activation abandoned",
				Field{"event_id", e.ID},
				Field{"subscription_ref", e.SubscriptionRef},
				Field{"attempts", attempt},
				Field{"error", err})
			return
		}

		delay := r.config.Backoff.Delay(attempt)
		r.metrics.RecordSubscriptionFetch("retry", 0)
		r.logger.Warn("subscription activation failed, retrying",
			Field{"event_id", e.ID},
			Field{"subscription_ref", e.SubscriptionRef},
			Field{"attempt", attempt},
			Field{"delay", delay.String()},
			Field{"error", err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Warn("subscription activation cancelled",
				Field{"event_id", e.ID}, Field{"subscription_ref", e.SubscriptionRef})
			return
		case <-timer.C:
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrStorageUnavailable)
}

// fetchSubscription collapses concurrent retrievals of the same subscription
func (r *Reconciler) fetchSubscription(ctx context.Context, subscriptionRef string) (*SubscriptionChange, error) {
	v, err, _ := r.fetches.Do(subscriptionRef, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
		defer cancel()

		start := time.Now()
		sub, err := r.config.Fetcher.FetchSubscription(fetchCtx, subscriptionRef)
		duration := time.Since(start)
		if err != nil {
			r.metrics.RecordSubscriptionFetch("error", duration)
			if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrUpstreamTimeout) {
				return nil, fmt.Errorf("%w: subscription %s: %v", ErrUpstreamTimeout, subscriptionRef, err)
			}
			return nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionRef, err)
		}
		if sub == nil {
			r.metrics.RecordSubscriptionFetch("error", duration)
			return nil, fmt.Errorf("%w: subscription %s not returned", ErrUpstream, subscriptionRef)
		}
		r.metrics.RecordSubscriptionFetch("success", duration)
		return sub, nil
	})
	if err != nil {
		return nil, err
	}

	sub := *v.(*SubscriptionChange)
	return &sub, nil
}

func (r *Reconciler) applySubscription(ctx context.Context, name string, meta EventMeta, change SubscriptionChange, deleted bool) error {
	user, err := r.directory.LookupByCustomerRef(ctx, change.CustomerRef)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.uncorrelated(name, meta, Field{"customer_ref", change.CustomerRef})
			return nil
		}
		r.metrics.RecordTransition(name, "error")
		return fmt.Errorf("failed to correlate customer: %w", err)
	}

	user, err = r.directory.ApplyEntitlementChange(ctx, user.Email, SyncSubscription(change, deleted, r.config.Plans))
	if err != nil {
		r.metrics.RecordTransition(name, "error")
		return fmt.Errorf("failed to apply %s: %w", name, err)
	}

	r.applied(name, meta, user)
	return nil
}

func (r *Reconciler) applied(name string, meta EventMeta, user *User) {
	r.metrics.RecordTransition(name, "applied")
	fields := []Field{
		{"event_id", meta.ID},
		{"email", user.Email},
		{"plan", string(user.Subscription.Plan)},
		{"status", string(user.Subscription.Status)},
	}
	if user.Subscription.ExpiresAt != nil {
		fields = append(fields, Field{"expires_at", user.Subscription.ExpiresAt.Format(time.RFC3339)})
	}
	r.logger.Info("entitlement updated", fields...)
}

func (r *Reconciler) uncorrelated(name string, meta EventMeta, fields ...Field) {
	r.metrics.RecordTransition(name, "uncorrelated")
	fields = append([]Field{{"event_id", meta.ID}, {"event_type", meta.Type}}, fields...)
	r.logger.Warn("event does not match any user", fields...)
}

// Close stops accepting background work and waits for in-flight fetches.
// If ctx ends first, pending retries are cancelled and ctx.Err() is returned.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.bgCancel()
		return nil
	case <-ctx.Done():
		r.bgCancel()
		return ctx.Err()
	}
}
