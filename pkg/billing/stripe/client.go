package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/entitlement"
)

const (
	endpointCustomers        = "/v1/customers"
	endpointCheckoutSessions = "/v1/checkout/sessions"
	endpointSubscriptions    = "/v1/subscriptions"
)

// Backend is the subset of the Stripe API used by the client
type Backend interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type sdkBackend struct {
	client *stripe.Client
}

func (b sdkBackend) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return b.client.V1Customers.Create(ctx, params)
}

func (b sdkBackend) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return b.client.V1CheckoutSessions.Create(ctx, params)
}

func (b sdkBackend) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return b.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

// ClientConfig configures the outbound Stripe client
type ClientConfig struct {
	// APIKey is the Stripe secret key. An empty key is accepted; calls then
	// fail upstream so the service can start without billing configured.
	APIKey string

	// Timeout bounds each API call (default: billing.DefaultTimeout)
	Timeout time.Duration

	// Backend replaces the Stripe SDK client, mainly for tests
	Backend Backend

	// Metrics records API call outcomes (default: billing.NoopMetrics)
	Metrics billing.Metrics

	// Logger is used for structured logging (default: entitlement.NoopLogger)
	Logger entitlement.Logger
}

// Client performs the outbound Stripe calls. It issues customers for the
// user directory and retrieves subscriptions for the reconciler.
type Client struct {
	backend Backend
	timeout time.Duration
	metrics billing.Metrics
	logger  entitlement.Logger
}

// NewClient creates a Stripe client
func NewClient(config ClientConfig) *Client {
	backend := config.Backend
	if backend == nil {
		backend = sdkBackend{client: stripe.NewClient(config.APIKey)}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = billing.DefaultTimeout
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	return &Client{
		backend: backend,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// IssueCustomer creates a Stripe customer for email and returns its ID
func (c *Client) IssueCustomer(ctx context.Context, email string) (string, error) {
	var customer *stripe.Customer
	err := c.call(ctx, endpointCustomers, func(ctx context.Context) error {
		var err error
		customer, err = c.backend.CreateCustomer(ctx, &stripe.CustomerCreateParams{
			Email: stripe.String(email),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", fmt.Errorf("%w: empty customer response", billing.ErrProviderAPIError)
	}
	return customer.ID, nil
}

// FetchSubscription retrieves the current state of a subscription
func (c *Client) FetchSubscription(ctx context.Context, subscriptionRef string) (*entitlement.SubscriptionChange, error) {
	var sub *stripe.Subscription
	err := c.call(ctx, endpointSubscriptions, func(ctx context.Context) error {
		var err error
		sub, err = c.backend.RetrieveSubscription(ctx, subscriptionRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: empty subscription response", billing.ErrProviderAPIError)
	}

	var raw []byte
	if sub.LastResponse != nil {
		raw = sub.LastResponse.RawJSON
	}
	change := subscriptionChange(sub, raw)
	return &change, nil
}

func (c *Client) createCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	var session *stripe.CheckoutSession
	err := c.call(ctx, endpointCheckoutSessions, func(ctx context.Context) error {
		var err error
		session, err = c.backend.CreateCheckoutSession(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if session == nil || session.URL == "" {
		return nil, fmt.Errorf("%w: checkout session has no URL", billing.ErrProviderAPIError)
	}
	return session, nil
}

// call runs fn under the client timeout and classifies its error
func (c *Client) call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := fn(callCtx)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err == nil {
		c.metrics.RecordAPICall(providerName, endpoint, "success")
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		c.metrics.RecordAPICall(providerName, endpoint, "timeout")
		c.logger.Warn("stripe call timed out",
			entitlement.Field{Key: "endpoint", Value: endpoint}, entitlement.Field{Key: "timeout", Value: c.timeout.String()})
		return fmt.Errorf("%w: %s after %s", entitlement.ErrUpstreamTimeout, endpoint, c.timeout)
	}

	c.metrics.RecordAPICall(providerName, endpoint, "error")
	c.logger.Error("stripe call failed",
		entitlement.Field{Key: "endpoint", Value: endpoint}, entitlement.Field{Key: "error", Value: err})
	return fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, endpoint, err)
}
