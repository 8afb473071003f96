package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/billing/internal"
	"github.com/iacapto/capto/pkg/entitlement"
)

const (
	providerName           = "stripe"
	webhookBodyLimit       = 256 * 1024
	defaultRateLimitWindow = time.Minute
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Directory, Reconciler, Prices, etc.)

	// Client performs the outbound calls. When nil one is built from
	// APIKey, Timeout, Metrics and Logger. Share the same client with the
	// directory (customer issuer) and reconciler (subscription fetcher).
	Client *Client
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	client      *Client
	directory   *entitlement.Directory
	reconciler  *entitlement.Reconciler
	prices      map[entitlement.Plan]string
	successURL  string
	cancelURL   string
	secret      string
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      entitlement.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Directory == nil || config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stripe config: %w", err)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	client := config.Client
	if client == nil {
		client = NewClient(ClientConfig{
			APIKey:  strings.TrimSpace(config.APIKey),
			Timeout: config.Timeout,
			Metrics: metrics,
			Logger:  logger,
		})
	}

	prices := make(map[entitlement.Plan]string, len(config.Prices))
	for plan, price := range config.Prices {
		prices[plan] = price
	}

	var limiter *internal.RateLimiter
	if config.WebhookRateLimit > 0 {
		limiter = internal.NewRateLimiter(config.WebhookRateLimit, defaultRateLimitWindow)
	}

	webappURL := strings.TrimRight(strings.TrimSpace(config.WebappURL), "/")
	return &Provider{
		client:      client,
		directory:   config.Directory,
		reconciler:  config.Reconciler,
		prices:      prices,
		successURL:  webappURL + "?payment=success",
		cancelURL:   webappURL + "/pricing",
		secret:      strings.TrimSpace(config.WebhookSecret),
		rateLimiter: limiter,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.Handler(http.HandlerFunc(p.handleWebhook))
	if p.rateLimiter != nil {
		handler = p.rateLimiter.Middleware(handler)
	}
	return handler
}

// IssueCustomer creates a Stripe customer for a newly registered email
func (p *Provider) IssueCustomer(ctx context.Context, email string) (string, error) {
	return p.client.IssueCustomer(ctx, email)
}

// FetchSubscription retrieves the current state of a subscription
func (p *Provider) FetchSubscription(ctx context.Context, subscriptionRef string) (*entitlement.SubscriptionChange, error) {
	return p.client.FetchSubscription(ctx, subscriptionRef)
}

// WebhookConfigured reports whether a signing secret is set
func (p *Provider) WebhookConfigured() bool {
	return p.secret != ""
}
