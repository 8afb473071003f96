package billing

import (
	"fmt"
	"time"

	"github.com/iacapto/capto/pkg/entitlement"
)

// DefaultTimeout bounds each outbound provider call when Config.Timeout is zero
const DefaultTimeout = 10 * time.Second

// Config defines the standard configuration all providers should accept
type Config struct {
	// Directory resolves users for checkout correlation (required for checkout)
	Directory *entitlement.Directory

	// Reconciler receives decoded webhook events (required for webhooks)
	Reconciler *entitlement.Reconciler

	// Prices maps purchasable plans to provider price IDs.
	// For example: map[entitlement.Plan]string{entitlement.PlanMonthly: "price_123"}
	Prices map[entitlement.Plan]string

	// WebappURL is the frontend origin used for checkout success and cancel redirects
	WebappURL string

	// WebhookSecret is used to verify incoming webhook signatures.
	// When empty the webhook endpoint fails closed with 500.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// Timeout bounds each outbound API call (default: DefaultTimeout)
	Timeout time.Duration

	// WebhookRateLimit caps webhook requests per client IP per minute (0 disables limiting)
	WebhookRateLimit int

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: entitlement.NoopLogger)
	Logger entitlement.Logger
}

// Validate checks the static configuration. Missing secrets are not errors:
// the service starts and the affected endpoints fail closed.
func (c *Config) Validate() error {
	for plan, price := range c.Prices {
		if !plan.Purchasable() {
			return fmt.Errorf("%w: %q", entitlement.ErrUnknownPlan, plan)
		}
		if price == "" {
			return fmt.Errorf("%w: %s", ErrPriceNotConfigured, plan)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("webhook rate limit must be non-negative")
	}
	return nil
}

// PricePlans returns the reverse mapping from price ID to plan
func (c *Config) PricePlans() entitlement.PricePlans {
	plans := make(entitlement.PricePlans, len(c.Prices))
	for plan, price := range c.Prices {
		plans[price] = plan
	}
	return plans
}
