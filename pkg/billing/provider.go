package billing

import (
	"context"
	"net/http"

	"github.com/iacapto/capto/pkg/entitlement"
)

// Provider is the interface the HTTP layer uses to reach the payment backend.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, decoding, and reconciliation internally.
	WebhookHandler() http.Handler

	// IssueCustomer creates a provider customer for a newly registered email
	IssueCustomer(ctx context.Context, email string) (string, error)

	// CreateSession starts a hosted checkout for plan on behalf of a registered user
	// and returns the redirect URL. It does not modify the user.
	CreateSession(ctx context.Context, plan entitlement.Plan, email string) (string, error)
}
