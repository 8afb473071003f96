package api

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/pkg/inference"
)

const (
	// DefaultMaxBodyBytes bounds JSON request bodies
	DefaultMaxBodyBytes = 10 << 20

	// DefaultStatusMessage is reported by GET /api/status
	DefaultStatusMessage = "Servidor está online."
)

// Config holds configuration for the API handler
type Config struct {
	// Directory owns user records (required)
	Directory *entitlement.Directory

	// Gate enforces entitlement on the inference routes (required)
	Gate *entitlement.Gate

	// Checkout creates hosted checkout sessions (required)
	Checkout billing.Provider

	// Webhook receives payment provider events.
	// If nil, Checkout.WebhookHandler() is mounted.
	Webhook http.Handler

	// Inference serves the gated analysis and speech routes.
	// If nil, both routes answer upstream_error.
	Inference inference.Service

	// Logger receives request and failure logs
	Logger zerolog.Logger

	// MaxBodyBytes bounds JSON request bodies (default: 10 MB)
	MaxBodyBytes int64

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string

	// StatusMessage is reported by GET /api/status
	StatusMessage string
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Directory == nil {
		return fmt.Errorf("directory is required")
	}
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.Checkout == nil {
		return fmt.Errorf("checkout provider is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Webhook == nil {
		c.Webhook = c.Checkout.WebhookHandler()
	}
	if c.Inference == nil {
		c.Inference = inference.Unavailable{}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.StatusMessage == "" {
		c.StatusMessage = DefaultStatusMessage
	}
}
