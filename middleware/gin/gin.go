// Package gin provides Gin middleware for entitlement enforcement
package gin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	gatehttp "github.com/iacapto/capto/middleware/http"
	"github.com/iacapto/capto/pkg/entitlement"
)

// EmailKey is the Gin context key under which the admitted email is stored
const EmailKey = "entitlement:email"

// EmailExtractor extracts the caller's email from a Gin context.
// An error means the request is malformed; an empty email is treated as unknown.
type EmailExtractor func(c *gongin.Context) (string, error)

// Config holds middleware configuration
type Config struct {
	// Gate is the access gate instance
	Gate *entitlement.Gate

	// GetEmail extracts the caller's email (default: FromJSONBody("userEmail"))
	GetEmail EmailExtractor

	// OnDenied is called when the user is unknown or not entitled
	// If nil, responds 403 with a JSON error body
	OnDenied func(c *gongin.Context, err error)

	// OnBadRequest is called when the email cannot be extracted
	// If nil, responds 400 (413 for oversized bodies)
	OnBadRequest func(c *gongin.Context, err error)

	// OnError is called when the gate fails for any other reason
	// If nil, responds 500
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits only entitled users
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("capto/gin: Config.Gate is required")
	}

	// Set defaults
	if cfg.GetEmail == nil {
		cfg.GetEmail = FromJSONBody(gatehttp.DefaultEmailField)
	}
	if cfg.OnDenied == nil {
		cfg.OnDenied = defaultDenied
	}
	if cfg.OnBadRequest == nil {
		cfg.OnBadRequest = defaultBadRequest
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}

	return func(c *gongin.Context) {
		email, err := cfg.GetEmail(c)
		if err != nil {
			cfg.OnBadRequest(c, err)
			c.Abort()
			return
		}
		if email == "" {
			cfg.OnDenied(c, fmt.Errorf("%w: no email supplied", entitlement.ErrUserNotFound))
			c.Abort()
			return
		}

		if err := cfg.Gate.Authorize(c.Request.Context(), email); err != nil {
			if gatehttp.Denied(err) {
				cfg.OnDenied(c, err)
			} else {
				cfg.OnError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(EmailKey, email)
		c.Next()
	}
}

func defaultDenied(c *gongin.Context, _ error) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error": gatehttp.DeniedMessage,
		"code":  entitlement.KindEntitlement,
	})
}

func defaultBadRequest(c *gongin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, gatehttp.ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	c.JSON(status, gongin.H{"error": err.Error(), "code": entitlement.KindValidation})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{
		"error": "Internal Server Error",
		"code":  entitlement.KindInternal,
	})
}

// Convenience extractors for the email

// FromJSONBody returns an EmailExtractor that reads a string field from the
// JSON body. The body is restored for the next handler.
func FromJSONBody(field string) EmailExtractor {
	return func(c *gongin.Context) (string, error) {
		if c.Request.Body == nil {
			return "", nil
		}
		limit := int64(gatehttp.DefaultMaxBodyBytes)
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			return "", fmt.Errorf("%w: failed to read body: %v", entitlement.ErrValidation, err)
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if int64(len(body)) > limit {
			return "", fmt.Errorf("%w (max %d bytes)", gatehttp.ErrBodyTooLarge, limit)
		}
		return gatehttp.EmailFromJSON(body, field)
	}
}

// FromContext returns an EmailExtractor that gets the email from Gin context values,
// for example one set by an upstream auth middleware with c.Set.
func FromContext(key string) EmailExtractor {
	return func(c *gongin.Context) (string, error) {
		return c.GetString(key), nil
	}
}

// FromHeader returns an EmailExtractor that gets the email from a header
func FromHeader(headerName string) EmailExtractor {
	return func(c *gongin.Context) (string, error) {
		return c.GetHeader(headerName), nil
	}
}

// FromQuery returns an EmailExtractor that gets the email from a query parameter
func FromQuery(queryName string) EmailExtractor {
	return func(c *gongin.Context) (string, error) {
		return c.Query(queryName), nil
	}
}
