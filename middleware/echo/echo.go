// Package echo provides Echo middleware for entitlement enforcement
package echo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	gatehttp "github.com/iacapto/capto/middleware/http"
	"github.com/iacapto/capto/pkg/entitlement"
)

// EmailKey is the Echo context key under which the admitted email is stored
const EmailKey = "entitlement:email"

// EmailExtractor extracts the caller's email from an Echo context.
// An error means the request is malformed; an empty email is treated as unknown.
type EmailExtractor func(c echo.Context) (string, error)

// Config holds middleware configuration
type Config struct {
	// Gate is the access gate instance
	Gate *entitlement.Gate

	// GetEmail extracts the caller's email (default: FromJSONBody("userEmail"))
	GetEmail EmailExtractor

	// OnDenied is called when the user is unknown or not entitled
	// If nil, responds 403 with a JSON error body
	OnDenied func(c echo.Context, err error) error

	// OnBadRequest is called when the email cannot be extracted
	// If nil, responds 400 (413 for oversized bodies)
	OnBadRequest func(c echo.Context, err error) error

	// OnError is called when the gate fails for any other reason
	// If nil, responds 500
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only entitled users
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("capto/echo: Config.Gate is required")
	}

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

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			email, err := cfg.GetEmail(c)
			if err != nil {
				return cfg.OnBadRequest(c, err)
			}
			if email == "" {
				return cfg.OnDenied(c, fmt.Errorf("%w: no email supplied", entitlement.ErrUserNotFound))
			}

			if err := cfg.Gate.Authorize(c.Request().Context(), email); err != nil {
				if gatehttp.Denied(err) {
					return cfg.OnDenied(c, err)
				}
				return cfg.OnError(c, err)
			}

			c.Set(EmailKey, email)
			return next(c)
		}
	}
}

func defaultDenied(c echo.Context, _ error) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error": gatehttp.DeniedMessage,
		"code":  string(entitlement.KindEntitlement),
	})
}

func defaultBadRequest(c echo.Context, err error) error {
	status := http.StatusBadRequest
	if errors.Is(err, gatehttp.ErrBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	return c.JSON(status, map[string]string{"error": err.Error(), "code": string(entitlement.KindValidation)})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "Internal Server Error",
		"code":  string(entitlement.KindInternal),
	})
}

// Convenience extractors for the email

// FromJSONBody returns an EmailExtractor that reads a string field from the
// JSON body. The body is restored for the next handler.
func FromJSONBody(field string) EmailExtractor {
	return func(c echo.Context) (string, error) {
		req := c.Request()
		if req.Body == nil {
			return "", nil
		}
		limit := int64(gatehttp.DefaultMaxBodyBytes)
		body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
		if err != nil {
			return "", fmt.Errorf("%w: failed to read body: %v", entitlement.ErrValidation, err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		if int64(len(body)) > limit {
			return "", fmt.Errorf("%w (max %d bytes)", gatehttp.ErrBodyTooLarge, limit)
		}
		return gatehttp.EmailFromJSON(body, field)
	}
}

// FromContext returns an EmailExtractor that gets the email from Echo context values
func FromContext(key string) EmailExtractor {
	return func(c echo.Context) (string, error) {
		email, _ := c.Get(key).(string)
		return email, nil
	}
}

// FromHeader returns an EmailExtractor that gets the email from a header
func FromHeader(headerName string) EmailExtractor {
	return func(c echo.Context) (string, error) {
		return c.Request().Header.Get(headerName), nil
	}
}

// FromQuery returns an EmailExtractor that gets the email from a query parameter
func FromQuery(queryName string) EmailExtractor {
	return func(c echo.Context) (string, error) {
		return c.QueryParam(queryName), nil
	}
}
