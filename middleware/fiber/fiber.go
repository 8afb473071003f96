// Package fiber provides Fiber middleware for entitlement enforcement
package fiber

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	gatehttp "github.com/iacapto/capto/middleware/http"
	"github.com/iacapto/capto/pkg/entitlement"
)

// EmailKey is the Locals key under which the admitted email is stored
const EmailKey = "entitlement:email"

// EmailExtractor extracts the caller's email from a Fiber context.
// An error means the request is malformed; an empty email is treated as unknown.
type EmailExtractor func(c *fiber.Ctx) (string, error)

// Config holds middleware configuration
type Config struct {
	// Gate is the access gate instance
	Gate *entitlement.Gate

	// GetEmail extracts the caller's email (default: FromJSONBody("userEmail"))
	GetEmail EmailExtractor

	// OnDenied is called when the user is unknown or not entitled
	// If nil, responds 403 with a JSON error body
	OnDenied func(c *fiber.Ctx, err error) error

	// OnBadRequest is called when the email cannot be extracted
	// If nil, responds 400 (413 for oversized bodies)
	OnBadRequest func(c *fiber.Ctx, err error) error

	// OnError is called when the gate fails for any other reason
	// If nil, responds 500
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only entitled users
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("capto/fiber: Config.Gate is required")
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

	return func(c *fiber.Ctx) error {
		email, err := cfg.GetEmail(c)
		if err != nil {
			return cfg.OnBadRequest(c, err)
		}
		if email == "" {
			return cfg.OnDenied(c, fmt.Errorf("%w: no email supplied", entitlement.ErrUserNotFound))
		}

		// fasthttp has no request context; UserContext carries the caller's one
		if err := cfg.Gate.Authorize(c.UserContext(), email); err != nil {
			if gatehttp.Denied(err) {
				return cfg.OnDenied(c, err)
			}
			return cfg.OnError(c, err)
		}

		c.Locals(EmailKey, email)
		return c.Next()
	}
}

func defaultDenied(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": gatehttp.DeniedMessage,
		"code":  entitlement.KindEntitlement,
	})
}

func defaultBadRequest(c *fiber.Ctx, err error) error {
	status := fiber.StatusBadRequest
	if errors.Is(err, gatehttp.ErrBodyTooLarge) {
		status = fiber.StatusRequestEntityTooLarge
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error(), "code": entitlement.KindValidation})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal Server Error",
		"code":  entitlement.KindInternal,
	})
}

// Convenience extractors for the email

// FromJSONBody returns an EmailExtractor that reads a string field from the
// JSON body. Fiber buffers the body, so later handlers still see it.
func FromJSONBody(field string) EmailExtractor {
	return func(c *fiber.Ctx) (string, error) {
		body := c.Body()
		if len(body) > gatehttp.DefaultMaxBodyBytes {
			return "", fmt.Errorf("%w (max %d bytes)", gatehttp.ErrBodyTooLarge, gatehttp.DefaultMaxBodyBytes)
		}
		return gatehttp.EmailFromJSON(body, field)
	}
}

// FromContext returns an EmailExtractor that gets the email from Fiber Locals,
// for example one set by an upstream auth middleware.
func FromContext(key string) EmailExtractor {
	return func(c *fiber.Ctx) (string, error) {
		email, _ := c.Locals(key).(string)
		return email, nil
	}
}

// FromHeader returns an EmailExtractor that gets the email from a header
func FromHeader(headerName string) EmailExtractor {
	return func(c *fiber.Ctx) (string, error) {
		return c.Get(headerName), nil
	}
}

// FromQuery returns an EmailExtractor that gets the email from a query parameter
func FromQuery(queryName string) EmailExtractor {
	return func(c *fiber.Ctx) (string, error) {
		return c.Query(queryName), nil
	}
}
