// Package http provides HTTP middleware for entitlement enforcement
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/iacapto/capto/pkg/entitlement"
)

// DefaultMaxBodyBytes caps how much of a request body FromJSONBody buffers
const DefaultMaxBodyBytes = 10 << 20

// DefaultEmailField is the JSON body field carrying the caller's email
const DefaultEmailField = "userEmail"

// ErrBodyTooLarge is returned by FromJSONBody when the body exceeds its limit
var ErrBodyTooLarge = errors.New("request body too large")

// EmailExtractor extracts the caller's email from an HTTP request.
// An error means the request is malformed; an empty email is treated as unknown.
type EmailExtractor func(r *http.Request) (string, error)

// Config holds middleware configuration
type Config struct {
	// Gate is the access gate instance (required)
	Gate *entitlement.Gate

	// GetEmail extracts the caller's email from the request
	// Default: FromJSONBody(DefaultEmailField, DefaultMaxBodyBytes)
	GetEmail EmailExtractor

	// OnDenied is called when the user is unknown or not entitled
	// If nil, returns 403 Forbidden with a JSON error body
	OnDenied func(w http.ResponseWriter, r *http.Request, err error)

	// OnBadRequest is called when the email cannot be extracted
	// If nil, returns 400 Bad Request (413 for oversized bodies)
	OnBadRequest func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when the gate fails for any other reason
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits only entitled users.
// The email is stored in the request context for the next handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("middleware/http: Gate is required")
	}
	if config.GetEmail == nil {
		config.GetEmail = FromJSONBody(DefaultEmailField, DefaultMaxBodyBytes)
	}
	if config.OnDenied == nil {
		config.OnDenied = defaultDenied
	}
	if config.OnBadRequest == nil {
		config.OnBadRequest = defaultBadRequest
	}
	if config.OnError == nil {
		config.OnError = defaultError
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email, err := config.GetEmail(r)
			if err != nil {
				config.OnBadRequest(w, r, err)
				return
			}
			if email == "" {
				config.OnDenied(w, r, fmt.Errorf("%w: no email supplied", entitlement.ErrUserNotFound))
				return
			}

			ctx := r.Context()
			if err := config.Gate.Authorize(ctx, email); err != nil {
				if Denied(err) {
					config.OnDenied(w, r, err)
				} else {
					config.OnError(w, r, err)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithEmail(ctx, email)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces entitlements (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Denied reports whether err is a gate refusal rather than a failure
func Denied(err error) bool {
	return errors.Is(err, entitlement.ErrNotEntitled) || errors.Is(err, entitlement.ErrUserNotFound)
}

// DeniedMessage is the client-facing message for refused requests
const DeniedMessage = "access denied: subscription inactive or user not found"

func defaultDenied(w http.ResponseWriter, _ *http.Request, _ error) {
	writeError(w, http.StatusForbidden, entitlement.KindEntitlement, DeniedMessage)
}

func defaultBadRequest(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, entitlement.KindValidation, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, entitlement.KindValidation, err.Error())
}

func defaultError(w http.ResponseWriter, _ *http.Request, _ error) {
	writeError(w, http.StatusInternalServerError, entitlement.KindInternal, "internal server error")
}

func writeError(w http.ResponseWriter, status int, kind entitlement.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": string(kind)})
}

// Common extractors for convenience

// FromJSONBody returns an EmailExtractor reading a string field from a JSON
// body. The body is restored so the next handler can decode it again.
func FromJSONBody(field string, limit int64) EmailExtractor {
	return func(r *http.Request) (string, error) {
		if r.Body == nil || r.Body == http.NoBody {
			return "", nil
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		_ = r.Body.Close()
		if err != nil {
			return "", fmt.Errorf("%w: failed to read body: %v", entitlement.ErrValidation, err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if int64(len(body)) > limit {
			return "", fmt.Errorf("%w (max %d bytes)", ErrBodyTooLarge, limit)
		}

		return EmailFromJSON(body, field)
	}
}

// EmailFromJSON reads a string field from a JSON object. A missing field
// yields an empty email; a body that is not a JSON object is an error.
func EmailFromJSON(body []byte, field string) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("%w: invalid JSON body", entitlement.ErrValidation)
	}
	raw, ok := fields[field]
	if !ok || string(raw) == "null" {
		return "", nil
	}

	var email string
	if err := json.Unmarshal(raw, &email); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", entitlement.ErrValidation, field)
	}
	return email, nil
}

// FromHeader returns an EmailExtractor that gets the email from a header
func FromHeader(headerName string) EmailExtractor {
	return func(r *http.Request) (string, error) {
		return r.Header.Get(headerName), nil
	}
}

// FromContext returns an EmailExtractor that gets the email from request context
func FromContext(key ContextKey) EmailExtractor {
	return func(r *http.Request) (string, error) {
		email, _ := r.Context().Value(key).(string)
		return email, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// EmailKey is the context key for the admitted user's email
	EmailKey ContextKey = "entitlement:email"
)

// WithEmail adds the email to the request context
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, EmailKey, email)
}

// EmailFromContext returns the email stored by Middleware
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(EmailKey).(string)
	return email
}
