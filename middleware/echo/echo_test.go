package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/storage/memory"
)

// Test helper to create a gate with one entitled and one idle user
func setupTestGate(t *testing.T) *entitlement.Gate {
	t.Helper()

	n := 0
	directory, err := entitlement.NewDirectory(memory.New(), entitlement.Config{
		Customers: entitlement.CustomerIssuerFunc(func(context.Context, string) (string, error) {
			n++
			return fmt.Sprintf("cus_%d", n), nil
		}),
	})
	if err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	ctx := context.Background()
	for _, email := range []string{"active@x.com", "idle@x.com"} {
		if _, err := directory.Register(ctx, email); err != nil {
			t.Fatalf("Failed to register %s: %v", email, err)
		}
	}
	if _, err := directory.ApplyEntitlementChange(ctx, "active@x.com", entitlement.ActivatePix(time.Now())); err != nil {
		t.Fatalf("Failed to activate user: %v", err)
	}
	return entitlement.NewGate(directory)
}

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.POST("/api/generate-speech", func(c echo.Context) error {
		body, _ := io.ReadAll(c.Request().Body)
		email, _ := c.Get(EmailKey).(string)
		return c.String(http.StatusOK, email+"|"+string(body))
	})
	return e
}

func TestMiddleware_Success(t *testing.T) {
	e := newServer(Config{Gate: setupTestGate(t)})

	body := `{"userEmail":"active@x.com","text":"oi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generate-speech", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "active@x.com|"+body {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_Denied(t *testing.T) {
	e := newServer(Config{Gate: setupTestGate(t)})

	for _, body := range []string{`{"userEmail":"idle@x.com"}`, `{"userEmail":"nobody@x.com"}`, `{}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/generate-speech", strings.NewReader(body))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected status 403, got %d", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), string(entitlement.KindEntitlement)) {
			t.Errorf("%s: expected entitlement_error code, got %s", body, rec.Body.String())
		}
	}
}

func TestMiddleware_InvalidBody(t *testing.T) {
	e := newServer(Config{Gate: setupTestGate(t)})

	req := httptest.NewRequest(http.MethodPost, "/api/generate-speech", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	gate := setupTestGate(t)

	e := echo.New()
	// Simulate an auth middleware that sets the email
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("user", "active@x.com")
			return next(c)
		}
	})
	e.Use(Middleware(Config{Gate: gate, GetEmail: FromContext("user")}))
	e.GET("/api/test", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
}

func TestMiddleware_CustomDenied(t *testing.T) {
	var denied error
	e := newServer(Config{
		Gate:     setupTestGate(t),
		GetEmail: FromQuery("email"),
		OnDenied: func(c echo.Context, err error) error {
			denied = err
			return c.NoContent(http.StatusPaymentRequired)
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/generate-speech?email=idle@x.com", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if !errors.Is(denied, entitlement.ErrNotEntitled) {
		t.Errorf("Expected ErrNotEntitled, got %v", denied)
	}
}
