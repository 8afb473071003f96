package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/billing/internal"
	"github.com/iacapto/capto/pkg/entitlement"
)

const signatureHeader = "Stripe-Signature"

// Verify authenticates rawBody against the Stripe-Signature header value and
// parses the event. It fails closed: a missing secret, a missing header or a
// mismatch all yield an error matching entitlement.ErrSignature.
func (p *Provider) Verify(rawBody []byte, header string) (stripe.Event, error) {
	if p.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: %w", entitlement.ErrSignature, billing.ErrWebhookSecretMissing)
	}
	if header == "" {
		return stripe.Event{}, billing.ErrMissingWebhookSignature
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, header, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return event, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// handleWebhook verifies, decodes and reconciles one Stripe event. Every
// verified event is acknowledged; reconciliation failures are only logged.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, string(entitlement.KindValidation), "method not allowed")
		return
	}

	if p.secret == "" {
		p.logger.Error("webhook secret not configured, rejecting webhook")
		p.metrics.RecordWebhookError(providerName, "secret_missing")
		_ = internal.WriteError(w, http.StatusInternalServerError, string(entitlement.KindInternal),
			"webhook secret not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, string(entitlement.KindValidation),
				"payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteError(w, http.StatusBadRequest, string(entitlement.KindValidation),
			fmt.Sprintf("invalid payload: %v", err))
		return
	}

	event, err := p.Verify(body, r.Header.Get(signatureHeader))
	if err != nil {
		p.logger.Warn("webhook verification failed",
			entitlement.Field{Key: "error", Value: err},
			entitlement.Field{Key: "remote_ip", Value: internal.ClientIP(r)})
		if errors.Is(err, entitlement.ErrSignature) {
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			_ = internal.WriteError(w, http.StatusBadRequest, string(entitlement.KindSignature),
				"webhook signature verification failed")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteError(w, http.StatusBadRequest, string(entitlement.KindValidation), "invalid webhook payload")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status := p.process(r.Context(), event)

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// process decodes and applies a verified event and returns the metrics status
func (p *Provider) process(ctx context.Context, event stripe.Event) string {
	decoded, err := p.Decode(event)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "decode_error")
		p.logger.Error("failed to decode webhook event",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: string(event.Type)},
			entitlement.Field{Key: "error", Value: err})
		return "error"
	}
	if _, ok := decoded.(entitlement.Unhandled); ok {
		_ = p.reconciler.Apply(ctx, decoded)
		return "ignored"
	}

	// A sender disconnect must not abort a half-applied reconciliation.
	if err := p.reconciler.Apply(context.WithoutCancel(ctx), decoded); err != nil {
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.logger.Error("failed to reconcile webhook event",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: string(event.Type)},
			entitlement.Field{Key: "error", Value: err})
		return "error"
	}
	return "success"
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
