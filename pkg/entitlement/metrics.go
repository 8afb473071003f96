package entitlement

import "time"

// Metrics defines the interface for tracking directory, reconciliation and gate operations.
type Metrics interface {
	// RecordRegistration records a registration attempt.
	// status: "success", "duplicate", "invalid" or "error"
	RecordRegistration(status string)

	// RecordTransition records an applied reconciliation.
	// event: the decoded event variant (e.g. "checkout_completed")
	// outcome: "applied", "uncorrelated", "ignored" or "error"
	RecordTransition(event, outcome string)

	// RecordSubscriptionFetch records the secondary subscription fetch after checkout.
	// status: "success", "retry" or "error"
	RecordSubscriptionFetch(status string, duration time.Duration)

	// RecordGateDecision records an access gate evaluation.
	// decision: "allow", "deny" or "unknown_user"
	RecordGateDecision(decision string)

	// RecordLazyExpiry records an active entitlement corrected to inactive on read.
	RecordLazyExpiry(plan string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRegistration(status string)                              {}
func (n *NoopMetrics) RecordTransition(event, outcome string)                        {}
func (n *NoopMetrics) RecordSubscriptionFetch(status string, duration time.Duration) {}
func (n *NoopMetrics) RecordGateDecision(decision string)                            {}
func (n *NoopMetrics) RecordLazyExpiry(plan string)                                  {}
