package entitlement

import "time"

// PricePlans maps payment-provider price IDs to plans
type PricePlans map[string]Plan

// Resolve returns the plan of the first price that maps to a recurring plan
func (p PricePlans) Resolve(priceRefs []string) (Plan, bool) {
	for _, ref := range priceRefs {
		if plan, ok := p[ref]; ok && plan.Recurring() {
			return plan, true
		}
	}
	return "", false
}

// ActivatePix grants PixAccessPeriod of access starting at paidAt.
// The result does not depend on the current entitlement, so replays are idempotent.
func ActivatePix(paidAt time.Time) Mutation {
	expires := paidAt.Add(PixAccessPeriod)
	return func(Entitlement) Entitlement {
		at := expires
		return Entitlement{Plan: PlanPixWeekly, Status: StatusActive, ExpiresAt: &at}
	}
}

// ActivateSubscription marks a freshly purchased recurring subscription active
// until the provider's period end.
func ActivateSubscription(sub SubscriptionChange, plans PricePlans) Mutation {
	return func(current Entitlement) Entitlement {
		return Entitlement{
			Plan:      nextPlan(current.Plan, sub.PriceRefs, plans),
			Status:    StatusActive,
			ExpiresAt: copyTime(sub.PeriodEnd),
		}
	}
}

// SyncSubscription mirrors a provider subscription update. The entitlement is
// active only while the provider reports "active"; a deletion always deactivates.
func SyncSubscription(sub SubscriptionChange, deleted bool, plans PricePlans) Mutation {
	return func(current Entitlement) Entitlement {
		status := StatusInactive
		if !deleted && sub.ProviderActive() {
			status = StatusActive
		}
		return Entitlement{
			Plan:      nextPlan(current.Plan, sub.PriceRefs, plans),
			Status:    status,
			ExpiresAt: copyTime(sub.PeriodEnd),
		}
	}
}

// ExpireAt flips an active entitlement whose expiry has passed at now to inactive.
// Any other entitlement is returned unchanged.
func ExpireAt(now time.Time) Mutation {
	return func(current Entitlement) Entitlement {
		if !current.Expired(now) {
			return current
		}
		current.Status = StatusInactive
		return current
	}
}

func nextPlan(current Plan, priceRefs []string, plans PricePlans) Plan {
	if plan, ok := plans.Resolve(priceRefs); ok {
		return plan
	}
	return current
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
