package entitlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iacapto/capto/pkg/entitlement"
)

var testPlans = entitlement.PricePlans{
	"price_weekly":  entitlement.PlanPixWeekly,
	"price_monthly": entitlement.PlanMonthly,
	"price_annual":  entitlement.PlanAnnual,
}

func TestActivatePix(t *testing.T) {
	mutation := entitlement.ActivatePix(t0)

	got := mutation(entitlement.IdleEntitlement())
	assert.Equal(t, entitlement.PlanPixWeekly, got.Plan)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, t0.Add(7*24*time.Hour), *got.ExpiresAt)

	// Replaying over the result is a no-op
	again := mutation(got)
	assert.True(t, again.Equal(got))

	// Independent of what was there before
	prior := entitlement.Entitlement{Plan: entitlement.PlanAnnual, Status: entitlement.StatusActive, ExpiresAt: ptr(t0.AddDate(1, 0, 0))}
	assert.True(t, mutation(prior).Equal(got))
}

func TestActivatePix_ResultsDoNotAlias(t *testing.T) {
	mutation := entitlement.ActivatePix(t0)
	a := mutation(entitlement.IdleEntitlement())
	b := mutation(entitlement.IdleEntitlement())

	*a.ExpiresAt = a.ExpiresAt.Add(time.Hour)
	assert.Equal(t, t0.Add(entitlement.PixAccessPeriod), *b.ExpiresAt)
}

func TestSyncSubscription(t *testing.T) {
	periodEnd := t0.AddDate(0, 1, 0)

	tests := []struct {
		name    string
		current entitlement.Entitlement
		change  entitlement.SubscriptionChange
		deleted bool
		want    entitlement.Entitlement
	}{
		{
			name:    "active subscription",
			current: entitlement.IdleEntitlement(),
			change:  entitlement.SubscriptionChange{ProviderStatus: "active", PeriodEnd: &periodEnd, PriceRefs: []string{"price_monthly"}},
			want:    entitlement.Entitlement{Plan: entitlement.PlanMonthly, Status: entitlement.StatusActive, ExpiresAt: &periodEnd},
		},
		{
			name:    "past due deactivates",
			current: entitlement.Entitlement{Plan: entitlement.PlanMonthly, Status: entitlement.StatusActive, ExpiresAt: &periodEnd},
			change:  entitlement.SubscriptionChange{ProviderStatus: "past_due", PeriodEnd: &periodEnd, PriceRefs: []string{"price_monthly"}},
			want:    entitlement.Entitlement{Plan: entitlement.PlanMonthly, Status: entitlement.StatusInactive, ExpiresAt: &periodEnd},
		},
		{
			name:    "trialing is not active",
			current: entitlement.IdleEntitlement(),
			change:  entitlement.SubscriptionChange{ProviderStatus: "trialing"},
			want:    entitlement.Entitlement{Plan: entitlement.PlanNone, Status: entitlement.StatusInactive},
		},
		{
			name:    "deleted is inactive even if provider says active",
			current: entitlement.Entitlement{Plan: entitlement.PlanAnnual, Status: entitlement.StatusActive, ExpiresAt: &periodEnd},
			change:  entitlement.SubscriptionChange{ProviderStatus: "active", PeriodEnd: &periodEnd, PriceRefs: []string{"price_annual"}},
			deleted: true,
			want:    entitlement.Entitlement{Plan: entitlement.PlanAnnual, Status: entitlement.StatusInactive, ExpiresAt: &periodEnd},
		},
		{
			name:    "missing period end clears expiry",
			current: entitlement.Entitlement{Plan: entitlement.PlanMonthly, Status: entitlement.StatusActive, ExpiresAt: &periodEnd},
			change:  entitlement.SubscriptionChange{ProviderStatus: "active"},
			want:    entitlement.Entitlement{Plan: entitlement.PlanMonthly, Status: entitlement.StatusActive},
		},
		{
			name:    "unknown price keeps current plan",
			current: entitlement.Entitlement{Plan: entitlement.PlanAnnual, Status: entitlement.StatusInactive},
			change:  entitlement.SubscriptionChange{ProviderStatus: "active", PriceRefs: []string{"price_other"}},
			want:    entitlement.Entitlement{Plan: entitlement.PlanAnnual, Status: entitlement.StatusActive},
		},
		{
			name:    "one-time price never becomes a subscription plan",
			current: entitlement.IdleEntitlement(),
			change:  entitlement.SubscriptionChange{ProviderStatus: "active", PriceRefs: []string{"price_weekly"}},
			want:    entitlement.Entitlement{Plan: entitlement.PlanNone, Status: entitlement.StatusActive},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutation := entitlement.SyncSubscription(tt.change, tt.deleted, testPlans)
			got := mutation(tt.current)
			assert.True(t, got.Equal(tt.want), "got %+v, want %+v", got, tt.want)

			// last-write-wins: applying twice gives the same result
			assert.True(t, mutation(got).Equal(got))
		})
	}
}

func TestActivateSubscription(t *testing.T) {
	periodEnd := t0.AddDate(1, 0, 0)
	sub := entitlement.SubscriptionChange{ProviderStatus: "incomplete", PeriodEnd: &periodEnd, PriceRefs: []string{"price_annual"}}

	got := entitlement.ActivateSubscription(sub, testPlans)(entitlement.IdleEntitlement())
	assert.Equal(t, entitlement.PlanAnnual, got.Plan)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, periodEnd, *got.ExpiresAt)

	// the mutation copies the period end
	periodEnd = periodEnd.Add(time.Hour)
	assert.Equal(t, t0.AddDate(1, 0, 0), *got.ExpiresAt)
}

func TestExpireAt(t *testing.T) {
	expires := t0.Add(time.Hour)
	active := entitlement.Entitlement{Plan: entitlement.PlanPixWeekly, Status: entitlement.StatusActive, ExpiresAt: &expires}

	tests := []struct {
		name    string
		current entitlement.Entitlement
		now     time.Time
		want    entitlement.Status
	}{
		{"before expiry", active, t0, entitlement.StatusActive},
		{"exactly at expiry", active, expires, entitlement.StatusActive},
		{"after expiry", active, expires.Add(time.Second), entitlement.StatusInactive},
		{"no expiry", entitlement.Entitlement{Plan: entitlement.PlanMonthly, Status: entitlement.StatusActive}, t0.AddDate(10, 0, 0), entitlement.StatusActive},
		{"already inactive", entitlement.IdleEntitlement(), t0, entitlement.StatusInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := entitlement.ExpireAt(tt.now)(tt.current)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.current.Plan, got.Plan)
			assert.Equal(t, tt.current.ExpiresAt, got.ExpiresAt)
		})
	}
}

func TestPricePlans_Resolve(t *testing.T) {
	plan, ok := testPlans.Resolve([]string{"price_other", "price_annual"})
	assert.True(t, ok)
	assert.Equal(t, entitlement.PlanAnnual, plan)

	_, ok = testPlans.Resolve(nil)
	assert.False(t, ok)

	_, ok = entitlement.PricePlans(nil).Resolve([]string{"price_monthly"})
	assert.False(t, ok)
}
