package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/entitlement"
	"github.com/iacapto/capto/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testWebappURL           = "https://app.example.com"
	testPriceWeekly         = "price_weekly"
	testPriceMonthly        = "price_monthly"
	testPriceAnnual         = "price_annual"
	testEmail               = "bob@x.com"
)

// fakeBackend stands in for the Stripe API
type fakeBackend struct {
	mu          sync.Mutex
	customers   int
	customerErr error
	sessions    []*stripe.CheckoutSessionCreateParams
	sessionErr  error
	subs        map[string]*stripe.Subscription
	subCalls    int
	block       bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{subs: make(map[string]*stripe.Subscription)}
}

func (b *fakeBackend) wait(ctx context.Context) error {
	if !b.block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBackend) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.customerErr != nil {
		return nil, b.customerErr
	}
	b.customers++
	return &stripe.Customer{ID: fmt.Sprintf("cus_%d", b.customers), Email: stripe.StringValue(params.Email)}, nil
}

func (b *fakeBackend) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append(b.sessions, params)
	if b.sessionErr != nil {
		return nil, b.sessionErr
	}
	id := fmt.Sprintf("cs_test_%d", len(b.sessions))
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (b *fakeBackend) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCalls++
	sub, ok := b.subs[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such subscription: " + id}
	}
	return sub, nil
}

func (b *fakeBackend) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// manualClock is a settable entitlement.TimeSource
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	backend    *fakeBackend
	clock      *manualClock
	store      *memory.Storage
	client     *Client
	directory  *entitlement.Directory
	reconciler *entitlement.Reconciler
	provider   *Provider
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, billing.Config{WebhookSecret: secret})
}

func newFixtureWithConfig(t *testing.T, base billing.Config) *fixture {
	t.Helper()

	backend := newFakeBackend()
	client := NewClient(ClientConfig{APIKey: testStripeAPIKey, Backend: backend, Timeout: base.Timeout})
	store := memory.New()
	clock := &manualClock{now: time.Now().UTC()}

	directory, err := entitlement.NewDirectory(store, entitlement.Config{Customers: client, Clock: clock})
	require.NoError(t, err)

	base.Directory = directory
	base.WebappURL = testWebappURL
	base.Prices = map[entitlement.Plan]string{
		entitlement.PlanPixWeekly: testPriceWeekly,
		entitlement.PlanMonthly:   testPriceMonthly,
		entitlement.PlanAnnual:    testPriceAnnual,
	}

	reconciler, err := entitlement.NewReconciler(directory, entitlement.ReconcilerConfig{
		Fetcher: client,
		Mode:    entitlement.FetchSync,
		Plans:   base.PricePlans(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reconciler.Close(context.Background()) })
	base.Reconciler = reconciler

	provider, err := NewProvider(Config{Config: base, Client: client})
	require.NoError(t, err)

	return &fixture{
		backend:    backend,
		clock:      clock,
		store:      store,
		client:     client,
		directory:  directory,
		reconciler: reconciler,
		provider:   provider,
	}
}

func (f *fixture) register(t *testing.T, email string) *entitlement.User {
	t.Helper()
	user, err := f.directory.Register(context.Background(), email)
	require.NoError(t, err)
	return user
}

func (f *fixture) user(t *testing.T, email string) *entitlement.User {
	t.Helper()
	user, err := f.directory.Lookup(context.Background(), email)
	require.NoError(t, err)
	return user
}

// eventPayload renders a Stripe event envelope around object
func eventPayload(t *testing.T, id, eventType string, created time.Time, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func pixCheckout(id, email string) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"object":   "checkout.session",
		"mode":     "payment",
		"customer": "cus_1",
		"metadata": map[string]string{"plan": "pix_weekly", "userEmail": email},
	}
}

func subscriptionObject(id, customer, status, price string, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"customer": customer,
		"status":   status,
		"items": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{
					"id":                 "si_" + id,
					"object":             "subscription_item",
					"price":              map[string]interface{}{"id": price, "object": "price"},
					"current_period_end": periodEnd.Unix(),
				},
			},
		},
	}
}

func signedRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signed.Header)
	return req
}

func stringValues(values []*string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, stripe.StringValue(v))
	}
	return out
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
