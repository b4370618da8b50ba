package controllers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/billing"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
)

// fakeWebhookRepo is an in-memory billing.Repository backed by a fakeCreditRepo
// for renewal grants.
type fakeWebhookRepo struct {
	events   map[string]*models.WebhookEvent
	plans    map[uint]*models.UserPlan
	mappings []models.PlanMapping
	credits  *fakeCreditRepo
	nextID   uint
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{
		events:  map[string]*models.WebhookEvent{},
		plans:   map[uint]*models.UserPlan{},
		credits: newFakeCreditRepo(),
		nextID:  1,
	}
}

func (f *fakeWebhookRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "|" + event.EventID
	if existing, ok := f.events[key]; ok {
		copied := *existing
		return false, &copied, nil
	}
	stored := *event
	stored.ID = f.nextID
	f.nextID++
	f.events[key] = &stored
	copied := stored
	return true, &copied, nil
}

func (f *fakeWebhookRepo) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	for _, e := range f.events {
		if e.ID == id {
			copied := *e
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeWebhookRepo) RetryFailedWebhookEvent(id uint, eventType, payloadJSON string, signatureValid bool) (bool, error) {
	for _, e := range f.events {
		if e.ID == id && e.Status == models.WebhookStatusFailed {
			e.Status = models.WebhookStatusProcessing
			e.EventType = eventType
			e.PayloadJSON = payloadJSON
			e.SignatureValid = signatureValid
			e.RetryCount++
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeWebhookRepo) MarkWebhookCompleted(id uint) error {
	for _, e := range f.events {
		if e.ID == id {
			e.Status = models.WebhookStatusCompleted
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeWebhookRepo) MarkWebhookFailed(id uint, lastError string) error {
	for _, e := range f.events {
		if e.ID == id {
			e.Status = models.WebhookStatusFailed
			e.LastError = lastError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeWebhookRepo) GetUserPlan(userID uint) (*models.UserPlan, error) {
	plan, ok := f.plans[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *plan
	return &copied, nil
}

func (f *fakeWebhookRepo) GetOrCreateUserPlan(userID uint) (*models.UserPlan, error) {
	if plan, ok := f.plans[userID]; ok {
		copied := *plan
		return &copied, nil
	}
	plan := &models.UserPlan{ID: f.nextID, UserID: userID, PlanName: "free", Provider: models.BillingProviderStripe}
	f.nextID++
	f.plans[userID] = plan
	copied := *plan
	return &copied, nil
}

func (f *fakeWebhookRepo) GetUserPlanByCustomerID(provider, customerID string) (*models.UserPlan, error) {
	for _, plan := range f.plans {
		if plan.Provider == provider && plan.ProviderCustomerID == customerID {
			copied := *plan
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeWebhookRepo) UpsertUserPlan(plan *models.UserPlan) error {
	stored := *plan
	if existing, ok := f.plans[plan.UserID]; ok {
		stored.ID = existing.ID
	} else {
		stored.ID = f.nextID
		f.nextID++
	}
	f.plans[plan.UserID] = &stored
	plan.ID = stored.ID
	return nil
}

func (f *fakeWebhookRepo) FindActivePlanMapping(provider, priceRef, interval string) (*models.PlanMapping, error) {
	for i := range f.mappings {
		m := &f.mappings[i]
		if m.Provider == provider && m.ProviderPriceRef == priceRef && m.BillingInterval == interval && m.IsActive {
			copied := *m
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeWebhookRepo) Transaction(fn func(billing.Repository, *credits.Service) error) error {
	return fn(f, credits.NewService(f.credits, nil, nil))
}

func newWebhookTestApp(repo billing.Repository) *fiber.App {
	app := fiber.New()
	bc := NewBillingController(
		billing.NewTracker(repo),
		billing.NewReconcilerFromRepo(repo, nil),
		nil,
	)
	app.Post("/webhooks/billing", bc.HandleBillingWebhook)
	return app
}

func stripeSignature(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func deliverWebhook(t *testing.T, app *fiber.App, payload []byte, signature string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHandleBillingWebhookAcksBenignEvent(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	repo := newFakeWebhookRepo()
	app := newWebhookTestApp(repo)

	payload := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`)
	resp, body := deliverWebhook(t, app, payload, stripeSignature(payload, "whsec_test"))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	stored := repo.events["stripe|evt_1"]
	require.NotNil(t, stored)
	assert.Equal(t, models.WebhookStatusCompleted, stored.Status)
	assert.True(t, stored.SignatureValid)
}

func TestHandleBillingWebhookDuplicateDelivery(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	repo := newFakeWebhookRepo()
	app := newWebhookTestApp(repo)

	payload := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`)
	sig := stripeSignature(payload, "whsec_test")

	resp, _ := deliverWebhook(t, app, payload, sig)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, body := deliverWebhook(t, app, payload, sig)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
}

func TestHandleBillingWebhookInFlightDelivery(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	repo := newFakeWebhookRepo()
	repo.events["stripe|evt_1"] = &models.WebhookEvent{
		ID:       1,
		Provider: "stripe",
		EventID:  "evt_1",
		Status:   models.WebhookStatusProcessing,
	}
	repo.nextID = 2
	app := newWebhookTestApp(repo)

	payload := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`)
	resp, body := deliverWebhook(t, app, payload, stripeSignature(payload, "whsec_test"))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "event_in_flight", body["error"])
}

func TestHandleBillingWebhookInvalidSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	repo := newFakeWebhookRepo()
	app := newWebhookTestApp(repo)

	payload := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`)
	resp, body := deliverWebhook(t, app, payload, stripeSignature(payload, "whsec_wrong"))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_signature", body["error"])

	// The delivery is still recorded, as failed, for later inspection.
	stored := repo.events["stripe|evt_1"]
	require.NotNil(t, stored)
	assert.Equal(t, models.WebhookStatusFailed, stored.Status)
	assert.False(t, stored.SignatureValid)
}

func seedWebhookPlan(repo *fakeWebhookRepo, userID uint, customerID string) {
	repo.plans[userID] = &models.UserPlan{
		ID:                 repo.nextID,
		UserID:             userID,
		PlanName:           "starter",
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: customerID,
		BillingInterval:    models.BillingIntervalMonth,
		Status:             models.BillingStatusActive,
	}
	repo.nextID++
	repo.mappings = []models.PlanMapping{
		{Provider: "stripe", ProviderPriceRef: "price_pro_monthly", InternalPlan: "pro", BillingInterval: "month", IsActive: true},
	}
}

func TestHandleBillingWebhookRenewalGrantsOnce(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	repo := newFakeWebhookRepo()
	seedWebhookPlan(repo, 3, "cus_42")
	app := newWebhookTestApp(repo)

	payload := []byte(`{"id":"evt_renew","type":"invoice.paid","data":{"object":{
		"customer":"cus_42","subscription":"sub_1",
		"lines":{"data":[{"period":{"end":1700000000},"price":{"id":"price_pro_monthly","recurring":{"interval":"month"}}}]}
	}}}`)
	sig := stripeSignature(payload, "whsec_test")

	resp, body := deliverWebhook(t, app, payload, sig)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, body = deliverWebhook(t, app, payload, sig)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])

	// The monthly grant landed exactly once across both deliveries.
	acct, err := repo.credits.GetAccount(3)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.CurrentCredits)
	require.Len(t, repo.credits.ledger, 1)
	assert.Equal(t, models.CreditTransactionEarn, repo.credits.ledger[0].TransactionType)

	plan, err := repo.GetUserPlan(3)
	require.NoError(t, err)
	assert.Equal(t, "pro", plan.PlanName)
}

func TestHandleBillingWebhookRetryAppliesRedeliveredBody(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	repo := newFakeWebhookRepo()
	seedWebhookPlan(repo, 3, "cus_42")
	app := newWebhookTestApp(repo)

	// An unsigned renewal claim for the seeded customer is rejected and
	// recorded as failed, forged payload and all.
	forged := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{
		"customer":"cus_42","subscription":"sub_1",
		"lines":{"data":[{"price":{"id":"price_pro_monthly","recurring":{"interval":"month"}}}]}
	}}}`)
	resp, _ := deliverWebhook(t, app, forged, stripeSignature(forged, "whsec_wrong"))
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, models.WebhookStatusFailed, repo.events["stripe|evt_1"].Status)

	// A validly signed redelivery reusing the event id must apply its own
	// body, not the stored forged one.
	benign := []byte(`{"id":"evt_1","type":"charge.refunded","data":{"object":{}}}`)
	resp, body := deliverWebhook(t, app, benign, stripeSignature(benign, "whsec_test"))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	stored := repo.events["stripe|evt_1"]
	require.NotNil(t, stored)
	assert.Equal(t, models.WebhookStatusCompleted, stored.Status)
	assert.Equal(t, string(benign), stored.PayloadJSON)

	// The forged renewal never granted anything or touched the plan.
	assert.Empty(t, repo.credits.ledger)
	plan, err := repo.GetUserPlan(3)
	require.NoError(t, err)
	assert.Equal(t, "starter", plan.PlanName)
}
