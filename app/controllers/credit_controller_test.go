package controllers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/usercontext"
)

// fakeCreditRepo is an in-memory credits.Repository for controller tests.
type fakeCreditRepo struct {
	mu       sync.Mutex
	accounts map[uint]*models.CreditAccount
	ledger   []models.CreditTransaction
}

func newFakeCreditRepo() *fakeCreditRepo {
	return &fakeCreditRepo{accounts: map[uint]*models.CreditAccount{}}
}

func (f *fakeCreditRepo) GetAccount(userID uint) (*models.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *acct
	return &copied, nil
}

func (f *fakeCreditRepo) GetOrCreateAccount(userID uint) (*models.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok {
		acct = &models.CreditAccount{ID: uint(len(f.accounts) + 1), UserID: userID}
		f.accounts[userID] = acct
	}
	copied := *acct
	return &copied, nil
}

func (f *fakeCreditRepo) DeductIfSufficient(userID uint, serviceName string, cost int64, metadata string) (*models.CreditAccount, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok || acct.CurrentCredits < cost {
		return nil, false, nil
	}
	acct.CurrentCredits -= cost
	acct.TotalCreditsUsed += cost
	f.ledger = append(f.ledger, models.CreditTransaction{
		UserID:          userID,
		TransactionType: models.CreditTransactionUse,
		ServiceName:     serviceName,
		CreditsUsed:     cost,
		CreditsBefore:   acct.CurrentCredits + cost,
		CreditsAfter:    acct.CurrentCredits,
		Metadata:        metadata,
		CreatedAt:       time.Now(),
	})
	copied := *acct
	return &copied, true, nil
}

func (f *fakeCreditRepo) Grant(userID uint, amount int64, metadata string, resetDate *time.Time) (*models.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	acct.CurrentCredits += amount
	acct.TotalCreditsEarned += amount
	if resetDate != nil {
		acct.LastResetDate = resetDate
	}
	f.ledger = append(f.ledger, models.CreditTransaction{
		UserID:          userID,
		TransactionType: models.CreditTransactionEarn,
		CreditsUsed:     amount,
		CreditsBefore:   acct.CurrentCredits - amount,
		CreditsAfter:    acct.CurrentCredits,
		Metadata:        metadata,
		CreatedAt:       time.Now(),
	})
	copied := *acct
	return &copied, nil
}

func (f *fakeCreditRepo) SetBalance(userID uint, newBalance int64, metadata string) (int64, *models.CreditAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[userID]
	if !ok {
		return 0, nil, gorm.ErrRecordNotFound
	}
	previous := acct.CurrentCredits
	acct.CurrentCredits = newBalance
	f.ledger = append(f.ledger, models.CreditTransaction{
		UserID:          userID,
		TransactionType: models.CreditTransactionAdminAdjust,
		CreditsBefore:   previous,
		CreditsAfter:    newBalance,
		Metadata:        metadata,
		CreatedAt:       time.Now(),
	})
	copied := *acct
	return previous, &copied, nil
}

func (f *fakeCreditRepo) ListTransactions(userID uint, limit, offset int) ([]models.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []models.CreditTransaction
	for i := len(f.ledger) - 1; i >= 0; i-- {
		if f.ledger[i].UserID == userID {
			rows = append(rows, f.ledger[i])
		}
	}
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeCreditRepo) seed(userID uint, balance int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[userID] = &models.CreditAccount{ID: uint(len(f.accounts) + 1), UserID: userID, CurrentCredits: balance}
}

func newCreditTestApp(repo credits.Repository, userCtx usercontext.UserContext) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("USER_CONTEXT", userCtx)
		return c.Next()
	})
	cc := NewCreditController(credits.NewService(repo, nil, nil))
	app.Get("/api/credits", cc.HandleGetCredits)
	app.Get("/api/credits/history", cc.HandleGetCreditHistory)
	app.Post("/api/credits/update", cc.HandleUpdateCredits)
	app.Post("/api/admin/credits", cc.HandleAdminUpdateCredits)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHandleGetCredits(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 25)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/credits", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(25), body["credits"])
}

func TestHandleUpdateCreditsDeduct(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 10)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true, Plan: "starter"})

	resp, body := postJSON(t, app, "/api/credits/update", `{"service_name":"ai_solution_review"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(7), body["credits_remaining"])
}

func TestHandleUpdateCreditsInsufficient(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 2)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true, Plan: "starter"})

	resp, body := postJSON(t, app, "/api/credits/update", `{"service_name":"ai_solution_review"}`)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Insufficient credits", body["error"])

	// Failed deduction must not move the balance.
	acct, err := repo.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.CurrentCredits)
}

func TestHandleUpdateCreditsMissingServiceName(t *testing.T) {
	repo := newFakeCreditRepo()
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true})

	resp, _ := postJSON(t, app, "/api/credits/update", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleUpdateCreditsAdminOverride(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(7, 50)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 99, IsLoggedIn: true, IsAdmin: true})

	resp, body := postJSON(t, app, "/api/credits/update", `{"credits":500,"user_id":7}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(50), body["previous_credits"])
	assert.Equal(t, float64(500), body["new_credits"])
}

func TestHandleUpdateCreditsAdminRequired(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 50)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true})

	resp, _ := postJSON(t, app, "/api/credits/update", `{"credits":500}`)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	// No override happened.
	acct, err := repo.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.CurrentCredits)
}

func TestHandleUpdateCreditsAdminRejectsBadValues(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(7, 50)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 99, IsLoggedIn: true, IsAdmin: true})

	for _, body := range []string{
		`{"credits":"abc","user_id":7}`,
		`{"credits":10.5,"user_id":7}`,
		`{"credits":-1,"user_id":7}`,
	} {
		resp, _ := postJSON(t, app, "/api/credits/update", body)
		assert.Equalf(t, fiber.StatusBadRequest, resp.StatusCode, "body %s", body)
	}

	// The target account is untouched and no ledger rows were written.
	acct, err := repo.GetAccount(7)
	require.NoError(t, err)
	assert.Equal(t, int64(50), acct.CurrentCredits)
	assert.Empty(t, repo.ledger)
}

func TestHandleGetCreditHistory(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 100)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true})

	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, app, "/api/credits/update", `{"service_name":"ai_hint"}`)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/credits/history?limit=10", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Transactions []map[string]interface{} `json:"transactions"`
		Limit        int                      `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Transactions, 2)
	assert.Equal(t, 10, body.Limit)
}

func TestHandleGetCreditHistoryOffset(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 100)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true})

	for i := 0; i < 2; i++ {
		resp, _ := postJSON(t, app, "/api/credits/update", `{"service_name":"ai_hint"}`)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/credits/history?limit=1&offset=1", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Transactions []map[string]interface{} `json:"transactions"`
		Offset       int                      `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Transactions, 1)
	// The page skips the newest row and returns the first deduction.
	assert.Equal(t, float64(99), body.Transactions[0]["credits_after"])
	assert.Equal(t, 1, body.Offset)
}

func TestHandleUpdateCreditsPlanGatesAIServices(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(1, 100)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true, Plan: "free"})

	resp, _ := postJSON(t, app, "/api/credits/update", `{"service_name":"ai_layout_generate"}`)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	// No deduction happened.
	acct, err := repo.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.CurrentCredits)
	assert.Empty(t, repo.ledger)

	// Hints stay open on the free tier.
	resp, body := postJSON(t, app, "/api/credits/update", `{"service_name":"ai_hint"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	proApp := newCreditTestApp(repo, usercontext.UserContext{UserID: 1, IsLoggedIn: true, Plan: "pro"})
	resp, _ = postJSON(t, proApp, "/api/credits/update", `{"service_name":"ai_layout_generate"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestHandleAdminUpdateCredits(t *testing.T) {
	repo := newFakeCreditRepo()
	repo.seed(7, 50)
	app := newCreditTestApp(repo, usercontext.UserContext{UserID: 99, IsLoggedIn: true, IsAdmin: true})

	resp, body := postJSON(t, app, "/api/admin/credits", `{"credits":500,"user_id":7}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(50), body["previous_credits"])
	assert.Equal(t, float64(500), body["new_credits"])

	resp, _ = postJSON(t, app, "/api/admin/credits", `{"user_id":7}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
