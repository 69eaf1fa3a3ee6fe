package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/billsync/internal/account/domain"
	accountrepository "github.com/smallbiznis/billsync/internal/account/repository"
	billingeventdomain "github.com/smallbiznis/billsync/internal/billingevent/domain"
	billingeventrepository "github.com/smallbiznis/billsync/internal/billingevent/repository"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	paymenttokenrepository "github.com/smallbiznis/billsync/internal/paymenttoken/repository"
	paymenttokenservice "github.com/smallbiznis/billsync/internal/paymenttoken/service"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	"github.com/smallbiznis/billsync/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/billsync/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/billsync/internal/subscription/service"
	webhookservice "github.com/smallbiznis/billsync/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubBillingClient struct {
	subs map[string]billingdomain.Subscription
	err  error
}

func (f *stubBillingClient) GetSubscription(ctx context.Context, id string) (*billingdomain.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	snap, ok := f.subs[id]
	if !ok {
		return nil, billingdomain.ErrNotFound
	}
	return &snap, nil
}

func (f *stubBillingClient) CancelSubscription(ctx context.Context, id string, opts billingdomain.CancelOptions) error {
	return f.err
}

func (f *stubBillingClient) GetCustomerTransactions(ctx context.Context, customerID string) ([]billingdomain.Transaction, error) {
	return nil, f.err
}

func (f *stubBillingClient) CreateTransaction(ctx context.Context, req billingdomain.CreateTransactionRequest) (*billingdomain.Transaction, error) {
	return &billingdomain.Transaction{ID: "txn_fake"}, f.err
}

func (f *stubBillingClient) CreateCustomer(ctx context.Context, req billingdomain.CreateCustomerRequest) (*billingdomain.Customer, error) {
	return &billingdomain.Customer{ID: "ctm_fake"}, f.err
}

func (f *stubBillingClient) GetCustomer(ctx context.Context, id string) (*billingdomain.Customer, error) {
	return &billingdomain.Customer{ID: id}, f.err
}

type serverEnv struct {
	engine *gin.Engine
	db     *gorm.DB
	clock  *clock.FakeClock
	client *stubBillingClient
	subs   subscriptiondomain.Service
	tokens paymenttokendomain.Service
}

func setupServer(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&accountdomain.BillingSnapshot{},
		&billingeventdomain.EventRecord{},
		&paymenttokendomain.PaymentToken{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	client := &stubBillingClient{subs: map[string]billingdomain.Subscription{}}
	cfg := config.Config{
		AppName:     "billsync",
		Environment: "test",
		HTTPAddr:    ":0",
	}
	subscriptionRepo := subscriptionrepository.Provide()

	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fc,
		Repo:        subscriptionRepo,
		AccountRepo: accountrepository.Provide(),
		Client:      client,
	})
	tokens := paymenttokenservice.NewService(paymenttokenservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  paymenttokenrepository.Provide(),
	})
	webhooks := webhookservice.NewService(webhookservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		Config:        cfg,
		GenID:         node,
		Clock:         fc,
		Events:        billingeventrepository.Provide(),
		Subscriptions: subs,
		Tokens:        tokens,
	})
	sched, err := scheduler.New(scheduler.Params{
		DB:              db,
		Log:             zap.NewNop(),
		Clock:           fc,
		AppConfig:       cfg,
		Repo:            subscriptionRepo,
		SubscriptionSvc: subs,
	})
	require.NoError(t, err)

	engine := NewEngine(EngineParams{Cfg: cfg, Log: zap.NewNop()})
	NewServer(ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             zap.NewNop(),
		SubscriptionSvc: subs,
		WebhookSvc:      webhooks,
		TokenSvc:        tokens,
		Scheduler:       sched,
	})

	return &serverEnv{
		engine: engine,
		db:     db,
		clock:  fc,
		client: client,
		subs:   subs,
		tokens: tokens,
	}
}

func (e *serverEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func verifiedHeaders() map[string]string {
	return map[string]string{headerWebhookVerified: "true"}
}

// seedTracked creates a local subscription backed by a provider record.
func (e *serverEnv) seedTracked(t *testing.T, userID int64) string {
	t.Helper()
	id := fmt.Sprintf("sub_%d", userID)
	next := e.clock.Now().Add(30 * 24 * time.Hour)
	snap := billingdomain.Subscription{
		ID:           id,
		CustomerID:   fmt.Sprintf("ctm_%d", userID),
		Status:       "active",
		ProductName:  "Pro Plan",
		Amount:       2900,
		Currency:     "USD",
		BillingCycle: "month",
		NextBilledAt: &next,
	}
	e.client.subs[id] = snap
	_, err := e.subs.CreateFromProvider(context.Background(), snowflake.ID(userID), snap)
	require.NoError(t, err)
	return id
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_UnverifiedRejected(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/webhooks/billing", `{
		"event_id": "evt_1",
		"event_type": "subscription.created",
		"data": {"id": "sub_1", "status": "active"}
	}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	errPayload := body["error"].(map[string]any)
	assert.Equal(t, "webhook_unverified", errPayload["type"])
}

func TestWebhook_MalformedBody(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/webhooks/billing", `{not json`, verifiedHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_ProcessedAndDuplicate(t *testing.T) {
	env := setupServer(t)
	payload := `{
		"event_id": "evt_1",
		"event_type": "subscription.created",
		"data": {
			"id": "sub_1",
			"customer_id": "ctm_1",
			"status": "active",
			"product_name": "Pro Plan",
			"custom_data": {"user_id": "42"}
		}
	}`

	w := env.do(t, http.MethodPost, "/webhooks/billing", payload, verifiedHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "processed", data["outcome"])

	// Redelivery of the same event id acknowledges without reprocessing.
	w = env.do(t, http.MethodPost, "/webhooks/billing", payload, verifiedHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "already_processed", data["outcome"])

	var count int64
	require.NoError(t, env.db.Raw(`SELECT COUNT(*) FROM subscriptions`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestWebhook_TamperedTokenRejected(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	token, err := env.tokens.IssueToken(ctx, "inv_1", time.Hour)
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/webhooks/billing", fmt.Sprintf(`{
		"event_id": "evt_1",
		"event_type": "transaction.completed",
		"data": {
			"id": "txn_1",
			"custom_data": {"invoice_id": "inv_other", "payment_token": %q}
		}
	}`, token), verifiedHeaders())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	errPayload := body["error"].(map[string]any)
	assert.Equal(t, "webhook_tamper", errPayload["type"])
}

func TestEntitlementLifecycle(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/accounts/42/entitlement", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "free", data["plan_type"])
	assert.Equal(t, true, data["expired"])

	w = env.do(t, http.MethodPost, "/api/v1/accounts/42/trial", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/accounts/42/entitlement", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "pro", data["plan_type"])
	assert.Equal(t, "trial", data["status"])
	assert.Equal(t, false, data["expired"])
	assert.Equal(t, float64(14), data["remaining_days"])
}

func TestEntitlement_InvalidAccountID(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodGet, "/api/v1/accounts/abc/entitlement", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncAccount_PullsProviderState(t *testing.T) {
	env := setupServer(t)

	id := env.seedTracked(t, 7)
	snap := env.client.subs[id]
	snap.Status = "past_due"
	env.client.subs[id] = snap

	w := env.do(t, http.MethodPost, "/api/v1/accounts/7/subscription/sync", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "past_due", data["status"])
}

func TestSyncAccount_NotFound(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/accounts/999/subscription/sync", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncAccount_ProviderDown(t *testing.T) {
	env := setupServer(t)

	env.seedTracked(t, 8)
	env.client.err = billingdomain.ErrUnavailable

	w := env.do(t, http.MethodPost, "/api/v1/accounts/8/subscription/sync", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCancelSubscription_InvalidID(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/subscriptions/abc/cancel", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssuePaymentTokenAndFulfill(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/invoices/inv_9/payment-token", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	token := data["token"].(string)
	require.NotEmpty(t, token)

	w = env.do(t, http.MethodPost, "/webhooks/billing", fmt.Sprintf(`{
		"event_id": "evt_pay_1",
		"event_type": "transaction.completed",
		"data": {
			"id": "txn_9",
			"custom_data": {"invoice_id": "inv_9", "payment_token": %q}
		}
	}`, token), verifiedHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "processed", data["outcome"])
}

func TestAdminSweepAndStats(t *testing.T) {
	env := setupServer(t)

	env.seedTracked(t, 1)
	env.seedTracked(t, 2)

	w := env.do(t, http.MethodPost, "/api/v1/admin/subscriptions/sync", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["total"])
	assert.Equal(t, float64(2), data["success_count"])
	assert.Equal(t, float64(0), data["failure_count"])

	w = env.do(t, http.MethodGet, "/api/v1/admin/subscriptions/sync/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, float64(2), data["total"])
	byStatus := data["by_status"].(map[string]any)
	assert.Equal(t, float64(2), byStatus["active"])
}

func TestAdminListSubscriptions_Pagination(t *testing.T) {
	env := setupServer(t)

	env.seedTracked(t, 1)
	env.seedTracked(t, 2)
	env.seedTracked(t, 3)

	w := env.do(t, http.MethodGet, "/api/v1/admin/subscriptions?page_size=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	first := body["data"].([]any)
	require.Len(t, first, 2)
	pageInfo := body["page_info"].(map[string]any)
	assert.Equal(t, true, pageInfo["has_more"])
	token := pageInfo["next_page_token"].(string)
	require.NotEmpty(t, token)

	w = env.do(t, http.MethodGet, "/api/v1/admin/subscriptions?page_size=2&page_token="+url.QueryEscape(token), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	second := body["data"].([]any)
	require.Len(t, second, 1)
	pageInfo = body["page_info"].(map[string]any)
	assert.Equal(t, false, pageInfo["has_more"])
}
