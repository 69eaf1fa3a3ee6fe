package paddle

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billsync/internal/config"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.Config{
		Provider: config.ProviderConfig{
			BaseURL: srv.URL,
			APIKey:  "pdl_test_key",
			Timeout: 5 * time.Second,
		},
	}, zap.NewNop())
}

func TestGetSubscription_UnwrapsEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/sub_1", r.URL.Path)
		assert.Equal(t, "Bearer pdl_test_key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {
			"id": "sub_1",
			"customer_id": "ctm_1",
			"status": "active",
			"product_name": "Pro Plan",
			"amount": 2900,
			"currency": "USD",
			"next_billed_at": "2025-06-01T00:00:00Z"
		}}`))
	})

	sub, err := client.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, int64(2900), sub.Amount)
	require.NotNil(t, sub.NextBilledAt)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), sub.NextBilledAt.UTC())
}

func TestGetSubscription_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, billingdomain.ErrNotFound)
}

func TestGetSubscription_ServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billingdomain.ErrUnavailable)
	assert.True(t, billingdomain.IsTransient(err))
}

func TestGetSubscription_RateLimitedIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billingdomain.ErrUnavailable)
}

func TestGetSubscription_RejectedRequestCarriesCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"code": "subscription_locked", "detail": "locked"}}`))
	})

	_, err := client.GetSubscription(context.Background(), "sub_1")
	require.ErrorIs(t, err, billingdomain.ErrRequest)
	assert.Contains(t, err.Error(), "subscription_locked")
	assert.False(t, billingdomain.IsTransient(err))
}

func TestGetSubscription_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(config.Config{
		Provider: config.ProviderConfig{
			BaseURL: srv.URL,
			Timeout: time.Second,
		},
	}, zap.NewNop())

	_, err := client.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billingdomain.ErrUnavailable)
}

func TestCancelSubscription_EffectiveFrom(t *testing.T) {
	var gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/subscriptions/sub_1/cancel", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data": {}}`))
	})

	require.NoError(t, client.CancelSubscription(context.Background(), "sub_1", billingdomain.CancelOptions{Immediately: true}))
	assert.Contains(t, gotBody, "immediately")
}

func TestGetCustomerTransactions_EmptyID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.GetCustomerTransactions(context.Background(), "")
	assert.ErrorIs(t, err, billingdomain.ErrRequest)
}

func providerRequestCount(t *testing.T, result string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "billsync_provider_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func providerDurationSamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "billsync_provider_request_duration_seconds" {
			return family.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestClient_RecordsProviderRequestMetrics(t *testing.T) {
	successBefore := providerRequestCount(t, "success")
	unavailableBefore := providerRequestCount(t, "unavailable")
	samplesBefore := providerDurationSamples(t)

	healthy := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"id": "sub_1", "status": "active"}}`))
	})
	_, err := healthy.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err = down.GetSubscription(context.Background(), "sub_1")
	require.Error(t, err)

	assert.Equal(t, successBefore+1, providerRequestCount(t, "success"))
	assert.Equal(t, unavailableBefore+1, providerRequestCount(t, "unavailable"))
	assert.Equal(t, samplesBefore+2, providerDurationSamples(t))
}
