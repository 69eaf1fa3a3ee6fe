package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billsync/internal/clock"
	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	"github.com/smallbiznis/billsync/internal/paymenttoken/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTokenService(t *testing.T) (paymenttokendomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&paymenttokendomain.PaymentToken{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  repository.Provide(),
	})
	return svc, db, fc
}

func TestConsume_IdempotentRedelivery(t *testing.T) {
	svc, db, _ := setupTokenService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	outcome, err := svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeAccepted, outcome)

	// Same delivery again must not produce a second side effect.
	outcome, err = svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeAlreadyProcessed, outcome)

	var tok paymenttokendomain.PaymentToken
	require.NoError(t, db.Raw(`SELECT * FROM payment_tokens WHERE token = ?`, token).Scan(&tok).Error)
	assert.True(t, tok.IsUsed)
	require.NotNil(t, tok.ProviderPaymentID)
	assert.Equal(t, "txn_abc", *tok.ProviderPaymentID)

	var count int64
	db.Raw(`SELECT COUNT(*) FROM payment_tokens WHERE is_used = ?`, true).Scan(&count)
	assert.Equal(t, int64(1), count)
}

func TestConsume_UnknownToken(t *testing.T) {
	svc, _, _ := setupTokenService(t)

	outcome, err := svc.Consume(context.Background(), "no-such-token", "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeNotFound, outcome)
}

func TestConsume_Expired(t *testing.T) {
	svc, _, fc := setupTokenService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)

	fc.Advance(2 * time.Hour)

	outcome, err := svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeExpired, outcome)
}

func TestConsume_InvoiceMismatch(t *testing.T) {
	svc, _, _ := setupTokenService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)

	outcome, err := svc.Consume(ctx, token, "inv_999", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeInvoiceMismatch, outcome)

	// A mismatch must not burn the token.
	outcome, err = svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeAccepted, outcome)
}

func TestIssueToken_InvalidatesPriorUnused(t *testing.T) {
	svc, _, _ := setupTokenService(t)
	ctx := context.Background()

	first, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)
	second, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The older token is invalidated, never accepted.
	outcome, err := svc.Consume(ctx, first, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeExpired, outcome)

	outcome, err = svc.Consume(ctx, second, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeAccepted, outcome)
}

func TestConsume_UsedTokenDistinctFromExpired(t *testing.T) {
	svc, _, fc := setupTokenService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)

	outcome, err := svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	require.Equal(t, paymenttokendomain.OutcomeAccepted, outcome)

	// Still within the expiry window: redelivery reports already_processed.
	fc.Advance(30 * time.Minute)
	outcome, err = svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	assert.Equal(t, paymenttokendomain.OutcomeAlreadyProcessed, outcome)
}

func consumedCount(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "billsync_payment_tokens_consumed_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestConsume_RecordsOutcomeMetric(t *testing.T) {
	svc, _, _ := setupTokenService(t)
	ctx := context.Background()

	acceptedBefore := consumedCount(t, "accepted")
	notFoundBefore := consumedCount(t, "not_found")

	token, err := svc.IssueToken(ctx, "inv_100", time.Hour)
	require.NoError(t, err)

	outcome, err := svc.Consume(ctx, token, "inv_100", "txn_abc")
	require.NoError(t, err)
	require.Equal(t, paymenttokendomain.OutcomeAccepted, outcome)

	outcome, err = svc.Consume(ctx, "no-such-token", "inv_100", "txn_abc")
	require.NoError(t, err)
	require.Equal(t, paymenttokendomain.OutcomeNotFound, outcome)

	assert.Equal(t, acceptedBefore+1, consumedCount(t, "accepted"))
	assert.Equal(t, notFoundBefore+1, consumedCount(t, "not_found"))
}
