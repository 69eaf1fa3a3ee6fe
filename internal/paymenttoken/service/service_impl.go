package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/billsync/internal/clock"
	obsmetrics "github.com/smallbiznis/billsync/internal/observability/metrics"
	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  paymenttokendomain.Repository
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  paymenttokendomain.Repository
}

func NewService(p Params) paymenttokendomain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("paymenttoken.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *service) IssueToken(ctx context.Context, invoiceID string, expiry time.Duration) (string, error) {
	now := s.clock.Now()

	if err := s.repo.InvalidateUnused(ctx, s.db, invoiceID, now); err != nil {
		return "", err
	}

	tok := &paymenttokendomain.PaymentToken{
		ID:        s.genID.Generate(),
		InvoiceID: invoiceID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(expiry),
		CreatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, tok); err != nil {
		return "", err
	}

	s.log.Info("payment token issued",
		zap.String("invoice_id", invoiceID),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok.Token, nil
}

// Consume redeems a token for an invoice payment. The expiry boundary is
// inclusive: a token with expires_at at or before now reads as expired, which
// is what lets IssueToken retire prior tokens by stamping expires_at with the
// issue instant.
func (s *service) Consume(ctx context.Context, token, invoiceID, providerPaymentID string) (paymenttokendomain.ConsumeOutcome, error) {
	outcome, err := s.consume(ctx, token, invoiceID, providerPaymentID)
	if err == nil {
		obsmetrics.Sync().IncTokenConsumed(string(outcome))
	}
	return outcome, err
}

func (s *service) consume(ctx context.Context, token, invoiceID, providerPaymentID string) (paymenttokendomain.ConsumeOutcome, error) {
	now := s.clock.Now()

	tok, err := s.repo.FindByToken(ctx, s.db, token)
	if err != nil {
		return "", err
	}
	if tok == nil {
		s.log.Warn("payment token not found", zap.String("invoice_id", invoiceID))
		return paymenttokendomain.OutcomeNotFound, nil
	}
	if !tok.ExpiresAt.After(now) {
		return paymenttokendomain.OutcomeExpired, nil
	}
	if tok.IsUsed {
		// Redelivery of a payment we already fulfilled.
		return paymenttokendomain.OutcomeAlreadyProcessed, nil
	}
	if tok.InvoiceID != invoiceID {
		s.log.Error("payment token invoice mismatch",
			zap.String("token_invoice_id", tok.InvoiceID),
			zap.String("event_invoice_id", invoiceID),
		)
		return paymenttokendomain.OutcomeInvoiceMismatch, nil
	}

	claimed, err := s.repo.MarkUsed(ctx, s.db, token, providerPaymentID, now)
	if err != nil {
		return "", err
	}
	if !claimed {
		// Lost the race against a concurrent delivery.
		return paymenttokendomain.OutcomeAlreadyProcessed, nil
	}

	s.log.Info("payment token consumed",
		zap.String("invoice_id", invoiceID),
		zap.String("provider_payment_id", providerPaymentID),
	)
	return paymenttokendomain.OutcomeAccepted, nil
}
