package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/billsync/internal/billingevent/domain"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/billsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        config.Config
	GenID         *snowflake.Node
	Clock         clock.Clock
	Events        billingeventdomain.Repository
	Subscriptions subscriptiondomain.Service
	Tokens        paymenttokendomain.Service
}

type service struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           config.Config
	genID         *snowflake.Node
	clock         clock.Clock
	events        billingeventdomain.Repository
	subscriptions subscriptiondomain.Service
	tokens        paymenttokendomain.Service
}

func NewService(p Params) webhookdomain.Service {
	return &service{
		db:            p.DB,
		log:           p.Log.Named("webhook.service"),
		cfg:           p.Config,
		genID:         p.GenID,
		clock:         p.Clock,
		events:        p.Events,
		subscriptions: p.Subscriptions,
		tokens:        p.Tokens,
	}
}

func (s *service) Dispatch(ctx context.Context, req webhookdomain.Request) (webhookdomain.Result, error) {
	if !req.Verified && !s.cfg.WebhookSkipVerify {
		return webhookdomain.Result{}, webhookdomain.ErrUnverified
	}

	event, err := webhookdomain.ParseEvent(req.EventType, req.Data)
	if err != nil {
		return webhookdomain.Result{}, err
	}

	var claim *billingeventdomain.EventRecord
	if req.EventID != "" {
		claim, err = s.claimEvent(ctx, req.EventID, req.EventType, req.Data)
		if err != nil {
			return webhookdomain.Result{}, err
		}
		if claim == nil {
			// A previous delivery of this event id already ran to
			// completion (or is in flight).
			return webhookdomain.Result{Outcome: webhookdomain.OutcomeAlreadyProcessed}, nil
		}
	}

	result, err := s.route(ctx, event)
	if err != nil {
		s.settleClaim(ctx, claim, result, err)
		return webhookdomain.Result{}, err
	}

	s.settleClaim(ctx, claim, result, nil)
	s.log.Info("webhook dispatched",
		zap.String("event_type", req.EventType),
		zap.String("event_id", req.EventID),
		zap.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

// claimEvent inserts the dedup row. nil means a duplicate delivery.
func (s *service) claimEvent(ctx context.Context, eventID, eventType string, data json.RawMessage) (*billingeventdomain.EventRecord, error) {
	var payload datatypes.JSONMap
	_ = json.Unmarshal(data, &payload)

	rec := &billingeventdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        webhookdomain.Provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         payload,
		ReceivedAt:      s.clock.Now().UTC(),
	}
	inserted, err := s.events.Insert(ctx, s.db, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	return rec, nil
}

// settleClaim finishes the dedup record. Transient failures release the
// claim so the provider's redelivery can retry; terminal rejections keep it
// with the rejection recorded.
func (s *service) settleClaim(ctx context.Context, claim *billingeventdomain.EventRecord, result webhookdomain.Result, routeErr error) {
	if claim == nil {
		return
	}

	if routeErr != nil && isTransient(routeErr) {
		if err := s.events.Delete(ctx, s.db, claim.ID); err != nil {
			s.log.Error("failed to release event claim", zap.Error(err))
		}
		return
	}

	outcome := string(result.Outcome)
	if routeErr != nil {
		outcome = "rejected"
	}
	if err := s.events.MarkProcessed(ctx, s.db, claim.ID, outcome, s.clock.Now().UTC()); err != nil {
		s.log.Error("failed to mark event processed", zap.Error(err))
	}
}

func isTransient(err error) bool {
	return billingdomain.IsTransient(err) ||
		!(errors.Is(err, webhookdomain.ErrValidation) ||
			errors.Is(err, webhookdomain.ErrTamper) ||
			errors.Is(err, webhookdomain.ErrUnverified) ||
			errors.Is(err, subscriptiondomain.ErrInvalidUser))
}

func (s *service) route(ctx context.Context, event webhookdomain.Event) (webhookdomain.Result, error) {
	switch e := event.(type) {
	case webhookdomain.SubscriptionEvent:
		return s.routeSubscription(ctx, e)
	case webhookdomain.TransactionEvent:
		return s.routeTransaction(ctx, e)
	default:
		// Forward compatibility: unknown types acknowledge cleanly.
		s.log.Debug("unhandled event type", zap.String("event_type", event.EventName()))
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored}, nil
	}
}

func (s *service) routeSubscription(ctx context.Context, e webhookdomain.SubscriptionEvent) (webhookdomain.Result, error) {
	at := s.clock.Now().UTC()
	if e.OccurredAt != nil {
		at = e.OccurredAt.UTC()
	}

	switch e.Type {
	case "subscription.created":
		userID, err := parseUserID(e.CustomData.UserID)
		if err != nil {
			return webhookdomain.Result{}, err
		}
		_, err = s.subscriptions.CreateFromProvider(ctx, userID, e.Subscription)
		if err != nil {
			if errors.Is(err, subscriptiondomain.ErrInvalidUser) || errors.Is(err, subscriptiondomain.ErrInvalidSnapshot) {
				return webhookdomain.Result{}, fmt.Errorf("%w: %v", webhookdomain.ErrValidation, err)
			}
			return webhookdomain.Result{}, err
		}
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}, nil

	case "subscription.activated", "subscription.resumed":
		return s.transition(ctx, e.Subscription.ID, subscriptiondomain.SubscriptionStatusActive, at)
	case "subscription.cancelled":
		return s.transition(ctx, e.Subscription.ID, subscriptiondomain.SubscriptionStatusCancelled, at)
	case "subscription.past_due":
		return s.transition(ctx, e.Subscription.ID, subscriptiondomain.SubscriptionStatusPastDue, at)
	case "subscription.paused":
		return s.transition(ctx, e.Subscription.ID, subscriptiondomain.SubscriptionStatusPaused, at)

	case "subscription.updated":
		_, err := s.subscriptions.ApplySnapshot(ctx, e.Subscription.ID, e.Subscription)
		if err != nil {
			if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
				return s.notFound(e.Subscription.ID, e.Type), nil
			}
			return webhookdomain.Result{}, err
		}
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}, nil

	default:
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored}, nil
	}
}

func (s *service) routeTransaction(ctx context.Context, e webhookdomain.TransactionEvent) (webhookdomain.Result, error) {
	switch e.Type {
	case "transaction.completed":
		if e.CustomData.PaymentToken != "" {
			return s.fulfillInvoicePayment(ctx, e)
		}
		return s.applyDirectPurchase(ctx, e)

	case "payment.succeeded":
		if e.Transaction.SubscriptionID == "" {
			return webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored}, nil
		}
		return s.transition(ctx, e.Transaction.SubscriptionID, subscriptiondomain.SubscriptionStatusActive, s.clock.Now().UTC())

	case "payment.failed":
		if e.Transaction.SubscriptionID == "" {
			return webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored}, nil
		}
		return s.transition(ctx, e.Transaction.SubscriptionID, subscriptiondomain.SubscriptionStatusPastDue, s.clock.Now().UTC())

	default:
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored}, nil
	}
}

// fulfillInvoicePayment consumes the single-use payment token carried in the
// event's custom data. The token store is the idempotency boundary here.
func (s *service) fulfillInvoicePayment(ctx context.Context, e webhookdomain.TransactionEvent) (webhookdomain.Result, error) {
	if e.CustomData.InvoiceID == "" {
		return webhookdomain.Result{}, fmt.Errorf("%w: payment_token without invoice_id", webhookdomain.ErrValidation)
	}

	outcome, err := s.tokens.Consume(ctx, e.CustomData.PaymentToken, e.CustomData.InvoiceID, e.Transaction.ID)
	if err != nil {
		return webhookdomain.Result{}, err
	}

	switch outcome {
	case paymenttokendomain.OutcomeAccepted:
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}, nil
	case paymenttokendomain.OutcomeAlreadyProcessed:
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeAlreadyProcessed}, nil
	case paymenttokendomain.OutcomeNotFound:
		// Acknowledge so the provider stops redelivering; the anomaly is
		// recorded for operator review.
		s.log.Warn("payment token unknown",
			zap.String("invoice_id", e.CustomData.InvoiceID),
			zap.String("transaction_id", e.Transaction.ID),
		)
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeNotFound, Detail: "unknown payment token"}, nil
	case paymenttokendomain.OutcomeExpired:
		return webhookdomain.Result{}, fmt.Errorf("%w: payment token expired", webhookdomain.ErrValidation)
	case paymenttokendomain.OutcomeInvoiceMismatch:
		return webhookdomain.Result{}, fmt.Errorf("%w: invoice mismatch", webhookdomain.ErrTamper)
	default:
		return webhookdomain.Result{}, fmt.Errorf("unexpected consume outcome %q", outcome)
	}
}

// applyDirectPurchase extends entitlement for a purchase completed outside
// the invoice-token flow. The provider transaction id is the idempotency
// key: without it a redelivered webhook would extend the window twice.
func (s *service) applyDirectPurchase(ctx context.Context, e webhookdomain.TransactionEvent) (webhookdomain.Result, error) {
	if e.Transaction.ID == "" {
		return webhookdomain.Result{}, fmt.Errorf("%w: transaction without id", webhookdomain.ErrValidation)
	}
	userID, err := parseUserID(e.CustomData.UserID)
	if err != nil {
		return webhookdomain.Result{}, err
	}

	claim, err := s.claimEvent(ctx, "txn:"+e.Transaction.ID, e.Type, nil)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if claim == nil {
		return webhookdomain.Result{Outcome: webhookdomain.OutcomeAlreadyProcessed}, nil
	}

	req := subscriptiondomain.PurchaseRequest{
		UserID:       userID,
		PlanType:     planFromCustom(e.CustomData),
		BillingCycle: cycleFromCustom(e.CustomData),
		Amount:       e.Transaction.Amount,
		Currency:     e.Transaction.Currency,
		Metadata:     map[string]any{"transaction_id": e.Transaction.ID},
	}
	if e.Transaction.CustomerID != "" {
		customerID := e.Transaction.CustomerID
		req.ProviderCustomerID = &customerID
	}
	if e.Transaction.SubscriptionID != "" {
		subscriptionID := e.Transaction.SubscriptionID
		req.ProviderSubscriptionID = &subscriptionID
	}

	if _, err := s.subscriptions.ApplyPurchase(ctx, req); err != nil {
		// Release the transaction claim so a redelivery can retry.
		if delErr := s.events.Delete(ctx, s.db, claim.ID); delErr != nil {
			s.log.Error("failed to release transaction claim", zap.Error(delErr))
		}
		return webhookdomain.Result{}, err
	}

	if err := s.events.MarkProcessed(ctx, s.db, claim.ID, string(webhookdomain.OutcomeProcessed), s.clock.Now().UTC()); err != nil {
		s.log.Error("failed to mark transaction processed", zap.Error(err))
	}
	return webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}, nil
}

func (s *service) transition(ctx context.Context, providerSubscriptionID string, target subscriptiondomain.SubscriptionStatus, at time.Time) (webhookdomain.Result, error) {
	if providerSubscriptionID == "" {
		return webhookdomain.Result{}, fmt.Errorf("%w: missing subscription id", webhookdomain.ErrValidation)
	}

	_, err := s.subscriptions.Transition(ctx, providerSubscriptionID, target, at)
	if err != nil {
		switch {
		case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
			return s.notFound(providerSubscriptionID, string(target)), nil
		case errors.Is(err, subscriptiondomain.ErrInvalidTransition):
			// A late event against a terminal record. Acknowledge and move on.
			s.log.Warn("transition conflict",
				zap.String("provider_subscription_id", providerSubscriptionID),
				zap.String("target", string(target)),
			)
			return webhookdomain.Result{Outcome: webhookdomain.OutcomeIgnored, Detail: "conflicting transition"}, nil
		default:
			return webhookdomain.Result{}, err
		}
	}
	return webhookdomain.Result{Outcome: webhookdomain.OutcomeProcessed}, nil
}

func (s *service) notFound(providerSubscriptionID, context string) webhookdomain.Result {
	// App-level not-found does not trigger provider redelivery, so it is
	// acknowledged rather than errored.
	s.log.Warn("event for unknown subscription",
		zap.String("provider_subscription_id", providerSubscriptionID),
		zap.String("context", context),
	)
	return webhookdomain.Result{Outcome: webhookdomain.OutcomeNotFound, Detail: "unknown subscription"}
}

func parseUserID(raw string) (snowflake.ID, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: missing user_id", webhookdomain.ErrValidation)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: malformed user_id", webhookdomain.ErrValidation)
	}
	return snowflake.ID(id), nil
}

func planFromCustom(custom webhookdomain.CustomData) subscriptiondomain.PlanType {
	switch subscriptiondomain.PlanType(custom.PlanType) {
	case subscriptiondomain.PlanTypeBasic, subscriptiondomain.PlanTypePro, subscriptiondomain.PlanTypeEnterprise:
		return subscriptiondomain.PlanType(custom.PlanType)
	default:
		return subscriptiondomain.PlanTypePro
	}
}

func cycleFromCustom(custom webhookdomain.CustomData) subscriptiondomain.BillingCycle {
	if custom.BillingCycle == string(subscriptiondomain.BillingCycleYearly) {
		return subscriptiondomain.BillingCycleYearly
	}
	return subscriptiondomain.BillingCycleMonthly
}
