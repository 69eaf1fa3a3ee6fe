package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billsync/internal/account/domain"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/entitlement"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        subscriptiondomain.Repository
	AccountRepo accountdomain.Repository
	Client      billingdomain.Client
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	accountRepo accountdomain.Repository
	client      billingdomain.Client
}

func NewService(p Params) subscriptiondomain.Service {
	return &service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		accountRepo: p.AccountRepo,
		client:      p.Client,
	}
}

func (s *service) ActivateTrial(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	now := s.clock.Now().UTC()

	existing, err := s.repo.FindActiveByUserID(ctx, s.db, userID, subscriptiondomain.SyncableStatuses)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// An account with a live subscription never re-enters trial.
		return existing, nil
	}

	end := entitlement.Extend(s.clock, nil, entitlement.TrialPeriod)
	sub := &subscriptiondomain.Subscription{
		ID:           s.genID.Generate(),
		UserID:       userID,
		PlanType:     subscriptiondomain.PlanTypePro,
		Status:       subscriptiondomain.SubscriptionStatusTrial,
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
		Currency:     "USD",
		StartDate:    now,
		EndDate:      &end,
		TrialEndDate: &end,
		Metadata:     datatypes.JSONMap{"source": "trial"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("trial activated",
		zap.Int64("user_id", int64(userID)),
		zap.Time("trial_end", end),
	)
	return sub, nil
}

func (s *service) ApplyPurchase(ctx context.Context, req subscriptiondomain.PurchaseRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	now := s.clock.Now().UTC()
	period := entitlement.PeriodFor(string(req.BillingCycle))

	sub, err := s.repo.FindActiveByUserID(ctx, s.db, req.UserID, subscriptiondomain.SyncableStatuses)
	if err != nil {
		return nil, err
	}

	if sub == nil {
		end := entitlement.Extend(s.clock, nil, period)
		sub = &subscriptiondomain.Subscription{
			ID:           s.genID.Generate(),
			UserID:       req.UserID,
			PlanType:     req.PlanType,
			Status:       subscriptiondomain.SubscriptionStatusActive,
			BillingCycle: req.BillingCycle,
			Amount:       req.Amount,
			Currency:     req.Currency,
			StartDate:    now,
			EndDate:      &end,
			Metadata:     toJSONMap(req.Metadata),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		sub.ProviderCustomerID = req.ProviderCustomerID
		sub.ProviderSubscriptionID = req.ProviderSubscriptionID

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.Insert(ctx, tx, sub); err != nil {
				return err
			}
			return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
		})
		if err != nil {
			return nil, err
		}
		s.log.Info("purchase applied",
			zap.Int64("user_id", int64(req.UserID)),
			zap.String("plan_type", string(req.PlanType)),
			zap.Time("end_date", end),
		)
		return sub, nil
	}

	end := entitlement.Extend(s.clock, sub.EndDate, period)
	sub.PlanType = req.PlanType
	sub.Status = subscriptiondomain.SubscriptionStatusActive
	sub.BillingCycle = req.BillingCycle
	sub.Amount = req.Amount
	sub.Currency = req.Currency
	sub.EndDate = &end
	if req.ProviderCustomerID != nil {
		sub.ProviderCustomerID = req.ProviderCustomerID
	}
	if req.ProviderSubscriptionID != nil {
		sub.ProviderSubscriptionID = req.ProviderSubscriptionID
	}
	sub.Metadata = mergeMetadata(sub.Metadata, req.Metadata)
	sub.UpdatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("purchase applied",
		zap.Int64("user_id", int64(req.UserID)),
		zap.String("plan_type", string(req.PlanType)),
		zap.Time("end_date", end),
	)
	return sub, nil
}

func (s *service) GrantReferralBonus(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	now := s.clock.Now().UTC()

	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID, subscriptiondomain.SyncableStatuses)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	end := entitlement.Extend(s.clock, sub.EndDate, entitlement.ReferralBonus)
	sub.EndDate = &end
	if sub.Status == subscriptiondomain.SubscriptionStatusTrial {
		sub.TrialEndDate = &end
	}
	sub.UpdatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("referral bonus granted",
		zap.Int64("user_id", int64(userID)),
		zap.Time("end_date", end),
	)
	return sub, nil
}

func (s *service) CreateFromProvider(ctx context.Context, userID snowflake.ID, snap billingdomain.Subscription) (*subscriptiondomain.Subscription, error) {
	if snap.ID == "" {
		return nil, subscriptiondomain.ErrInvalidSnapshot
	}
	now := s.clock.Now().UTC()

	existing, err := s.repo.FindByProviderSubscriptionID(ctx, s.db, snap.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Redelivered creation event for a row we already hold. Still a
		// no-op, but a payload that disagrees with the stored row points at
		// a provider anomaly worth surfacing.
		if field := createFieldMismatch(existing, snap); field != "" {
			s.log.Warn("redelivered create disagrees with stored subscription",
				zap.String("provider_subscription_id", snap.ID),
				zap.String("field", field),
			)
		}
		return existing, nil
	}
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	providerSubID := snap.ID
	sub := &subscriptiondomain.Subscription{
		ID:                     s.genID.Generate(),
		UserID:                 userID,
		ProviderSubscriptionID: &providerSubID,
		PlanType:               subscriptiondomain.PlanFromProductName(snap.ProductName),
		Status:                 subscriptiondomain.MapProviderStatus(snap.Status),
		BillingCycle:           billingCycleFromSnapshot(snap),
		Amount:                 snap.Amount,
		Currency:               snap.Currency,
		StartDate:              now,
		Metadata:               datatypes.JSONMap{"source": "provider"},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if snap.CustomerID != "" {
		customerID := snap.CustomerID
		sub.ProviderCustomerID = &customerID
	}
	if snap.StartedAt != nil {
		sub.StartDate = snap.StartedAt.UTC()
	}
	applySnapshotFields(sub, snap, now)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription created from provider",
		zap.Int64("user_id", int64(userID)),
		zap.String("provider_subscription_id", snap.ID),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

// createFieldMismatch compares a redelivered creation payload against the
// stored row and names the first field that disagrees. Status and dates are
// excluded: they legitimately drift once updated events and sweeps run.
func createFieldMismatch(existing *subscriptiondomain.Subscription, snap billingdomain.Subscription) string {
	switch {
	case snap.Amount != existing.Amount:
		return "amount"
	case snap.Currency != "" && snap.Currency != existing.Currency:
		return "currency"
	case snap.CustomerID != "" && (existing.ProviderCustomerID == nil || snap.CustomerID != *existing.ProviderCustomerID):
		return "provider_customer_id"
	case snap.ProductName != "" && subscriptiondomain.PlanFromProductName(snap.ProductName) != existing.PlanType:
		return "plan_type"
	}
	return ""
}

func (s *service) ApplySnapshot(ctx context.Context, providerSubscriptionID string, snap billingdomain.Subscription) (*subscriptiondomain.Subscription, error) {
	now := s.clock.Now().UTC()

	sub, err := s.repo.FindByProviderSubscriptionID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	if isStaleSnapshot(sub, snap) {
		// An out-of-order delivery. Record that we heard from the provider
		// without regressing fields a fresher merge already wrote.
		sub.LastSyncAt = &now
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, s.db, sub); err != nil {
			return nil, err
		}
		s.log.Debug("stale snapshot skipped",
			zap.String("provider_subscription_id", providerSubscriptionID),
		)
		return sub, nil
	}

	preStatus := sub.Status
	applySnapshotFields(sub, snap, now)
	sub.UpdatedAt = now

	if preStatus == sub.Status {
		if err := s.repo.UpdateByProviderSubscriptionID(ctx, s.db, providerSubscriptionID, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateByProviderSubscriptionID(ctx, tx, providerSubscriptionID, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription status changed",
		zap.String("provider_subscription_id", providerSubscriptionID),
		zap.String("from", string(preStatus)),
		zap.String("to", string(sub.Status)),
	)
	return sub, nil
}

func (s *service) Transition(ctx context.Context, providerSubscriptionID string, target subscriptiondomain.SubscriptionStatus, at time.Time) (*subscriptiondomain.Subscription, error) {
	now := s.clock.Now().UTC()

	sub, err := s.repo.FindByProviderSubscriptionID(ctx, s.db, providerSubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub.Status == target {
		// Redelivery of a transition we already applied.
		return sub, nil
	}
	if !validTransition(sub.Status, target) {
		return nil, subscriptiondomain.ErrInvalidTransition
	}

	from := sub.Status
	sub.Status = target
	switch target {
	case subscriptiondomain.SubscriptionStatusCancelled:
		sub.CancelledAt = &at
	case subscriptiondomain.SubscriptionStatusPaused:
		sub.PausedAt = &at
	case subscriptiondomain.SubscriptionStatusActive:
		if from == subscriptiondomain.SubscriptionStatusPaused {
			sub.ResumedAt = &at
		}
	}
	sub.UpdatedAt = now

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription transition",
		zap.String("provider_subscription_id", providerSubscriptionID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	return sub, nil
}

func (s *service) SyncFromProvider(ctx context.Context, sub subscriptiondomain.Subscription) (*subscriptiondomain.Subscription, error) {
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		return nil, subscriptiondomain.ErrNotTracked
	}

	snap, err := s.client.GetSubscription(ctx, *sub.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, billingdomain.ErrNotFound) {
			s.log.Warn("subscription unknown to provider",
				zap.Int64("subscription_id", int64(sub.ID)),
				zap.String("provider_subscription_id", *sub.ProviderSubscriptionID),
			)
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}

	return s.ApplySnapshot(ctx, *sub.ProviderSubscriptionID, *snap)
}

func (s *service) SyncByUserID(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID, subscriptiondomain.SyncableStatuses)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		// Locally-granted entitlement (trial, referral). Nothing to pull.
		return sub, nil
	}
	return s.SyncFromProvider(ctx, *sub)
}

func (s *service) CancelOnProvider(ctx context.Context, subscriptionID snowflake.ID, immediately bool) error {
	now := s.clock.Now().UTC()

	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		return subscriptiondomain.ErrNotTracked
	}

	err = s.client.CancelSubscription(ctx, *sub.ProviderSubscriptionID, billingdomain.CancelOptions{
		Immediately: immediately,
	})
	if err != nil {
		return err
	}

	if !immediately {
		// The provider confirms via subscription.cancelled at period end.
		sub.Metadata = mergeMetadata(sub.Metadata, map[string]any{"cancel_at_period_end": true})
		sub.UpdatedAt = now
		return s.repo.Update(ctx, s.db, sub)
	}

	sub.Status = subscriptiondomain.SubscriptionStatusCancelled
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.accountRepo.Upsert(ctx, tx, accountdomain.FromSubscription(sub, now))
	})
}

func (s *service) GetActiveByUserID(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID, subscriptiondomain.SyncableStatuses)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *service) GetEntitlement(ctx context.Context, userID snowflake.ID) (subscriptiondomain.Entitlement, error) {
	sub, err := s.repo.FindActiveByUserID(ctx, s.db, userID, subscriptiondomain.SyncableStatuses)
	if err != nil {
		return subscriptiondomain.Entitlement{}, err
	}
	if sub == nil {
		return subscriptiondomain.Entitlement{
			PlanType: subscriptiondomain.PlanTypeFree,
			Status:   subscriptiondomain.SubscriptionStatusInactive,
			Expired:  true,
		}, nil
	}

	return subscriptiondomain.Entitlement{
		PlanType:      sub.PlanType,
		Status:        sub.Status,
		EndDate:       sub.EndDate,
		RemainingDays: entitlement.RemainingDays(s.clock, sub.EndDate),
		Expired:       entitlement.IsExpired(s.clock, sub.EndDate),
	}, nil
}

func (s *service) ListSubscriptions(ctx context.Context, status subscriptiondomain.SubscriptionStatus, afterID snowflake.ID, limit int) ([]*subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.List(ctx, s.db, status, afterID, limit)
}

func (s *service) Stats(ctx context.Context, needsSyncAfter, staleAfter time.Duration) (subscriptiondomain.SyncStats, error) {
	now := s.clock.Now().UTC()

	byStatus, err := s.repo.CountByStatus(ctx, s.db)
	if err != nil {
		return subscriptiondomain.SyncStats{}, err
	}

	needsSync, err := s.repo.CountSyncedBefore(ctx, s.db, subscriptiondomain.SyncableStatuses, now.Add(-needsSyncAfter))
	if err != nil {
		return subscriptiondomain.SyncStats{}, err
	}
	stale, err := s.repo.CountSyncedBefore(ctx, s.db, subscriptiondomain.SyncableStatuses, now.Add(-staleAfter))
	if err != nil {
		return subscriptiondomain.SyncStats{}, err
	}

	var total int64
	for _, n := range byStatus {
		total += n
	}

	return subscriptiondomain.SyncStats{
		Total:      total,
		NeedsSync:  needsSync,
		StaleCount: stale,
		ByStatus:   byStatus,
	}, nil
}

// isStaleSnapshot reports whether the snapshot carries older billing state
// than the stored row. The comparison is on provider-sourced fields, not
// arrival time, so webhook and sweep merges commute.
func isStaleSnapshot(sub *subscriptiondomain.Subscription, snap billingdomain.Subscription) bool {
	if snap.NextBilledAt == nil || sub.NextBillingDate == nil {
		return false
	}
	return snap.NextBilledAt.Before(*sub.NextBillingDate)
}

// applySnapshotFields is the single merge path shared by webhook-driven
// updates and scheduled sweeps.
func applySnapshotFields(sub *subscriptiondomain.Subscription, snap billingdomain.Subscription, now time.Time) {
	sub.Status = subscriptiondomain.MapProviderStatus(snap.Status)
	if snap.ProductName != "" {
		sub.PlanType = subscriptiondomain.PlanFromProductName(snap.ProductName)
	}
	if snap.Amount > 0 {
		sub.Amount = snap.Amount
	}
	if snap.Currency != "" {
		sub.Currency = snap.Currency
	}
	sub.BillingCycle = billingCycleFromSnapshot(snap)
	if snap.CustomerID != "" {
		customerID := snap.CustomerID
		sub.ProviderCustomerID = &customerID
	}
	if snap.TrialEndsAt != nil {
		trialEnd := snap.TrialEndsAt.UTC()
		sub.TrialEndDate = &trialEnd
	}
	if snap.NextBilledAt != nil {
		next := snap.NextBilledAt.UTC()
		sub.NextBillingDate = &next
		// Paid-through boundary tracks the provider's billing period.
		sub.EndDate = &next
	}
	if snap.PausedAt != nil {
		pausedAt := snap.PausedAt.UTC()
		sub.PausedAt = &pausedAt
	}
	if snap.CanceledAt != nil {
		cancelledAt := snap.CanceledAt.UTC()
		sub.CancelledAt = &cancelledAt
	}
	sub.LastSyncAt = &now
}

func billingCycleFromSnapshot(snap billingdomain.Subscription) subscriptiondomain.BillingCycle {
	switch snap.BillingCycle {
	case "year", "yearly", "annual":
		return subscriptiondomain.BillingCycleYearly
	default:
		return subscriptiondomain.BillingCycleMonthly
	}
}

// validTransition encodes the local state machine. Cancellation is reachable
// from every state.
func validTransition(from, to subscriptiondomain.SubscriptionStatus) bool {
	if to == subscriptiondomain.SubscriptionStatusCancelled {
		return true
	}
	switch from {
	case subscriptiondomain.SubscriptionStatusTrial:
		return to == subscriptiondomain.SubscriptionStatusActive
	case subscriptiondomain.SubscriptionStatusActive:
		return to == subscriptiondomain.SubscriptionStatusPastDue ||
			to == subscriptiondomain.SubscriptionStatusPaused
	case subscriptiondomain.SubscriptionStatusPastDue:
		return to == subscriptiondomain.SubscriptionStatusActive
	case subscriptiondomain.SubscriptionStatusPaused:
		return to == subscriptiondomain.SubscriptionStatusActive
	default:
		return false
	}
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMetadata(existing datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	if len(extra) == 0 {
		return existing
	}
	if existing == nil {
		existing = datatypes.JSONMap{}
	}
	for k, v := range extra {
		existing[k] = v
	}
	return existing
}
