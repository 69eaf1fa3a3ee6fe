package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, user_id, provider_customer_id, provider_subscription_id,
	 plan_type, status, billing_cycle, amount, currency, start_date, end_date,
	 trial_end_date, next_billing_date, cancelled_at, paused_at, resumed_at,
	 last_sync_at, metadata, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, provider_customer_id, provider_subscription_id, plan_type,
			status, billing_cycle, amount, currency, start_date, end_date,
			trial_end_date, next_billing_date, cancelled_at, paused_at, resumed_at,
			last_sync_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.ProviderCustomerID,
		subscription.ProviderSubscriptionID,
		subscription.PlanType,
		subscription.Status,
		subscription.BillingCycle,
		subscription.Amount,
		subscription.Currency,
		subscription.StartDate,
		subscription.EndDate,
		subscription.TrialEndDate,
		subscription.NextBillingDate,
		subscription.CancelledAt,
		subscription.PausedAt,
		subscription.ResumedAt,
		subscription.LastSyncAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID, statuses []subscriptiondomain.SubscriptionStatus) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = ? AND status IN ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
		statuses,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListByStatuses(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.SubscriptionStatus) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE status IN ? ORDER BY created_at ASC`,
		statuses,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, status subscriptiondomain.SubscriptionStatus, afterID snowflake.ID, limit int) ([]*subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id > ?`
	args := []interface{}{afterID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	var subscriptions []*subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(query, args...).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			provider_customer_id = ?, provider_subscription_id = ?, plan_type = ?,
			status = ?, billing_cycle = ?, amount = ?, currency = ?, start_date = ?,
			end_date = ?, trial_end_date = ?, next_billing_date = ?, cancelled_at = ?,
			paused_at = ?, resumed_at = ?, last_sync_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.ProviderCustomerID,
		subscription.ProviderSubscriptionID,
		subscription.PlanType,
		subscription.Status,
		subscription.BillingCycle,
		subscription.Amount,
		subscription.Currency,
		subscription.StartDate,
		subscription.EndDate,
		subscription.TrialEndDate,
		subscription.NextBillingDate,
		subscription.CancelledAt,
		subscription.PausedAt,
		subscription.ResumedAt,
		subscription.LastSyncAt,
		subscription.Metadata,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) UpdateByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			provider_customer_id = ?, plan_type = ?, status = ?, billing_cycle = ?,
			amount = ?, currency = ?, start_date = ?, end_date = ?, trial_end_date = ?,
			next_billing_date = ?, cancelled_at = ?, paused_at = ?, resumed_at = ?,
			last_sync_at = ?, metadata = ?, updated_at = ?
		 WHERE provider_subscription_id = ?`,
		subscription.ProviderCustomerID,
		subscription.PlanType,
		subscription.Status,
		subscription.BillingCycle,
		subscription.Amount,
		subscription.Currency,
		subscription.StartDate,
		subscription.EndDate,
		subscription.TrialEndDate,
		subscription.NextBillingDate,
		subscription.CancelledAt,
		subscription.PausedAt,
		subscription.ResumedAt,
		subscription.LastSyncAt,
		subscription.Metadata,
		subscription.UpdatedAt,
		providerSubscriptionID,
	).Error
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB) (map[subscriptiondomain.SubscriptionStatus]int64, error) {
	type row struct {
		Status subscriptiondomain.SubscriptionStatus
		Total  int64
	}
	var rows []row
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total FROM subscriptions GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[subscriptiondomain.SubscriptionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

func (r *repo) CountSyncedBefore(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.SubscriptionStatus, before time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscriptions
		 WHERE status IN ? AND (last_sync_at IS NULL OR last_sync_at < ?)`,
		statuses,
		before,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
