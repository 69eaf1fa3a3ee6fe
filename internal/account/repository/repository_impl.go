package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billsync/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() accountdomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, snap *accountdomain.BillingSnapshot) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO account_billing_snapshots (
			user_id, plan_type, status, end_date, provider_customer_id,
			provider_subscription_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			status = EXCLUDED.status,
			end_date = EXCLUDED.end_date,
			provider_customer_id = EXCLUDED.provider_customer_id,
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			updated_at = EXCLUDED.updated_at`,
		snap.UserID,
		snap.PlanType,
		snap.Status,
		snap.EndDate,
		snap.ProviderCustomerID,
		snap.ProviderSubscriptionID,
		snap.UpdatedAt,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*accountdomain.BillingSnapshot, error) {
	var snap accountdomain.BillingSnapshot
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, plan_type, status, end_date, provider_customer_id,
		 provider_subscription_id, updated_at
		 FROM account_billing_snapshots WHERE user_id = ?`,
		userID,
	).Scan(&snap).Error
	if err != nil {
		return nil, err
	}
	if snap.UserID == 0 {
		return nil, nil
	}
	return &snap, nil
}
