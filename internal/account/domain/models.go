// Package domain holds the denormalized per-account billing snapshot.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	"gorm.io/gorm"
)

// BillingSnapshot mirrors the owning subscription's plan, status and end
// date for fast entitlement reads. It is a read optimization, not a second
// source of truth: every write originates from subscription-side logic.
type BillingSnapshot struct {
	UserID                 snowflake.ID                          `gorm:"primaryKey"`
	PlanType               subscriptiondomain.PlanType           `gorm:"type:text;not null"`
	Status                 subscriptiondomain.SubscriptionStatus `gorm:"type:text;not null"`
	EndDate                *time.Time                            `gorm:""`
	ProviderCustomerID     *string                               `gorm:"type:text"`
	ProviderSubscriptionID *string                               `gorm:"type:text"`
	UpdatedAt              time.Time                             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingSnapshot) TableName() string { return "account_billing_snapshots" }

type Repository interface {
	// Upsert writes the snapshot in a single atomic statement.
	Upsert(ctx context.Context, db *gorm.DB, snap *BillingSnapshot) error
	Find(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*BillingSnapshot, error)
}

// FromSubscription builds the snapshot row for a subscription's owner.
func FromSubscription(sub *subscriptiondomain.Subscription, now time.Time) *BillingSnapshot {
	return &BillingSnapshot{
		UserID:                 sub.UserID,
		PlanType:               sub.PlanType,
		Status:                 sub.Status,
		EndDate:                sub.EndDate,
		ProviderCustomerID:     sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		UpdatedAt:              now,
	}
}
