// Package domain contains persistence models for provider-backed
// subscriptions.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusInactive  SubscriptionStatus = "inactive"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
)

// SyncableStatuses are the states the reconciliation sweep keeps pulling
// authoritative provider state for. Cancelled and inactive records are
// terminal; a future re-subscription creates a new row.
var SyncableStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusTrial,
	SubscriptionStatusPastDue,
	SubscriptionStatusPaused,
}

// IsSyncable reports whether the sweep still tracks this status.
func (s SubscriptionStatus) IsSyncable() bool {
	for _, candidate := range SyncableStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// MapProviderStatus translates the provider's subscription status into the
// local state machine. Unknown provider states land on inactive.
func MapProviderStatus(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "active":
		return SubscriptionStatusActive
	case "canceled":
		return SubscriptionStatusCancelled
	case "past_due":
		return SubscriptionStatusPastDue
	case "paused":
		return SubscriptionStatusPaused
	case "trialing":
		return SubscriptionStatusTrial
	default:
		return SubscriptionStatusInactive
	}
}

type PlanType string

const (
	PlanTypeFree       PlanType = "free"
	PlanTypeBasic      PlanType = "basic"
	PlanTypePro        PlanType = "pro"
	PlanTypeEnterprise PlanType = "enterprise"
)

// PlanFromProductName infers the plan tier from the provider's product name.
func PlanFromProductName(name string) PlanType {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.Contains(name, "enterprise"):
		return PlanTypeEnterprise
	case strings.Contains(name, "pro"):
		return PlanTypePro
	case strings.Contains(name, "basic"):
		return PlanTypeBasic
	default:
		return PlanTypeFree
	}
}

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Subscription is one billing relationship with the provider. Rows are never
// hard-deleted; history is retained for billing audit.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID                 snowflake.ID       `gorm:"not null;index" json:"user_id"`
	ProviderCustomerID     *string            `gorm:"type:text;index" json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string            `gorm:"type:text;uniqueIndex" json:"provider_subscription_id,omitempty"`
	PlanType               PlanType           `gorm:"type:text;not null" json:"plan_type"`
	Status                 SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`
	BillingCycle           BillingCycle       `gorm:"type:text;not null;default:monthly" json:"billing_cycle"`
	Amount                 int64              `gorm:"not null;default:0" json:"amount"`
	Currency               string             `gorm:"type:text;not null;default:USD" json:"currency"`
	StartDate              time.Time          `gorm:"not null" json:"start_date"`
	EndDate                *time.Time         `gorm:"" json:"end_date,omitempty"`
	TrialEndDate           *time.Time         `gorm:"" json:"trial_end_date,omitempty"`
	NextBillingDate        *time.Time         `gorm:"" json:"next_billing_date,omitempty"`
	CancelledAt            *time.Time         `gorm:"" json:"cancelled_at,omitempty"`
	PausedAt               *time.Time         `gorm:"" json:"paused_at,omitempty"`
	ResumedAt              *time.Time         `gorm:"" json:"resumed_at,omitempty"`
	LastSyncAt             *time.Time         `gorm:"" json:"last_sync_at,omitempty"`
	Metadata               datatypes.JSONMap  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
