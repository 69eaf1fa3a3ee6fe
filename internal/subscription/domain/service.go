package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	"gorm.io/gorm"
)

// PurchaseRequest applies a completed provider transaction to the buyer's
// subscription, extending the entitlement window.
type PurchaseRequest struct {
	UserID                 snowflake.ID
	PlanType               PlanType
	BillingCycle           BillingCycle
	Amount                 int64
	Currency               string
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
	Metadata               map[string]any
}

// Entitlement is the read model application code consults before unlocking
// paid features.
type Entitlement struct {
	PlanType      PlanType           `json:"plan_type"`
	Status        SubscriptionStatus `json:"status"`
	EndDate       *time.Time         `json:"end_date,omitempty"`
	RemainingDays int                `json:"remaining_days"`
	Expired       bool               `json:"expired"`
}

// SyncStats summarizes the tracked subscription population for operators.
type SyncStats struct {
	Total      int64                        `json:"total"`
	NeedsSync  int64                        `json:"needs_sync"`
	StaleCount int64                        `json:"stale_count"`
	ByStatus   map[SubscriptionStatus]int64 `json:"by_status"`
}

type Service interface {
	// ActivateTrial starts (or extends) the trial window for an account.
	ActivateTrial(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	// ApplyPurchase extends the entitlement window after a completed
	// provider transaction. Callers are responsible for deduplicating the
	// transaction before invoking it.
	ApplyPurchase(ctx context.Context, req PurchaseRequest) (*Subscription, error)
	// GrantReferralBonus stacks the referral reward onto the current window.
	GrantReferralBonus(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	// CreateFromProvider inserts a subscription from a provider snapshot.
	// Idempotent: an existing row for the snapshot's subscription id is
	// returned unchanged.
	CreateFromProvider(ctx context.Context, userID snowflake.ID, snap billingdomain.Subscription) (*Subscription, error)
	// ApplySnapshot merges a provider snapshot into the local record keyed
	// by provider subscription id. Both webhooks and scheduled sweeps
	// converge on this path.
	ApplySnapshot(ctx context.Context, providerSubscriptionID string, snap billingdomain.Subscription) (*Subscription, error)
	// Transition moves the subscription keyed by provider subscription id
	// to the target status, stamping the matching timestamp column.
	Transition(ctx context.Context, providerSubscriptionID string, target SubscriptionStatus, at time.Time) (*Subscription, error)
	// SyncFromProvider refreshes one subscription from the provider API.
	SyncFromProvider(ctx context.Context, sub Subscription) (*Subscription, error)
	// SyncByUserID refreshes the account's trackable subscription, nil when
	// the account has none.
	SyncByUserID(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	// CancelOnProvider requests cancellation at the provider and marks the
	// local record.
	CancelOnProvider(ctx context.Context, subscriptionID snowflake.ID, immediately bool) error
	GetActiveByUserID(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	GetEntitlement(ctx context.Context, userID snowflake.ID) (Entitlement, error)
	// ListSubscriptions pages through records ordered by id. An empty status
	// lists every status.
	ListSubscriptions(ctx context.Context, status SubscriptionStatus, afterID snowflake.ID, limit int) ([]*Subscription, error)
	Stats(ctx context.Context, needsSyncAfter, staleAfter time.Duration) (SyncStats, error)
}

// Repository is the storage boundary. Update methods must be single-statement
// atomic writes keyed by id or provider subscription id so concurrent webhook
// and sweep paths never race on read-modify-write.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*Subscription, error)
	FindActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID, statuses []SubscriptionStatus) (*Subscription, error)
	ListByStatuses(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus) ([]Subscription, error)
	// List returns subscriptions ordered by id after the given cursor. Pass
	// an empty status to list all statuses.
	List(ctx context.Context, db *gorm.DB, status SubscriptionStatus, afterID snowflake.ID, limit int) ([]*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string, sub *Subscription) error
	CountByStatus(ctx context.Context, db *gorm.DB) (map[SubscriptionStatus]int64, error)
	CountSyncedBefore(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus, before time.Time) (int64, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidSnapshot      = errors.New("invalid_snapshot")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrNotTracked           = errors.New("subscription_not_tracked")
)
