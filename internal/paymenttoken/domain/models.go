// Package domain defines single-use payment tokens tied to invoices.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ConsumeOutcome classifies an attempt to redeem a payment token.
type ConsumeOutcome string

const (
	OutcomeAccepted         ConsumeOutcome = "accepted"
	OutcomeAlreadyProcessed ConsumeOutcome = "already_processed"
	OutcomeExpired          ConsumeOutcome = "expired"
	OutcomeNotFound         ConsumeOutcome = "not_found"
	OutcomeInvoiceMismatch  ConsumeOutcome = "invoice_mismatch"
)

// Fatal reports whether the outcome signals tampering or an unusable token,
// as opposed to an idempotent success.
func (o ConsumeOutcome) Fatal() bool {
	return o == OutcomeExpired || o == OutcomeNotFound || o == OutcomeInvoiceMismatch
}

// PaymentToken is one invoice-payment attempt. At most one valid (unused,
// unexpired) token exists per invoice: issuing a new one invalidates prior
// unused tokens first.
type PaymentToken struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	InvoiceID         string       `gorm:"type:text;not null;index"`
	Token             string       `gorm:"type:text;not null;uniqueIndex"`
	ProviderPaymentID *string      `gorm:"type:text"`
	ExpiresAt         time.Time    `gorm:"not null"`
	IsUsed            bool         `gorm:"not null;default:false"`
	UsedAt            *time.Time   `gorm:""`
	CreatedAt         time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (PaymentToken) TableName() string { return "payment_tokens" }

type Service interface {
	// IssueToken mints a fresh token for the invoice, invalidating any
	// prior unused token for the same invoice.
	IssueToken(ctx context.Context, invoiceID string, expiry time.Duration) (string, error)
	// Consume redeems a token exactly once. invoiceID comes from the
	// event's custom data and must match the token's recorded invoice.
	Consume(ctx context.Context, token, invoiceID, providerPaymentID string) (ConsumeOutcome, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tok *PaymentToken) error
	FindByToken(ctx context.Context, db *gorm.DB, token string) (*PaymentToken, error)
	// InvalidateUnused expires every unused token for the invoice in one
	// statement.
	InvalidateUnused(ctx context.Context, db *gorm.DB, invoiceID string, now time.Time) error
	// MarkUsed flips is_used with a conditional update. claimed=false
	// means another request already redeemed the token.
	MarkUsed(ctx context.Context, db *gorm.DB, token, providerPaymentID string, usedAt time.Time) (claimed bool, err error)
}
