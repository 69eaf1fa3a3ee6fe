package repository

import (
	"context"
	"time"

	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() paymenttokendomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tok *paymenttokendomain.PaymentToken) error {
	return db.WithContext(ctx).Create(tok).Error
}

func (r *repo) FindByToken(ctx context.Context, db *gorm.DB, token string) (*paymenttokendomain.PaymentToken, error) {
	var tok paymenttokendomain.PaymentToken
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payment_tokens WHERE token = ?`, token,
	).Scan(&tok).Error
	if err != nil {
		return nil, err
	}
	if tok.ID == 0 {
		return nil, nil
	}
	return &tok, nil
}

func (r *repo) InvalidateUnused(ctx context.Context, db *gorm.DB, invoiceID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_tokens
		 SET expires_at = ?
		 WHERE invoice_id = ? AND is_used = ? AND expires_at > ?`,
		now, invoiceID, false, now,
	).Error
}

func (r *repo) MarkUsed(ctx context.Context, db *gorm.DB, token, providerPaymentID string, usedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_tokens
		 SET is_used = ?, used_at = ?, provider_payment_id = ?
		 WHERE token = ? AND is_used = ?`,
		true, usedAt, providerPaymentID, token, false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
