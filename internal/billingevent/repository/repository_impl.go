package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/billsync/internal/billingevent/domain"
	"github.com/smallbiznis/billsync/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingeventdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, gdb *gorm.DB, rec *billingeventdomain.EventRecord) (bool, error) {
	err := gdb.WithContext(ctx).Create(rec).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) Find(ctx context.Context, gdb *gorm.DB, provider, providerEventID string) (*billingeventdomain.EventRecord, error) {
	var rec billingeventdomain.EventRecord
	err := gdb.WithContext(ctx).Raw(
		`SELECT * FROM billing_events WHERE provider = ? AND provider_event_id = ?`,
		provider, providerEventID,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) Delete(ctx context.Context, gdb *gorm.DB, id snowflake.ID) error {
	return gdb.WithContext(ctx).Exec(`DELETE FROM billing_events WHERE id = ?`, id).Error
}

func (r *repo) MarkProcessed(ctx context.Context, gdb *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error {
	return gdb.WithContext(ctx).Exec(
		`UPDATE billing_events SET outcome = ?, processed_at = ? WHERE id = ?`,
		outcome, processedAt, id,
	).Error
}
