package migration

import (
	accountdomain "github.com/smallbiznis/billsync/internal/account/domain"
	billingeventdomain "github.com/smallbiznis/billsync/internal/billingevent/domain"
	"github.com/smallbiznis/billsync/internal/config"
	paymenttokendomain "github.com/smallbiznis/billsync/internal/paymenttoken/domain"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Versioned SQL only targets postgres; other dialects are for
		// local development and lean on gorm's schema sync.
		return conn.AutoMigrate(
			&subscriptiondomain.Subscription{},
			&accountdomain.BillingSnapshot{},
			&billingeventdomain.EventRecord{},
			&paymenttokendomain.PaymentToken{},
		)
	}),
)
