package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/account"
	"github.com/smallbiznis/billsync/internal/billingevent"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	"github.com/smallbiznis/billsync/internal/migration"
	"github.com/smallbiznis/billsync/internal/observability"
	"github.com/smallbiznis/billsync/internal/paymenttoken"
	billing "github.com/smallbiznis/billsync/internal/providers/billing"
	"github.com/smallbiznis/billsync/internal/ratelimit"
	"github.com/smallbiznis/billsync/internal/scheduler"
	"github.com/smallbiznis/billsync/internal/server"
	"github.com/smallbiznis/billsync/internal/subscription"
	"github.com/smallbiznis/billsync/internal/webhook"
	"github.com/smallbiznis/billsync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		migration.Module,

		// Functional domains
		billing.Module,
		account.Module,
		billingevent.Module,
		paymenttoken.Module,
		subscription.Module,
		webhook.Module,
		scheduler.Module,
		fx.Invoke(scheduler.Run),

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
