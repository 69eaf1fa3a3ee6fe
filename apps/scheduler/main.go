// Sweep-only deployment: runs the reconciliation loop without the HTTP
// surface. Useful when webhook ingress and background sync scale separately.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/account"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	"github.com/smallbiznis/billsync/internal/migration"
	"github.com/smallbiznis/billsync/internal/observability"
	billing "github.com/smallbiznis/billsync/internal/providers/billing"
	"github.com/smallbiznis/billsync/internal/ratelimit"
	"github.com/smallbiznis/billsync/internal/scheduler"
	"github.com/smallbiznis/billsync/internal/subscription"
	"github.com/smallbiznis/billsync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		migration.Module,

		billing.Module,
		account.Module,
		subscription.Module,
		scheduler.Module,

		// No server module.
		fx.Invoke(scheduler.Run),
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
