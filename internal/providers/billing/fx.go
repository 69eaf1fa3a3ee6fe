package billing

import (
	"github.com/smallbiznis/billsync/internal/providers/billing/domain"
	"github.com/smallbiznis/billsync/internal/providers/billing/paddle"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.billing",
	fx.Provide(func(c *paddle.Client) domain.Client { return c }),
	fx.Provide(paddle.NewClient),
)
