package subscription

import (
	"github.com/smallbiznis/billsync/internal/subscription/repository"
	"github.com/smallbiznis/billsync/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
