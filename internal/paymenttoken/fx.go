package paymenttoken

import (
	"github.com/smallbiznis/billsync/internal/paymenttoken/repository"
	"github.com/smallbiznis/billsync/internal/paymenttoken/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymenttoken",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
