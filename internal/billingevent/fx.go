package billingevent

import (
	"github.com/smallbiznis/billsync/internal/billingevent/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent",
	fx.Provide(repository.Provide),
)
