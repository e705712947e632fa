package billingjob

import (
	"github.com/smallbiznis/storefront/internal/billingjob/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingjob.repository",
	fx.Provide(repository.Provide),
)
