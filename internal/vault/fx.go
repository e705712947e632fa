package vault

import (
	"github.com/smallbiznis/storefront/internal/vault/service"
	"go.uber.org/fx"
)

var Module = fx.Module("vault.service",
	fx.Provide(service.New),
)
