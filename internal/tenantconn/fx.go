package tenantconn

import (
	"context"

	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("tenantconn",
	fx.Provide(ProvideConfig),
	fx.Provide(NewConnector),
	fx.Provide(NewManager),
	fx.Provide(func(m *Manager) tenantdomain.Invalidator { return m }),
	fx.Invoke(startSweeper),
)

func startSweeper(lc fx.Lifecycle, m *Manager) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go m.RunSweeper(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return m.Close(ctx)
		},
	})
}
