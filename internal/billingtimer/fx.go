package billingtimer

import (
	"context"

	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("billingtimer",
	fx.Provide(
		NewRegistry,
		func(r *Registry) sessiondomain.BillingTimers { return r },
	),
	fx.Invoke(bind),
)

// bind connects the tick consumer and hooks timer drain into shutdown.
func bind(lc fx.Lifecycle, r *Registry, handler sessiondomain.TickHandler) {
	r.SetHandler(handler)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Shutdown(ctx)
		},
	})
}
