package settlement

import (
	"context"
	"time"

	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	settlementdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("settlement",
	fx.Provide(service.New),
	fx.Invoke(runBackground),
)

type backgroundParams struct {
	fx.In

	LC      fx.Lifecycle
	Log     *zap.Logger
	Billing *config.BillingConfigHolder
	Svc     settlementdomain.Service
}

// runBackground reconciles orphaned sessions once at boot and then retries
// failed settlements on a fixed interval until shutdown.
func runBackground(p backgroundParams) {
	log := p.Log.Named("settlement.worker")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)

				if err := p.Svc.ReconcileOrphans(ctx); err != nil {
					log.Error("startup reconciliation", zap.Error(err))
				}

				interval := p.Billing.Get().SettlementRetryInterval()
				if interval <= 0 {
					interval = 5 * time.Minute
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := p.Svc.RetryFailedSettlements(ctx); err != nil {
							log.Error("settlement retry sweep", zap.Error(err))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
