package sessionrequest

import (
	"context"

	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/repository"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sessionrequest",
	fx.Provide(
		repository.Provide,
		service.New,
		func(s *service.Service) requestdomain.Service { return s },
	),
	fx.Invoke(func(lc fx.Lifecycle, s *service.Service) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return s.RearmPending(ctx)
			},
			OnStop: func(context.Context) error {
				s.Shutdown()
				return nil
			},
		})
	}),
)
