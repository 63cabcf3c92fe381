package wallet

import (
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/repository"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/service"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
