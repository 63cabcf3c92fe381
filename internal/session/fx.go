package session

import (
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/repository"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(
		repository.Provide,
		service.New,
		func(s *service.Service) sessiondomain.Service { return s },
		func(s *service.Service) sessiondomain.TickHandler { return s },
	),
)
