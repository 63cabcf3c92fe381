package signaling

import (
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("signaling",
	fx.Provide(
		NewHub,
		NewRelay,
		func(r *Relay) sessiondomain.EventPublisher { return r },
	),
	fx.Invoke(func(r *Relay, sessions sessiondomain.Service) {
		r.BindSessions(sessions)
	}),
)
