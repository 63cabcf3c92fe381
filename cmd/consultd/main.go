package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/billingtimer"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/migration"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/notify"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/presence"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/server"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/signaling"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain modules
		presence.Module,
		notify.Module,
		wallet.Module,
		billingtimer.Module,
		signaling.Module,
		session.Module,
		settlement.Module,
		sessionrequest.Module,

		// HTTP + WS surface
		server.Module,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	return snowflake.NewNode(nodeID)
}
