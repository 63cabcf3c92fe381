package migration

import (
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if cfg.DBType == "sqlite" {
			return RunSQLite(sqlDB)
		}
		return RunMigrations(sqlDB)
	}),
)
