package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists sessions. Status changes go through
// UpdateStatusGuarded so concurrent transitions cannot both win.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, session *Session) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Session, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Session, error)

	// UpdateStatusGuarded sets the status only when the row still holds
	// one of the expected source states. Returns won=false when another
	// writer got there first.
	UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, to Status) (bool, error)

	Update(ctx context.Context, db *gorm.DB, session *Session) error
	ListByStatus(ctx context.Context, db *gorm.DB, statuses []Status) ([]Session, error)

	// CountLiveByProvider counts the provider's ACTIVE and PAUSED
	// sessions, used to refuse new requests while one is running.
	CountLiveByProvider(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (int64, error)
}
