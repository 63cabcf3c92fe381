package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, request *SessionRequest) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SessionRequest, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SessionRequest, error)

	// FindPending returns the live request between a requester and
	// provider, if any. Backs the duplicate-request guard. Rows whose
	// accept window lapsed before now do not count, so a stale PENDING
	// row left by a crash never blocks the pair.
	FindPending(ctx context.Context, db *gorm.DB, requesterID, providerID snowflake.ID, now time.Time) (*SessionRequest, error)

	// ListPending returns every unresolved request, newest last. Used at
	// boot to re-arm expiry timers lost with the previous process.
	ListPending(ctx context.Context, db *gorm.DB) ([]SessionRequest, error)

	// UpdateStatusGuarded resolves the request only while it is still
	// PENDING. Returns won=false when another writer resolved it first.
	UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id snowflake.ID, to RequestStatus) (bool, error)

	Update(ctx context.Context, db *gorm.DB, request *SessionRequest) error
}
