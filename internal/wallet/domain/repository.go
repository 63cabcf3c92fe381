package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// GetBalanceForUpdate loads the balance row under a row lock so
	// concurrent operations against the same account serialize.
	GetBalanceForUpdate(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*Balance, error)
	GetBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*Balance, error)
	UpsertBalance(ctx context.Context, db *gorm.DB, balance *Balance) error

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]Transaction, error)
	FindTransactionsByReservation(ctx context.Context, db *gorm.DB, reservationID snowflake.ID) ([]Transaction, error)

	InsertReservation(ctx context.Context, db *gorm.DB, r *Reservation) error
	FindReservationForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	UpdateReservationStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to ReservationStatus) (bool, error)
}
