package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidCurrency        = errors.New("invalid_currency")
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInsufficientBalance    = errors.New("insufficient_balance")
	ErrInsufficientLocked     = errors.New("insufficient_locked_balance")
	ErrReservationExists      = errors.New("reservation_exists")
	ErrReservationNotFound    = errors.New("reservation_not_found")
	ErrReservationNotSettling = errors.New("reservation_not_settling")
	ErrReservationResolved    = errors.New("reservation_already_resolved")
)

// Service is the wallet ledger. Every mutating operation is atomic,
// produces exactly one transaction record per money movement, and
// serializes against concurrent operations on the same account.
type Service interface {
	Credit(ctx context.Context, req CreditRequest) (*Transaction, error)
	Debit(ctx context.Context, req DebitRequest) (*Transaction, error)

	// Reserve creates a reservation and moves the amount from available
	// to locked in one unit.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, *Transaction, error)
	// Release returns remaining locked funds of a live reservation back to
	// available and marks it RELEASED.
	Release(ctx context.Context, reservationID snowflake.ID) (*Transaction, error)
	// MarkSettling flips a RESERVED reservation to SETTLING. It is called
	// by the terminal session transition before settlement runs.
	MarkSettling(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	// Settle converts a SETTLING reservation into final money movements:
	// one debit of the billed cost from the user's locked funds, credits
	// for platform and provider summing to that debit, and a release of
	// the unused locked remainder. Calling Settle on an already SETTLED
	// reservation is a no-op reporting the prior result.
	Settle(ctx context.Context, req SettleRequest) (*SettleResult, error)

	GetReservation(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	GetBalance(ctx context.Context, accountID snowflake.ID, currency string) (*Balance, error)
	ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]Transaction, error)
}

type CreditRequest struct {
	AccountID snowflake.ID
	Amount    int64
	Currency  string
	Category  Category
	SessionID *snowflake.ID
}

type DebitRequest struct {
	AccountID snowflake.ID
	Amount    int64
	Currency  string
	Category  Category
	SessionID *snowflake.ID
}

type ReserveRequest struct {
	UserID           snowflake.ID
	ProviderID       snowflake.ID
	SessionID        snowflake.ID
	Kind             string
	RatePerMinute    int64
	Currency         string
	Amount           int64
	EstimatedMinutes int
	// CommissionPct and TaxPct snapshot the split agreed at reserve time,
	// so a config change mid-session cannot alter it.
	CommissionPct float64
	TaxPct        float64
	ExpiresAt     time.Time
}

type SettleRequest struct {
	ReservationID     snowflake.ID
	SessionID         snowflake.ID
	TotalCost         int64
	PlatformShare     int64
	ProviderShare     int64
	PlatformAccountID snowflake.ID
}

type SettleResult struct {
	// AlreadySettled reports that a previous settlement was replayed
	// rather than re-applied.
	AlreadySettled bool
	UserDebit      *Transaction
	PlatformCredit *Transaction
	ProviderCredit *Transaction
	// Released is the unused locked remainder returned to the user.
	Released int64
}
