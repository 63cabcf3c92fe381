package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Balance is the per-account, per-currency money position. Locked funds
// only move through reserve/release/settle, never directly.
type Balance struct {
	AccountID       snowflake.ID `json:"account_id" gorm:"primaryKey"`
	Currency        string       `json:"currency" gorm:"type:text;primaryKey"`
	Available       int64        `json:"available" gorm:"not null;default:0"`
	Locked          int64        `json:"locked" gorm:"not null;default:0"`
	Bonus           int64        `json:"bonus" gorm:"not null;default:0"`
	PendingIncoming int64        `json:"pending_incoming" gorm:"column:pending_incoming;not null;default:0"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

type Category string

const (
	CategoryTopup          Category = "topup"
	CategoryReserve        Category = "session_reserve"
	CategoryRelease        Category = "session_release"
	CategorySessionCharge  Category = "session_charge"
	CategorySessionEarning Category = "session_earning"
	CategoryCommission     Category = "commission"
	CategoryRefund         Category = "refund"
)

type TransactionStatus string

const (
	TransactionStatusSuccess TransactionStatus = "SUCCESS"
	TransactionStatusFailed  TransactionStatus = "FAILED"
)

// Transaction is the immutable audit record for one ledger mutation.
// A SUCCESS record is never updated; corrections are offsetting records.
type Transaction struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	Ref           string            `json:"ref" gorm:"type:text;not null;uniqueIndex:ux_transactions_ref"`
	AccountID     snowflake.ID      `json:"account_id" gorm:"not null;index"`
	Direction     Direction         `json:"direction" gorm:"type:text;not null"`
	Category      Category          `json:"category" gorm:"type:text;not null"`
	Amount        int64             `json:"amount" gorm:"not null"`
	Currency      string            `json:"currency" gorm:"type:text;not null"`
	BalanceBefore int64             `json:"balance_before" gorm:"not null"`
	BalanceAfter  int64             `json:"balance_after" gorm:"not null"`
	Status        TransactionStatus `json:"status" gorm:"type:text;not null"`
	ReservationID *snowflake.ID     `json:"reservation_id,omitempty" gorm:"index"`
	SessionID     *snowflake.ID     `json:"session_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "RESERVED"
	ReservationStatusSettling ReservationStatus = "SETTLING"
	ReservationStatusSettled  ReservationStatus = "SETTLED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
	ReservationStatusExpired  ReservationStatus = "EXPIRED"
)

// Reservation earmarks locked funds for one session. Exactly one
// reservation per session may reach SETTLED.
type Reservation struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID           snowflake.ID      `json:"user_id" gorm:"not null"`
	ProviderID       snowflake.ID      `json:"provider_id" gorm:"not null"`
	SessionID        snowflake.ID      `json:"session_id" gorm:"not null;uniqueIndex:ux_reservations_session"`
	Kind             string            `json:"kind" gorm:"type:text;not null"`
	RatePerMinute    int64             `json:"rate_per_minute" gorm:"not null"`
	Currency         string            `json:"currency" gorm:"type:text;not null"`
	Amount           int64             `json:"amount" gorm:"not null"`
	EstimatedMinutes int               `json:"estimated_minutes" gorm:"not null"`
	CommissionPct    float64           `json:"commission_pct" gorm:"not null;default:0"`
	TaxPct           float64           `json:"tax_pct" gorm:"not null;default:0"`
	Status           ReservationStatus `json:"status" gorm:"type:text;not null"`
	ExpiresAt        time.Time         `json:"expires_at" gorm:"not null"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }

// TransactionRef is the externally referenceable id carried by every
// transaction record.
func TransactionRef(id snowflake.ID) string {
	return "txn_" + id.String()
}
