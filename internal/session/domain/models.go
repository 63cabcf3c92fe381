package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindCall Kind = "CALL"
	KindChat Kind = "CHAT"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Session is the unit of billing and signaling: one live consultation
// between a user and a provider. Status is owned by the state machine;
// billing fields are owned by the billing tick and the settlement path.
type Session struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID        snowflake.ID `json:"user_id" gorm:"not null"`
	ProviderID    snowflake.ID `json:"provider_id" gorm:"not null;index:ix_sessions_provider"`
	Kind          Kind         `json:"kind" gorm:"type:text;not null"`
	MediaType     string       `json:"media_type" gorm:"type:text;not null"`
	RatePerMinute int64        `json:"rate_per_minute" gorm:"not null"`
	Currency      string       `json:"currency" gorm:"type:text;not null"`
	Status        Status       `json:"status" gorm:"type:text;not null;index:ix_sessions_status"`

	RequestedAt time.Time  `json:"requested_at" gorm:"not null"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	RingingAt   *time.Time `json:"ringing_at,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty" gorm:"type:text"`

	BilledDurationSecs int64 `json:"billed_duration_secs" gorm:"not null;default:0"`
	TotalCost          int64 `json:"total_cost" gorm:"not null;default:0"`
	PlatformEarnings   int64 `json:"platform_earnings" gorm:"not null;default:0"`
	ProviderEarnings   int64 `json:"provider_earnings" gorm:"not null;default:0"`
	TaxWithheld        int64 `json:"tax_withheld" gorm:"not null;default:0"`

	ReservationID   *snowflake.ID `json:"reservation_id,omitempty"`
	PaymentStatus   PaymentStatus `json:"payment_status" gorm:"type:text;not null;default:'PENDING'"`
	PaymentAttempts int           `json:"payment_attempts" gorm:"not null;default:0"`

	UserDebitTxn      *snowflake.ID `json:"user_debit_txn,omitempty"`
	PlatformCreditTxn *snowflake.ID `json:"platform_credit_txn,omitempty"`
	ProviderCreditTxn *snowflake.ID `json:"provider_credit_txn,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "sessions" }
