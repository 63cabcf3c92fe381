package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusAccepted  RequestStatus = "ACCEPTED"
	RequestStatusRejected  RequestStatus = "REJECTED"
	RequestStatusExpired   RequestStatus = "EXPIRED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
)

// Resolved reports whether the request left PENDING. Resolved requests are
// never reused; a new attempt is a new request row.
func (s RequestStatus) Resolved() bool {
	return s != RequestStatusPending
}

// SessionRequest is a user's offer to a provider. The backing session row
// is created together with the request and referenced by SessionID.
type SessionRequest struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	RequesterID snowflake.ID  `json:"requester_id" gorm:"not null"`
	ProviderID  snowflake.ID  `json:"provider_id" gorm:"not null"`
	SessionID   snowflake.ID  `json:"session_id" gorm:"not null"`
	Kind        string        `json:"kind" gorm:"type:text;not null"`
	MediaType   string        `json:"media_type" gorm:"type:text;not null"`
	Status      RequestStatus `json:"status" gorm:"type:text;not null"`
	ExpiresAt   time.Time     `json:"expires_at" gorm:"not null"`
	CreatedAt   time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (SessionRequest) TableName() string { return "session_requests" }
