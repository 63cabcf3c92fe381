package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("session_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyResolved   = errors.New("session_already_resolved")
	ErrNotBillable       = errors.New("session_not_billable")
	ErrNotPaused         = errors.New("session_not_paused")
	ErrInvalidRate       = errors.New("invalid_rate")
)

// InsufficientBalanceError carries the shortfall so the transport layer
// can surface the amount the user must top up before starting.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string { return "insufficient_balance" }

// Shortfall is the amount missing from the available balance.
func (e *InsufficientBalanceError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

// CreateSessionRequest seeds a session from an accepted session request.
type CreateSessionRequest struct {
	UserID        snowflake.ID
	ProviderID    snowflake.ID
	Kind          Kind
	MediaType     string
	RatePerMinute int64
	Currency      string
}

// StartRequest moves an accepted/ringing session to ACTIVE, reserving
// the estimated cost from the user's wallet first.
type StartRequest struct {
	SessionID snowflake.ID
	ActorID   snowflake.ID
}

// EndRequest resolves a live session. Status must be terminal and
// reachable from the current state.
type EndRequest struct {
	SessionID snowflake.ID
	ActorID   snowflake.ID
	Status    Status
	Reason    string
}

// BillingTimers drives the per-session tick loop. The session service
// starts a timer when billing begins and stops it on any terminal move.
type BillingTimers interface {
	Start(sessionID snowflake.ID, interval time.Duration)
	Pause(sessionID snowflake.ID)
	Resume(sessionID snowflake.ID)
	Stop(sessionID snowflake.ID)
}

// TickHandler receives billing ticks. Implemented by the session service
// and registered on the timer registry at startup.
type TickHandler interface {
	OnBillingTick(ctx context.Context, sessionID snowflake.ID, elapsed time.Duration)
}

// Event kinds pushed to connected clients over signaling.
const (
	EventBillingUpdate = "billingUpdate"
	EventSessionEnded  = "sessionEnded"
	EventSessionState  = "sessionState"
)

// Event is a server-initiated push to one account.
type Event struct {
	Kind      string         `json:"kind"`
	SessionID snowflake.ID   `json:"session_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventPublisher delivers events to an account's live connections.
// Delivery is best effort; offline accounts drop the event.
type EventPublisher interface {
	Publish(accountID snowflake.ID, event Event)
}

// Service owns the session lifecycle: state transitions, billing
// accrual, and handoff to settlement on terminal states.
type Service interface {
	// Create validates and persists a fresh REQUESTED session. A non-nil
	// db runs the insert inside the caller's transaction, so a session
	// and its request can be committed atomically.
	Create(ctx context.Context, db *gorm.DB, req CreateSessionRequest) (*Session, error)
	Get(ctx context.Context, id snowflake.ID) (*Session, error)
	Transition(ctx context.Context, id snowflake.ID, to Status, reason string) (*Session, error)

	Start(ctx context.Context, req StartRequest) (*Session, error)
	End(ctx context.Context, req EndRequest) (*Session, error)
	Pause(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*Session, error)
	Resume(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*Session, error)

	// ListBillable returns sessions still in a billable state, used at
	// boot to reconcile sessions orphaned by a crash.
	ListBillable(ctx context.Context) ([]Session, error)
}
