package domain

import (
	"context"
	"errors"
	"math"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSessionNotSettleable = errors.New("session_not_settleable")
	ErrNoReservation        = errors.New("session_has_no_reservation")
	ErrRetriesExhausted     = errors.New("settlement_retries_exhausted")
)

// Split is the final money distribution for one session. All amounts
// are minor currency units and Commission+Provider == Total.
type Split struct {
	Total      int64
	Commission int64
	Provider   int64
	// Tax is withheld from the commission share and is informational
	// for reporting; it is not a separate ledger movement.
	Tax int64
}

// ComputeCost prices a billed duration. Duration is rounded up to whole
// minutes, so any started minute is charged in full, and the result is
// floored at the configured minimum charge.
func ComputeCost(billedSecs, ratePerMinute, minimumCharge int64) int64 {
	if billedSecs <= 0 {
		if minimumCharge > 0 {
			return minimumCharge
		}
		return 0
	}
	minutes := (billedSecs + 59) / 60
	cost := minutes * ratePerMinute
	if cost < minimumCharge {
		cost = minimumCharge
	}
	return cost
}

// ComputeSplit divides the total between platform and provider.
// Commission is rounded half up; the provider takes the remainder so
// the split always sums back to the total.
func ComputeSplit(total int64, commissionPercent, taxPercent float64) Split {
	commission := int64(math.Round(float64(total) * commissionPercent / 100))
	tax := int64(math.Round(float64(commission) * taxPercent / 100))
	return Split{
		Total:      total,
		Commission: commission,
		Provider:   total - commission,
		Tax:        tax,
	}
}

// Service settles ended sessions: it prices the billed duration, moves
// money out of the reservation and records the outcome on the session.
type Service interface {
	// SettleSession settles one terminal session. Safe to call more
	// than once; a already-settled session is a no-op success.
	SettleSession(ctx context.Context, sessionID snowflake.ID) error

	// RetryFailedSettlements re-runs sessions whose payment failed,
	// up to the configured attempt ceiling.
	RetryFailedSettlements(ctx context.Context) error

	// ReconcileOrphans force-ends sessions left billable by a crash
	// and settles them for their persisted billed duration.
	ReconcileOrphans(ctx context.Context) error
}
