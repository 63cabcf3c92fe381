package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	obsmetrics "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability/metrics"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	settlementdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement/domain"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       sessiondomain.Repository
	Clock      clock.Clock
	Wallet     walletdomain.Service
	Billing    *config.BillingConfigHolder
	Timers     sessiondomain.BillingTimers
	Settlement settlementdomain.Service
	Events     sessiondomain.EventPublisher
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       sessiondomain.Repository
	clock      clock.Clock
	wallet     walletdomain.Service
	billing    *config.BillingConfigHolder
	timers     sessiondomain.BillingTimers
	settlement settlementdomain.Service
	events     sessiondomain.EventPublisher
	metrics    *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("session.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      p.Clock,
		wallet:     p.Wallet,
		billing:    p.Billing,
		timers:     p.Timers,
		settlement: p.Settlement,
		events:     p.Events,
		metrics:    p.Metrics,
	}
}

var _ sessiondomain.Service = (*Service)(nil)
var _ sessiondomain.TickHandler = (*Service)(nil)

func (s *Service) Create(ctx context.Context, db *gorm.DB, req sessiondomain.CreateSessionRequest) (*sessiondomain.Session, error) {
	if db == nil {
		db = s.db
	}
	if req.RatePerMinute <= 0 {
		return nil, sessiondomain.ErrInvalidRate
	}
	if req.UserID == 0 || req.ProviderID == 0 {
		return nil, walletdomain.ErrInvalidAccount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, walletdomain.ErrInvalidCurrency
	}

	now := s.clock.Now()
	session := &sessiondomain.Session{
		ID:            s.genID.Generate(),
		UserID:        req.UserID,
		ProviderID:    req.ProviderID,
		Kind:          req.Kind,
		MediaType:     req.MediaType,
		RatePerMinute: req.RatePerMinute,
		Currency:      currency,
		Status:        sessiondomain.StatusRequested,
		RequestedAt:   now,
		PaymentStatus: sessiondomain.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, db, session); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*sessiondomain.Session, error) {
	session, err := s.repo.Find(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, sessiondomain.ErrNotFound
	}
	return session, nil
}

// Transition applies a non-billing state change: accept, ringing, and the
// pre-connect terminal paths. Terminal moves out of a billable state route
// through finalize so billing and settlement are handled.
func (s *Service) Transition(ctx context.Context, id snowflake.ID, to sessiondomain.Status, reason string) (*sessiondomain.Session, error) {
	var session *sessiondomain.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = s.repo.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if session == nil {
			return sessiondomain.ErrNotFound
		}
		if session.Status == to {
			return sessiondomain.ErrAlreadyResolved
		}
		if !sessiondomain.CanTransition(session.Status, to) {
			return sessiondomain.ErrInvalidTransition
		}

		from := session.Status
		s.stamp(session, to, reason)
		won, err := s.repo.UpdateStatusGuarded(ctx, tx, id, []sessiondomain.Status{from}, to)
		if err != nil {
			return err
		}
		if !won {
			return sessiondomain.ErrAlreadyResolved
		}
		session.Status = to
		return s.repo.Update(ctx, tx, session)
	})
	if err != nil {
		return nil, err
	}

	if sessiondomain.IsTerminal(to) {
		s.afterTerminal(ctx, session)
	}
	s.publishState(session)
	return session, nil
}

func (s *Service) Start(ctx context.Context, req sessiondomain.StartRequest) (*sessiondomain.Session, error) {
	session, err := s.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.ActorID != session.UserID {
		return nil, sessiondomain.ErrUnauthorized
	}
	if sessiondomain.IsTerminal(session.Status) {
		return nil, sessiondomain.ErrAlreadyResolved
	}
	if !sessiondomain.CanTransition(session.Status, sessiondomain.StatusActive) {
		return nil, sessiondomain.ErrInvalidTransition
	}

	cfg := s.billing.Get()
	estimate := int64(cfg.EstimateMinutes) * session.RatePerMinute
	reservation, _, err := s.wallet.Reserve(ctx, walletdomain.ReserveRequest{
		UserID:           session.UserID,
		ProviderID:       session.ProviderID,
		SessionID:        session.ID,
		Kind:             string(session.Kind),
		RatePerMinute:    session.RatePerMinute,
		Currency:         session.Currency,
		Amount:           estimate,
		EstimatedMinutes: cfg.EstimateMinutes,
		CommissionPct:    cfg.CommissionPercent,
		TaxPct:           cfg.TaxPercent,
		ExpiresAt:        s.clock.Now().Add(time.Duration(cfg.EstimateMinutes) * time.Minute * 2),
	})
	if errors.Is(err, walletdomain.ErrInsufficientBalance) {
		available := int64(0)
		if balance, berr := s.wallet.GetBalance(ctx, session.UserID, session.Currency); berr == nil && balance != nil {
			available = balance.Available
		}
		return nil, &sessiondomain.InsufficientBalanceError{Required: estimate, Available: available}
	}
	if err != nil {
		return nil, fmt.Errorf("reserve estimate: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := s.repo.FindForUpdate(ctx, tx, session.ID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return sessiondomain.ErrNotFound
		}
		if !sessiondomain.CanTransition(fresh.Status, sessiondomain.StatusActive) {
			return sessiondomain.ErrAlreadyResolved
		}
		won, err := s.repo.UpdateStatusGuarded(ctx, tx, session.ID,
			[]sessiondomain.Status{sessiondomain.StatusAccepted, sessiondomain.StatusRinging},
			sessiondomain.StatusActive)
		if err != nil {
			return err
		}
		if !won {
			return sessiondomain.ErrAlreadyResolved
		}

		now := s.clock.Now()
		fresh.Status = sessiondomain.StatusActive
		if fresh.ConnectedAt == nil {
			fresh.ConnectedAt = &now
		}
		fresh.ReservationID = &reservation.ID
		fresh.UpdatedAt = now
		session = fresh
		return s.repo.Update(ctx, tx, fresh)
	})
	if err != nil {
		// The session resolved while we were reserving; give the money back.
		if _, rerr := s.wallet.Release(ctx, reservation.ID); rerr != nil {
			s.log.Error("release after failed start",
				zap.Int64("session_id", int64(session.ID)),
				zap.Int64("reservation_id", int64(reservation.ID)),
				zap.Error(rerr))
		}
		return nil, err
	}

	s.timers.Start(session.ID, cfg.TickInterval())
	if s.metrics != nil {
		s.metrics.SessionStarted(string(session.Kind))
	}
	s.publishState(session)
	return session, nil
}

func (s *Service) End(ctx context.Context, req sessiondomain.EndRequest) (*sessiondomain.Session, error) {
	if !sessiondomain.IsTerminal(req.Status) {
		return nil, sessiondomain.ErrInvalidTransition
	}
	session, err := s.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.ActorID != 0 && req.ActorID != session.UserID && req.ActorID != session.ProviderID {
		return nil, sessiondomain.ErrUnauthorized
	}
	if _, err := s.Transition(ctx, req.SessionID, req.Status, req.Reason); err != nil {
		return nil, err
	}
	// Settlement ran inside the transition; re-read for the final totals.
	return s.Get(ctx, req.SessionID)
}

func (s *Service) Pause(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*sessiondomain.Session, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != session.UserID && actorID != session.ProviderID {
		return nil, sessiondomain.ErrUnauthorized
	}
	if session.Kind != sessiondomain.KindChat {
		return nil, sessiondomain.ErrInvalidTransition
	}
	session, err = s.Transition(ctx, id, sessiondomain.StatusPaused, "")
	if err != nil {
		return nil, err
	}
	s.timers.Pause(id)
	return session, nil
}

func (s *Service) Resume(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*sessiondomain.Session, error) {
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != session.UserID && actorID != session.ProviderID {
		return nil, sessiondomain.ErrUnauthorized
	}
	if session.Status != sessiondomain.StatusPaused {
		return nil, sessiondomain.ErrNotPaused
	}
	session, err = s.Transition(ctx, id, sessiondomain.StatusActive, "")
	if err != nil {
		return nil, err
	}
	s.timers.Resume(id)
	// If a mid-pause tick tore the timer down anyway, Start re-arms it.
	// Start is idempotent, so a live timer is untouched.
	s.timers.Start(id, s.billing.Get().TickInterval())
	return session, nil
}

func (s *Service) ListBillable(ctx context.Context) ([]sessiondomain.Session, error) {
	return s.repo.ListByStatus(ctx, s.db, []sessiondomain.Status{
		sessiondomain.StatusActive,
		sessiondomain.StatusPaused,
	})
}

// OnBillingTick advances the billed duration by one tick period, pushes a
// billing update to the paying user, and auto-ends the session before the
// next tick could push accrued cost past the reserved amount.
func (s *Service) OnBillingTick(ctx context.Context, sessionID snowflake.ID, elapsed time.Duration) {
	cfg := s.billing.Get()

	var session *sessiondomain.Session
	var stopped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = s.repo.FindForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil || !sessiondomain.IsBillable(session.Status) {
			stopped = true
			return nil
		}
		session.BilledDurationSecs += int64(elapsed / time.Second)
		session.TotalCost = settlementdomain.ComputeCost(session.BilledDurationSecs, session.RatePerMinute, cfg.MinimumCharge)
		session.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, session)
	})
	if err != nil {
		s.log.Error("billing tick", zap.Int64("session_id", int64(sessionID)), zap.Error(err))
		return
	}
	if stopped {
		// A tick can land between the PAUSED commit and the pause signal.
		// Suspend rather than deregister, so Resume still finds a timer.
		if session != nil && session.Status == sessiondomain.StatusPaused {
			s.timers.Pause(sessionID)
		} else {
			s.timers.Stop(sessionID)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.BillingTick()
	}

	s.events.Publish(session.UserID, sessiondomain.Event{
		Kind:      sessiondomain.EventBillingUpdate,
		SessionID: session.ID,
		Payload: map[string]any{
			"billed_duration_secs": session.BilledDurationSecs,
			"total_cost":           session.TotalCost,
			"currency":             session.Currency,
		},
	})

	if s.overReservation(ctx, session, cfg) {
		if _, err := s.Transition(ctx, session.ID, sessiondomain.StatusAutoEnded, "reservation_exhausted"); err != nil &&
			!errors.Is(err, sessiondomain.ErrAlreadyResolved) {
			s.log.Error("auto end", zap.Int64("session_id", int64(session.ID)), zap.Error(err))
		}
	}
}

// overReservation reports whether the next tick would price past the
// reserved amount.
func (s *Service) overReservation(ctx context.Context, session *sessiondomain.Session, cfg config.BillingConfig) bool {
	if session.ReservationID == nil {
		return false
	}
	reservation, err := s.wallet.GetReservation(ctx, *session.ReservationID)
	if err != nil || reservation == nil {
		return false
	}
	next := settlementdomain.ComputeCost(session.BilledDurationSecs+int64(cfg.TickSeconds), session.RatePerMinute, cfg.MinimumCharge)
	return next > reservation.Amount
}

// afterTerminal runs once the terminal status is durable: the billing timer
// goes down first so an in-flight tick self-cancels, then the reservation is
// flipped to SETTLING and settlement runs.
func (s *Service) afterTerminal(ctx context.Context, session *sessiondomain.Session) {
	s.timers.Stop(session.ID)
	if s.metrics != nil {
		s.metrics.SessionEnded(string(session.Status))
	}

	if session.ReservationID != nil {
		if _, err := s.wallet.MarkSettling(ctx, *session.ReservationID); err != nil &&
			!errors.Is(err, walletdomain.ErrReservationResolved) {
			s.log.Error("mark settling",
				zap.Int64("session_id", int64(session.ID)),
				zap.Error(err))
		}
		if err := s.settlement.SettleSession(ctx, session.ID); err != nil {
			s.log.Error("settle session",
				zap.Int64("session_id", int64(session.ID)),
				zap.Error(err))
		}
	}

	ended := sessiondomain.Event{
		Kind:      sessiondomain.EventSessionEnded,
		SessionID: session.ID,
		Payload: map[string]any{
			"status":               string(session.Status),
			"reason":               session.EndReason,
			"billed_duration_secs": session.BilledDurationSecs,
			"total_cost":           session.TotalCost,
		},
	}
	s.events.Publish(session.UserID, ended)
	s.events.Publish(session.ProviderID, ended)
}

func (s *Service) publishState(session *sessiondomain.Session) {
	if sessiondomain.IsTerminal(session.Status) {
		// afterTerminal already pushed the richer sessionEnded event.
		return
	}
	event := sessiondomain.Event{
		Kind:      sessiondomain.EventSessionState,
		SessionID: session.ID,
		Payload:   map[string]any{"status": string(session.Status)},
	}
	s.events.Publish(session.UserID, event)
	s.events.Publish(session.ProviderID, event)
}

// stamp records the per-transition timestamp for the target state.
func (s *Service) stamp(session *sessiondomain.Session, to sessiondomain.Status, reason string) {
	now := s.clock.Now()
	switch to {
	case sessiondomain.StatusAccepted:
		session.AcceptedAt = &now
	case sessiondomain.StatusRinging:
		session.RingingAt = &now
	case sessiondomain.StatusActive:
		if session.ConnectedAt == nil {
			session.ConnectedAt = &now
		}
		session.PausedAt = nil
	case sessiondomain.StatusPaused:
		session.PausedAt = &now
	}
	if sessiondomain.IsTerminal(to) {
		session.EndedAt = &now
		session.EndReason = reason
	}
	session.UpdatedAt = now
}
