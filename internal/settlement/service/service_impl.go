package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/notify"
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

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Billing  *config.BillingConfigHolder
	Clock    clock.Clock
	Sessions sessiondomain.Repository
	Wallet   walletdomain.Service
	Notifier notify.Notifier
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	platform snowflake.ID
	billing  *config.BillingConfigHolder
	clock    clock.Clock
	sessions sessiondomain.Repository
	wallet   walletdomain.Service
	notifier notify.Notifier
	metrics  *obsmetrics.Metrics
}

func New(p Params) settlementdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settlement.service"),
		platform: snowflake.ID(p.Cfg.PlatformAccountID),
		billing:  p.Billing,
		clock:    p.Clock,
		sessions: p.Sessions,
		wallet:   p.Wallet,
		notifier: p.Notifier,
		metrics:  p.Metrics,
	}
}

func (s *Service) SettleSession(ctx context.Context, sessionID snowflake.ID) error {
	session, err := s.sessions.Find(ctx, s.db, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return sessiondomain.ErrNotFound
	}
	if !sessiondomain.IsTerminal(session.Status) {
		return settlementdomain.ErrSessionNotSettleable
	}
	if session.PaymentStatus == sessiondomain.PaymentStatusPaid {
		return nil
	}
	if session.ReservationID == nil {
		// Sessions that never started carry no money to move.
		return settlementdomain.ErrNoReservation
	}

	cfg := s.billing.Get()
	if session.PaymentStatus == sessiondomain.PaymentStatusFailed &&
		session.PaymentAttempts >= cfg.SettlementRetryAttempts {
		return settlementdomain.ErrRetriesExhausted
	}
	cost := settlementdomain.ComputeCost(session.BilledDurationSecs, session.RatePerMinute, cfg.MinimumCharge)

	reservation, err := s.wallet.GetReservation(ctx, *session.ReservationID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return walletdomain.ErrReservationNotFound
	}
	if cost > reservation.Amount {
		// Hard-stop should prevent this; never charge past the hold.
		s.log.Warn("cost clamped to reservation",
			zap.Int64("session_id", int64(session.ID)),
			zap.Int64("cost", cost),
			zap.Int64("reserved", reservation.Amount))
		cost = reservation.Amount
	}
	if reservation.Status == walletdomain.ReservationStatusReserved {
		if _, err := s.wallet.MarkSettling(ctx, reservation.ID); err != nil {
			return s.recordFailure(ctx, session, fmt.Errorf("mark settling: %w", err))
		}
	}

	// Prefer the split snapshotted at reserve time; a config change
	// mid-session must not alter an agreed split.
	commissionPct, taxPct := reservation.CommissionPct, reservation.TaxPct
	if commissionPct <= 0 {
		commissionPct, taxPct = cfg.CommissionPercent, cfg.TaxPercent
	}
	split := settlementdomain.ComputeSplit(cost, commissionPct, taxPct)
	result, err := s.wallet.Settle(ctx, walletdomain.SettleRequest{
		ReservationID:     reservation.ID,
		SessionID:         session.ID,
		TotalCost:         split.Total,
		PlatformShare:     split.Commission,
		ProviderShare:     split.Provider,
		PlatformAccountID: s.platform,
	})
	if err != nil {
		return s.recordFailure(ctx, session, err)
	}

	now := s.clock.Now()
	session.TotalCost = split.Total
	session.PlatformEarnings = split.Commission
	session.ProviderEarnings = split.Provider
	session.TaxWithheld = split.Tax
	session.PaymentStatus = sessiondomain.PaymentStatusPaid
	session.PaymentAttempts++
	if result.UserDebit != nil {
		session.UserDebitTxn = &result.UserDebit.ID
	}
	if result.PlatformCredit != nil {
		session.PlatformCreditTxn = &result.PlatformCredit.ID
	}
	if result.ProviderCredit != nil {
		session.ProviderCreditTxn = &result.ProviderCredit.ID
	}
	session.UpdatedAt = now
	if err := s.sessions.Update(ctx, s.db, session); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.Settlement("success")
	}
	s.log.Info("session settled",
		zap.Int64("session_id", int64(session.ID)),
		zap.Int64("total_cost", split.Total),
		zap.Int64("commission", split.Commission),
		zap.Int64("provider_share", split.Provider),
		zap.Bool("replayed", result.AlreadySettled))

	if split.Provider > 0 {
		s.notifier.Notify(ctx, notify.Notification{
			UserID: session.ProviderID,
			Title:  "Session earnings credited",
			Body:   fmt.Sprintf("You earned %d for session %s", split.Provider, session.ID),
			Data: map[string]any{
				"session_id": session.ID.String(),
				"amount":     split.Provider,
				"currency":   session.Currency,
			},
		})
	}
	return nil
}

func (s *Service) RetryFailedSettlements(ctx context.Context) error {
	sessions, err := s.listFailed(ctx)
	if err != nil {
		return err
	}
	for i := range sessions {
		session := &sessions[i]
		if err := s.SettleSession(ctx, session.ID); err != nil {
			if errors.Is(err, settlementdomain.ErrRetriesExhausted) {
				s.log.Warn("settlement retries exhausted, manual reconciliation required",
					zap.Int64("session_id", int64(session.ID)),
					zap.Int("attempts", session.PaymentAttempts))
				continue
			}
			s.log.Error("settlement retry",
				zap.Int64("session_id", int64(session.ID)),
				zap.Error(err))
		}
	}
	return nil
}

// ReconcileOrphans force-ends sessions a crash left in a billable state and
// settles them for the duration that made it to disk.
func (s *Service) ReconcileOrphans(ctx context.Context) error {
	orphans, err := s.sessions.ListByStatus(ctx, s.db, []sessiondomain.Status{
		sessiondomain.StatusActive,
		sessiondomain.StatusPaused,
	})
	if err != nil {
		return err
	}
	for i := range orphans {
		session := &orphans[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			won, err := s.sessions.UpdateStatusGuarded(ctx, tx, session.ID,
				[]sessiondomain.Status{sessiondomain.StatusActive, sessiondomain.StatusPaused},
				sessiondomain.StatusAutoEnded)
			if err != nil {
				return err
			}
			if !won {
				return nil
			}
			now := s.clock.Now()
			session.Status = sessiondomain.StatusAutoEnded
			session.EndReason = "reconciled_after_restart"
			session.EndedAt = &now
			session.UpdatedAt = now
			return s.sessions.Update(ctx, tx, session)
		})
		if err != nil {
			s.log.Error("reconcile orphan",
				zap.Int64("session_id", int64(session.ID)),
				zap.Error(err))
			continue
		}
		if session.Status != sessiondomain.StatusAutoEnded {
			continue
		}
		s.log.Warn("force-ended orphaned session",
			zap.Int64("session_id", int64(session.ID)),
			zap.Int64("billed_duration_secs", session.BilledDurationSecs))
		if session.ReservationID != nil {
			if err := s.SettleSession(ctx, session.ID); err != nil {
				s.log.Error("settle orphan",
					zap.Int64("session_id", int64(session.ID)),
					zap.Error(err))
			}
		}
	}
	return s.RetryFailedSettlements(ctx)
}

func (s *Service) recordFailure(ctx context.Context, session *sessiondomain.Session, cause error) error {
	session.PaymentStatus = sessiondomain.PaymentStatusFailed
	session.PaymentAttempts++
	session.UpdatedAt = s.clock.Now()
	if err := s.sessions.Update(ctx, s.db, session); err != nil {
		s.log.Error("record settlement failure",
			zap.Int64("session_id", int64(session.ID)),
			zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.Settlement("failed")
	}
	return fmt.Errorf("settle session %s: %w", session.ID, cause)
}

func (s *Service) listFailed(ctx context.Context) ([]sessiondomain.Session, error) {
	var sessions []sessiondomain.Session
	err := s.db.WithContext(ctx).
		Where("payment_status = ?", sessiondomain.PaymentStatusFailed).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
