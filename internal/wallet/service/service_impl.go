package service

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	obsmetrics "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability/metrics"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    walletdomain.Repository
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    walletdomain.Repository
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func New(p Params) walletdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("wallet.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *Service) Credit(ctx context.Context, req walletdomain.CreditRequest) (*walletdomain.Transaction, error) {
	if err := validateMoney(req.AccountID, req.Amount, req.Currency); err != nil {
		return nil, err
	}

	var txn *walletdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockOrCreateBalance(ctx, tx, req.AccountID, req.Currency)
		if err != nil {
			return err
		}

		before := balance.Available
		balance.Available += req.Amount
		balance.UpdatedAt = s.clock.Now()
		if err := s.repo.UpsertBalance(ctx, tx, balance); err != nil {
			return err
		}

		txn = s.newTransaction(req.AccountID, walletdomain.DirectionCredit, req.Category, req.Amount, req.Currency, before, balance.Available)
		txn.SessionID = req.SessionID
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	s.recordMetric("credit", err)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Service) Debit(ctx context.Context, req walletdomain.DebitRequest) (*walletdomain.Transaction, error) {
	if err := validateMoney(req.AccountID, req.Amount, req.Currency); err != nil {
		return nil, err
	}

	var txn *walletdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.repo.GetBalanceForUpdate(ctx, tx, req.AccountID, req.Currency)
		if err != nil {
			return err
		}
		if balance == nil || balance.Available < req.Amount {
			return walletdomain.ErrInsufficientBalance
		}

		before := balance.Available
		balance.Available -= req.Amount
		balance.UpdatedAt = s.clock.Now()
		if err := s.repo.UpsertBalance(ctx, tx, balance); err != nil {
			return err
		}

		txn = s.newTransaction(req.AccountID, walletdomain.DirectionDebit, req.Category, req.Amount, req.Currency, before, balance.Available)
		txn.SessionID = req.SessionID
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	s.recordMetric("debit", err)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Service) Reserve(ctx context.Context, req walletdomain.ReserveRequest) (*walletdomain.Reservation, *walletdomain.Transaction, error) {
	if err := validateMoney(req.UserID, req.Amount, req.Currency); err != nil {
		return nil, nil, err
	}
	if req.ProviderID == 0 || req.SessionID == 0 {
		return nil, nil, walletdomain.ErrInvalidAccount
	}

	var (
		reservation *walletdomain.Reservation
		txn         *walletdomain.Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.repo.GetBalanceForUpdate(ctx, tx, req.UserID, req.Currency)
		if err != nil {
			return err
		}
		if balance == nil || balance.Available < req.Amount {
			return walletdomain.ErrInsufficientBalance
		}

		before := balance.Available
		balance.Available -= req.Amount
		balance.Locked += req.Amount
		balance.UpdatedAt = s.clock.Now()
		if err := s.repo.UpsertBalance(ctx, tx, balance); err != nil {
			return err
		}

		now := s.clock.Now()
		reservation = &walletdomain.Reservation{
			ID:               s.genID.Generate(),
			UserID:           req.UserID,
			ProviderID:       req.ProviderID,
			SessionID:        req.SessionID,
			Kind:             req.Kind,
			RatePerMinute:    req.RatePerMinute,
			Currency:         req.Currency,
			Amount:           req.Amount,
			EstimatedMinutes: req.EstimatedMinutes,
			CommissionPct:    req.CommissionPct,
			TaxPct:           req.TaxPct,
			Status:           walletdomain.ReservationStatusReserved,
			ExpiresAt:        req.ExpiresAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.repo.InsertReservation(ctx, tx, reservation); err != nil {
			// ux_reservations_session: a concurrent start already holds
			// the reservation for this session.
			if db.IsDuplicateKeyErr(err) {
				return walletdomain.ErrReservationExists
			}
			return err
		}

		txn = s.newTransaction(req.UserID, walletdomain.DirectionDebit, walletdomain.CategoryReserve, req.Amount, req.Currency, before, balance.Available)
		txn.ReservationID = &reservation.ID
		txn.SessionID = &req.SessionID
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	s.recordMetric("reserve", err)
	if err != nil {
		return nil, nil, err
	}
	return reservation, txn, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) (*walletdomain.Transaction, error) {
	var txn *walletdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.repo.FindReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return walletdomain.ErrReservationNotFound
		}
		switch reservation.Status {
		case walletdomain.ReservationStatusReserved, walletdomain.ReservationStatusSettling:
		default:
			return walletdomain.ErrReservationResolved
		}

		balance, err := s.repo.GetBalanceForUpdate(ctx, tx, reservation.UserID, reservation.Currency)
		if err != nil {
			return err
		}
		if balance == nil || balance.Locked < reservation.Amount {
			return walletdomain.ErrInsufficientLocked
		}

		before := balance.Available
		balance.Locked -= reservation.Amount
		balance.Available += reservation.Amount
		balance.UpdatedAt = s.clock.Now()
		if err := s.repo.UpsertBalance(ctx, tx, balance); err != nil {
			return err
		}

		won, err := s.repo.UpdateReservationStatus(ctx, tx, reservation.ID, reservation.Status, walletdomain.ReservationStatusReleased)
		if err != nil {
			return err
		}
		if !won {
			return walletdomain.ErrReservationResolved
		}

		txn = s.newTransaction(reservation.UserID, walletdomain.DirectionCredit, walletdomain.CategoryRelease, reservation.Amount, reservation.Currency, before, balance.Available)
		txn.ReservationID = &reservation.ID
		txn.SessionID = &reservation.SessionID
		return s.repo.InsertTransaction(ctx, tx, txn)
	})
	s.recordMetric("release", err)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Service) MarkSettling(ctx context.Context, reservationID snowflake.ID) (*walletdomain.Reservation, error) {
	var out *walletdomain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.repo.FindReservationForUpdate(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return walletdomain.ErrReservationNotFound
		}
		switch reservation.Status {
		case walletdomain.ReservationStatusSettling:
			out = reservation
			return nil
		case walletdomain.ReservationStatusReserved:
		default:
			return walletdomain.ErrReservationResolved
		}

		if _, err := s.repo.UpdateReservationStatus(ctx, tx, reservation.ID, walletdomain.ReservationStatusReserved, walletdomain.ReservationStatusSettling); err != nil {
			return err
		}
		reservation.Status = walletdomain.ReservationStatusSettling
		out = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Settle(ctx context.Context, req walletdomain.SettleRequest) (*walletdomain.SettleResult, error) {
	if req.TotalCost < 0 || req.PlatformShare < 0 || req.ProviderShare < 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	if req.PlatformShare+req.ProviderShare != req.TotalCost {
		return nil, walletdomain.ErrInvalidAmount
	}

	var result walletdomain.SettleResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.repo.FindReservationForUpdate(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return walletdomain.ErrReservationNotFound
		}

		if reservation.Status == walletdomain.ReservationStatusSettled {
			return s.replaySettlement(ctx, tx, reservation, &result)
		}
		if reservation.Status != walletdomain.ReservationStatusSettling {
			return walletdomain.ErrReservationNotSettling
		}
		if req.TotalCost > reservation.Amount {
			return walletdomain.ErrInsufficientLocked
		}

		balances, err := s.lockBalances(ctx, tx, reservation.Currency,
			reservation.UserID, req.PlatformAccountID, reservation.ProviderID)
		if err != nil {
			return err
		}

		user := balances[reservation.UserID]
		if user.Locked < reservation.Amount {
			return walletdomain.ErrInsufficientLocked
		}

		now := s.clock.Now()
		remainder := reservation.Amount - req.TotalCost

		lockedBefore := user.Locked
		user.Locked -= reservation.Amount
		user.Available += remainder
		user.UpdatedAt = now

		if req.TotalCost > 0 {
			userDebit := s.newTransaction(reservation.UserID, walletdomain.DirectionDebit, walletdomain.CategorySessionCharge, req.TotalCost, reservation.Currency, lockedBefore, user.Locked)
			userDebit.ReservationID = &reservation.ID
			userDebit.SessionID = &reservation.SessionID
			if err := s.repo.InsertTransaction(ctx, tx, userDebit); err != nil {
				return err
			}
			result.UserDebit = userDebit

			platform := balances[req.PlatformAccountID]
			platformBefore := platform.Available
			platform.Available += req.PlatformShare
			platform.UpdatedAt = now
			platformCredit := s.newTransaction(req.PlatformAccountID, walletdomain.DirectionCredit, walletdomain.CategoryCommission, req.PlatformShare, reservation.Currency, platformBefore, platform.Available)
			platformCredit.ReservationID = &reservation.ID
			platformCredit.SessionID = &reservation.SessionID
			if err := s.repo.InsertTransaction(ctx, tx, platformCredit); err != nil {
				return err
			}
			result.PlatformCredit = platformCredit

			provider := balances[reservation.ProviderID]
			providerBefore := provider.Available
			provider.Available += req.ProviderShare
			provider.UpdatedAt = now
			providerCredit := s.newTransaction(reservation.ProviderID, walletdomain.DirectionCredit, walletdomain.CategorySessionEarning, req.ProviderShare, reservation.Currency, providerBefore, provider.Available)
			providerCredit.ReservationID = &reservation.ID
			providerCredit.SessionID = &reservation.SessionID
			if err := s.repo.InsertTransaction(ctx, tx, providerCredit); err != nil {
				return err
			}
			result.ProviderCredit = providerCredit
		}

		if remainder > 0 {
			release := s.newTransaction(reservation.UserID, walletdomain.DirectionCredit, walletdomain.CategoryRelease, remainder, reservation.Currency, user.Available-remainder, user.Available)
			release.ReservationID = &reservation.ID
			release.SessionID = &reservation.SessionID
			if err := s.repo.InsertTransaction(ctx, tx, release); err != nil {
				return err
			}
			result.Released = remainder
		}

		for _, b := range balances {
			if err := s.repo.UpsertBalance(ctx, tx, b); err != nil {
				return err
			}
		}

		won, err := s.repo.UpdateReservationStatus(ctx, tx, reservation.ID, walletdomain.ReservationStatusSettling, walletdomain.ReservationStatusSettled)
		if err != nil {
			return err
		}
		if !won {
			return walletdomain.ErrReservationResolved
		}
		return nil
	})
	s.recordMetric("settle", err)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// replaySettlement reports the prior settlement instead of re-applying it.
func (s *Service) replaySettlement(ctx context.Context, tx *gorm.DB, reservation *walletdomain.Reservation, result *walletdomain.SettleResult) error {
	txns, err := s.repo.FindTransactionsByReservation(ctx, tx, reservation.ID)
	if err != nil {
		return err
	}
	result.AlreadySettled = true
	for i := range txns {
		t := &txns[i]
		switch {
		case t.Category == walletdomain.CategorySessionCharge:
			result.UserDebit = t
		case t.Category == walletdomain.CategoryCommission:
			result.PlatformCredit = t
		case t.Category == walletdomain.CategorySessionEarning:
			result.ProviderCredit = t
		case t.Category == walletdomain.CategoryRelease:
			result.Released = t.Amount
		}
	}
	return nil
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (*walletdomain.Reservation, error) {
	reservation, err := s.repo.FindReservation(ctx, s.db, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, walletdomain.ErrReservationNotFound
	}
	return reservation, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID, currency string) (*walletdomain.Balance, error) {
	if accountID == 0 {
		return nil, walletdomain.ErrInvalidAccount
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		return nil, walletdomain.ErrInvalidCurrency
	}

	balance, err := s.repo.GetBalance(ctx, s.db, accountID, currency)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		now := s.clock.Now()
		return &walletdomain.Balance{AccountID: accountID, Currency: currency, CreatedAt: now, UpdatedAt: now}, nil
	}
	return balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, limit int) ([]walletdomain.Transaction, error) {
	if accountID == 0 {
		return nil, walletdomain.ErrInvalidAccount
	}
	return s.repo.ListTransactions(ctx, s.db, accountID, limit)
}

// lockBalances acquires the involved balance rows in ascending account
// order so concurrent settlements cannot deadlock, creating missing rows
// as zero balances.
func (s *Service) lockBalances(ctx context.Context, tx *gorm.DB, currency string, accountIDs ...snowflake.ID) (map[snowflake.ID]*walletdomain.Balance, error) {
	seen := make(map[snowflake.ID]struct{}, len(accountIDs))
	ordered := make([]snowflake.ID, 0, len(accountIDs))
	for _, id := range accountIDs {
		if id == 0 {
			return nil, walletdomain.ErrInvalidAccount
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	out := make(map[snowflake.ID]*walletdomain.Balance, len(ordered))
	for _, id := range ordered {
		balance, err := s.lockOrCreateBalance(ctx, tx, id, currency)
		if err != nil {
			return nil, err
		}
		out[id] = balance
	}
	return out, nil
}

func (s *Service) lockOrCreateBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, currency string) (*walletdomain.Balance, error) {
	balance, err := s.repo.GetBalanceForUpdate(ctx, tx, accountID, currency)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}

	now := s.clock.Now()
	balance = &walletdomain.Balance{
		AccountID: accountID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.UpsertBalance(ctx, tx, balance); err != nil {
		return nil, err
	}
	// Re-read under lock so a concurrent creator cannot slip past.
	return s.repo.GetBalanceForUpdate(ctx, tx, accountID, currency)
}

func (s *Service) newTransaction(accountID snowflake.ID, direction walletdomain.Direction, category walletdomain.Category, amount int64, currency string, before, after int64) *walletdomain.Transaction {
	id := s.genID.Generate()
	return &walletdomain.Transaction{
		ID:            id,
		Ref:           walletdomain.TransactionRef(id),
		AccountID:     accountID,
		Direction:     direction,
		Category:      category,
		Amount:        amount,
		Currency:      currency,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        walletdomain.TransactionStatusSuccess,
		CreatedAt:     s.clock.Now(),
	}
}

func (s *Service) recordMetric(operation string, err error) {
	if s.metrics != nil {
		s.metrics.WalletOp(operation, err)
	}
}

func validateMoney(accountID snowflake.ID, amount int64, currency string) error {
	if accountID == 0 {
		return walletdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return walletdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(currency) == "" {
		return walletdomain.ErrInvalidCurrency
	}
	return nil
}
