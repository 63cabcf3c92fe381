package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

// lockSuffix appends FOR UPDATE on engines that support row locks.
// sqlite serializes writers on its own.
func lockSuffix(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func (r *repo) GetBalanceForUpdate(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*walletdomain.Balance, error) {
	var balance walletdomain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, currency, available, locked, bonus, pending_incoming, created_at, updated_at
		 FROM balances WHERE account_id = ? AND currency = ?`+lockSuffix(db),
		accountID,
		currency,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.AccountID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, currency string) (*walletdomain.Balance, error) {
	var balance walletdomain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, currency, available, locked, bonus, pending_incoming, created_at, updated_at
		 FROM balances WHERE account_id = ? AND currency = ?`,
		accountID,
		currency,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.AccountID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) UpsertBalance(ctx context.Context, db *gorm.DB, b *walletdomain.Balance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO balances (account_id, currency, available, locked, bonus, pending_incoming, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, currency) DO UPDATE SET
		   available = excluded.available,
		   locked = excluded.locked,
		   bonus = excluded.bonus,
		   pending_incoming = excluded.pending_incoming,
		   updated_at = excluded.updated_at`,
		b.AccountID,
		b.Currency,
		b.Available,
		b.Locked,
		b.Bonus,
		b.PendingIncoming,
		b.CreatedAt,
		b.UpdatedAt,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, t *walletdomain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (id, ref, account_id, direction, category, amount, currency,
		   balance_before, balance_after, status, reservation_id, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Ref,
		t.AccountID,
		string(t.Direction),
		string(t.Category),
		t.Amount,
		t.Currency,
		t.BalanceBefore,
		t.BalanceAfter,
		string(t.Status),
		t.ReservationID,
		t.SessionID,
		t.CreatedAt,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]walletdomain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []walletdomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, ref, account_id, direction, category, amount, currency,
		   balance_before, balance_after, status, reservation_id, session_id, created_at
		 FROM transactions WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID,
		limit,
	).Scan(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) FindTransactionsByReservation(ctx context.Context, db *gorm.DB, reservationID snowflake.ID) ([]walletdomain.Transaction, error) {
	var txns []walletdomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, ref, account_id, direction, category, amount, currency,
		   balance_before, balance_after, status, reservation_id, session_id, created_at
		 FROM transactions WHERE reservation_id = ? ORDER BY created_at ASC, id ASC`,
		reservationID,
	).Scan(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, res *walletdomain.Reservation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reservations (id, user_id, provider_id, session_id, kind, rate_per_minute,
		   currency, amount, estimated_minutes, commission_pct, tax_pct, status, expires_at,
		   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID,
		res.UserID,
		res.ProviderID,
		res.SessionID,
		res.Kind,
		res.RatePerMinute,
		res.Currency,
		res.Amount,
		res.EstimatedMinutes,
		res.CommissionPct,
		res.TaxPct,
		string(res.Status),
		res.ExpiresAt,
		res.CreatedAt,
		res.UpdatedAt,
	).Error
}

func (r *repo) FindReservationForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*walletdomain.Reservation, error) {
	var res walletdomain.Reservation
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, provider_id, session_id, kind, rate_per_minute, currency, amount,
		   estimated_minutes, commission_pct, tax_pct, status, expires_at, created_at, updated_at
		 FROM reservations WHERE id = ?`+lockSuffix(db),
		id,
	).Scan(&res).Error
	if err != nil {
		return nil, err
	}
	if res.ID == 0 {
		return nil, nil
	}
	return &res, nil
}

func (r *repo) FindReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*walletdomain.Reservation, error) {
	var res walletdomain.Reservation
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, provider_id, session_id, kind, rate_per_minute, currency, amount,
		   estimated_minutes, commission_pct, tax_pct, status, expires_at, created_at, updated_at
		 FROM reservations WHERE id = ?`,
		id,
	).Scan(&res).Error
	if err != nil {
		return nil, err
	}
	if res.ID == 0 {
		return nil, nil
	}
	return &res, nil
}

// UpdateReservationStatus performs a guarded transition and reports
// whether this caller won the update.
func (r *repo) UpdateReservationStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to walletdomain.ReservationStatus) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to),
		time.Now().UTC(),
		id,
		string(from),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
