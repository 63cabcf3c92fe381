package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/migration"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/notify"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	sessionrepo "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/repository"
	settlementdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement/domain"
	walletdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/domain"
	walletrepo "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/repository"
	walletsvc "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type settleEnv struct {
	svc    settlementdomain.Service
	wallet walletdomain.Service
	repo   sessiondomain.Repository
	db     *gorm.DB
	clock  *clock.FakeClock
	node   *snowflake.Node
}

func setupSettlement(t *testing.T) *settleEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := migration.RunSQLite(sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(6)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	wallet := walletsvc.New(walletsvc.Params{
		DB: db, Log: log, GenID: node, Repo: walletrepo.Provide(), Clock: fake,
	})
	repo := sessionrepo.Provide()
	svc := New(Params{
		DB: db, Log: log,
		Cfg:      config.Config{PlatformAccountID: int64(node.Generate())},
		Billing:  config.NewBillingConfigHolderFrom(config.DefaultBillingConfig()),
		Clock:    fake,
		Sessions: repo,
		Wallet:   wallet,
		Notifier: notify.NewLogNotifier(log),
	})

	return &settleEnv{svc: svc, wallet: wallet, repo: repo, db: db, clock: fake, node: node}
}

// failedSession persists a terminal session whose payment failed after the
// given number of attempts, backed by a live reservation of 500 at 50/min.
func (e *settleEnv) failedSession(t *testing.T, attempts int) *sessiondomain.Session {
	t.Helper()
	ctx := context.Background()
	user := e.node.Generate()
	provider := e.node.Generate()
	sessionID := e.node.Generate()

	if _, err := e.wallet.Credit(ctx, walletdomain.CreditRequest{
		AccountID: user, Amount: 1000, Currency: "INR", Category: walletdomain.CategoryTopup,
	}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	reservation, _, err := e.wallet.Reserve(ctx, walletdomain.ReserveRequest{
		UserID:           user,
		ProviderID:       provider,
		SessionID:        sessionID,
		Kind:             "CALL",
		RatePerMinute:    50,
		Currency:         "INR",
		Amount:           500,
		EstimatedMinutes: 10,
		CommissionPct:    20,
		TaxPct:           18,
		ExpiresAt:        e.clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	now := e.clock.Now()
	ended := now.Add(2 * time.Minute)
	session := &sessiondomain.Session{
		ID:                 sessionID,
		UserID:             user,
		ProviderID:         provider,
		Kind:               sessiondomain.KindCall,
		MediaType:          "audio",
		RatePerMinute:      50,
		Currency:           "INR",
		Status:             sessiondomain.StatusCompleted,
		RequestedAt:        now,
		EndedAt:            &ended,
		BilledDurationSecs: 120,
		ReservationID:      &reservation.ID,
		PaymentStatus:      sessiondomain.PaymentStatusFailed,
		PaymentAttempts:    attempts,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.repo.Insert(ctx, e.db, session); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return session
}

func TestSettleAtAttemptCeilingIsExhausted(t *testing.T) {
	e := setupSettlement(t)
	ceiling := config.DefaultBillingConfig().SettlementRetryAttempts
	session := e.failedSession(t, ceiling)

	err := e.svc.SettleSession(context.Background(), session.ID)
	if !errors.Is(err, settlementdomain.ErrRetriesExhausted) {
		t.Fatalf("settle err = %v, want ErrRetriesExhausted", err)
	}

	// No money moved; the hold stays put for manual reconciliation.
	balance, err := e.wallet.GetBalance(context.Background(), session.UserID, "INR")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 500 || balance.Locked != 500 {
		t.Fatalf("after exhausted settle: available=%d locked=%d", balance.Available, balance.Locked)
	}
}

func TestRetryBelowCeilingSettles(t *testing.T) {
	e := setupSettlement(t)
	session := e.failedSession(t, 2)

	if err := e.svc.RetryFailedSettlements(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	fresh, err := e.repo.Find(context.Background(), e.db, session.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fresh.PaymentStatus != sessiondomain.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want PAID", fresh.PaymentStatus)
	}
	// 120s at 50/min prices to 100: 20 commission, 80 provider, 400 back.
	if fresh.TotalCost != 100 || fresh.ProviderEarnings != 80 {
		t.Fatalf("cost=%d provider=%d, want 100/80", fresh.TotalCost, fresh.ProviderEarnings)
	}
	userBal, err := e.wallet.GetBalance(context.Background(), session.UserID, "INR")
	if err != nil {
		t.Fatalf("user balance: %v", err)
	}
	if userBal.Available != 900 || userBal.Locked != 0 {
		t.Fatalf("user after settle: available=%d locked=%d", userBal.Available, userBal.Locked)
	}
	providerBal, err := e.wallet.GetBalance(context.Background(), session.ProviderID, "INR")
	if err != nil {
		t.Fatalf("provider balance: %v", err)
	}
	if providerBal.Available != 80 {
		t.Fatalf("provider after settle: available=%d, want 80", providerBal.Available)
	}
}

func TestRetryLoopSkipsExhaustedSessions(t *testing.T) {
	e := setupSettlement(t)
	ceiling := config.DefaultBillingConfig().SettlementRetryAttempts
	exhausted := e.failedSession(t, ceiling)

	if err := e.svc.RetryFailedSettlements(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	fresh, err := e.repo.Find(context.Background(), e.db, exhausted.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if fresh.PaymentStatus != sessiondomain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want FAILED untouched", fresh.PaymentStatus)
	}
	if fresh.PaymentAttempts != ceiling {
		t.Fatalf("attempts = %d, want %d unchanged", fresh.PaymentAttempts, ceiling)
	}
}
