package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/migration"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/notify"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/presence"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	sessionrepo "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/repository"
	sessionsvc "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/service"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
	requestrepo "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/repository"
	settlementsvc "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement/service"
	walletrepo "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/repository"
	walletsvc "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type noopTimers struct{}

func (noopTimers) Start(snowflake.ID, time.Duration) {}
func (noopTimers) Pause(snowflake.ID)                {}
func (noopTimers) Resume(snowflake.ID)               {}
func (noopTimers) Stop(snowflake.ID)                 {}

type recordingEvents struct {
	mu     sync.Mutex
	events map[snowflake.ID][]sessiondomain.Event
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{events: make(map[snowflake.ID][]sessiondomain.Event)}
}

func (r *recordingEvents) Publish(accountID snowflake.ID, event sessiondomain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[accountID] = append(r.events[accountID], event)
}

func (r *recordingEvents) kinds(accountID snowflake.ID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events[accountID] {
		out = append(out, e.Kind)
	}
	return out
}

type brokerEnv struct {
	broker   *Service
	params   Params
	sessions sessiondomain.Service
	presence presence.Tracker
	events   *recordingEvents
	clock    *clock.FakeClock
	node     *snowflake.Node
}

func setupBroker(t *testing.T) *brokerEnv {
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

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	holder := config.NewBillingConfigHolderFrom(config.DefaultBillingConfig())
	events := newRecordingEvents()
	notifier := notify.NewLogNotifier(log)
	tracker := presence.NewMemoryTracker()

	wallet := walletsvc.New(walletsvc.Params{
		DB: db, Log: log, GenID: node, Repo: walletrepo.Provide(), Clock: fake,
	})
	sessionRepo := sessionrepo.Provide()
	settlement := settlementsvc.New(settlementsvc.Params{
		DB: db, Log: log,
		Cfg:      config.Config{PlatformAccountID: int64(node.Generate())},
		Billing:  holder,
		Clock:    fake,
		Sessions: sessionRepo,
		Wallet:   wallet,
		Notifier: notifier,
	})
	sessions := sessionsvc.New(sessionsvc.Params{
		DB: db, Log: log, GenID: node,
		Repo:       sessionRepo,
		Clock:      fake,
		Wallet:     wallet,
		Billing:    holder,
		Timers:     noopTimers{},
		Settlement: settlement,
		Events:     events,
	})

	params := Params{
		DB: db, Log: log, GenID: node,
		Repo:        requestrepo.Provide(),
		SessionRepo: sessionRepo,
		Sessions:    sessions,
		Clock:       fake,
		Billing:     holder,
		Presence:    tracker,
		Notifier:    notifier,
		Events:      events,
	}
	broker := New(params)
	t.Cleanup(broker.Shutdown)

	return &brokerEnv{
		broker:   broker,
		params:   params,
		sessions: sessions,
		presence: tracker,
		events:   events,
		clock:    fake,
		node:     node,
	}
}

func (e *brokerEnv) onlineProvider(t *testing.T) snowflake.ID {
	t.Helper()
	provider := e.node.Generate()
	if err := e.presence.MarkOnline(context.Background(), provider); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	return provider
}

func (e *brokerEnv) request(t *testing.T, requester, provider snowflake.ID, kind string) *requestdomain.SessionRequest {
	t.Helper()
	request, err := e.broker.Request(context.Background(), requestdomain.RequestInput{
		RequesterID:   requester,
		ProviderID:    provider,
		Kind:          kind,
		MediaType:     mediaFor(kind),
		RatePerMinute: 50,
		Currency:      "INR",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return request
}

func mediaFor(kind string) string {
	if kind == "CHAT" {
		return "text"
	}
	return "audio"
}

func TestRequestGuards(t *testing.T) {
	e := setupBroker(t)
	ctx := context.Background()
	requester := e.node.Generate()
	provider := e.onlineProvider(t)

	_, err := e.broker.Request(ctx, requestdomain.RequestInput{
		RequesterID: requester, ProviderID: requester,
		Kind: "CALL", MediaType: "audio", RatePerMinute: 50, Currency: "INR",
	})
	if !errors.Is(err, requestdomain.ErrSelfRequest) {
		t.Fatalf("self request err = %v, want ErrSelfRequest", err)
	}

	offline := e.node.Generate()
	_, err = e.broker.Request(ctx, requestdomain.RequestInput{
		RequesterID: requester, ProviderID: offline,
		Kind: "CALL", MediaType: "audio", RatePerMinute: 50, Currency: "INR",
	})
	if !errors.Is(err, requestdomain.ErrProviderUnavailable) {
		t.Fatalf("offline provider err = %v, want ErrProviderUnavailable", err)
	}

	_, err = e.broker.Request(ctx, requestdomain.RequestInput{
		RequesterID: requester, ProviderID: provider,
		Kind: "FAX", MediaType: "audio", RatePerMinute: 50, Currency: "INR",
	})
	if !errors.Is(err, requestdomain.ErrInvalidKind) {
		t.Fatalf("bad kind err = %v, want ErrInvalidKind", err)
	}

	e.request(t, requester, provider, "CALL")
	_, err = e.broker.Request(ctx, requestdomain.RequestInput{
		RequesterID: requester, ProviderID: provider,
		Kind: "CALL", MediaType: "audio", RatePerMinute: 50, Currency: "INR",
	})
	if !errors.Is(err, requestdomain.ErrDuplicateRequest) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateRequest", err)
	}
}

func TestRequestCreatesSessionAtomically(t *testing.T) {
	e := setupBroker(t)
	requester := e.node.Generate()
	provider := e.onlineProvider(t)

	request := e.request(t, requester, provider, "CHAT")
	if request.Status != requestdomain.RequestStatusPending {
		t.Fatalf("status = %s, want PENDING", request.Status)
	}

	// Chat accept window is the longer one.
	wantExpiry := e.clock.Now().Add(5 * time.Minute)
	if !request.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires_at = %v, want %v", request.ExpiresAt, wantExpiry)
	}

	session, err := e.sessions.Get(context.Background(), request.SessionID)
	if err != nil {
		t.Fatalf("backing session: %v", err)
	}
	if session.Status != sessiondomain.StatusRequested {
		t.Fatalf("session status = %s, want REQUESTED", session.Status)
	}
	if session.UserID != requester || session.ProviderID != provider {
		t.Fatal("session parties do not match request")
	}
}

func TestAcceptIsProviderOnly(t *testing.T) {
	e := setupBroker(t)
	requester := e.node.Generate()
	provider := e.onlineProvider(t)
	request := e.request(t, requester, provider, "CALL")

	if _, err := e.broker.Accept(context.Background(), request.ID, requester); !errors.Is(err, requestdomain.ErrUnauthorized) {
		t.Fatalf("requester accept err = %v, want ErrUnauthorized", err)
	}

	accepted, err := e.broker.Accept(context.Background(), request.ID, provider)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != requestdomain.RequestStatusAccepted {
		t.Fatalf("status = %s, want ACCEPTED", accepted.Status)
	}

	session, err := e.sessions.Get(context.Background(), request.SessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Status != sessiondomain.StatusAccepted {
		t.Fatalf("session status = %s, want ACCEPTED", session.Status)
	}
}

func TestCancelIsRequesterOnly(t *testing.T) {
	e := setupBroker(t)
	requester := e.node.Generate()
	provider := e.onlineProvider(t)
	request := e.request(t, requester, provider, "CALL")

	if _, err := e.broker.Cancel(context.Background(), request.ID, provider); !errors.Is(err, requestdomain.ErrUnauthorized) {
		t.Fatalf("provider cancel err = %v, want ErrUnauthorized", err)
	}
	cancelled, err := e.broker.Cancel(context.Background(), request.ID, requester)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != requestdomain.RequestStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}

	// Resolution is final.
	if _, err := e.broker.Accept(context.Background(), request.ID, provider); !errors.Is(err, requestdomain.ErrAlreadyResolved) {
		t.Fatalf("accept after cancel err = %v, want ErrAlreadyResolved", err)
	}
}

func TestRacingResolutionsHaveOneWinner(t *testing.T) {
	e := setupBroker(t)
	requester := e.node.Generate()
	provider := e.onlineProvider(t)
	request := e.request(t, requester, provider, "CALL")

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = e.broker.Accept(context.Background(), request.ID, provider)
			} else {
				_, err = e.broker.Reject(context.Background(), request.ID, provider)
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, requestdomain.ErrAlreadyResolved):
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestExpiryFiresOnceAndNotifiesRequesterOnly(t *testing.T) {
	e := setupBroker(t)
	requester := e.node.Generate()
	provider := e.onlineProvider(t)
	request := e.request(t, requester, provider, "CALL")

	e.clock.Advance(4 * time.Minute)
	e.broker.expire(request.ID)
	// A duplicate timer fire must be a no-op.
	e.broker.expire(request.ID)

	expired, err := e.broker.Get(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.Status != requestdomain.RequestStatusExpired {
		t.Fatalf("status = %s, want EXPIRED", expired.Status)
	}

	session, err := e.sessions.Get(context.Background(), request.SessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Status != sessiondomain.StatusExpired {
		t.Fatalf("session status = %s, want EXPIRED", session.Status)
	}
	if session.BilledDurationSecs != 0 || session.TotalCost != 0 {
		t.Fatal("expired request accrued billing")
	}

	requesterExpired := 0
	for _, kind := range e.events.kinds(requester) {
		if kind == EventRequestExpired {
			requesterExpired++
		}
	}
	if requesterExpired != 1 {
		t.Fatalf("requester expiry events = %d, want 1", requesterExpired)
	}
	for _, kind := range e.events.kinds(provider) {
		if kind == EventRequestExpired {
			t.Fatal("provider was notified of expiry")
		}
	}

	// Accepting an expired request fails with the expiry error.
	if _, err := e.broker.Accept(context.Background(), request.ID, provider); !errors.Is(err, requestdomain.ErrExpired) {
		t.Fatalf("accept after expiry err = %v, want ErrExpired", err)
	}
}

func TestAcceptAfterDeadlineIsExpired(t *testing.T) {
	e := setupBroker(t)
	requester := e.node.Generate()
	provider := e.onlineProvider(t)
	request := e.request(t, requester, provider, "CALL")

	// Deadline passed but the timer has not fired yet.
	e.clock.Advance(3*time.Minute + time.Second)
	if _, err := e.broker.Accept(context.Background(), request.ID, provider); !errors.Is(err, requestdomain.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

// restartBroker stands in for a process restart: the old broker's timers
// die with it and a fresh instance comes up over the same database.
func (e *brokerEnv) restartBroker(t *testing.T) *Service {
	t.Helper()
	e.broker.Shutdown()
	broker := New(e.params)
	t.Cleanup(broker.Shutdown)
	return broker
}

func TestRequestWhileProviderInSessionUnavailable(t *testing.T) {
	e := setupBroker(t)
	provider := e.onlineProvider(t)
	first := e.node.Generate()

	request := e.request(t, first, provider, "CHAT")
	if _, err := e.broker.Accept(context.Background(), request.ID, provider); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := e.sessions.Transition(context.Background(), request.SessionID, sessiondomain.StatusActive, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Online but mid-session counts as unavailable.
	second := e.node.Generate()
	_, err := e.broker.Request(context.Background(), requestdomain.RequestInput{
		RequesterID:   second,
		ProviderID:    provider,
		Kind:          "CHAT",
		MediaType:     "text",
		RatePerMinute: 50,
		Currency:      "INR",
	})
	if !errors.Is(err, requestdomain.ErrProviderUnavailable) {
		t.Fatalf("request to busy provider err = %v, want ErrProviderUnavailable", err)
	}

	// A paused session still occupies the provider.
	if _, err := e.sessions.Transition(context.Background(), request.SessionID, sessiondomain.StatusPaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = e.broker.Request(context.Background(), requestdomain.RequestInput{
		RequesterID:   second,
		ProviderID:    provider,
		Kind:          "CHAT",
		MediaType:     "text",
		RatePerMinute: 50,
		Currency:      "INR",
	})
	if !errors.Is(err, requestdomain.ErrProviderUnavailable) {
		t.Fatalf("request to paused provider err = %v, want ErrProviderUnavailable", err)
	}

	// Once the session ends the provider is reachable again.
	if _, err := e.sessions.Transition(context.Background(), request.SessionID, sessiondomain.StatusCompleted, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e.request(t, second, provider, "CHAT")
}

func TestLapsedPendingDoesNotBlockNewRequest(t *testing.T) {
	e := setupBroker(t)
	provider := e.onlineProvider(t)
	requester := e.node.Generate()

	stale := e.request(t, requester, provider, "CHAT")

	// The expiry timer dies with the process; only the clock moves on.
	broker := e.restartBroker(t)
	e.clock.Advance(10 * time.Minute)

	fresh, err := broker.Request(context.Background(), requestdomain.RequestInput{
		RequesterID:   requester,
		ProviderID:    provider,
		Kind:          "CHAT",
		MediaType:     "text",
		RatePerMinute: 50,
		Currency:      "INR",
	})
	if err != nil {
		t.Fatalf("lapsed pending row still blocks the pair: %v", err)
	}
	if fresh.ID == stale.ID {
		t.Fatal("expected a distinct request")
	}
}

func TestRearmExpiresStalePendingAtBoot(t *testing.T) {
	e := setupBroker(t)
	provider := e.onlineProvider(t)
	requester := e.node.Generate()

	stale := e.request(t, requester, provider, "CHAT")

	broker := e.restartBroker(t)
	e.clock.Advance(10 * time.Minute)

	if err := broker.RearmPending(context.Background()); err != nil {
		t.Fatalf("rearm: %v", err)
	}

	got, err := broker.Get(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != requestdomain.RequestStatusExpired {
		t.Fatalf("stale request status = %s, want EXPIRED", got.Status)
	}
	session, err := e.sessions.Get(context.Background(), stale.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != sessiondomain.StatusExpired {
		t.Fatalf("backing session status = %s, want EXPIRED", session.Status)
	}
	var expired int
	for _, kind := range e.events.kinds(requester) {
		if kind == EventRequestExpired {
			expired++
		}
	}
	if expired != 1 {
		t.Fatalf("requester expiry events = %d, want 1", expired)
	}
}
