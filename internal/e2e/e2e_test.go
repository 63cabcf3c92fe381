package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/billingtimer"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/migration"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/notify"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/presence"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/server"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/settlement"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/signaling"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/wallet"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app     *fx.App
	server  *server.Server
	db      *gorm.DB
	node    *snowflake.Node
	tracker presence.Tracker
	ticker  sessiondomain.TickHandler
	baseURL string
	httpSrv *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv() (*testEnv, error) {
	var (
		srv     *server.Server
		dbConn  *gorm.DB
		node    *snowflake.Node
		tracker presence.Tracker
		ticker  sessiondomain.TickHandler
	)

	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,
		presence.Module,
		notify.Module,
		wallet.Module,
		billingtimer.Module,
		signaling.Module,
		session.Module,
		settlement.Module,
		sessionrequest.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(1)
		}),
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &node, &tracker, &ticker),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())
	return &testEnv{
		app:     app,
		server:  srv,
		db:      dbConn,
		node:    node,
		tracker: tracker,
		ticker:  ticker,
		baseURL: httpSrv.URL,
		httpSrv: httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("DATABASE_TYPE", "sqlite")
	setEnvIfEmpty("DATABASE_NAME", "file:e2e?mode=memory&cache=shared")
	setEnvIfEmpty("DATABASE_MAX_OPEN_CONN", "1")
	setEnvIfEmpty("DATABASE_MAX_IDLE_CONN", "1")
	setEnvIfEmpty("PRESENCE_BACKEND", "memory")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

// accounts mints a fresh requester/provider pair per test so tests do not
// share wallet or session state.
func accounts(t *testing.T) (user, provider snowflake.ID) {
	t.Helper()
	user = env.node.Generate()
	provider = env.node.Generate()
	if err := env.tracker.MarkOnline(context.Background(), provider); err != nil {
		t.Fatalf("mark provider online: %v", err)
	}
	return user, provider
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_FullConsultationFlow(t *testing.T) {
	user, provider := accounts(t)

	topUp(t, user, 1000)

	created := struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
	}{}
	resp, body := doJSON(t, http.MethodPost, "/v1/session/request", user, map[string]any{
		"provider_id":     int64(provider),
		"kind":            "CALL",
		"media_type":      "audio",
		"rate_per_minute": 50,
		"currency":        "INR",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	resp, body = doJSON(t, http.MethodPost, "/v1/session/request/"+created.RequestID+"/accept", provider, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept request: %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, "/v1/session/"+created.SessionID+"/start", user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start session: %d: %s", resp.StatusCode, body)
	}
	if status := sessionStatus(t, created.SessionID, user); status != "ACTIVE" {
		t.Fatalf("session status = %s, want ACTIVE", status)
	}

	// Reserve took the 10-minute estimate out of the available balance.
	available, locked := balance(t, user)
	if available != 500 || locked != 500 {
		t.Fatalf("balance after start = %d/%d, want 500 available, 500 locked", available, locked)
	}

	// Drive two billing minutes directly, as the timer registry would.
	sessionID := mustParseID(t, created.SessionID)
	env.ticker.OnBillingTick(context.Background(), sessionID, time.Minute)
	env.ticker.OnBillingTick(context.Background(), sessionID, time.Minute)

	ended := struct {
		Status         string `json:"status"`
		BilledDuration int64  `json:"billed_duration"`
		TotalCost      int64  `json:"total_cost"`
		PaymentStatus  string `json:"payment_status"`
	}{}
	resp, body = doJSON(t, http.MethodPost, "/v1/session/"+created.SessionID+"/end", user, map[string]any{"reason": "done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end session: %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &ended); err != nil {
		t.Fatalf("decode end response: %v", err)
	}
	if ended.Status != "COMPLETED" || ended.PaymentStatus != "PAID" {
		t.Fatalf("end = %+v, want COMPLETED/PAID", ended)
	}
	if ended.BilledDuration != 120 || ended.TotalCost != 100 {
		t.Fatalf("billing = %ds/%d, want 120s/100", ended.BilledDuration, ended.TotalCost)
	}

	// 100 settled with a 20 percent commission; the unused reservation came back.
	available, locked = balance(t, user)
	if available != 900 || locked != 0 {
		t.Fatalf("user balance after settle = %d/%d, want 900/0", available, locked)
	}
	providerAvailable, _ := balance(t, provider)
	if providerAvailable != 80 {
		t.Fatalf("provider earnings = %d, want 80", providerAvailable)
	}
}

func TestE2E_StartWithoutFundsReportsShortfall(t *testing.T) {
	user, provider := accounts(t)
	topUp(t, user, 120)

	created := struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
	}{}
	resp, body := doJSON(t, http.MethodPost, "/v1/session/request", user, map[string]any{
		"provider_id":     int64(provider),
		"kind":            "CHAT",
		"media_type":      "text",
		"rate_per_minute": 50,
		"currency":        "INR",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/session/request/"+created.RequestID+"/accept", provider, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept request: %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, "/v1/session/"+created.SessionID+"/start", user, nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("start without funds: %d, want 402: %s", resp.StatusCode, body)
	}
	var payload struct {
		Error struct {
			Type      string `json:"type"`
			Shortfall *int64 `json:"shortfall"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error.Type != "payment_required" || payload.Error.Shortfall == nil || *payload.Error.Shortfall != 380 {
		t.Fatalf("error payload = %s, want shortfall 380", body)
	}

	// The failed start must leave the session joinable after a top-up.
	if status := sessionStatus(t, created.SessionID, user); status != "ACCEPTED" {
		t.Fatalf("session status = %s, want ACCEPTED", status)
	}
	topUp(t, user, 1000)
	resp, body = doJSON(t, http.MethodPost, "/v1/session/"+created.SessionID+"/start", user, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start after topup: %d: %s", resp.StatusCode, body)
	}
}

func TestE2E_RejectedRequestNeverBills(t *testing.T) {
	user, provider := accounts(t)
	topUp(t, user, 1000)

	created := struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
	}{}
	resp, body := doJSON(t, http.MethodPost, "/v1/session/request", user, map[string]any{
		"provider_id":     int64(provider),
		"kind":            "CALL",
		"media_type":      "video",
		"rate_per_minute": 50,
		"currency":        "INR",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	resp, body = doJSON(t, http.MethodPost, "/v1/session/request/"+created.RequestID+"/reject", provider, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject request: %d: %s", resp.StatusCode, body)
	}

	// Accepting a resolved request conflicts.
	resp, body = doJSON(t, http.MethodPost, "/v1/session/request/"+created.RequestID+"/accept", provider, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("accept after reject: %d, want 409: %s", resp.StatusCode, body)
	}

	if status := sessionStatus(t, created.SessionID, user); status != "REJECTED" {
		t.Fatalf("session status = %s, want REJECTED", status)
	}
	available, locked := balance(t, user)
	if available != 1000 || locked != 0 {
		t.Fatalf("balance touched by rejected request: %d/%d", available, locked)
	}
}

func TestE2E_WebsocketOfferReachesPeer(t *testing.T) {
	user, provider := accounts(t)
	topUp(t, user, 1000)

	created := struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
	}{}
	resp, body := doJSON(t, http.MethodPost, "/v1/session/request", user, map[string]any{
		"provider_id":     int64(provider),
		"kind":            "CALL",
		"media_type":      "audio",
		"rate_per_minute": 50,
		"currency":        "INR",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/session/request/"+created.RequestID+"/accept", provider, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept request: %d: %s", resp.StatusCode, body)
	}

	userWS := dialWS(t, user)
	defer userWS.Close()
	providerWS := dialWS(t, provider)
	defer providerWS.Close()

	offer, err := json.Marshal(signaling.Envelope{
		Event:     signaling.EventOffer,
		SessionID: mustParseID(t, created.SessionID),
		Data:      json.RawMessage(`{"sdp":"v=0 e2e-offer"}`),
	})
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	if err := userWS.WriteMessage(websocket.TextMessage, offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	// The first offer also moves the session to RINGING, which pushes a
	// sessionState frame ahead of the forwarded offer.
	got := readEvent(t, providerWS, signaling.EventOffer)
	if string(got) != string(offer) {
		t.Fatalf("offer rewritten in transit:\n got %s\nwant %s", got, offer)
	}
}

// readEvent reads frames until one carries the wanted event kind.
func readEvent(t *testing.T, conn *websocket.Conn, event string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var envelope signaling.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		if envelope.Event == event {
			return raw
		}
	}
	t.Fatalf("no %s frame before deadline", event)
	return nil
}

func topUp(t *testing.T, account snowflake.ID, amount int64) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, "/v1/wallet/topup", account, map[string]any{
		"amount":   amount,
		"currency": "INR",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("topup: %d: %s", resp.StatusCode, body)
	}
}

func balance(t *testing.T, account snowflake.ID) (available, locked int64) {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, "/v1/wallet/balance?currency=INR", account, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get balance: %d: %s", resp.StatusCode, body)
	}
	var payload struct {
		Data struct {
			Available int64 `json:"available"`
			Locked    int64 `json:"locked"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	return payload.Data.Available, payload.Data.Locked
}

func sessionStatus(t *testing.T, sessionID string, caller snowflake.ID) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, "/v1/session/"+sessionID, caller, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: %d: %s", resp.StatusCode, body)
	}
	var payload struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return payload.Data.Status
}

func dialWS(t *testing.T, account snowflake.ID) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.baseURL, "http") + "/v1/ws"
	header := http.Header{}
	header.Set("X-Account-ID", account.String())
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial ws (%d): %v", status, err)
	}
	return conn
}

func mustParseID(t *testing.T, value string) snowflake.ID {
	t.Helper()
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		t.Fatalf("invalid snowflake id: %s", value)
	}
	return parsed
}

func doJSON(t *testing.T, method, path string, account snowflake.ID, payload any) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Account-ID", account.String())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}
