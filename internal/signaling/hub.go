package signaling

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sendBuffer = 64

// Connection is one live signaling attachment for an account. Outbound
// frames are queued on Send; a slow consumer drops frames rather than
// blocking the hub.
type Connection struct {
	ID        uuid.UUID
	AccountID snowflake.ID
	Send      chan []byte
}

// Hub tracks live connections per account and fans frames out to them.
// An account may hold several connections (multiple tabs/devices); all of
// them receive every frame addressed to the account.
type Hub struct {
	log *zap.Logger

	mu       sync.RWMutex
	accounts map[snowflake.ID]map[uuid.UUID]*Connection
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log.Named("signaling.hub"),
		accounts: make(map[snowflake.ID]map[uuid.UUID]*Connection),
	}
}

// Attach registers a new connection for the account.
func (h *Hub) Attach(accountID snowflake.ID) *Connection {
	conn := &Connection{
		ID:        uuid.New(),
		AccountID: accountID,
		Send:      make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.accounts[accountID]
	if !ok {
		conns = make(map[uuid.UUID]*Connection)
		h.accounts[accountID] = conns
	}
	conns[conn.ID] = conn
	return conn
}

// Detach removes the connection and reports whether it was the account's
// last one.
func (h *Hub) Detach(conn *Connection) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.accounts[conn.AccountID]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID]; !ok {
		return false
	}
	delete(conns, conn.ID)
	close(conn.Send)
	if len(conns) == 0 {
		delete(h.accounts, conn.AccountID)
		return true
	}
	return false
}

// Online reports whether the account has at least one live connection.
func (h *Hub) Online(accountID snowflake.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID]) > 0
}

// Send queues a frame to every live connection of the account. Reports
// whether at least one connection accepted it.
func (h *Hub) Send(accountID snowflake.ID, frame []byte) bool {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.accounts[accountID]))
	for _, conn := range h.accounts[accountID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	delivered := false
	for _, conn := range conns {
		select {
		case conn.Send <- frame:
			delivered = true
		default:
			h.log.Warn("dropping frame for slow consumer",
				zap.String("connection_id", conn.ID.String()),
				zap.Int64("account_id", int64(conn.AccountID)))
		}
	}
	return delivered
}
