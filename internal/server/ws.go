package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/signaling"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsMaxFrame   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity comes from the trusted gateway header; cross-origin browser
	// access is expected for the signaling socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Websocket attaches the caller to the signaling hub and pumps frames both
// ways until the connection drops.
func (s *Server) Websocket(c *gin.Context) {
	accountID, err := wsAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}

	conn := s.relay.Attach(c.Request.Context(), accountID)
	log := s.log.With(
		zap.String("connection_id", conn.ID.String()),
		zap.Int64("account_id", int64(accountID)))
	log.Info("signaling attached")

	go s.writePump(ws, conn, log)
	s.readPump(ws, conn, log)
}

func (s *Server) readPump(ws *websocket.Conn, conn *signaling.Connection, log *zap.Logger) {
	defer func() {
		// Detach ends live sessions when this was the account's last
		// connection; give it a fresh context, the request one is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s.relay.Detach(ctx, conn)
		cancel()
		_ = ws.Close()
		log.Info("signaling detached")
	}()

	ws.SetReadLimit(wsMaxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("ws read", zap.Error(err))
			}
			return
		}
		if err := s.relay.HandleFrame(context.Background(), conn, raw); err != nil {
			s.sendWSError(conn, raw, err)
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, conn *signaling.Connection, log *zap.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendWSError reports a frame-level failure back to the sender only.
func (s *Server) sendWSError(conn *signaling.Connection, raw []byte, cause error) {
	var env signaling.Envelope
	_ = json.Unmarshal(raw, &env)

	frame, err := json.Marshal(signaling.Envelope{
		Event:     "error",
		SessionID: env.SessionID,
		Error:     cause.Error(),
	})
	if err != nil {
		return
	}
	select {
	case conn.Send <- frame:
	default:
	}
}

func wsAccountID(c *gin.Context) (snowflake.ID, error) {
	if id, err := callerID(c); err == nil {
		return id, nil
	}
	raw := c.Query("account_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrUnauthorized
	}
	return snowflake.ID(id), nil
}
