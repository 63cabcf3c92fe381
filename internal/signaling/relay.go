package signaling

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/observability/metrics"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/presence"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RelayParams struct {
	fx.In

	Log      *zap.Logger
	Hub      *Hub
	Presence presence.Tracker
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Relay moves WebRTC negotiation between the two parties of a session:
// verbatim offer/answer forwarding, ICE candidate buffering until the
// receiver applied the remote description, and the abnormal-end path when
// an account's last connection drops mid-call.
type Relay struct {
	log      *zap.Logger
	hub      *Hub
	buffer   *candidateBuffer
	sessions sessiondomain.Service
	presence presence.Tracker
	metrics  *obsmetrics.Metrics
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		log:      p.Log.Named("signaling.relay"),
		hub:      p.Hub,
		buffer:   newCandidateBuffer(),
		presence: p.Presence,
		metrics:  p.Metrics,
	}
}

var _ sessiondomain.EventPublisher = (*Relay)(nil)

// BindSessions connects the session engine. Bound late because the engine
// publishes its events back through this relay.
func (r *Relay) BindSessions(sessions sessiondomain.Service) {
	r.sessions = sessions
}

// Attach opens a signaling connection and marks the account online.
func (r *Relay) Attach(ctx context.Context, accountID snowflake.ID) *Connection {
	conn := r.hub.Attach(accountID)
	if err := r.presence.MarkOnline(ctx, accountID); err != nil {
		r.log.Warn("mark online", zap.Int64("account_id", int64(accountID)), zap.Error(err))
	}
	return conn
}

// Detach closes the connection. When it was the account's last one the
// account goes offline and its live sessions end abnormally, settling for
// the duration accrued so far.
func (r *Relay) Detach(ctx context.Context, conn *Connection) {
	if !r.hub.Detach(conn) {
		return
	}
	if err := r.presence.MarkOffline(ctx, conn.AccountID); err != nil {
		r.log.Warn("mark offline", zap.Int64("account_id", int64(conn.AccountID)), zap.Error(err))
	}
	r.endAbandoned(ctx, conn.AccountID)
}

// HandleFrame processes one inbound frame from the connection. The
// returned error is delivered back to the sender only.
func (r *Relay) HandleFrame(ctx context.Context, conn *Connection, raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SignalingEvent(env.Event)
	}

	session, err := r.sessions.Get(ctx, env.SessionID)
	if err != nil {
		return err
	}
	target, ok := peerOf(session, conn.AccountID)
	if !ok {
		return ErrNotParticipant
	}

	switch env.Event {
	case EventOffer:
		if !liveForSignaling(session.Status) {
			return ErrSessionNotLive
		}
		if session.Status == sessiondomain.StatusAccepted {
			// First offer moves the callee's side to ringing.
			if _, err := r.sessions.Transition(ctx, session.ID, sessiondomain.StatusRinging, ""); err != nil {
				r.log.Debug("ringing transition", zap.Int64("session_id", int64(session.ID)), zap.Error(err))
			}
		}
		return r.forward(target, raw)
	case EventAnswer:
		if !liveForSignaling(session.Status) {
			return ErrSessionNotLive
		}
		return r.forward(target, raw)
	case EventIceCandidate:
		if !liveForSignaling(session.Status) {
			return ErrSessionNotLive
		}
		if r.buffer.Hold(session.ID, target, raw) {
			return nil
		}
		return r.forward(target, raw)
	case EventReady:
		for _, frame := range r.buffer.MarkReady(session.ID, conn.AccountID) {
			r.hub.Send(conn.AccountID, frame)
		}
		return nil
	}
	return ErrUnknownEvent
}

// Publish delivers a server-side event to the account's connections. It is
// the session engine's outbound path; terminal events also tear down the
// call's ICE buffer.
func (r *Relay) Publish(accountID snowflake.ID, event sessiondomain.Event) {
	if event.Kind == sessiondomain.EventSessionEnded {
		r.buffer.Drop(event.SessionID)
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		r.log.Error("marshal event payload", zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Envelope{
		Event:     event.Kind,
		SessionID: event.SessionID,
		Data:      data,
	})
	if err != nil {
		r.log.Error("marshal event frame", zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.SignalingEvent(event.Kind)
	}
	r.hub.Send(accountID, frame)
}

func (r *Relay) forward(target snowflake.ID, frame []byte) error {
	if !r.hub.Send(target, frame) {
		return ErrPeerUnreachable
	}
	return nil
}

func (r *Relay) endAbandoned(ctx context.Context, accountID snowflake.ID) {
	live, err := r.sessions.ListBillable(ctx)
	if err != nil {
		r.log.Error("list live sessions", zap.Error(err))
		return
	}
	for i := range live {
		session := &live[i]
		if session.UserID != accountID && session.ProviderID != accountID {
			continue
		}
		if _, err := r.sessions.End(ctx, sessiondomain.EndRequest{
			SessionID: session.ID,
			Status:    sessiondomain.StatusDisconnected,
			Reason:    "peer_disconnected",
		}); err != nil {
			r.log.Error("end on disconnect",
				zap.Int64("session_id", int64(session.ID)),
				zap.Error(err))
		}
	}
}

func peerOf(session *sessiondomain.Session, accountID snowflake.ID) (snowflake.ID, bool) {
	switch accountID {
	case session.UserID:
		return session.ProviderID, true
	case session.ProviderID:
		return session.UserID, true
	default:
		return 0, false
	}
}

// liveForSignaling reports states where negotiation frames may flow.
func liveForSignaling(status sessiondomain.Status) bool {
	switch status {
	case sessiondomain.StatusAccepted, sessiondomain.StatusRinging, sessiondomain.StatusActive, sessiondomain.StatusPaused:
		return true
	default:
		return false
	}
}
