package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/clock"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/config"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/notify"
	"github.com/runiq-systems/TheJaAstrobackend-sub000/internal/presence"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	requestdomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/sessionrequest/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event kinds pushed to request participants.
const (
	EventIncomingRequest = "incomingRequest"
	EventRequestAccepted = "requestAccepted"
	EventRequestRejected = "requestRejected"
	EventRequestExpired  = "requestExpired"
)

var callMediaTypes = map[string]bool{"audio": true, "video": true}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        requestdomain.Repository
	SessionRepo sessiondomain.Repository
	Sessions    sessiondomain.Service
	Clock       clock.Clock
	Billing     *config.BillingConfigHolder
	Presence    presence.Tracker
	Notifier    notify.Notifier
	Events      sessiondomain.EventPublisher
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        requestdomain.Repository
	sessionRepo sessiondomain.Repository
	sessions    sessiondomain.Service
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	presence    presence.Tracker
	notifier    notify.Notifier
	events      sessiondomain.EventPublisher
	timers      *timerSet
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("sessionrequest.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		sessionRepo: p.SessionRepo,
		sessions:    p.Sessions,
		clock:       p.Clock,
		billing:     p.Billing,
		presence:    p.Presence,
		notifier:    p.Notifier,
		events:      p.Events,
		timers:      newTimerSet(),
	}
}

var _ requestdomain.Service = (*Service)(nil)

func (s *Service) Request(ctx context.Context, in requestdomain.RequestInput) (*requestdomain.SessionRequest, error) {
	kind, err := parseKind(in.Kind)
	if err != nil {
		return nil, err
	}
	if err := validateMediaType(kind, in.MediaType); err != nil {
		return nil, err
	}
	if in.RequesterID == in.ProviderID {
		return nil, requestdomain.ErrSelfRequest
	}
	if in.RatePerMinute <= 0 {
		return nil, sessiondomain.ErrInvalidRate
	}

	online, err := s.presence.IsOnline(ctx, in.ProviderID)
	if err != nil {
		s.log.Warn("presence lookup", zap.Int64("provider_id", int64(in.ProviderID)), zap.Error(err))
		return nil, requestdomain.ErrProviderUnavailable
	}
	if !online {
		return nil, requestdomain.ErrProviderUnavailable
	}
	live, err := s.sessionRepo.CountLiveByProvider(ctx, s.db, in.ProviderID)
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return nil, requestdomain.ErrProviderUnavailable
	}

	if pending, err := s.repo.FindPending(ctx, s.db, in.RequesterID, in.ProviderID, s.clock.Now()); err != nil {
		return nil, err
	} else if pending != nil {
		return nil, requestdomain.ErrDuplicateRequest
	}

	cfg := s.billing.Get()
	now := s.clock.Now()
	expiresAt := now.Add(cfg.AcceptWindow(kind == sessiondomain.KindChat))

	var session *sessiondomain.Session
	request := &requestdomain.SessionRequest{
		ID:          s.genID.Generate(),
		RequesterID: in.RequesterID,
		ProviderID:  in.ProviderID,
		Kind:        string(kind),
		MediaType:   in.MediaType,
		Status:      requestdomain.RequestStatusPending,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The request and its session either both exist or neither does.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err = s.sessions.Create(ctx, tx, sessiondomain.CreateSessionRequest{
			UserID:        in.RequesterID,
			ProviderID:    in.ProviderID,
			Kind:          kind,
			MediaType:     in.MediaType,
			RatePerMinute: in.RatePerMinute,
			Currency:      in.Currency,
		})
		if err != nil {
			return err
		}
		request.SessionID = session.ID
		return s.repo.Insert(ctx, tx, request)
	})
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.timers.schedule(request.ID, expiresAt.Sub(now), func() {
		s.expire(request.ID)
	})

	s.events.Publish(in.ProviderID, sessiondomain.Event{
		Kind:      EventIncomingRequest,
		SessionID: session.ID,
		Payload: map[string]any{
			"request_id":   request.ID.String(),
			"requester_id": in.RequesterID.String(),
			"kind":         string(kind),
			"media_type":   in.MediaType,
			"expires_at":   expiresAt,
		},
	})
	s.notifier.Notify(ctx, notify.Notification{
		UserID: in.ProviderID,
		Title:  "Incoming consultation request",
		Body:   fmt.Sprintf("New %s request", strings.ToLower(string(kind))),
		Data:   map[string]any{"request_id": request.ID.String(), "session_id": session.ID.String()},
	})
	return request, nil
}

func (s *Service) Accept(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*requestdomain.SessionRequest, error) {
	request, err := s.resolve(ctx, id, actorID, actorRoleProvider, requestdomain.RequestStatusAccepted)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Transition(ctx, request.SessionID, sessiondomain.StatusAccepted, ""); err != nil {
		s.log.Error("accept session transition",
			zap.Int64("request_id", int64(id)),
			zap.Int64("session_id", int64(request.SessionID)),
			zap.Error(err))
	}

	// Calls that are never answered go MISSED when the ring window lapses.
	if request.Kind == string(sessiondomain.KindCall) {
		ring := s.billing.Get().RingWindow()
		s.timers.schedule(request.SessionID, ring, func() {
			s.missRing(request.SessionID)
		})
	}

	s.events.Publish(request.RequesterID, sessiondomain.Event{
		Kind:      EventRequestAccepted,
		SessionID: request.SessionID,
		Payload:   map[string]any{"request_id": request.ID.String()},
	})
	s.notifier.Notify(ctx, notify.Notification{
		UserID: request.RequesterID,
		Title:  "Request accepted",
		Body:   "Your consultation request was accepted",
		Data:   map[string]any{"request_id": request.ID.String(), "session_id": request.SessionID.String()},
	})
	return request, nil
}

func (s *Service) Reject(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*requestdomain.SessionRequest, error) {
	request, err := s.resolve(ctx, id, actorID, actorRoleProvider, requestdomain.RequestStatusRejected)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Transition(ctx, request.SessionID, sessiondomain.StatusRejected, "provider_rejected"); err != nil {
		s.log.Error("reject session transition",
			zap.Int64("request_id", int64(id)),
			zap.Error(err))
	}

	s.events.Publish(request.RequesterID, sessiondomain.Event{
		Kind:      EventRequestRejected,
		SessionID: request.SessionID,
		Payload:   map[string]any{"request_id": request.ID.String()},
	})
	s.notifier.Notify(ctx, notify.Notification{
		UserID: request.RequesterID,
		Title:  "Request declined",
		Body:   "Your consultation request was declined",
		Data:   map[string]any{"request_id": request.ID.String()},
	})
	return request, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, actorID snowflake.ID) (*requestdomain.SessionRequest, error) {
	request, err := s.resolve(ctx, id, actorID, actorRoleRequester, requestdomain.RequestStatusCancelled)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Transition(ctx, request.SessionID, sessiondomain.StatusCancelled, "requester_cancelled"); err != nil {
		s.log.Error("cancel session transition",
			zap.Int64("request_id", int64(id)),
			zap.Error(err))
	}

	s.events.Publish(request.ProviderID, sessiondomain.Event{
		Kind:      EventRequestRejected,
		SessionID: request.SessionID,
		Payload:   map[string]any{"request_id": request.ID.String(), "cancelled": true},
	})
	return request, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*requestdomain.SessionRequest, error) {
	request, err := s.repo.Find(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, requestdomain.ErrNotFound
	}
	return request, nil
}

// RearmPending rebuilds expiry timers for PENDING rows after a restart,
// since the previous process took its in-memory timers with it. Rows whose
// window already lapsed are expired on the spot.
func (s *Service) RearmPending(ctx context.Context) error {
	pending, err := s.repo.ListPending(ctx, s.db)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, request := range pending {
		id := request.ID
		if !request.ExpiresAt.After(now) {
			s.expire(id)
			continue
		}
		s.timers.schedule(id, request.ExpiresAt.Sub(now), func() {
			s.expire(id)
		})
	}
	if len(pending) > 0 {
		s.log.Info("re-armed pending request timers", zap.Int("count", len(pending)))
	}
	return nil
}

// Shutdown disarms every expiry and ring timer.
func (s *Service) Shutdown() {
	s.timers.shutdown()
}

type actorRole int

const (
	actorRoleRequester actorRole = iota
	actorRoleProvider
)

// resolve is the single write path for accept/reject/cancel: it checks
// ownership and expiry, then races the guarded status update. The expiry
// timer is disarmed only after the transition commits, so a concurrent
// expiry loses cleanly or was never scheduled to fire.
func (s *Service) resolve(ctx context.Context, id snowflake.ID, actorID snowflake.ID, role actorRole, to requestdomain.RequestStatus) (*requestdomain.SessionRequest, error) {
	var request *requestdomain.SessionRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		request, err = s.repo.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if request == nil {
			return requestdomain.ErrNotFound
		}

		owner := request.RequesterID
		if role == actorRoleProvider {
			owner = request.ProviderID
		}
		if actorID != owner {
			return requestdomain.ErrUnauthorized
		}
		if request.Status.Resolved() {
			if request.Status == requestdomain.RequestStatusExpired {
				return requestdomain.ErrExpired
			}
			return requestdomain.ErrAlreadyResolved
		}
		if s.clock.Now().After(request.ExpiresAt) {
			return requestdomain.ErrExpired
		}

		won, err := s.repo.UpdateStatusGuarded(ctx, tx, id, to)
		if err != nil {
			return err
		}
		if !won {
			return requestdomain.ErrAlreadyResolved
		}
		request.Status = to
		request.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, request)
	})
	if err != nil {
		return nil, err
	}
	s.timers.cancel(id)
	return request, nil
}

// expire fires from the request's expiry timer. First writer wins: an
// accept that committed earlier leaves nothing to do here.
func (s *Service) expire(id snowflake.ID) {
	ctx := context.Background()
	var request *requestdomain.SessionRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		request, err = s.repo.FindForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if request == nil || request.Status.Resolved() {
			request = nil
			return nil
		}
		won, err := s.repo.UpdateStatusGuarded(ctx, tx, id, requestdomain.RequestStatusExpired)
		if err != nil {
			return err
		}
		if !won {
			request = nil
			return nil
		}
		request.Status = requestdomain.RequestStatusExpired
		request.UpdatedAt = s.clock.Now()
		return s.repo.Update(ctx, tx, request)
	})
	if err != nil {
		s.log.Error("expire request", zap.Int64("request_id", int64(id)), zap.Error(err))
		return
	}
	if request == nil {
		return
	}

	if _, err := s.sessions.Transition(ctx, request.SessionID, sessiondomain.StatusExpired, "accept_window_lapsed"); err != nil {
		s.log.Error("expire session transition",
			zap.Int64("request_id", int64(id)),
			zap.Error(err))
	}

	// The requester alone hears about the expiry.
	s.events.Publish(request.RequesterID, sessiondomain.Event{
		Kind:      EventRequestExpired,
		SessionID: request.SessionID,
		Payload:   map[string]any{"request_id": request.ID.String()},
	})
	s.notifier.Notify(ctx, notify.Notification{
		UserID: request.RequesterID,
		Title:  "Request expired",
		Body:   "The provider did not respond in time",
		Data:   map[string]any{"request_id": request.ID.String()},
	})
}

// missRing fires when an accepted call was never connected inside the ring
// window. The transition table rejects it once the session went ACTIVE.
func (s *Service) missRing(sessionID snowflake.ID) {
	ctx := context.Background()
	session, err := s.sessions.Transition(ctx, sessionID, sessiondomain.StatusMissed, "ring_timeout")
	if err != nil {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		UserID: session.UserID,
		Title:  "Call missed",
		Body:   "The call was not answered",
		Data:   map[string]any{"session_id": session.ID.String()},
	})
}

func parseKind(kind string) (sessiondomain.Kind, error) {
	switch sessiondomain.Kind(strings.ToUpper(strings.TrimSpace(kind))) {
	case sessiondomain.KindCall:
		return sessiondomain.KindCall, nil
	case sessiondomain.KindChat:
		return sessiondomain.KindChat, nil
	default:
		return "", requestdomain.ErrInvalidKind
	}
}

func validateMediaType(kind sessiondomain.Kind, mediaType string) error {
	switch kind {
	case sessiondomain.KindCall:
		if !callMediaTypes[mediaType] {
			return requestdomain.ErrInvalidMediaType
		}
	case sessiondomain.KindChat:
		if mediaType != "text" {
			return requestdomain.ErrInvalidMediaType
		}
	}
	return nil
}
