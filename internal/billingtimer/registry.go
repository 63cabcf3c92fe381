package billingtimer

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/runiq-systems/TheJaAstrobackend-sub000/internal/session/domain"
	"go.uber.org/zap"
)

// Registry owns one ticking goroutine per billable session. Start is
// idempotent, Stop on an unknown session is a no-op, and shutdown drains
// every running timer. The tick handler is bound late because the session
// service both drives this registry and consumes its ticks.
type Registry struct {
	log *zap.Logger

	mu      sync.Mutex
	timers  map[snowflake.ID]*handle
	handler sessiondomain.TickHandler
	closed  bool
	wg      sync.WaitGroup
}

type handle struct {
	interval time.Duration
	pause    chan bool
	stop     chan struct{}
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:    log.Named("billingtimer"),
		timers: make(map[snowflake.ID]*handle),
	}
}

var _ sessiondomain.BillingTimers = (*Registry)(nil)

// SetHandler binds the tick consumer. Must be called before any Start.
func (r *Registry) SetHandler(h sessiondomain.TickHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *Registry) Start(sessionID snowflake.ID, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.handler == nil {
		return
	}
	if _, running := r.timers[sessionID]; running {
		return
	}

	h := &handle{
		interval: interval,
		pause:    make(chan bool, 1),
		stop:     make(chan struct{}),
	}
	r.timers[sessionID] = h
	r.wg.Add(1)
	go r.run(sessionID, h, r.handler)
}

func (r *Registry) Pause(sessionID snowflake.ID) {
	r.signalPause(sessionID, true)
}

func (r *Registry) Resume(sessionID snowflake.ID) {
	r.signalPause(sessionID, false)
}

func (r *Registry) signalPause(sessionID snowflake.ID, paused bool) {
	r.mu.Lock()
	h, ok := r.timers[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.pause <- paused:
	case <-h.stop:
	}
}

func (r *Registry) Stop(sessionID snowflake.ID) {
	r.mu.Lock()
	h, ok := r.timers[sessionID]
	if ok {
		delete(r.timers, sessionID)
	}
	r.mu.Unlock()
	if ok {
		close(h.stop)
	}
}

// Running reports whether a timer exists for the session.
func (r *Registry) Running(sessionID snowflake.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[sessionID]
	return ok
}

// Shutdown stops every timer and waits for the goroutines to drain.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for id, h := range r.timers {
		delete(r.timers, id)
		close(h.stop)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) run(sessionID snowflake.ID, h *handle, handler sessiondomain.TickHandler) {
	defer r.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	paused := false

	for {
		select {
		case <-h.stop:
			return
		case p := <-h.pause:
			if p == paused {
				continue
			}
			paused = p
			if paused {
				ticker.Stop()
			} else {
				// The paused interval is unbilled; the period restarts clean.
				ticker.Reset(h.interval)
			}
		case <-ticker.C:
			if paused {
				continue
			}
			handler.OnBillingTick(context.Background(), sessionID, h.interval)
		}
	}
}
