package service

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// timerSet holds cancellable one-shot timers keyed by entity id. Used for
// request expiry and call ring timeouts.
type timerSet struct {
	mu     sync.Mutex
	timers map[snowflake.ID]*time.Timer
	closed bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[snowflake.ID]*time.Timer)}
}

// schedule arms a timer for the id, replacing any existing one. The
// callback deregisters itself before running.
func (t *timerSet) schedule(id snowflake.ID, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev, ok := t.timers[id]; ok {
		prev.Stop()
	}
	t.timers[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, id)
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			fn()
		}
	})
}

// cancel disarms the timer for the id. Reports whether a timer was armed.
func (t *timerSet) cancel(id snowflake.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[id]
	if !ok {
		return false
	}
	delete(t.timers, id)
	return timer.Stop()
}

func (t *timerSet) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
