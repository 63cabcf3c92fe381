package signaling

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// candidateBuffer holds ICE candidates per call until the receiving side
// has applied the remote description. Candidates are flushed in arrival
// order; once a side is ready, its candidates flow through directly.
type candidateBuffer struct {
	mu    sync.Mutex
	calls map[snowflake.ID]*callState
}

type callState struct {
	ready   map[snowflake.ID]bool
	pending map[snowflake.ID][][]byte
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{calls: make(map[snowflake.ID]*callState)}
}

// Hold buffers a frame for the target unless the target already signalled
// readiness. Reports whether the frame was buffered.
func (b *candidateBuffer) Hold(sessionID, targetID snowflake.ID, frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.calls[sessionID]
	if state == nil {
		state = &callState{
			ready:   make(map[snowflake.ID]bool),
			pending: make(map[snowflake.ID][][]byte),
		}
		b.calls[sessionID] = state
	}
	if state.ready[targetID] {
		return false
	}
	state.pending[targetID] = append(state.pending[targetID], frame)
	return true
}

// MarkReady flags the account as ready for the call and returns its
// buffered frames in arrival order.
func (b *candidateBuffer) MarkReady(sessionID, accountID snowflake.ID) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.calls[sessionID]
	if state == nil {
		state = &callState{
			ready:   make(map[snowflake.ID]bool),
			pending: make(map[snowflake.ID][][]byte),
		}
		b.calls[sessionID] = state
	}
	state.ready[accountID] = true
	frames := state.pending[accountID]
	delete(state.pending, accountID)
	return frames
}

// Drop releases all call state for the session.
func (b *candidateBuffer) Drop(sessionID snowflake.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.calls, sessionID)
}
