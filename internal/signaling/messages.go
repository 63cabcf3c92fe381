package signaling

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrUnknownEvent    = errors.New("unknown_event")
	ErrInvalidMessage  = errors.New("invalid_message")
	ErrPeerUnreachable = errors.New("peer_unreachable")
	ErrNotParticipant  = errors.New("not_a_session_participant")
	ErrSessionNotLive  = errors.New("session_not_live")
)

// Client-initiated events.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventIceCandidate = "iceCandidate"
	// EventReady signals that the sender applied the remote description
	// and buffered ICE candidates may be flushed to it.
	EventReady = "ready"
)

// Envelope is the wire frame for every signaling message, inbound and
// outbound. Data carries the event-specific payload verbatim.
type Envelope struct {
	Event     string          `json:"event"`
	SessionID snowflake.ID    `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// DescriptionPayload is the body of offer and answer events. The SDP is
// forwarded verbatim; only its presence is validated here.
type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload is the body of iceCandidate events.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// ParseEnvelope decodes and validates one inbound frame. Unknown event
// kinds and structurally invalid payloads are rejected at the boundary.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidMessage
	}
	if env.SessionID == 0 {
		return nil, ErrInvalidMessage
	}

	switch env.Event {
	case EventOffer, EventAnswer:
		var payload DescriptionPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, ErrInvalidMessage
		}
		if strings.TrimSpace(payload.SDP) == "" {
			return nil, ErrInvalidMessage
		}
	case EventIceCandidate:
		var payload CandidatePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, ErrInvalidMessage
		}
		if strings.TrimSpace(payload.Candidate) == "" {
			return nil, ErrInvalidMessage
		}
	case EventReady:
	default:
		return nil, ErrUnknownEvent
	}
	return &env, nil
}
