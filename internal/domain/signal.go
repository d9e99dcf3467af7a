package domain

import (
	"encoding/json"
	"time"
)

type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// SignalRecord is one unit of a peer-connection handshake. Records are
// immutable once written; the session a record belongs to is discriminated
// by the session id embedded in its payload.
type SignalRecord struct {
	Id        string          `json:"id"`
	RoomId    string          `json:"room_id"`
	Sender    string          `json:"sender"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SignalPayload is the handshake blob carried by a SignalRecord. SDP is set
// for offers and answers, Candidate for ICE candidates.
type SignalPayload struct {
	SessionId string          `json:"session_id"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SessionId extracts the embedded session id without decoding the whole
// payload shape. Returns "" for malformed payloads, which consumers treat as
// a foreign-session record and discard.
func (r SignalRecord) SessionId() string {
	var p struct {
		SessionId string `json:"session_id"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return ""
	}

	return p.SessionId
}
