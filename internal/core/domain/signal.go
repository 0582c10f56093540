package domain

import "time"

// SignalType identifies a signaling-log record.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// SignalEnvelope is one record in the append-only signaling log.
// Payload is JSON; the compressed wire form substitutes short keys.
type SignalEnvelope struct {
	ID        string                 `json:"id"`
	Type      SignalType             `json:"type"`
	CallID    string                 `json:"call_id"`
	FromUser  string                 `json:"from_user"`
	ToUser    string                 `json:"to_user"`
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload"`
}

// CallState is the lifecycle state of one session.
type CallState string

const (
	CallConnecting CallState = "connecting"
	CallWaiting    CallState = "waiting"
	CallConnected  CallState = "connected"
	CallFailed     CallState = "failed"
	CallEnded      CallState = "ended"
)

// CallRole distinguishes who created the call.
type CallRole string

const (
	RoleInitiator CallRole = "initiator"
	RoleResponder CallRole = "responder"
)
