package voice

// ConnectionState enumerates the session's lifecycle.
// Connecting is used only on a session's very first attempt; every
// subsequent reconnect attempt reports Reconnecting instead.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionEvent is the UI-facing snapshot of the session's lifecycle.
type ConnectionEvent struct {
	State  ConnectionState
	Reason string // empty on a successful Connected transition
}

// SelfEvent mirrors the local user's own state as the server and the
// session worker jointly know it. PttEnabled and Transmitting are owned
// by the worker and never overwritten by inbound roster updates (spec
// §3 invariant).
type SelfEvent struct {
	Muted        bool
	Deafened     bool
	PttEnabled   bool
	Transmitting bool
}

// User is one roster entry, keyed by 32-bit Mumble session id.
type User struct {
	Session     uint32
	Name        string
	BadgeCodes  []string
	ChannelID   uint32
	Muted       bool
	Deafened    bool
	Speaking    bool
	LastAudioAt int64 // Unix millis; 0 means never
}

// Channel is a roster channel entry.
type Channel struct {
	ID   uint32
	Name string
}

// RosterEvent is the UI-facing snapshot of the active channel and its
// occupants, sorted by name (case-insensitive).
type RosterEvent struct {
	Channel Channel
	Users   []User
}

// MessageEvent is emitted for every inbound TextMessage.
type MessageEvent struct {
	ActorSession *uint32
	ActorName    string
	ChannelID    *uint32
	Message      string
	TimestampMs  int64
}

// SpeakingEvent reports a single user's speaking-state transition.
type SpeakingEvent struct {
	Session  uint32
	Speaking bool
	Level    *float32
}
