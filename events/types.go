package events

import (
	"crypto/tls"
	"net"
	"time"
)

// Connected is emitted by the client once the TLS handshake with the server
// has completed.
type Connected struct {
	Peer      string    // Remote address
	Conn      *tls.Conn // The authenticated stream
	Timestamp time.Time
}

// Disconnected is emitted by the client when its connection ends, whether
// the peer closed it, a transport error occurred or Close was called.
type Disconnected struct {
	Peer      string
	Reason    string
	Err       error // Non-nil when the disconnect was caused by an error
	Timestamp time.Time
}

// TextReceived carries one generic text frame.
type TextReceived struct {
	Sender    string // "Server" on the client side, the session's user id on the server side
	SessionID uint64 // Zero on the client side
	Text      string
	Timestamp time.Time
}

// Tick carries the payload of one tick frame, the tick number as text.
type Tick struct {
	Text      string
	Timestamp time.Time
}

// Status carries a human-readable progress message such as a retry attempt.
type Status struct {
	Text      string
	Timestamp time.Time
}

// ClientConnected is emitted by the server as soon as a TCP connection is
// accepted, before the TLS handshake.
type ClientConnected struct {
	Peer      string
	Conn      net.Conn
	Timestamp time.Time
}

// ClientDisconnected is emitted by the server when a connection is kicked,
// including connections that never completed the handshake (SessionID is
// still assigned but the session was never registered).
type ClientDisconnected struct {
	Peer      string
	SessionID uint64
	Reason    string
	Timestamp time.Time
}
