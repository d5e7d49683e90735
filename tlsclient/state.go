package tlsclient

// State is the lifecycle state of a Client.
type State int

const (
	Idle         State = iota // Not connected; a reconnect may follow
	Connecting                // TCP connect in progress
	Handshaking               // TLS handshake in progress
	Connected                 // Handshake done, read loop running
	Closing                   // Tearing down the current connection
	Retrying                  // Waiting out the backoff before the next attempt
	Disconnected              // Retries disabled, exhausted or stopped
	Closed                    // Close was called; the client cannot be reused
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	case Retrying:
		return "Retrying"
	case Disconnected:
		return "Disconnected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (s State) attempting() bool {
	return s == Connecting || s == Handshaking
}
