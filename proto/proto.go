// Package proto defines the line-delimited text protocol spoken between the
// secure socket client and server: the frame delimiter, the padding token,
// the tick tag, and the helpers that encode, clean and classify frames.
package proto

import (
	"strconv"
	"strings"
)

const (
	// Delimiter marks the end of one logical message. Every frame on the wire
	// is terminated by it and a frame never extends past it.
	Delimiter = "[END]"

	// Padding is a filler token used to inflate message size in testing.
	// Receivers strip every occurrence of it and it carries no meaning.
	Padding = "[abcdefghijklmnopqrstuvwxyz1234567890ABCDEFGHIJKLMNOPQRSTUVWXYZ]"

	// TickTag prefixes frames produced by the server tick broadcaster.
	TickTag = "[TICK]"

	// WelcomeText is sent by the server to every session right after its
	// TLS handshake completes.
	WelcomeText = "Welcome SSL Client"

	// ServerSender is the sender identity attached to text the client
	// receives from the server.
	ServerSender = "Server"
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindText Kind = iota // Generic text frame
	KindTick             // Frame carrying a tick counter
)

// String returns a human-readable name for the message kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindTick:
		return "Tick"
	default:
		return "Unknown"
	}
}

// Message is the typed result of classifying one frame.
type Message struct {
	Kind   Kind   // Text or Tick
	Sender string // Peer address or session identity the frame is attributed to
	Text   string // Frame content; for ticks, the text after the tick tag
}

// Encode appends the delimiter to text and returns its UTF-8 bytes, ready to
// be handed to a connection's send queue.
//
// Parameters:
//   - text: The message body; it should not contain Delimiter
//
// Returns:
//   - The encoded frame bytes
func Encode(text string) []byte {
	b := make([]byte, 0, len(text)+len(Delimiter))
	b = append(b, text...)
	return append(b, Delimiter...)
}

// TickFrame returns the encoded tick frame for tick number n.
//
// Parameters:
//   - n: The tick counter value
//
// Returns:
//   - The encoded frame, e.g. "[TICK]7[END]"
func TickFrame(n uint64) []byte {
	return Encode(TickTag + strconv.FormatUint(n, 10))
}

// Clean removes every delimiter and padding occurrence from a frame.
//
// Parameters:
//   - frame: Raw frame text as extracted by the decoder
//
// Returns:
//   - The frame with all delimiters and padding tokens stripped
func Clean(frame string) string {
	if strings.Contains(frame, Delimiter) {
		frame = strings.ReplaceAll(frame, Delimiter, "")
	}
	if strings.Contains(frame, Padding) {
		frame = strings.ReplaceAll(frame, Padding, "")
	}

	return frame
}

// Parse classifies an already cleaned frame. Frames starting with TickTag
// become tick messages with the tag removed; everything else is text
// attributed to sender. Parse performs no I/O.
//
// Parameters:
//   - sender: Identity the frame is attributed to
//   - frame: Cleaned frame text
//
// Returns:
//   - The classified Message
func Parse(sender, frame string) Message {
	if rest, ok := strings.CutPrefix(frame, TickTag); ok {
		return Message{Kind: KindTick, Sender: sender, Text: rest}
	}

	return Message{Kind: KindText, Sender: sender, Text: frame}
}

// Pad appends n padding tokens to text.
func Pad(text string, n int) string {
	if n <= 0 {
		return text
	}

	return text + strings.Repeat(Padding, n)
}
