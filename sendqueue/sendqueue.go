// Package sendqueue serializes outbound writes on a single connection. A TLS
// stream does not support overlapping writes, so every payload passes through
// a Serializer that keeps at most one write in flight and sends the rest in
// the order they were enqueued.
package sendqueue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue once the serializer has failed or been closed.
var ErrClosed = errors.New("sendqueue: closed")

// WriteFunc performs one complete write of payload to the transport.
type WriteFunc func(payload []byte) error

// FailureFunc is called once when a write fails, on the goroutine that
// observed the failure (an Enqueue caller or the drain goroutine). The owning
// connection uses it to enter its disconnect path.
type FailureFunc func(err error)

// Serializer is a per-connection FIFO send queue guarded by a single mutex.
// The zero value is not usable; create one with New.
type Serializer struct {
	write     WriteFunc
	onFailure FailureFunc

	mu       sync.Mutex
	inFlight bool
	closed   bool
	queue    [][]byte
	written  uint64
}

// New creates a Serializer that writes through write and reports the first
// write failure to onFailure (which may be nil).
//
// Parameters:
//   - write: Function performing a single blocking write to the transport
//   - onFailure: Function called once when a write fails
//
// Returns:
//   - A new *Serializer
func New(write WriteFunc, onFailure FailureFunc) *Serializer {
	return &Serializer{
		write:     write,
		onFailure: onFailure,
	}
}

// Enqueue submits payload for sending. It is safe for concurrent use.
//
// If no write is in flight the caller becomes the writer for its own payload
// only. Payloads other callers queued in the meantime are handed to a drain
// goroutine, so no caller is held for longer than one write no matter how busy
// the connection is. If a write is already in flight the payload is appended
// to the queue and Enqueue returns at once. Either way payloads are written in
// submission order, one at a time.
//
// On a write failure the in-flight flag is cleared, every queued payload is
// discarded without retry, the serializer is closed and onFailure is called.
//
// Parameters:
//   - payload: Bytes to send; the slice must not be modified afterwards
//
// Returns:
//   - nil if the payload was written or queued
//   - ErrClosed if the serializer was already closed
//   - The write error if this call performed a write that failed
func (s *Serializer) Enqueue(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	if s.inFlight {
		s.queue = append(s.queue, payload)
		s.mu.Unlock()
		return nil
	}

	s.inFlight = true
	s.mu.Unlock()

	if err := s.write(payload); err != nil {
		s.fail(err)
		return err
	}

	if s.advance() {
		go s.drain()
	}
	return nil
}

// advance records a completed write and reports whether queued payloads
// remain. When none do the in-flight flag is cleared.
func (s *Serializer) advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.written++
	if s.closed || len(s.queue) == 0 {
		s.inFlight = false
		return false
	}
	return true
}

// drain writes queued payloads until the queue is empty, keeping the
// in-flight flag set throughout.
func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.write(next); err != nil {
			s.fail(err)
			return
		}

		if !s.advance() {
			return
		}
	}
}

func (s *Serializer) fail(err error) {
	s.mu.Lock()
	s.inFlight = false
	s.queue = nil
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed && s.onFailure != nil {
		s.onFailure(err)
	}
}

// Close discards any queued payloads and rejects further Enqueue calls.
// A write already in flight is allowed to finish. Close is idempotent.
func (s *Serializer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
}

// Pending returns the number of payloads waiting behind the in-flight write.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Written returns the number of payloads written successfully.
func (s *Serializer) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// InFlight reports whether a write is currently in progress.
func (s *Serializer) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Closed reports whether the serializer has failed or been closed.
func (s *Serializer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
