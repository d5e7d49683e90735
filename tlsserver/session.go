package tlsserver

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/proto"
	"github.com/cyberinferno/securesocket/sendqueue"
)

// AnonymousUser is the user id of a session until Authenticate is called.
const AnonymousUser = "anonymous"

// Session is one accepted connection. It is created at accept time, but it
// only becomes visible through the registry (ClientCount, Broadcast,
// Sessions) once its TLS handshake has completed.
type Session struct {
	id     uint64
	server *Server
	conn   *tls.Conn
	remote string
	queue  *sendqueue.Serializer
	log    logger.Logger

	connected atomic.Bool

	mu            sync.RWMutex
	userID        string
	authenticated bool
	connectedAt   time.Time
	kicked        bool
	registered    bool
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	ID            uint64
	RemoteAddr    string
	UserID        string
	Authenticated bool
	ConnectedAt   time.Time
	Pending       int
	Written       uint64
}

func newSession(s *Server, id uint64, raw net.Conn) *Session {
	sess := &Session{
		id:     id,
		server: s,
		conn:   tls.Server(raw, s.tlsConfig),
		remote: raw.RemoteAddr().String(),
		userID: AnonymousUser,
	}
	sess.log = s.log.With(
		logger.Field{Key: "session_id", Value: id},
		logger.Field{Key: "peer", Value: sess.remote},
	)
	sess.queue = sendqueue.New(sess.write, sess.writeFailed)
	sess.connected.Store(true)
	return sess
}

// ID returns the identifier assigned at accept time.
func (sess *Session) ID() uint64 {
	return sess.id
}

// RemoteAddr returns the peer address.
func (sess *Session) RemoteAddr() string {
	return sess.remote
}

// UserID returns the identity frames from this session are attributed to.
func (sess *Session) UserID() string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.userID
}

// Authenticated reports whether Authenticate has been called.
func (sess *Session) Authenticated() bool {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.authenticated
}

// Authenticate replaces the placeholder user id once an application level
// login step has identified the peer. Frames received afterwards are
// attributed to userID.
//
// Parameters:
//   - userID: The identity to attribute frames to; empty keeps the current one
func (sess *Session) Authenticate(userID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if userID != "" {
		sess.userID = userID
	}
	sess.authenticated = true
}

// Connected reports whether the transport is still open.
func (sess *Session) Connected() bool {
	return sess.connected.Load()
}

// ConnectedAt returns the time the handshake completed, or the zero time if
// it has not.
func (sess *Session) ConnectedAt() time.Time {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.connectedAt
}

// Send queues text for this session. It is shorthand for Server.SendTo.
func (sess *Session) Send(text string) error {
	return sess.server.SendTo(sess, text)
}

// Kick is shorthand for Server.Kick.
func (sess *Session) Kick(reason string) {
	sess.server.Kick(sess, reason)
}

// Pending returns the number of frames waiting behind the write in flight.
func (sess *Session) Pending() int {
	return sess.queue.Pending()
}

// Written returns the number of frames written to this session.
func (sess *Session) Written() uint64 {
	return sess.queue.Written()
}

// Info returns a snapshot of the session's state.
func (sess *Session) Info() SessionInfo {
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	return SessionInfo{
		ID:            sess.id,
		RemoteAddr:    sess.remote,
		UserID:        sess.userID,
		Authenticated: sess.authenticated,
		ConnectedAt:   sess.connectedAt,
		Pending:       sess.queue.Pending(),
		Written:       sess.queue.Written(),
	}
}

func (sess *Session) enqueue(frame []byte) error {
	if !sess.Connected() {
		return ErrSessionClosed
	}

	err := sess.queue.Enqueue(frame)
	if errors.Is(err, sendqueue.ErrClosed) {
		return ErrSessionClosed
	}
	return err
}

func (sess *Session) write(payload []byte) error {
	if timeout := sess.server.cfg.WriteTimeout; timeout > 0 {
		if err := sess.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	_, err := sess.conn.Write(payload)
	return err
}

func (sess *Session) writeFailed(err error) {
	sess.server.metrics.SendFailures.Inc()
	sess.log.Warn("send failed", logger.Field{Key: "error", Value: err.Error()})
	sess.server.Kick(sess, "Send failed: "+err.Error())
}

// markHandshaken records the handshake time and adds the session to the
// registry unless it was kicked meanwhile.
func (sess *Session) markHandshaken() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.kicked {
		return false
	}

	sess.connectedAt = time.Now()
	sess.registered = true
	sess.server.sessions.Store(sess.id, sess)
	sess.server.metrics.ActiveSessions.Inc()
	return true
}

// markKicked flips the session to kicked exactly once and reports whether
// this call did it and whether the session was registered.
func (sess *Session) markKicked() (first bool, registered bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.kicked {
		return false, false
	}

	sess.kicked = true
	sess.connected.Store(false)
	registered = sess.registered
	sess.registered = false
	return true, registered
}

func (sess *Session) welcome() error {
	text := sess.server.cfg.WelcomeMessage
	if text == "" {
		return nil
	}

	return sess.enqueue(proto.Encode(text))
}
