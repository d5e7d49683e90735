// Package tlsserver implements the multi-session side of the secure socket
// protocol: a TLS accept loop, a registry of handshaken sessions, broadcast,
// directed sends, kicks, and a periodic tick broadcaster.
package tlsserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/securesocket/certs"
	"github.com/cyberinferno/securesocket/events"
	"github.com/cyberinferno/securesocket/framer"
	"github.com/cyberinferno/securesocket/idgenerator"
	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/metrics"
	"github.com/cyberinferno/securesocket/proto"
	"github.com/cyberinferno/securesocket/safemap"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

var (
	ErrServerRunning    = errors.New("tlsserver: server already running")
	ErrServerNotRunning = errors.New("tlsserver: server not running")
	ErrNoCertificate    = errors.New("tlsserver: no certificate source")
	ErrSessionClosed    = errors.New("tlsserver: session closed")
)

const (
	reasonStopping     = "Server stopping"
	reasonDisconnected = "Client disconnected"

	// stopConcurrency bounds the kicks Stop runs at once.
	stopConcurrency = 32
)

// BroadcastResult reports how many registered sessions a broadcast was
// addressed to and how many accepted the frame.
type BroadcastResult struct {
	Attempted int
	Sent      int
}

// KickRecord describes a recent kick.
type KickRecord struct {
	SessionID uint64
	Peer      string
	Reason    string
	At        time.Time
}

// Server accepts TLS connections and keeps a registry of the sessions that
// completed their handshake. It is safe for concurrent use.
type Server struct {
	cfg       Config
	log       logger.Logger
	tlsConfig *tls.Config
	metrics   *metrics.Server

	sessions *safemap.SafeMap[uint64, *Session] // handshaken sessions
	conns    *safemap.SafeMap[uint64, *Session] // every live connection
	ids      *idgenerator.IdGenerator
	kicks    *cache.Cache

	clientConnected    *events.Hub[events.ClientConnected]
	clientDisconnected *events.Hub[events.ClientDisconnected]
	textReceived       *events.Hub[events.TextReceived]
	status             *events.Hub[events.Status]

	mu       sync.Mutex
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	ticker tickState
}

// NewServer loads the server certificate and returns a stopped Server.
// It fails fast when the certificate cannot be loaded.
//
// Parameters:
//   - cfg: Server settings (e.g. from DefaultConfig)
//   - src: Source of the certificate presented to clients
//   - log: Logger; nil discards log output
//
// Returns:
//   - A new *Server; call Start or Serve to accept connections
//   - ErrNoCertificate if src is nil, or the wrapped load error
//   - A wrapped metrics.ErrDuplicate if another server with the same Name
//     already registered with cfg.MetricsRegisterer
func NewServer(cfg Config, src certs.Source, log logger.Logger) (*Server, error) {
	if src == nil {
		return nil, ErrNoCertificate
	}

	cert, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("tlsserver: load certificate: %w", err)
	}

	cfg = cfg.withDefaults()
	log = logger.OrNop(log).With(logger.Field{Key: "server", Value: cfg.Name})

	m, err := metrics.NewServer(cfg.MetricsRegisterer, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("tlsserver: %w", err)
	}

	return &Server{
		cfg:                cfg,
		log:                log,
		tlsConfig:          certs.ServerTLSConfig(cert, cfg.MinTLSVersion),
		metrics:            m,
		sessions:           safemap.NewSafeMap[uint64, *Session](),
		conns:              safemap.NewSafeMap[uint64, *Session](),
		ids:                idgenerator.NewIdGenerator(0),
		kicks:              cache.New(cfg.KickHistoryTTL, cfg.KickHistoryTTL),
		clientConnected:    events.NewHub[events.ClientConnected]("client_connected", log),
		clientDisconnected: events.NewHub[events.ClientDisconnected]("client_disconnected", log),
		textReceived:       events.NewHub[events.TextReceived]("text_received", log),
		status:             events.NewHub[events.Status]("status", log),
	}, nil
}

// OnClientConnected subscribes to accepted connections. The event fires
// before the TLS handshake. The returned function unsubscribes.
func (s *Server) OnClientConnected(handler events.Handler[events.ClientConnected]) func() {
	return s.clientConnected.Subscribe(handler)
}

// OnClientDisconnected subscribes to kicks, including connections that never
// completed the handshake.
func (s *Server) OnClientDisconnected(handler events.Handler[events.ClientDisconnected]) func() {
	return s.clientDisconnected.Subscribe(handler)
}

// OnTextReceived subscribes to frames received from any session. Handlers
// run on the session's read goroutine.
func (s *Server) OnTextReceived(handler events.Handler[events.TextReceived]) func() {
	return s.textReceived.Subscribe(handler)
}

// OnStatus subscribes to lifecycle messages such as start and stop.
func (s *Server) OnStatus(handler events.Handler[events.Status]) func() {
	return s.status.Subscribe(handler)
}

// Start listens on Config.Host:Config.Port and starts the accept loop in a
// goroutine.
//
// Returns:
//   - ErrServerRunning if the server is already running, or the listen error
func (s *Server) Start() error {
	if s.running.Load() {
		return ErrServerRunning
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("server failed to start", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("tlsserver: %s failed to start: %w", s.cfg.Name, err)
	}

	return s.Serve(ln)
}

// Serve starts the accept loop on an existing listener and returns at once.
// The server owns ln from then on and closes it in Stop.
//
// Parameters:
//   - ln: A plain TCP listener; the server performs the TLS handshake itself
//
// Returns:
//   - ErrServerRunning if the server is already running
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		_ = ln.Close()
		return ErrServerRunning
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	s.emitStatus("Server started on " + ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Addr returns the listening address, or nil when the server is stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop closes the listener, stops ticking, kicks every connection with the
// reason "Server stopping", clears the registry and waits for every session
// goroutine to finish.
//
// Returns:
//   - ErrServerNotRunning if the server was not running
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}

	s.StopTicking()

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	var g errgroup.Group
	g.SetLimit(stopConcurrency)
	for _, sess := range s.conns.Snapshot() {
		g.Go(func() error {
			s.Kick(sess, reasonStopping)
			return nil
		})
	}
	_ = g.Wait()

	s.sessions.Clear()
	s.metrics.ActiveSessions.Set(0)
	s.wg.Wait()

	s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
	s.emitStatus("Server stopped")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.Error(fmt.Sprintf("%s server accept error", s.cfg.Name), logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		s.metrics.Accepted.Inc()
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(s.cfg.NoDelay)
		}

		sess := newSession(s, s.ids.Next(), conn)
		s.conns.Store(sess.id, sess)
		s.clientConnected.Emit(events.ClientConnected{
			Peer:      sess.remote,
			Conn:      conn,
			Timestamp: time.Now(),
		})

		// Stop may have taken its snapshot before the store above.
		if !s.running.Load() {
			s.Kick(sess, reasonStopping)
			return
		}

		s.wg.Add(1)
		go s.handle(sess)
	}
}

func (s *Server) handle(sess *Session) {
	defer s.wg.Done()

	if err := s.handshake(sess); err != nil {
		if !sess.Connected() {
			return
		}

		s.metrics.HandshakeFailures.Inc()
		sess.log.Warn("tls handshake failed", logger.Field{Key: "error", Value: err.Error()})
		s.Kick(sess, "TLS handshake failed: "+err.Error())
		return
	}

	if !sess.markHandshaken() {
		return
	}
	sess.log.Info("session registered")

	if err := sess.welcome(); err != nil {
		return
	}

	s.readLoop(sess)
}

func (s *Server) handshake(sess *Session) error {
	if timeout := s.cfg.HandshakeTimeout; timeout > 0 {
		if err := sess.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	if err := sess.conn.Handshake(); err != nil {
		return err
	}

	return sess.conn.SetDeadline(time.Time{})
}

// readLoop checks the running flags once per frame; a blocked read is only
// interrupted by closing the transport.
func (s *Server) readLoop(sess *Session) {
	dec := framer.NewDecoder(sess.conn,
		framer.WithReadBufferSize(s.cfg.ReadBufferSize),
		framer.WithMaxFrameSize(s.cfg.MaxFrameSize),
	)

	for s.running.Load() && sess.Connected() {
		if timeout := s.cfg.ReadTimeout; timeout > 0 {
			if err := sess.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				s.Kick(sess, "Read error: "+err.Error())
				return
			}
		}

		frame, err := dec.Next()
		if err != nil {
			s.Kick(sess, s.readFailure(sess, dec, err))
			return
		}

		s.metrics.FramesReceived.Inc()
		if frame == "" {
			continue
		}

		s.textReceived.Emit(events.TextReceived{
			Sender:    sess.UserID(),
			SessionID: sess.id,
			Text:      frame,
			Timestamp: time.Now(),
		})
	}

	s.Kick(sess, reasonStopping)
}

func (s *Server) readFailure(sess *Session, dec *framer.Decoder, err error) string {
	switch {
	case errors.Is(err, io.EOF):
		if pending := dec.Pending(); pending > 0 {
			sess.log.Warn("discarding unterminated frame", logger.Field{Key: "bytes", Value: pending})
		}
		return reasonDisconnected
	case errors.Is(err, framer.ErrFrameTooLarge):
		sess.log.Warn("frame too large", logger.Field{Key: "limit", Value: s.cfg.MaxFrameSize})
		return "Frame too large"
	default:
		if !sess.Connected() {
			return reasonStopping
		}
		return "Read error: " + err.Error()
	}
}

// Kick closes a connection and removes it from the registry. Only the first
// kick of a session has any effect; later calls, including a nil session,
// are no-ops.
//
// Parameters:
//   - sess: The session to kick
//   - reason: Human-readable reason, logged and kept in the kick history
func (s *Server) Kick(sess *Session, reason string) {
	if sess == nil {
		return
	}

	first, registered := sess.markKicked()
	if !first {
		return
	}

	if registered {
		if _, ok := s.sessions.LoadAndDelete(sess.id); ok {
			s.metrics.ActiveSessions.Dec()
		}
	}
	s.conns.Delete(sess.id)

	sess.queue.Close()
	_ = sess.conn.Close()

	now := time.Now()
	s.kicks.SetDefault(strconv.FormatUint(sess.id, 10), KickRecord{
		SessionID: sess.id,
		Peer:      sess.remote,
		Reason:    reason,
		At:        now,
	})
	s.metrics.Kicks.Inc()
	sess.log.Info("session kicked", logger.Field{Key: "reason", Value: reason})

	s.clientDisconnected.Emit(events.ClientDisconnected{
		Peer:      sess.remote,
		SessionID: sess.id,
		Reason:    reason,
		Timestamp: now,
	})
}

// Broadcast sends text to every registered session. A session whose write
// fails is kicked; the others are unaffected. Empty text is ignored.
//
// Parameters:
//   - text: Message body; the delimiter is appended
//
// Returns:
//   - How many sessions were addressed and how many accepted the frame;
//     zero for empty text
func (s *Server) Broadcast(text string) BroadcastResult {
	if text == "" {
		return BroadcastResult{}
	}
	return s.broadcastFrame(proto.Encode(text))
}

func (s *Server) broadcastFrame(frame []byte) BroadcastResult {
	var res BroadcastResult
	for _, sess := range s.sessions.Snapshot() {
		if !sess.Connected() {
			continue
		}

		res.Attempted++
		if err := sess.enqueue(frame); err == nil {
			res.Sent++
		}
	}

	s.metrics.BroadcastAttempted.Add(float64(res.Attempted))
	s.metrics.BroadcastSent.Add(float64(res.Sent))
	return res
}

// SendTo sends text to one session. A failed write kicks the session.
// Empty text is ignored.
//
// Parameters:
//   - sess: The recipient
//   - text: Message body; the delimiter is appended
//
// Returns:
//   - ErrSessionClosed if the session is nil or no longer connected
//   - The write error if this call performed the write and it failed
func (s *Server) SendTo(sess *Session, text string) error {
	if sess == nil {
		return ErrSessionClosed
	}
	if text == "" {
		return nil
	}

	return sess.enqueue(proto.Encode(text))
}

// ClientCount returns the number of registered sessions.
func (s *Server) ClientCount() int {
	return s.sessions.Len()
}

// Session returns the registered session with the given id.
func (s *Server) Session(id uint64) (*Session, bool) {
	return s.sessions.Load(id)
}

// Sessions returns a description of every registered session ordered by id.
func (s *Server) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, s.sessions.Len())
	s.sessions.Range(func(_ uint64, sess *Session) bool {
		out = append(out, sess.Info())
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accepted returns the number of connections accepted since the server was
// created, including those that never completed the handshake.
func (s *Server) Accepted() uint64 {
	return s.ids.Last()
}

// KickReason returns the reason a session was kicked, if it was kicked
// within the kick history window.
func (s *Server) KickReason(id uint64) (string, bool) {
	v, ok := s.kicks.Get(strconv.FormatUint(id, 10))
	if !ok {
		return "", false
	}

	return v.(KickRecord).Reason, true
}

// RecentKicks returns the kicks within the history window, newest first.
func (s *Server) RecentKicks() []KickRecord {
	items := s.kicks.Items()
	out := make([]KickRecord, 0, len(items))
	for _, item := range items {
		if rec, ok := item.Object.(KickRecord); ok {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].SessionID > out[j].SessionID
		}
		return out[i].At.After(out[j].At)
	})
	return out
}

func (s *Server) emitStatus(text string) {
	s.status.Emit(events.Status{Text: text, Timestamp: time.Now()})
}
