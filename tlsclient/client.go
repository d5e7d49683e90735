// Package tlsclient implements the reconnecting client side of the secure
// socket protocol. A Client dials the server, performs the TLS handshake
// under a pluggable trust policy, reads delimited frames and reconnects with
// jittered backoff when the connection is lost.
package tlsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/securesocket/certs"
	"github.com/cyberinferno/securesocket/events"
	"github.com/cyberinferno/securesocket/framer"
	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/metrics"
	"github.com/cyberinferno/securesocket/proto"
	"github.com/cyberinferno/securesocket/sendqueue"
)

var (
	ErrInvalidAddress    = errors.New("tlsclient: invalid server ip address")
	ErrInvalidPort       = errors.New("tlsclient: invalid server port")
	ErrClientClosed      = errors.New("tlsclient: client is closed")
	ErrConnectInProgress = errors.New("tlsclient: connection attempt already in progress")
	ErrAlreadyConnected  = errors.New("tlsclient: already connected")
	ErrNotConnected      = errors.New("tlsclient: not connected")
	ErrRetriesExhausted  = errors.New("tlsclient: tried reconnecting maximum number of times")
)

const (
	reasonStopped    = "Stopped"
	reasonClosed     = "Client closed"
	reasonEOF        = "Server closed the connection"
	reasonSendFailed = "Send failed"
	reasonReadError  = "Read error"
)

// Client is a reconnecting TLS client. Subscribe to its events, set the
// server address and port, then call Connect. It is safe for concurrent use.
type Client struct {
	cfg     Config
	log     logger.Logger
	metrics *metrics.Client

	connected    *events.Hub[events.Connected]
	disconnected *events.Hub[events.Disconnected]
	textReceived *events.Hub[events.TextReceived]
	tick         *events.Hub[events.Tick]
	status       *events.Hub[events.Status]

	mu           sync.RWMutex
	address      string
	port         int
	state        State
	conn         *tls.Conn
	dialing      net.Conn
	queue        *sendqueue.Serializer
	generation   uint64
	attempts     int
	keepRunning  bool
	retryPending bool
	closed       bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// New creates an idle Client.
//
// Parameters:
//   - cfg: Connection and retry settings (e.g. from DefaultConfig)
//   - log: Logger; nil discards log output
//
// Returns:
//   - A new *Client; call Close when done to release resources
//   - A wrapped metrics.ErrDuplicate if another client with the same Name
//     already registered with cfg.MetricsRegisterer
func New(cfg Config, log logger.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	log = logger.OrNop(log).With(logger.Field{Key: "client", Value: cfg.Name})

	m, err := metrics.NewClient(cfg.MetricsRegisterer, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("tlsclient: %w", err)
	}

	return &Client{
		cfg:          cfg,
		log:          log,
		metrics:      m,
		connected:    events.NewHub[events.Connected]("connected", log),
		disconnected: events.NewHub[events.Disconnected]("disconnected", log),
		textReceived: events.NewHub[events.TextReceived]("text_received", log),
		tick:         events.NewHub[events.Tick]("tick", log),
		status:       events.NewHub[events.Status]("status", log),
		state:        Idle,
		keepRunning:  true,
		stopChan:     make(chan struct{}),
	}, nil
}

// OnConnected subscribes to completed handshakes. The returned function
// unsubscribes.
func (c *Client) OnConnected(handler events.Handler[events.Connected]) func() {
	return c.connected.Subscribe(handler)
}

// OnDisconnected subscribes to the end of each connection.
func (c *Client) OnDisconnected(handler events.Handler[events.Disconnected]) func() {
	return c.disconnected.Subscribe(handler)
}

// OnTextReceived subscribes to text frames from the server. Handlers run on
// the read goroutine.
func (c *Client) OnTextReceived(handler events.Handler[events.TextReceived]) func() {
	return c.textReceived.Subscribe(handler)
}

// OnTick subscribes to tick frames from the server.
func (c *Client) OnTick(handler events.Handler[events.Tick]) func() {
	return c.tick.Subscribe(handler)
}

// OnStatus subscribes to progress messages such as retry attempts.
func (c *Client) OnStatus(handler events.Handler[events.Status]) func() {
	return c.status.Subscribe(handler)
}

// SetServerIPAddress sets the address Connect dials.
//
// Parameters:
//   - address: An IPv4 or IPv6 literal
//
// Returns:
//   - ErrInvalidAddress if address is not an IP literal
func (c *Client) SetServerIPAddress(address string) error {
	address = strings.TrimSpace(address)
	if net.ParseIP(address) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
	return nil
}

// SetPortNumber sets the port Connect dials.
//
// Parameters:
//   - port: Decimal port number in the range 1-65535
//
// Returns:
//   - ErrInvalidPort if port is not a number in range
func (c *Client) SetPortNumber(port string) error {
	n, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: %q", ErrInvalidPort, port)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = n
	return nil
}

// ServerIPAddress returns the configured server address.
func (c *Client) ServerIPAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// ServerPort returns the configured server port, or 0 if unset.
func (c *Client) ServerPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

// SetKeepRunning controls the read loop. Clearing it does not interrupt a
// read in progress: the loop notices the flag once the current read returns,
// then closes the connection without reconnecting.
func (c *Client) SetKeepRunning(keepRunning bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepRunning = keepRunning
}

// KeepRunning returns the read loop flag.
func (c *Client) KeepRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepRunning
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns the number of connect attempts since the last success.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// IsConnected reports whether the client is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Connect dials the server and performs the TLS handshake, blocking until
// both complete or fail. On failure the reconnect procedure is started in
// the background. Connect also sets KeepRunning.
//
// Returns:
//   - nil once connected
//   - ErrConnectInProgress if another attempt is running
//   - ErrAlreadyConnected, ErrClientClosed, ErrInvalidAddress, ErrInvalidPort
//   - The dial or handshake error otherwise
func (c *Client) Connect() error {
	c.SetKeepRunning(true)
	return c.attempt()
}

func (c *Client) attempt() error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	case c.address == "":
		c.mu.Unlock()
		return ErrInvalidAddress
	case c.port == 0:
		c.mu.Unlock()
		return ErrInvalidPort
	case c.state.attempting():
		c.mu.Unlock()
		c.log.Debug("connection attempt already in progress")
		return ErrConnectInProgress
	case c.state == Connected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.attempts++
	attempt := c.attempts
	c.state = Connecting
	addr := net.JoinHostPort(c.address, strconv.Itoa(c.port))
	serverName := c.cfg.ServerName
	if serverName == "" {
		serverName = c.address
	}
	c.mu.Unlock()

	c.log.Info("connecting", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "attempt", Value: attempt})
	c.emitStatus("Connecting to " + addr)

	conn, err := c.dial(addr, serverName)
	if err != nil {
		c.metrics.ConnectFailures.Inc()
		c.log.Warn("connect failed",
			logger.Field{Key: "addr", Value: addr},
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "error", Value: err.Error()},
		)
		c.emitStatus("Error connecting to server: " + err.Error())

		c.mu.Lock()
		if !c.closed {
			c.state = Idle
		}
		c.mu.Unlock()

		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}

	c.generation++
	gen := c.generation
	c.conn = conn
	c.queue = sendqueue.New(c.writer(conn), func(err error) {
		c.connectionLost(gen, reasonSendFailed, err)
	})
	c.attempts = 0
	c.state = Connected
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.Connects.Inc()
	c.log.Info("connected", logger.Field{Key: "addr", Value: addr})
	c.connected.Emit(events.Connected{
		Peer:      conn.RemoteAddr().String(),
		Conn:      conn,
		Timestamp: time.Now(),
	})
	c.emitStatus("Connected to the server")

	go c.readLoop(gen, conn)
	return nil
}

func (c *Client) dial(addr, serverName string) (*tls.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectionTimeout}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(c.cfg.NoDelay)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = raw.Close()
		return nil, ErrClientClosed
	}
	c.dialing = raw
	c.state = Handshaking
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.dialing = nil
		c.mu.Unlock()
	}()

	ctx := context.Background()
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	tlsCfg := certs.ClientTLSConfig(serverName, c.cfg.RootCAs, c.cfg.Trust, c.cfg.MinTLSVersion)
	conn := tls.Client(raw, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return conn, nil
}

func (c *Client) writer(conn *tls.Conn) sendqueue.WriteFunc {
	return func(payload []byte) error {
		if c.cfg.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return err
			}
		}

		_, err := conn.Write(payload)
		return err
	}
}

// Send queues text for the server. Empty text is ignored.
//
// Parameters:
//   - text: Message body; the delimiter is appended
//
// Returns:
//   - nil if the frame was written or queued, or text was empty
//   - ErrNotConnected if there is no connection
//   - The write error if this call performed the write and it failed
func (c *Client) Send(text string) error {
	if text == "" {
		return nil
	}

	c.mu.RLock()
	queue := c.queue
	c.mu.RUnlock()

	if queue == nil {
		return ErrNotConnected
	}

	err := queue.Enqueue(proto.Encode(text))
	if errors.Is(err, sendqueue.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

// readLoop checks KeepRunning once per frame; a blocked read is only
// interrupted by closing the transport.
func (c *Client) readLoop(gen uint64, conn *tls.Conn) {
	defer c.wg.Done()

	dec := framer.NewDecoder(conn,
		framer.WithReadBufferSize(c.cfg.ReadBufferSize),
		framer.WithMaxFrameSize(c.cfg.MaxFrameSize),
	)

	for c.KeepRunning() {
		if c.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				c.connectionLost(gen, reasonReadError, err)
				return
			}
		}

		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if pending := dec.Pending(); pending > 0 {
					c.log.Warn("discarding unterminated frame", logger.Field{Key: "bytes", Value: pending})
				}
				c.connectionLost(gen, reasonEOF, nil)
				return
			}

			c.connectionLost(gen, reasonReadError, err)
			return
		}

		c.metrics.FramesReceived.Inc()
		if frame == "" {
			continue
		}

		c.dispatch(proto.Parse(proto.ServerSender, frame))
	}

	c.connectionLost(gen, reasonStopped, nil)
}

func (c *Client) dispatch(msg proto.Message) {
	now := time.Now()
	switch msg.Kind {
	case proto.KindTick:
		c.metrics.Ticks.Inc()
		c.tick.Emit(events.Tick{Text: msg.Text, Timestamp: now})
	default:
		c.textReceived.Emit(events.TextReceived{Sender: msg.Sender, Text: msg.Text, Timestamp: now})
	}
}

// connectionLost tears down the connection of generation gen. Only the first
// caller for a generation has any effect, so a read error racing a send
// failure produces one disconnect.
func (c *Client) connectionLost(gen uint64, reason string, cause error) {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}

	conn, queue := c.conn, c.queue
	c.conn, c.queue = nil, nil
	c.state = Closing
	c.mu.Unlock()

	queue.Close()
	_ = conn.Close()

	c.metrics.Disconnects.Inc()
	fields := []logger.Field{{Key: "reason", Value: reason}}
	if cause != nil {
		fields = append(fields, logger.Field{Key: "error", Value: cause.Error()})
	}
	c.log.Info("disconnected", fields...)

	c.disconnected.Emit(events.Disconnected{
		Peer:      conn.RemoteAddr().String(),
		Reason:    reason,
		Err:       cause,
		Timestamp: time.Now(),
	})
	c.emitStatus("Disconnected: " + reason)

	c.mu.Lock()
	if !c.closed {
		c.state = Idle
	}
	c.mu.Unlock()

	c.scheduleReconnect()
}

// scheduleReconnect waits out the backoff in a goroutine and attempts to
// connect again, unless an attempt is running or pending, the client is
// connected, or the policy forbids another attempt.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.retryPending || c.state.attempting() || c.state == Connected {
		c.mu.Unlock()
		return
	}

	if !c.keepRunning || !c.cfg.Retry.Enabled {
		c.state = Disconnected
		c.mu.Unlock()
		c.emitStatus("Disconnected")
		return
	}

	if !c.cfg.Retry.Allow(c.attempts) {
		c.state = Disconnected
		attempts := c.attempts
		c.mu.Unlock()

		c.log.Warn(ErrRetriesExhausted.Error(), logger.Field{Key: "attempt", Value: attempts})
		c.emitStatus("Tried reconnecting maximum number of times")
		return
	}

	delay := c.cfg.Retry.Delay(c.cfg.Rand)
	next := c.attempts + 1
	c.retryPending = true
	c.state = Retrying
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.ReconnectAttempts.Inc()
	c.log.Info("reconnecting",
		logger.Field{Key: "attempt", Value: next},
		logger.Field{Key: "delay", Value: delay.String()},
	)

	go c.retryAfter(delay, next)
}

func (c *Client) retryAfter(delay time.Duration, attempt int) {
	defer c.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.stopChan:
		return
	case <-timer.C:
	}

	c.mu.Lock()
	c.retryPending = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.keepRunning {
		c.state = Disconnected
		c.mu.Unlock()
		c.emitStatus("Disconnected")
		return
	}
	c.mu.Unlock()

	c.emitStatus(fmt.Sprintf("Retry attempt #%d", attempt))
	_ = c.attempt()
}

// Close shuts the client down: it stops reconnecting, closes the connection
// and waits for the client's goroutines. It must not be called from an event
// handler. Close is idempotent.
//
// Returns:
//   - nil
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	c.keepRunning = false
	c.state = Closing
	conn, queue, dialing := c.conn, c.queue, c.dialing
	c.conn, c.queue = nil, nil
	c.generation++
	c.mu.Unlock()

	close(c.stopChan)

	if dialing != nil {
		_ = dialing.Close()
	}
	if queue != nil {
		queue.Close()
	}
	if conn != nil {
		_ = conn.Close()
		c.metrics.Disconnects.Inc()
		c.disconnected.Emit(events.Disconnected{
			Peer:      conn.RemoteAddr().String(),
			Reason:    reasonClosed,
			Timestamp: time.Now(),
		})
	}

	c.wg.Wait()

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()

	c.log.Info("client closed")
	c.emitStatus("Client closed")
	return nil
}

func (c *Client) emitStatus(text string) {
	c.status.Emit(events.Status{Text: text, Timestamp: time.Now()})
}
