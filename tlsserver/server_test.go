package tlsserver

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/securesocket/certs"
	"github.com/cyberinferno/securesocket/events"
	"github.com/cyberinferno/securesocket/framer"
	"github.com/cyberinferno/securesocket/internal/tlstest"
	"github.com/cyberinferno/securesocket/metrics"
	"github.com/cyberinferno/securesocket/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *tlstest.Identity) {
	t.Helper()

	id := tlstest.NewIdentity(t, "localhost")
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, certs.Static{Certificate: id.Certificate}, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { _ = srv.Stop() })

	return srv, id
}

type testClient struct {
	conn *tls.Conn
	dec  *framer.Decoder
}

func dial(t *testing.T, srv *Server, id *tlstest.Identity) *testClient {
	t.Helper()

	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{
		RootCAs:    id.Pool,
		ServerName: "localhost",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn, dec: framer.NewDecoder(conn)}
}

func (c *testClient) next(t *testing.T) string {
	t.Helper()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
	frame, err := c.dec.Next()
	require.NoError(t, err)
	return frame
}

func (c *testClient) send(t *testing.T, text string) {
	t.Helper()

	_, err := c.conn.Write(proto.Encode(text))
	require.NoError(t, err)
}

// dialWelcomed connects n clients and consumes their welcome frames.
func dialWelcomed(t *testing.T, srv *Server, id *tlstest.Identity, n int) []*testClient {
	t.Helper()

	clients := make([]*testClient, n)
	for i := range clients {
		clients[i] = dial(t, srv, id)
		require.Equal(t, proto.WelcomeText, clients[i].next(t))
	}
	require.Eventually(t, func() bool { return srv.ClientCount() == n }, waitFor, 10*time.Millisecond)
	return clients
}

type recorder[E any] struct {
	mu     sync.Mutex
	events []E
}

func (r *recorder[E]) handle(e E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]E(nil), r.events...)
}

func TestNewServer(t *testing.T) {
	t.Run("nil source", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), nil, nil)
		assert.ErrorIs(t, err, ErrNoCertificate)
	})

	t.Run("source that cannot load", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), certs.Static{}, nil)
		assert.ErrorIs(t, err, certs.ErrNoCertificate)
	})

	t.Run("zero config gets defaults", func(t *testing.T) {
		id := tlstest.NewIdentity(t, "localhost")
		srv, err := NewServer(Config{}, certs.Static{Certificate: id.Certificate}, nil)
		require.NoError(t, err)

		assert.Equal(t, DefaultPort, srv.cfg.Port)
		assert.Equal(t, uint16(tls.VersionTLS12), srv.cfg.MinTLSVersion)
		assert.Equal(t, 500*time.Millisecond, srv.cfg.TickInterval)
		assert.False(t, srv.Running())
		assert.Nil(t, srv.Addr())
	})

	t.Run("same name on a shared registerer", func(t *testing.T) {
		id := tlstest.NewIdentity(t, "localhost")
		cfg := DefaultConfig()
		cfg.MetricsRegisterer = prometheus.NewRegistry()

		_, err := NewServer(cfg, certs.Static{Certificate: id.Certificate}, nil)
		require.NoError(t, err)

		var srv *Server
		assert.NotPanics(t, func() {
			srv, err = NewServer(cfg, certs.Static{Certificate: id.Certificate}, nil)
		})
		assert.ErrorIs(t, err, metrics.ErrDuplicate)
		assert.Nil(t, srv)

		cfg.Name = "second"
		_, err = NewServer(cfg, certs.Static{Certificate: id.Certificate}, nil)
		assert.NoError(t, err)
	})
}

func TestServer_StartStop(t *testing.T) {
	t.Run("start twice", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		assert.ErrorIs(t, srv.Serve(ln), ErrServerRunning)
		assert.ErrorIs(t, srv.Start(), ErrServerRunning)
	})

	t.Run("stop twice", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)

		require.NoError(t, srv.Stop())
		assert.ErrorIs(t, srv.Stop(), ErrServerNotRunning)
		assert.Nil(t, srv.Addr())
	})

	t.Run("start listens on configured host and port", func(t *testing.T) {
		id := tlstest.NewIdentity(t, "localhost")
		cfg := DefaultConfig()
		cfg.Host = "127.0.0.1"
		cfg.Port = freePort(t)

		srv, err := NewServer(cfg, certs.Static{Certificate: id.Certificate}, nil)
		require.NoError(t, err)
		require.NoError(t, srv.Start())
		t.Cleanup(func() { _ = srv.Stop() })

		c := dial(t, srv, id)
		assert.Equal(t, proto.WelcomeText, c.next(t))
	})

	t.Run("stop kicks every session", func(t *testing.T) {
		srv, id := newTestServer(t, nil)
		clients := dialWelcomed(t, srv, id, 2)

		var status recorder[events.Status]
		srv.OnStatus(status.handle)

		require.NoError(t, srv.Stop())
		assert.Equal(t, 0, srv.ClientCount())

		for _, c := range clients {
			require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(waitFor)))
			_, err := c.dec.Next()
			assert.Error(t, err)
		}

		kicks := srv.RecentKicks()
		require.Len(t, kicks, 2)
		for _, k := range kicks {
			assert.Equal(t, "Server stopping", k.Reason)
		}
		require.NotEmpty(t, status.all())
		assert.Equal(t, "Server stopped", status.all()[len(status.all())-1].Text)
	})
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServer_Welcome(t *testing.T) {
	srv, id := newTestServer(t, nil)

	c := dial(t, srv, id)
	assert.Equal(t, "Welcome SSL Client", c.next(t))
	assert.Eventually(t, func() bool { return srv.ClientCount() == 1 }, waitFor, 10*time.Millisecond)
}

func TestServer_RegistryOnlyAfterHandshake(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.HandshakeTimeout = 200 * time.Millisecond
	})

	var connected recorder[events.ClientConnected]
	var disconnected recorder[events.ClientDisconnected]
	srv.OnClientConnected(connected.handle)
	srv.OnClientDisconnected(disconnected.handle)

	raw, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	require.Eventually(t, func() bool { return len(connected.all()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 0, srv.ClientCount())

	require.Eventually(t, func() bool { return len(disconnected.all()) == 1 }, waitFor, 10*time.Millisecond)
	ev := disconnected.all()[0]
	assert.Contains(t, ev.Reason, "TLS handshake failed")
	assert.Equal(t, 0, srv.ClientCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.HandshakeFailures))

	_, found := srv.Session(ev.SessionID)
	assert.False(t, found)
}

func TestServer_TextReceived(t *testing.T) {
	srv, id := newTestServer(t, nil)

	var texts recorder[events.TextReceived]
	srv.OnTextReceived(texts.handle)

	c := dialWelcomed(t, srv, id, 1)[0]
	info := srv.Sessions()[0]

	t.Run("attributed to the placeholder user", func(t *testing.T) {
		c.send(t, "hello")
		require.Eventually(t, func() bool { return len(texts.all()) == 1 }, waitFor, 10*time.Millisecond)

		ev := texts.all()[0]
		assert.Equal(t, AnonymousUser, ev.Sender)
		assert.Equal(t, info.ID, ev.SessionID)
		assert.Equal(t, "hello", ev.Text)
	})

	t.Run("attributed to the authenticated user", func(t *testing.T) {
		sess, ok := srv.Session(info.ID)
		require.True(t, ok)
		sess.Authenticate("alice")

		c.send(t, "again")
		require.Eventually(t, func() bool { return len(texts.all()) == 2 }, waitFor, 10*time.Millisecond)
		assert.Equal(t, "alice", texts.all()[1].Sender)
		assert.True(t, sess.Authenticated())
	})

	t.Run("tick tag from a client stays text", func(t *testing.T) {
		c.send(t, proto.TickTag+"9")
		require.Eventually(t, func() bool { return len(texts.all()) == 3 }, waitFor, 10*time.Millisecond)
		assert.Equal(t, "[TICK]9", texts.all()[2].Text)
	})

	t.Run("empty frames are not dispatched", func(t *testing.T) {
		_, err := c.conn.Write([]byte(proto.Delimiter + "after" + proto.Delimiter))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(texts.all()) == 4 }, waitFor, 10*time.Millisecond)
		assert.Equal(t, "after", texts.all()[3].Text)
	})
}

func TestServer_BroadcastEcho(t *testing.T) {
	srv, id := newTestServer(t, nil)
	srv.OnTextReceived(func(e events.TextReceived) {
		srv.Broadcast(e.Text)
	})

	clients := dialWelcomed(t, srv, id, 2)
	clients[0].send(t, "hello")

	assert.Equal(t, "hello", clients[0].next(t))
	assert.Equal(t, "hello", clients[1].next(t))
}

func TestServer_BroadcastSkipsBrokenSession(t *testing.T) {
	srv, id := newTestServer(t, nil)
	clients := dialWelcomed(t, srv, id, 3)

	var disconnected recorder[events.ClientDisconnected]
	srv.OnClientDisconnected(disconnected.handle)

	broken := srv.Sessions()[1]
	sess, ok := srv.Session(broken.ID)
	require.True(t, ok)
	// Shut down only the write side so the read loop stays unaware.
	require.NoError(t, sess.conn.CloseWrite())

	res := srv.Broadcast("x")
	assert.Equal(t, BroadcastResult{Attempted: 3, Sent: 2}, res)

	assert.Equal(t, 2, srv.ClientCount())
	require.Len(t, disconnected.all(), 1)
	assert.Equal(t, broken.ID, disconnected.all()[0].SessionID)

	reason, ok := srv.KickReason(broken.ID)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(reason, "Send failed"), reason)

	for i, c := range clients {
		if i == 1 {
			continue
		}
		assert.Equal(t, "x", c.next(t))
	}
}

func TestServer_Kick(t *testing.T) {
	srv, id := newTestServer(t, nil)
	dialWelcomed(t, srv, id, 2)

	var disconnected recorder[events.ClientDisconnected]
	srv.OnClientDisconnected(disconnected.handle)

	sess, ok := srv.Session(srv.Sessions()[0].ID)
	require.True(t, ok)

	assert.NotPanics(t, func() {
		srv.Kick(sess, "first")
		srv.Kick(sess, "second")
		sess.Kick("third")
		srv.Kick(nil, "nobody")
	})

	assert.Equal(t, 1, srv.ClientCount())
	require.Len(t, disconnected.all(), 1)
	assert.Equal(t, "first", disconnected.all()[0].Reason)
	assert.False(t, sess.Connected())
	assert.ErrorIs(t, srv.SendTo(sess, "late"), ErrSessionClosed)
	assert.ErrorIs(t, srv.SendTo(nil, "late"), ErrSessionClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.ActiveSessions))
}

func TestServer_SendTo(t *testing.T) {
	srv, id := newTestServer(t, nil)
	clients := dialWelcomed(t, srv, id, 2)

	target := srv.Sessions()[1]
	sess, ok := srv.Session(target.ID)
	require.True(t, ok)

	require.NoError(t, sess.Send("just you"))
	assert.Equal(t, "just you", clients[1].next(t))
	assert.Equal(t, uint64(2), sess.Written())

	t.Run("empty text is not sent", func(t *testing.T) {
		require.NoError(t, sess.Send(""))
		assert.Equal(t, BroadcastResult{}, srv.Broadcast(""))
		assert.Equal(t, uint64(2), sess.Written())
		assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.BroadcastAttempted))

		require.NoError(t, sess.Send("next"))
		assert.Equal(t, "next", clients[1].next(t))
	})
}

func TestServer_ClientDisconnect(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := dialWelcomed(t, srv, id, 1)[0]
	sessionID := srv.Sessions()[0].ID

	_, err := c.conn.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, waitFor, 10*time.Millisecond)
	reason, ok := srv.KickReason(sessionID)
	require.True(t, ok)
	assert.NotEmpty(t, reason)
}

func TestServer_FrameTooLarge(t *testing.T) {
	srv, id := newTestServer(t, func(cfg *Config) {
		cfg.MaxFrameSize = 16
	})
	c := dialWelcomed(t, srv, id, 1)[0]
	sessionID := srv.Sessions()[0].ID

	_, err := c.conn.Write([]byte(strings.Repeat("a", 64)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, waitFor, 10*time.Millisecond)
	reason, _ := srv.KickReason(sessionID)
	assert.Equal(t, "Frame too large", reason)
}

func TestServer_Sessions(t *testing.T) {
	srv, id := newTestServer(t, nil)
	dialWelcomed(t, srv, id, 2)

	infos := srv.Sessions()
	require.Len(t, infos, 2)
	assert.Less(t, infos[0].ID, infos[1].ID)
	for _, info := range infos {
		assert.Equal(t, AnonymousUser, info.UserID)
		assert.False(t, info.Authenticated)
		assert.False(t, info.ConnectedAt.IsZero())
		assert.NotEmpty(t, info.RemoteAddr)
	}
	assert.Equal(t, uint64(2), srv.Accepted())
}

func TestServer_Ticking(t *testing.T) {
	srv, id := newTestServer(t, nil)
	c := dialWelcomed(t, srv, id, 1)[0]

	start := time.Now()
	srv.StartTicking(500 * time.Millisecond)
	assert.True(t, srv.Ticking())
	assert.Equal(t, 500*time.Millisecond, srv.Interval())

	var ticks []string
	for len(ticks) < 2 {
		msg := proto.Parse(proto.ServerSender, c.next(t))
		require.Equal(t, proto.KindTick, msg.Kind)
		ticks = append(ticks, msg.Text)
	}

	time.Sleep(time.Until(start.Add(1200 * time.Millisecond)))
	srv.StopTicking()

	assert.Equal(t, []string{"1", "2"}, ticks)
	assert.Equal(t, uint64(2), srv.LastTick())
	assert.False(t, srv.Ticking())
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.metrics.Ticks))
	assert.Greater(t, srv.LastTickDuration(), time.Duration(0), "the reused stopwatch measured the second tick")

	t.Run("restart resets the counter", func(t *testing.T) {
		srv.StartTicking(20 * time.Millisecond)
		srv.StartTicking(0)
		assert.Equal(t, srv.cfg.TickInterval, srv.Interval())
		srv.StopTicking()
		srv.StopTicking()
		assert.LessOrEqual(t, srv.LastTick(), uint64(1))
	})
}

func TestServer_IndependentTickers(t *testing.T) {
	a, _ := newTestServer(t, nil)
	b, _ := newTestServer(t, nil)

	a.StartTicking(10 * time.Millisecond)
	defer a.StopTicking()

	require.Eventually(t, func() bool { return a.LastTick() >= 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(0), b.LastTick())
	assert.False(t, b.Ticking())
}
