// Package metrics defines the Prometheus collectors exported by the secure
// socket client and server.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "securesocket"

// ErrDuplicate is returned when an instance with the same name already
// registered its collectors with the registerer.
var ErrDuplicate = errors.New("metrics: collectors already registered under this name")

// Server holds the collectors of one server instance.
type Server struct {
	ActiveSessions     prometheus.Gauge
	Accepted           prometheus.Counter
	HandshakeFailures  prometheus.Counter
	Kicks              prometheus.Counter
	FramesReceived     prometheus.Counter
	SendFailures       prometheus.Counter
	BroadcastAttempted prometheus.Counter
	BroadcastSent      prometheus.Counter
	Ticks              prometheus.Counter
	TickDuration       prometheus.Histogram
	TickOverruns       prometheus.Counter
}

// NewServer registers the server collectors with reg, labelled with the
// server name. A nil reg registers with a fresh private registry, which keeps
// independent instances (tests in particular) from colliding. Two servers
// sharing a registerer must have different names.
//
// Parameters:
//   - reg: Registerer to add the collectors to; may be nil
//   - name: Value of the "server" constant label
//
// Returns:
//   - The registered collectors
//   - ErrDuplicate (wrapped) if reg already holds a server with this name,
//     in which case none of this instance's collectors stay registered
func NewServer(reg prometheus.Registerer, name string) (*Server, error) {
	tx := newTransaction(reg)
	factory := promauto.With(tx)
	labels := prometheus.Labels{"server": name}

	counter := func(metric, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Server{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "active_sessions",
			Help:        "Sessions currently registered.",
			ConstLabels: labels,
		}),
		Accepted:           counter("accepted_connections_total", "TCP connections accepted."),
		HandshakeFailures:  counter("handshake_failures_total", "TLS handshakes that failed or timed out."),
		Kicks:              counter("kicks_total", "Connections torn down by the server."),
		FramesReceived:     counter("frames_received_total", "Frames decoded from clients."),
		SendFailures:       counter("send_failures_total", "Writes to a session that failed."),
		BroadcastAttempted: counter("broadcast_attempted_total", "Sessions a broadcast was addressed to."),
		BroadcastSent:      counter("broadcast_sent_total", "Sessions a broadcast was accepted by."),
		Ticks:              counter("ticks_total", "Tick fan-outs performed."),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "server",
			Name:        "tick_duration_seconds",
			Help:        "Time spent fanning one tick out to every session.",
			ConstLabels: labels,
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		TickOverruns: counter("tick_overruns_total", "Tick fan-outs that took longer than the tick interval."),
	}
	if err := tx.commit("server", name); err != nil {
		return nil, err
	}

	return m, nil
}

// Client holds the collectors of one client instance.
type Client struct {
	Connects          prometheus.Counter
	ConnectFailures   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	Disconnects       prometheus.Counter
	FramesReceived    prometheus.Counter
	Ticks             prometheus.Counter
}

// NewClient registers the client collectors with reg, labelled with the
// client name. A nil reg registers with a fresh private registry.
//
// Parameters:
//   - reg: Registerer to add the collectors to; may be nil
//   - name: Value of the "client" constant label
//
// Returns:
//   - The registered collectors
//   - ErrDuplicate (wrapped) if reg already holds a client with this name
func NewClient(reg prometheus.Registerer, name string) (*Client, error) {
	tx := newTransaction(reg)
	factory := promauto.With(tx)
	labels := prometheus.Labels{"client": name}

	counter := func(metric, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Client{
		Connects:          counter("connects_total", "Successful connects including the TLS handshake."),
		ConnectFailures:   counter("connect_failures_total", "Connect attempts that failed."),
		ReconnectAttempts: counter("reconnect_attempts_total", "Automatic reconnect attempts scheduled."),
		Disconnects:       counter("disconnects_total", "Connections that ended."),
		FramesReceived:    counter("frames_received_total", "Frames decoded from the server."),
		Ticks:             counter("ticks_total", "Tick frames received."),
	}
	if err := tx.commit("client", name); err != nil {
		return nil, err
	}

	return m, nil
}

// transaction buffers the collectors promauto creates and registers them with
// the target in one step, unregistering all of them if any registration fails.
type transaction struct {
	target     prometheus.Registerer
	collectors []prometheus.Collector
}

func newTransaction(reg prometheus.Registerer) *transaction {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &transaction{target: reg}
}

func (t *transaction) Register(c prometheus.Collector) error {
	t.collectors = append(t.collectors, c)
	return nil
}

func (t *transaction) MustRegister(cs ...prometheus.Collector) {
	t.collectors = append(t.collectors, cs...)
}

func (t *transaction) Unregister(prometheus.Collector) bool {
	return false
}

func (t *transaction) commit(kind, name string) error {
	for i, c := range t.collectors {
		if err := t.target.Register(c); err != nil {
			for _, done := range t.collectors[:i] {
				t.target.Unregister(done)
			}

			var dup prometheus.AlreadyRegisteredError
			if errors.As(err, &dup) {
				return fmt.Errorf("%w: %s %q", ErrDuplicate, kind, name)
			}
			return fmt.Errorf("metrics: register %s %q: %w", kind, name, err)
		}
	}
	return nil
}
