package tlsserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/perfmonitor"
	"github.com/cyberinferno/securesocket/proto"
)

// tickState is owned by one Server, so independent servers in one process
// tick independently.
type tickState struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	interval     atomic.Int64
	count        atomic.Uint64
	lastDuration atomic.Int64
}

// StartTicking broadcasts a tick frame carrying an incrementing counter to
// every registered session once per interval. The counter restarts at 1.
// Calling StartTicking while ticking restarts the broadcaster with the new
// interval.
//
// The fan-out runs on the ticker goroutine. A fan-out that takes longer
// than the interval is logged and counted as an overrun; the ticker keeps
// at most one firing queued meanwhile and drops the rest.
//
// Parameters:
//   - interval: Time between ticks; zero or negative uses Config.TickInterval
func (s *Server) StartTicking(interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.TickInterval
	}

	t := &s.ticker
	t.mu.Lock()
	defer t.mu.Unlock()

	t.halt()
	t.count.Store(0)
	t.lastDuration.Store(0)
	t.interval.Store(int64(interval))
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go s.tickLoop(time.NewTicker(interval), interval, t.stop, t.done)

	s.log.Info("ticking started", logger.Field{Key: "interval", Value: interval.String()})
}

// StopTicking stops the broadcaster and waits for a fan-out in progress to
// finish. It must not be called from an event handler that runs on the
// ticker goroutine.
func (s *Server) StopTicking() {
	t := &s.ticker
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.halt() {
		s.log.Info("ticking stopped", logger.Field{Key: "ticks", Value: t.count.Load()})
	}
}

// halt stops a running tick loop and waits for it. t.mu must be held; the
// tick loop never takes it.
func (t *tickState) halt() bool {
	if t.stop == nil {
		return false
	}

	close(t.stop)
	<-t.done
	t.stop, t.done = nil, nil
	return true
}

// Ticking reports whether the tick broadcaster is running.
func (s *Server) Ticking() bool {
	s.ticker.mu.Lock()
	defer s.ticker.mu.Unlock()
	return s.ticker.stop != nil
}

// LastTick returns the counter of the most recent tick.
func (s *Server) LastTick() uint64 {
	return s.ticker.count.Load()
}

// LastTickDuration returns how long the most recent fan-out took.
func (s *Server) LastTickDuration() time.Duration {
	return time.Duration(s.ticker.lastDuration.Load())
}

// Interval returns the interval of the running or last run broadcaster.
func (s *Server) Interval() time.Duration {
	return time.Duration(s.ticker.interval.Load())
}

func (s *Server) tickLoop(ticker *time.Ticker, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	pm := perfmonitor.NewPerformanceMonitor()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(pm, interval)
		}
	}
}

func (s *Server) tick(pm *perfmonitor.PerformanceMonitor, interval time.Duration) {
	n := s.ticker.count.Add(1)
	defer pm.Reset()

	pm.Start()
	res := s.broadcastFrame(proto.TickFrame(n))
	pm.Stop()

	elapsed := pm.Elapsed()
	s.ticker.lastDuration.Store(int64(elapsed))
	s.metrics.Ticks.Inc()
	s.metrics.TickDuration.Observe(elapsed.Seconds())

	if elapsed > interval {
		s.metrics.TickOverruns.Inc()
		s.log.Warn("tick fan-out overran interval",
			logger.Field{Key: "tick", Value: n},
			logger.Field{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()},
			logger.Field{Key: "interval", Value: interval.String()},
		)
		return
	}

	s.log.Debug("tick",
		logger.Field{Key: "tick", Value: n},
		logger.Field{Key: "sent", Value: res.Sent},
		logger.Field{Key: "attempted", Value: res.Attempted},
		logger.Field{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()},
	)
}
