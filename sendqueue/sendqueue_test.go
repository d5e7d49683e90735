package sendqueue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a fake transport that records writes and tracks how many are
// in progress at once.
type recorder struct {
	mu          sync.Mutex
	writes      []string
	active      atomic.Int32
	maxActive   atomic.Int32
	delay       time.Duration
	failOn      string
	failErr     error
	gate        chan struct{}
	gateOnFirst bool
}

func (r *recorder) write(p []byte) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if r.gate != nil {
		r.mu.Lock()
		first := len(r.writes) == 0
		r.mu.Unlock()
		if first || !r.gateOnFirst {
			<-r.gate
		}
	}

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	if r.failOn != "" && string(p) == r.failOn {
		return r.failErr
	}

	r.mu.Lock()
	r.writes = append(r.writes, string(p))
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func TestSerializer_SingleWrite(t *testing.T) {
	rec := &recorder{}
	s := New(rec.write, nil)

	require.NoError(t, s.Enqueue([]byte("hello")))
	assert.Equal(t, []string{"hello"}, rec.snapshot())
	assert.Equal(t, uint64(1), s.Written())
	assert.False(t, s.InFlight())
	assert.Equal(t, 0, s.Pending())
}

func TestSerializer_QueuedWritesKeepSubmissionOrder(t *testing.T) {
	rec := &recorder{gate: make(chan struct{}), gateOnFirst: true}
	s := New(rec.write, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.Enqueue([]byte("0"))
	}()

	require.Eventually(t, s.InFlight, time.Second, time.Millisecond)

	const n = 20
	for i := 1; i <= n; i++ {
		require.NoError(t, s.Enqueue([]byte(fmt.Sprint(i))))
	}
	assert.Equal(t, n, s.Pending())

	close(rec.gate)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return !s.InFlight() }, time.Second, time.Millisecond)

	want := make([]string, 0, n+1)
	for i := 0; i <= n; i++ {
		want = append(want, fmt.Sprint(i))
	}
	assert.Equal(t, want, rec.snapshot())
	assert.Equal(t, int32(1), rec.maxActive.Load())
}

func TestSerializer_ConcurrentEnqueue(t *testing.T) {
	rec := &recorder{delay: 100 * time.Microsecond}
	s := New(rec.write, nil)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Enqueue([]byte(fmt.Sprint(i))))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !s.InFlight() }, time.Second, time.Millisecond)

	writes := rec.snapshot()
	assert.Len(t, writes, n)
	assert.Equal(t, int32(1), rec.maxActive.Load(), "more than one write was in flight")

	seen := make(map[string]bool, n)
	for _, w := range writes {
		assert.False(t, seen[w], "duplicate write %s", w)
		seen[w] = true
	}
	assert.Equal(t, uint64(n), s.Written())
}

func TestSerializer_EnqueueLatencyUnderContention(t *testing.T) {
	const write = time.Millisecond
	rec := &recorder{delay: write}
	s := New(rec.write, nil)

	stop := make(chan struct{})
	var worst atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}

				start := time.Now()
				assert.NoError(t, s.Enqueue([]byte(fmt.Sprintf("%d-%d", p, i))))
				elapsed := int64(time.Since(start))
				for {
					w := worst.Load()
					if elapsed <= w || worst.CompareAndSwap(w, elapsed) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
			}
		}(p)
	}

	time.Sleep(500 * time.Millisecond)
	close(stop)
	wg.Wait()
	require.Eventually(t, func() bool { return !s.InFlight() }, 5*time.Second, time.Millisecond)

	assert.Less(t, time.Duration(worst.Load()), 100*time.Millisecond,
		"an Enqueue call was held while other producers kept the queue busy")
	assert.Equal(t, int32(1), rec.maxActive.Load())
	assert.Equal(t, uint64(len(rec.snapshot())), s.Written())
}

func TestSerializer_FailureInDrainGoroutine(t *testing.T) {
	boom := errors.New("broken pipe")
	rec := &recorder{gate: make(chan struct{}), gateOnFirst: true, failOn: "1", failErr: boom}

	failed := make(chan error, 1)
	s := New(rec.write, func(err error) { failed <- err })

	done := make(chan error, 1)
	go func() {
		done <- s.Enqueue([]byte("0"))
	}()
	require.Eventually(t, s.InFlight, time.Second, time.Millisecond)

	require.NoError(t, s.Enqueue([]byte("1")))
	require.NoError(t, s.Enqueue([]byte("2")))

	close(rec.gate)
	require.NoError(t, <-done)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("drain failure was not reported")
	}
	assert.Equal(t, []string{"0"}, rec.snapshot())
	assert.True(t, s.Closed())
	assert.Equal(t, 0, s.Pending())
}

func TestSerializer_Failure(t *testing.T) {
	t.Run("failure discards the queue and closes", func(t *testing.T) {
		boom := errors.New("broken pipe")
		rec := &recorder{gate: make(chan struct{}), gateOnFirst: true, failOn: "0", failErr: boom}

		var failures atomic.Int32
		s := New(rec.write, func(err error) {
			failures.Add(1)
			assert.ErrorIs(t, err, boom)
		})

		done := make(chan error, 1)
		go func() {
			done <- s.Enqueue([]byte("0"))
		}()
		require.Eventually(t, s.InFlight, time.Second, time.Millisecond)

		require.NoError(t, s.Enqueue([]byte("1")))
		require.NoError(t, s.Enqueue([]byte("2")))

		close(rec.gate)
		assert.ErrorIs(t, <-done, boom)

		assert.Empty(t, rec.snapshot(), "queued payloads must not be retried")
		assert.Equal(t, int32(1), failures.Load())
		assert.True(t, s.Closed())
		assert.False(t, s.InFlight())
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("enqueue after failure returns ErrClosed", func(t *testing.T) {
		boom := errors.New("reset")
		rec := &recorder{failOn: "x", failErr: boom}

		var failures atomic.Int32
		s := New(rec.write, func(error) { failures.Add(1) })

		assert.ErrorIs(t, s.Enqueue([]byte("x")), boom)
		assert.ErrorIs(t, s.Enqueue([]byte("y")), ErrClosed)
		assert.Equal(t, int32(1), failures.Load())
	})
}

func TestSerializer_Close(t *testing.T) {
	t.Run("close rejects further payloads", func(t *testing.T) {
		rec := &recorder{}
		s := New(rec.write, nil)

		s.Close()
		s.Close()

		assert.ErrorIs(t, s.Enqueue([]byte("late")), ErrClosed)
		assert.Empty(t, rec.snapshot())
	})

	t.Run("close during a write drops queued payloads", func(t *testing.T) {
		rec := &recorder{gate: make(chan struct{}), gateOnFirst: true}
		var failures atomic.Int32
		s := New(rec.write, func(error) { failures.Add(1) })

		done := make(chan error, 1)
		go func() {
			done <- s.Enqueue([]byte("first"))
		}()
		require.Eventually(t, s.InFlight, time.Second, time.Millisecond)

		require.NoError(t, s.Enqueue([]byte("second")))
		s.Close()
		close(rec.gate)

		require.NoError(t, <-done)
		assert.Equal(t, []string{"first"}, rec.snapshot())
		assert.Equal(t, int32(0), failures.Load())
	})
}
