// Package perfmonitor provides a simple stopwatch for timing a unit of work,
// such as one tick fan-out across all sessions.
package perfmonitor

import "time"

// PerformanceMonitor measures the wall-clock time between Start and Stop.
// It is not safe for concurrent use; callers that publish the measurement to
// other goroutines should copy the result out (see Elapsed).
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a stopwatch with no measurement recorded.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start records the start time and clears any previous end time.
func (pm *PerformanceMonitor) Start() {
	pm.startTime = time.Now()
	pm.endTime = time.Time{}
}

// Stop records the end time. It has no effect if Start was not called since
// construction or the last Reset. Calling Stop again moves the end time.
func (pm *PerformanceMonitor) Stop() {
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Reset clears both times.
func (pm *PerformanceMonitor) Reset() {
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
}

// Elapsed returns the measured duration, or zero if the measurement is
// incomplete.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return pm.endTime.Sub(pm.startTime)
}

// ElapsedMilliseconds returns Elapsed as fractional milliseconds.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(pm.Elapsed()) / float64(time.Millisecond)
}
