package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// scanStopper serialises StopScan calls for one Scan. The stack's StopScan
// is not safe to call concurrently or twice, and a call that lands before
// the stack has started scanning fails and is lost. After cancellation the
// stop is retried until one call succeeds or the scan returns. Once finish
// has run no further StopScan is issued: a late call would cancel the next
// scan pass instead.
type scanStopper struct {
	stopScan func() error
	retry    time.Duration

	mu       sync.Mutex
	stopped  bool // a stop was requested
	sent     bool // a StopScan call succeeded
	finished bool // the stack's Scan returned
	done     chan struct{}
}

func newScanStopper(stopScan func() error, retry time.Duration) *scanStopper {
	return &scanStopper{stopScan: stopScan, retry: retry, done: make(chan struct{})}
}

// stop marks the scan stopped and issues StopScan unless one already
// succeeded or the scan has returned. It reports whether the scan is
// known to be stopping.
func (s *scanStopper) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.finished || s.sent {
		return true
	}
	if err := s.stopScan(); err != nil {
		slog.Debug("[BLE] stop scan", "error", err)
		return false
	}
	s.sent = true
	return true
}

// isStopped reports whether a stop was requested.
func (s *scanStopper) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// watch stops the scan once ctx is done, retrying a failed stop until one
// succeeds or the scan finishes.
func (s *scanStopper) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.done:
		return
	}
	for !s.stop() {
		select {
		case <-s.done:
			return
		case <-time.After(s.retry):
		}
	}
}

// finish records that the stack's Scan has returned.
func (s *scanStopper) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	close(s.done)
}
