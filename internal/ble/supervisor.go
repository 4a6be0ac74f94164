package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/shotsync/internal/state"
)

// SupervisorOptions configures the reconnection supervisor.
type SupervisorOptions struct {
	RetryDelay time.Duration // fixed delay before re-entering scanning (default 800ms)
	Session    SessionOptions

	// OnPhase, if set, is called from the supervisor loop on every phase change.
	OnPhase func(state.Phase)
}

// DefaultSupervisorOptions returns sensible defaults.
func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{
		RetryDelay: 800 * time.Millisecond,
		Session:    DefaultSessionOptions(),
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evDisconnect
	evAttemptDone
	evLinkLost
	evRetry
	evRadio
)

type event struct {
	kind    eventKind
	seq     uint64 // attempt or retry generation
	session *Session
	err     error
	powered bool
}

// Supervisor runs the connection state machine: idle → scanning →
// connected → idle, re-entering scanning after a fixed delay when a link
// drops or an attempt fails. All state transitions happen on the Run loop.
type Supervisor struct {
	adapter Adapter
	finder  Finder
	radio   RadioMonitor
	store   *state.Store
	opts    SupervisorOptions

	events   chan event
	done     chan struct{}
	doneOnce sync.Once

	// Owned by the Run loop.
	phase         state.Phase
	session       *Session
	attemptSeq    uint64
	attemptCancel context.CancelFunc
	retrySeq      uint64
	retry         *time.Timer
	radioKnown    bool
	pendingStart  bool
}

// NewSupervisor creates a Supervisor. The adapter is owned by the
// supervisor for the lifetime of Run.
func NewSupervisor(adapter Adapter, finder Finder, radio RadioMonitor, store *state.Store, opts SupervisorOptions) *Supervisor {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 800 * time.Millisecond
	}
	if radio == nil {
		radio = EnabledRadio{Adapter: adapter}
	}
	return &Supervisor{
		adapter: adapter,
		finder:  finder,
		radio:   radio,
		store:   store,
		opts:    opts,
		events:  make(chan event, 16),
		done:    make(chan struct{}),
	}
}

// Start requests a scan. It is a no-op while scanning or connected.
func (s *Supervisor) Start() {
	s.post(event{kind: evStart})
}

// Disconnect tears down the current session or attempt. Unlike a dropped
// link, it does not schedule a reconnect.
func (s *Supervisor) Disconnect() {
	s.post(event{kind: evDisconnect})
}

// Snapshot returns the current synchronization state.
func (s *Supervisor) Snapshot() state.Snapshot {
	return s.store.Snapshot()
}

func (s *Supervisor) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
		discard(ev)
	}
}

// discard releases a session carried by an event nobody will handle.
func discard(ev event) {
	if ev.kind == evAttemptDone && ev.session != nil {
		_ = ev.session.Close()
	}
}

// drain discards events queued after the loop stopped.
func (s *Supervisor) drain() {
	for {
		select {
		case ev := <-s.events:
			discard(ev)
		default:
			return
		}
	}
}

// Run enables the adapter and processes events until ctx is done. On return
// any open session has been closed and no attempt or retry is pending.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.doneOnce.Do(func() { close(s.done) })
		s.drain()
	}()

	if err := s.adapter.Enable(); err != nil {
		slog.Error("[BLE] enable adapter failed", "error", err)
	}

	go func() {
		err := s.radio.Watch(ctx, func(powered bool) {
			s.post(event{kind: evRadio, powered: powered})
		})
		if err != nil && ctx.Err() == nil {
			// Without power events, assume an enabled adapter is usable.
			slog.Warn("[BLE] radio monitor unavailable", "error", err)
			s.post(event{kind: evRadio, powered: s.adapter.Enable() == nil})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evStart:
		if !s.radioKnown {
			// Preconditions cannot be judged before the first power report.
			s.pendingStart = true
			return
		}
		if s.phase != state.PhaseIdle || s.session != nil {
			slog.Debug("[BLE] start ignored", "phase", s.phase)
			return
		}
		s.cancelRetry()
		s.beginAttempt(ctx)

	case evAttemptDone:
		s.attemptDone(ctx, ev)

	case evLinkLost:
		if ev.session == nil || ev.session != s.session {
			return
		}
		slog.Warn("[BLE] disconnected, reconnecting...", "session", ev.session.ID())
		s.teardown()
		s.setPhase(state.PhaseIdle)
		s.scheduleRetry()

	case evDisconnect:
		s.pendingStart = false
		s.cancelRetry()
		s.cancelAttempt()
		if s.session != nil {
			slog.Info("[BLE] disconnect requested", "session", s.session.ID())
			s.teardown()
		}
		s.setPhase(state.PhaseIdle)

	case evRetry:
		if ev.seq != s.retrySeq {
			return
		}
		s.retry = nil
		if s.phase == state.PhaseIdle && s.session == nil {
			s.beginAttempt(ctx)
		}

	case evRadio:
		s.store.SetRadioReady(ev.powered)
		if !s.radioKnown {
			s.radioKnown = true
			if s.pendingStart {
				s.pendingStart = false
				s.handle(ctx, event{kind: evStart})
			}
		}
	}
}

// beginAttempt enters scanning and runs discovery plus session open off the
// loop so commands and link events keep being serviced.
func (s *Supervisor) beginAttempt(ctx context.Context) {
	s.store.ClearError()
	s.setPhase(state.PhaseScanning)

	s.attemptSeq++
	seq := s.attemptSeq
	actx, cancel := context.WithCancel(ctx)
	s.attemptCancel = cancel

	go func() {
		sess, err := s.attempt(actx)
		s.post(event{kind: evAttemptDone, seq: seq, session: sess, err: err})
	}()
}

func (s *Supervisor) attempt(ctx context.Context) (*Session, error) {
	dev, err := s.finder.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return OpenSession(ctx, s.adapter, dev, s.store, s.opts.Session)
}

func (s *Supervisor) attemptDone(ctx context.Context, ev event) {
	if ev.seq != s.attemptSeq || s.phase != state.PhaseScanning {
		// Superseded by Disconnect or shutdown. Discard a late session.
		discard(ev)
		return
	}
	s.cancelAttempt()

	if ev.err != nil {
		slog.Warn("[BLE] attempt failed", "error", ev.err)
		s.setPhase(state.PhaseIdle)
		s.store.SetError(ev.err)
		if retryable(ev.err) && ctx.Err() == nil && !errors.Is(ev.err, context.Canceled) {
			s.scheduleRetry()
		}
		return
	}

	s.session = ev.session
	s.setPhase(state.PhaseConnected)
	slog.Info("[BLE] connected", "device", ev.session.Device().ID, "session", ev.session.ID())

	sess := ev.session
	go func() {
		select {
		case <-sess.Lost():
			s.post(event{kind: evLinkLost, session: sess})
		case <-sess.Done():
		}
	}()
}

// teardown closes the current session exactly once.
func (s *Supervisor) teardown() {
	sess := s.session
	s.session = nil
	if err := sess.Close(); err != nil {
		slog.Debug("[BLE] teardown", "session", sess.ID(), "error", err)
	}
}

func (s *Supervisor) scheduleRetry() {
	s.cancelRetry()
	seq := s.retrySeq
	slog.Info("[BLE] retrying", "delay", s.opts.RetryDelay)
	s.retry = time.AfterFunc(s.opts.RetryDelay, func() {
		s.post(event{kind: evRetry, seq: seq})
	})
}

// cancelRetry stops a pending retry and invalidates one already in flight.
func (s *Supervisor) cancelRetry() {
	s.retrySeq++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// cancelAttempt cancels the in-flight attempt, if any, and makes its result stale.
func (s *Supervisor) cancelAttempt() {
	if s.attemptCancel == nil {
		return
	}
	s.attemptCancel()
	s.attemptCancel = nil
	s.attemptSeq++
}

func (s *Supervisor) setPhase(p state.Phase) {
	if p == s.phase {
		s.store.SetPhase(p)
		return
	}
	slog.Debug("[BLE] phase", "from", s.phase, "to", p)
	s.phase = p
	s.store.SetPhase(p)
	if s.opts.OnPhase != nil {
		s.opts.OnPhase(p)
	}
}

func (s *Supervisor) shutdown() {
	s.cancelRetry()
	s.cancelAttempt()
	if s.session != nil {
		s.teardown()
	}
	s.setPhase(state.PhaseIdle)
}
