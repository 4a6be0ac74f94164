package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/shotsync/internal/ble/protocol"
	"github.com/chaz8081/shotsync/internal/state"
)

// errSessionClosed aborts an open sequence that lost a race with Close.
var errSessionClosed = errors.New("ble: session closed")

// SessionOptions configures a link session.
type SessionOptions struct {
	ResyncInterval time.Duration // how often the date is re-sent (default 5m)

	// Now supplies the date for date-sync commands. Defaults to time.Now.
	Now func() time.Time
	// Tick starts the resync ticker. Defaults to a time.Ticker.
	Tick func(d time.Duration) (<-chan time.Time, func())
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ResyncInterval: 5 * time.Minute,
		Now:            time.Now,
		Tick:           realTick,
	}
}

func realTick(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Session owns one connected peripheral: its characteristics, the "today"
// notification subscription and the resync ticker.
type Session struct {
	id     string
	device Device
	store  *state.Store
	opts   SessionOptions

	today     Characteristic
	yesterday Characteristic
	command   Characteristic

	mu         sync.Mutex
	conn       Connection
	sub        Subscription
	stopResync func()
	closed     bool

	lost     chan struct{} // closed when the peripheral drops the link
	lostOnce sync.Once
	done     chan struct{} // closed by Close
}

// OpenSession connects to dev and runs the open sequence: connect and
// discover, date sync, initial counter reads, subscribe, start resync.
// Any failure tears down what was built and returns an ErrConnect-wrapped
// error. Cancelling ctx aborts the sequence at the next step.
func OpenSession(ctx context.Context, adapter Adapter, dev Device, store *state.Store, opts SessionOptions) (*Session, error) {
	defaults := DefaultSessionOptions()
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = defaults.ResyncInterval
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if opts.Tick == nil {
		opts.Tick = defaults.Tick
	}

	s := &Session{
		id:     uuid.NewString(),
		device: dev,
		store:  store,
		opts:   opts,
		lost:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.open(ctx, adapter); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Device returns the peripheral this session is linked to.
func (s *Session) Device() Device { return s.device }

// Lost is closed when the peripheral disconnects on its own.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// Done is closed once Close has run.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) open(ctx context.Context, adapter Adapter) error {
	log := slog.With("device", s.device.ID, "session", s.id)

	conn, err := adapter.Connect(ctx, s.device.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Disconnect()
		return errSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	conn.OnDisconnect(func() {
		s.lostOnce.Do(func() { close(s.lost) })
	})

	if s.today, err = conn.DiscoverCharacteristic(ServiceUUID, TodayCharUUID); err != nil {
		return fmt.Errorf("%w: discover today characteristic: %w", ErrConnect, err)
	}
	if s.yesterday, err = conn.DiscoverCharacteristic(ServiceUUID, YesterdayCharUUID); err != nil {
		return fmt.Errorf("%w: discover yesterday characteristic: %w", ErrConnect, err)
	}
	if s.command, err = conn.DiscoverCharacteristic(ServiceUUID, CommandCharUUID); err != nil {
		return fmt.Errorf("%w: discover command characteristic: %w", ErrConnect, err)
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	s.store.SetDevice(s.device.Identity(), s.id)

	// Date first so the peripheral rolls over before we read its counters.
	if err := s.syncDate(); err != nil {
		log.Warn("[BLE] date sync failed", "error", err)
		s.store.SetError(err)
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	if err := s.readCounter(s.today, s.store.SetToday); err != nil {
		return fmt.Errorf("%w: read today: %w", ErrConnect, err)
	}
	if err := s.readCounter(s.yesterday, s.store.SetYesterday); err != nil {
		return fmt.Errorf("%w: read yesterday: %w", ErrConnect, err)
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	sub, err := s.today.Subscribe(s.onToday)
	if err != nil {
		return fmt.Errorf("%w: subscribe today: %w", ErrConnect, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sub.Unsubscribe()
		return errSessionClosed
	}
	s.sub = sub

	tick, stopTick := s.opts.Tick(s.opts.ResyncInterval)
	stop := make(chan struct{})
	var stopOnce sync.Once
	s.stopResync = func() {
		stopOnce.Do(func() {
			stopTick()
			close(stop)
		})
	}
	go s.resyncLoop(tick, stop)

	log.Info("[BLE] session open", "name", s.device.Name)
	return nil
}

// checkpoint aborts the open sequence if it was cancelled or closed.
func (s *Session) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ble: open session: %w", err)
	}
	if s.isClosed() {
		return errSessionClosed
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// syncDate writes "DATE:YYYYMMDD" to the command characteristic.
func (s *Session) syncDate() error {
	if err := s.command.Write(protocol.EncodeDateCommand(s.opts.Now())); err != nil {
		return fmt.Errorf("ble: date sync: %w", err)
	}
	return nil
}

// readCounter reads and decodes a counter. A malformed value leaves the
// counter unchanged and is not an error.
func (s *Session) readCounter(char Characteristic, set func(uint32)) error {
	data, err := char.Read()
	if err != nil {
		return err
	}
	n, err := protocol.DecodeCounter(data)
	if err != nil {
		slog.Debug("[BLE] ignoring counter value", "session", s.id, "error", err)
		return nil
	}
	s.publish(set, n)
	return nil
}

func (s *Session) onToday(data []byte) {
	if s.isClosed() {
		return
	}
	n, err := protocol.DecodeCounter(data)
	if err != nil {
		slog.Debug("[BLE] ignoring today notification", "session", s.id, "error", err)
		return
	}
	s.publish(s.store.SetToday, n)
}

// publish stores a counter value unless the session has been closed. A read
// that completes after Close is dropped.
func (s *Session) publish(set func(uint32), n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	set(n)
}

func (s *Session) resyncLoop(tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-tick:
			s.resync()
		}
	}
}

// resync re-sends the date and re-reads "yesterday" to catch a rollover the
// peripheral performed on its own. Failures are swallowed.
func (s *Session) resync() {
	if s.isClosed() {
		return
	}
	if err := s.syncDate(); err != nil {
		slog.Debug("[BLE] resync date failed", "session", s.id, "error", err)
	}
	if err := s.readCounter(s.yesterday, s.store.SetYesterday); err != nil {
		slog.Debug("[BLE] resync read yesterday failed", "session", s.id, "error", err)
	}
}

// Close unsubscribes, stops the resync ticker, disconnects and clears the
// published device. Every step runs even if an earlier one fails. Calling
// Close again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub, stop, conn := s.sub, s.stopResync, s.conn
	s.sub, s.stopResync, s.conn = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("ble: unsubscribe: %w", err))
		}
	}
	if stop != nil {
		stop()
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("ble: disconnect: %w", err))
		}
	}
	s.store.ReleaseDevice(s.id)
	close(s.done)

	err := errors.Join(errs...)
	if err != nil {
		slog.Debug("[BLE] session teardown", "session", s.id, "error", err)
	}
	return err
}
