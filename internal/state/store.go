package state

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the supervisor's position in its connection state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanning:
		return "scanning"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*p = PhaseIdle
	case "scanning":
		*p = PhaseScanning
	case "connected":
		*p = PhaseConnected
	default:
		return fmt.Errorf("state: unknown phase %q", text)
	}
	return nil
}

// DeviceIdentity identifies a discovered or connected peripheral.
type DeviceIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Snapshot is the externally observable synchronization state.
type Snapshot struct {
	RadioReady bool            `json:"radio_ready"`
	Scanning   bool            `json:"scanning"`
	Phase      Phase           `json:"phase"`
	Device     *DeviceIdentity `json:"device,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Today      uint32          `json:"today"`
	Yesterday  uint32          `json:"yesterday"`
	LastError  string          `json:"last_error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Connected reports whether a peripheral is currently linked.
func (s Snapshot) Connected() bool {
	return s.Device != nil
}

// Store holds the process-wide Snapshot. The zero value is ready to use.
type Store struct {
	mu       sync.RWMutex
	snapshot Snapshot
	watchers map[chan Snapshot]struct{}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Watch returns a channel that receives the latest snapshot after every
// change, and a cancel func that must be called to release it. Slow readers
// only ever see the most recent value.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[chan Snapshot]struct{})
	}
	s.watchers[ch] = struct{}{}
	ch <- s.copyLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

// SetRadioReady records the adapter power state.
func (s *Store) SetRadioReady(ready bool) {
	s.update(func(snap *Snapshot) { snap.RadioReady = ready })
}

// SetPhase moves the state machine position. Entering scanning sets the
// scanning flag unless a device is still linked; leaving it clears the flag.
func (s *Store) SetPhase(p Phase) {
	s.update(func(snap *Snapshot) {
		snap.Phase = p
		snap.Scanning = p == PhaseScanning && snap.Device == nil
	})
}

// SetDevice records the linked peripheral and its session id. Linking a
// device always clears the scanning flag.
func (s *Store) SetDevice(dev DeviceIdentity, sessionID string) {
	s.update(func(snap *Snapshot) {
		d := dev
		snap.Device = &d
		snap.SessionID = sessionID
		snap.Scanning = false
	})
}

// ReleaseDevice forgets the linked peripheral if it still belongs to
// sessionID. A late teardown of an old session leaves a newer one alone.
func (s *Store) ReleaseDevice(sessionID string) {
	s.update(func(snap *Snapshot) {
		if snap.SessionID != sessionID {
			return
		}
		snap.Device = nil
		snap.SessionID = ""
		snap.Scanning = snap.Phase == PhaseScanning
	})
}

// SetToday records the "today" counter.
func (s *Store) SetToday(n uint32) {
	s.update(func(snap *Snapshot) { snap.Today = n })
}

// SetYesterday records the "yesterday" counter.
func (s *Store) SetYesterday(n uint32) {
	s.update(func(snap *Snapshot) { snap.Yesterday = n })
}

// SetError publishes a recoverable failure. A nil error clears it.
func (s *Store) SetError(err error) {
	s.update(func(snap *Snapshot) {
		if err == nil {
			snap.LastError = ""
			return
		}
		snap.LastError = err.Error()
	})
}

// ClearError removes the last published failure.
func (s *Store) ClearError() {
	s.SetError(nil)
}

func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snapshot)
	s.snapshot.UpdatedAt = time.Now()
	snap := s.copyLocked()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (s *Store) copyLocked() Snapshot {
	snap := s.snapshot
	if s.snapshot.Device != nil {
		d := *s.snapshot.Device
		snap.Device = &d
	}
	return snap
}
