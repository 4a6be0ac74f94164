package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/shotsync/internal/state"
)

const testRetryDelay = 30 * time.Millisecond

var errConnectRefused = errors.New("gatt error 133")

// phaseLog records phase changes reported through OnPhase.
type phaseLog struct {
	mu     sync.Mutex
	phases []state.Phase
}

func (l *phaseLog) record(p state.Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, p)
}

func (l *phaseLog) get() []state.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]state.Phase(nil), l.phases...)
}

// gatedRadio reports its first power state only when told to.
type gatedRadio chan bool

func (r gatedRadio) Watch(ctx context.Context, fn func(bool)) error {
	select {
	case powered := <-r:
		fn(powered)
	case <-ctx.Done():
		return nil
	}
	<-ctx.Done()
	return nil
}

type harness struct {
	adapter  *mockAdapter
	store    *state.Store
	sup      *Supervisor
	phases   *phaseLog
	ticker   *manualTicker
	cancel   context.CancelFunc
	runErr   chan error
	stopOnce sync.Once
}

func startSupervisor(t *testing.T, adapter *mockAdapter, radio RadioMonitor, dopts DiscoveryOptions) *harness {
	t.Helper()
	h := &harness{
		adapter: adapter,
		store:   &state.Store{},
		phases:  &phaseLog{},
		ticker:  newManualTicker(),
		runErr:  make(chan error, 1),
	}
	opts := SupervisorOptions{
		RetryDelay: testRetryDelay,
		Session:    testSessionOptions(h.ticker),
		OnPhase:    h.phases.record,
	}
	finder := NewDiscoverer(adapter, h.store, nil, dopts)
	h.sup = NewSupervisor(adapter, finder, radio, h.store, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.sup.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

// stop cancels Run and waits for it to return. Safe to call twice.
func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
		}
	})
}

func (h *harness) connected() bool {
	return h.sup.Snapshot().Phase == state.PhaseConnected && h.sup.Snapshot().Connected()
}

func TestSupervisorReconnectsAfterLinkLoss(t *testing.T) {
	h := startSupervisor(t, newMockAdapter(advert{at: 0, dev: shotCounter("AA")}), staticRadio(true), testDiscoveryOptions())

	h.sup.Start()
	waitFor(t, "first connection", h.connected)
	first := h.adapter.latestConnection()

	first.SimulateDisconnect()
	waitFor(t, "reconnection", func() bool {
		return h.adapter.connectionCount() == 2 && h.connected() && len(h.phases.get()) >= 5
	})

	want := []state.Phase{state.PhaseScanning, state.PhaseConnected, state.PhaseIdle, state.PhaseScanning, state.PhaseConnected}
	got := h.phases.get()
	if len(got) != len(want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phases = %v, want %v", got, want)
		}
	}
	if first.disconnects() != 1 {
		t.Errorf("first connection disconnects = %d, want exactly 1 teardown", first.disconnects())
	}
}

func TestSupervisorDisconnectIsTerminal(t *testing.T) {
	h := startSupervisor(t, newMockAdapter(advert{at: 0, dev: shotCounter("AA")}), staticRadio(true), testDiscoveryOptions())

	h.sup.Start()
	waitFor(t, "connection", h.connected)
	conn := h.adapter.latestConnection()

	h.sup.Disconnect()
	waitFor(t, "idle", func() bool {
		snap := h.sup.Snapshot()
		return snap.Phase == state.PhaseIdle && !snap.Connected()
	})

	time.Sleep(5 * testRetryDelay)
	if n := h.adapter.connectionCount(); n != 1 {
		t.Errorf("connections after Disconnect = %d, want 1 (no reconnect)", n)
	}
	if conn.disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnects())
	}
	if h.sup.Snapshot().Phase != state.PhaseIdle {
		t.Errorf("phase = %v, want idle", h.sup.Snapshot().Phase)
	}

	// A later Start links again.
	h.sup.Start()
	waitFor(t, "second connection", func() bool {
		return h.adapter.connectionCount() == 2 && h.connected()
	})
}

func TestSupervisorDisconnectDuringScan(t *testing.T) {
	h := startSupervisor(t, newMockAdapter(), staticRadio(true), testDiscoveryOptions())

	h.sup.Start()
	waitFor(t, "scanning", func() bool { return h.sup.Snapshot().Scanning })

	h.sup.Disconnect()
	waitFor(t, "scan stopped", func() bool {
		_, active := h.adapter.scans()
		return active == 0 && h.sup.Snapshot().Phase == state.PhaseIdle
	})
	if h.sup.Snapshot().Scanning {
		t.Error("Scanning flag still set after Disconnect")
	}
}

func TestSupervisorStartIsNoOpWhenBusy(t *testing.T) {
	h := startSupervisor(t, newMockAdapter(advert{at: 3 * unit, dev: shotCounter("AA")}), staticRadio(true), testDiscoveryOptions())

	h.sup.Start()
	h.sup.Start()
	h.sup.Start()
	waitFor(t, "connection", h.connected)

	h.sup.Start()
	time.Sleep(5 * testRetryDelay)

	if n := h.adapter.connectionCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	if filters, _ := h.adapter.scans(); len(filters) != 1 {
		t.Errorf("scan passes = %d, want 1", len(filters))
	}
}

func TestSupervisorPreconditionNotRetried(t *testing.T) {
	h := startSupervisor(t, newMockAdapter(advert{at: 0, dev: shotCounter("AA")}), staticRadio(false), testDiscoveryOptions())

	h.sup.Start()
	waitFor(t, "error", func() bool { return h.sup.Snapshot().LastError != "" })
	time.Sleep(5 * testRetryDelay)

	snap := h.sup.Snapshot()
	if snap.RadioReady {
		t.Error("RadioReady = true, want false")
	}
	if !strings.Contains(snap.LastError, "powered off") {
		t.Errorf("LastError = %q, want radio off", snap.LastError)
	}
	if snap.Phase != state.PhaseIdle {
		t.Errorf("phase = %v, want idle", snap.Phase)
	}
	if filters, _ := h.adapter.scans(); len(filters) != 0 {
		t.Errorf("scans = %d, want 0", len(filters))
	}
	if got := h.phases.get(); len(got) != 2 {
		t.Errorf("phases = %v, want a single scanning attempt", got)
	}
}

func TestSupervisorRetriesConnectFailure(t *testing.T) {
	adapter := newMockAdapter(advert{at: 0, dev: shotCounter("AA")})
	adapter.connectErr = errConnectRefused
	h := startSupervisor(t, adapter, staticRadio(true), testDiscoveryOptions())

	h.sup.Start()
	waitFor(t, "repeated attempts", func() bool {
		filters, _ := adapter.scans()
		return len(filters) >= 3
	})
	waitFor(t, "connect failure recorded", func() bool {
		return strings.Contains(h.sup.Snapshot().LastError, "connect failed")
	})

	adapter.mu.Lock()
	adapter.connectErr = nil
	adapter.mu.Unlock()

	waitFor(t, "connection after retries", h.connected)
	if h.sup.Snapshot().LastError != "" {
		t.Errorf("LastError = %q, want cleared by the successful attempt", h.sup.Snapshot().LastError)
	}
}

func TestSupervisorRetriesNotFound(t *testing.T) {
	opts := DiscoveryOptions{
		ServiceTimeout: unit,
		NameTimeout:    unit,
		OverallTimeout: 3 * unit,
		NameToken:      DefaultNameToken,
	}
	h := startSupervisor(t, newMockAdapter(), staticRadio(true), opts)

	h.sup.Start()
	waitFor(t, "second discovery", func() bool {
		filters, _ := h.adapter.scans()
		return len(filters) >= 4
	})
	if h.adapter.connectionCount() != 0 {
		t.Error("no device advertised, nothing should connect")
	}
}

func TestSupervisorStartWaitsForRadio(t *testing.T) {
	radio := make(gatedRadio, 1)
	h := startSupervisor(t, newMockAdapter(advert{at: 0, dev: shotCounter("AA")}), radio, testDiscoveryOptions())

	h.sup.Start()
	time.Sleep(3 * testRetryDelay)
	if h.sup.Snapshot().LastError != "" {
		t.Fatalf("Start before the first radio report failed: %q", h.sup.Snapshot().LastError)
	}

	radio <- true
	waitFor(t, "connection", h.connected)
}

func TestSupervisorShutdownClosesSession(t *testing.T) {
	h := startSupervisor(t, newMockAdapter(advert{at: 0, dev: shotCounter("AA")}), staticRadio(true), testDiscoveryOptions())

	h.sup.Start()
	waitFor(t, "connection", h.connected)
	conn := h.adapter.latestConnection()

	h.stop()

	if conn.disconnects() != 1 {
		t.Errorf("disconnects after shutdown = %d, want 1", conn.disconnects())
	}
	snap := h.store.Snapshot()
	if snap.Connected() || snap.Phase != state.PhaseIdle {
		t.Errorf("snapshot after shutdown = %+v, want idle with no device", snap)
	}

	// Commands after Run returned must not block.
	done := make(chan struct{})
	go func() {
		h.sup.Start()
		h.sup.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start/Disconnect blocked after Run returned")
	}
}
