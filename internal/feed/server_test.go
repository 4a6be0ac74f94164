package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/shotsync/internal/state"
)

type fakeController struct {
	mu          sync.Mutex
	starts      int
	disconnects int
}

func (c *fakeController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
}

func (c *fakeController) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeController) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.disconnects
}

type stateEvent struct {
	Type    string         `json:"type"`
	Payload state.Snapshot `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) stateEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev stateEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func startServer(t *testing.T, store *state.Store, ctrl Controller) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(store, ctrl)
	srv := httptest.NewServer(s.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return s, srv
}

func TestFeedGreetsWithCurrentSnapshot(t *testing.T) {
	store := &state.Store{}
	store.SetToday(9)
	_, srv := startServer(t, store, nil)

	conn := dial(t, srv)
	ev := readState(t, conn)
	if ev.Type != TypeState {
		t.Errorf("type = %q, want %q", ev.Type, TypeState)
	}
	if ev.Payload.Today != 9 {
		t.Errorf("Today = %d, want 9", ev.Payload.Today)
	}
}

func TestFeedBroadcastsChanges(t *testing.T) {
	store := &state.Store{}
	s, srv := startServer(t, store, nil)

	conn := dial(t, srv)
	readState(t, conn)
	waitForClients(t, s.Hub(), 1)

	store.SetDevice(state.DeviceIdentity{ID: "AA", Name: "ShotCounter-AA"}, "sess")
	store.SetToday(14)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev := readState(t, conn)
		if ev.Payload.Today == 14 {
			if ev.Payload.Device == nil || ev.Payload.Device.ID != "AA" {
				t.Errorf("Device = %+v, want AA", ev.Payload.Device)
			}
			return
		}
	}
	t.Fatal("broadcast with Today=14 never arrived")
}

func TestFeedCommands(t *testing.T) {
	ctrl := &fakeController{}
	s, srv := startServer(t, &state.Store{}, ctrl)

	conn := dial(t, srv)
	readState(t, conn)
	waitForClients(t, s.Hub(), 1)

	for _, msg := range []string{`{"type":"start"}`, `not json`, `{"type":"reboot"}`, `{"type":"disconnect"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write %s: %v", msg, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		starts, disconnects := ctrl.counts()
		if starts == 1 && disconnects == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	starts, disconnects := ctrl.counts()
	t.Fatalf("commands = start %d, disconnect %d, want 1/1", starts, disconnects)
}

func TestFeedRejectsCrossOriginClients(t *testing.T) {
	ctrl := &fakeController{}
	_, srv := startServer(t, &state.Store{}, ctrl)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Origin": {"http://attacker.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("cross-origin dial succeeded, want handshake rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	header = http.Header{"Origin": {srv.URL}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close()
}

func TestFeedRemovesClosedClients(t *testing.T) {
	s, srv := startServer(t, &state.Store{}, nil)

	conn := dial(t, srv)
	readState(t, conn)
	waitForClients(t, s.Hub(), 1)

	conn.Close()
	waitForClients(t, s.Hub(), 0)
}

func TestStateEndpoint(t *testing.T) {
	store := &state.Store{}
	store.SetPhase(state.PhaseScanning)
	_, srv := startServer(t, store, nil)

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state: %v", err)
	}
	defer resp.Body.Close()

	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["phase"] != "scanning" || snap["scanning"] != true {
		t.Errorf("state = %v, want scanning", snap)
	}

	post, err := http.Post(srv.URL+"/state", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /state: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want %d", post.StatusCode, http.StatusMethodNotAllowed)
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", hub.Count(), n)
}
