package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// maxValueLen is the largest ATT attribute value.
const maxValueLen = 512

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux it talks to BlueZ, on
// macOS to CoreBluetooth. On macOS, device addresses are CoreBluetooth UUIDs
// (not MAC addresses); Device.ID stores whichever the platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map and the enabled flag.
	mu          sync.Mutex
	enabled     bool
	connections map[string]*tinyGoConnection // keyed by device ID
}

// NewTinyGoAdapter creates a new BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the adapter. Once it succeeds, later calls are no-ops.
func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.enabled = true

	// tinygo/bluetooth reports peripheral-initiated disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, fn func(Device) bool) error {
	var filter bluetooth.UUID
	useFilter := serviceUUID != ""
	if useFilter {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = uuid
	}

	if err := ctx.Err(); err != nil {
		return nil
	}

	stopper := newScanStopper(a.adapter.StopScan, 100*time.Millisecond)
	go stopper.watch(ctx)

	var mu sync.Mutex
	seen := make(map[string]bool)

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if useFilter && !result.HasServiceUUID(filter) {
			return
		}
		if stopper.isStopped() {
			return
		}
		id := result.Address.String()

		mu.Lock()
		if seen[id] {
			mu.Unlock()
			return
		}
		seen[id] = true
		mu.Unlock()

		dev := Device{
			ID:   id,
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		}
		if useFilter {
			dev.Services = []string{serviceUUID}
		}

		if !fn(dev) {
			stopper.stop()
		}
	})
	stopper.finish()

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be cancelled. If it succeeds late,
		// drop the link so it does not linger unowned.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &tinyGoConnection{adapter: a, id: id, device: result.device}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// forget stops routing disconnect events for id.
func (a *TinyGoAdapter) forget(id string) {
	a.mu.Lock()
	delete(a.connections, id)
	a.mu.Unlock()
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	adapter *TinyGoAdapter
	id      string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	services     []bluetooth.DeviceService
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	svcs := c.services
	c.mu.Unlock()
	if len(svcs) == 0 {
		svcs, err = c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return nil, fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
		c.mu.Lock()
		c.services = svcs
		c.mu.Unlock()
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0], deviceID: c.id, uuid: charUUID}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	// Forget first so our own disconnect is not reported as unsolicited.
	c.adapter.forget(c.id)
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char     bluetooth.DeviceCharacteristic
	deviceID string
	uuid     string

	// mu guards path, the BlueZ object path resolved on first write.
	mu   sync.Mutex
	path string
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxValueLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) (Subscription, error) {
	err := c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after we return.
		value := make([]byte, len(buf))
		copy(value, buf)
		cb(value)
	})
	if err != nil {
		return nil, err
	}
	return &tinyGoSubscription{char: c.char}, nil
}

type tinyGoSubscription struct {
	char bluetooth.DeviceCharacteristic
}

func (s *tinyGoSubscription) Unsubscribe() error {
	return s.char.EnableNotifications(nil)
}
