// Package ble provides the BLE engine that keeps the client in sync with a
// shot counter peripheral. It handles discovery, connection management, the
// date-sync protocol and automatic reconnection over Bluetooth Low Energy.
package ble

import (
	"context"
	"strings"

	"github.com/chaz8081/shotsync/internal/state"
)

// Shot counter BLE UUIDs
const (
	ServiceUUID       = "b5f90001-aa8a-4b0b-9f3c-7a3b29c0e001"
	TodayCharUUID     = "b5f90002-aa8a-4b0b-9f3c-7a3b29c0e001"
	YesterdayCharUUID = "b5f90003-aa8a-4b0b-9f3c-7a3b29c0e001"
	CommandCharUUID   = "b5f90004-aa8a-4b0b-9f3c-7a3b29c0e001"
)

// DefaultNameToken is the substring the peripheral puts in its advertised name.
const DefaultNameToken = "ShotCounter"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read fetches the current value.
	Read() ([]byte, error)
	// Write sends data and waits for the peripheral's write response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) (Subscription, error)
}

// Subscription is a live notification feed. Unsubscribe stops delivery.
type Subscription interface {
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	ID       string // MAC address, or CoreBluetooth UUID on macOS
	Name     string
	RSSI     int
	Services []string // advertised service UUIDs, when known
}

// HasService reports whether the advertisement listed uuid.
func (d Device) HasService(uuid string) bool {
	for _, s := range d.Services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// Identity returns the published identity of the device.
func (d Device) Identity() state.DeviceIdentity {
	return state.DeviceIdentity{ID: d.ID, Name: d.Name}
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the peripheral drops the link.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertising devices to fn until ctx is done or fn returns
	// false. An empty serviceUUID scans without a filter. Scanning has
	// stopped by the time Scan returns.
	Scan(ctx context.Context, serviceUUID string, fn func(Device) bool) error
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}

// RadioMonitor observes the adapter's power state.
type RadioMonitor interface {
	// Watch calls fn with the current state and then on every change until
	// ctx is done.
	Watch(ctx context.Context, fn func(powered bool)) error
}

// PermissionChecker acquires the platform permissions needed to scan and connect.
type PermissionChecker interface {
	Check(ctx context.Context) error
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context) error

// Check calls f(ctx).
func (f PermissionFunc) Check(ctx context.Context) error { return f(ctx) }

// NoPermissions is used on platforms where the stack needs no grant.
var NoPermissions PermissionChecker = PermissionFunc(func(context.Context) error { return nil })
