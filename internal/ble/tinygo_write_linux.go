//go:build linux

package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Write sends a write request through BlueZ and waits for the peripheral's
// response. tinygo's Linux backend only offers write-without-response, so
// the call goes to the characteristic object directly.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system D-Bus: %w", err)
	}
	path, err := c.objectPath(bus)
	if err != nil {
		return err
	}
	err = bus.Object(bluezService, path).Call(gattCharacteristicInterface+".WriteValue", 0, data, writeRequestOptions()).Err
	if err != nil {
		return fmt.Errorf("ble: write %s: %w", c.uuid, err)
	}
	return nil
}

// objectPath resolves the characteristic's BlueZ object once per link.
func (c *tinyGoCharacteristic) objectPath(bus *dbus.Conn) (dbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return dbus.ObjectPath(c.path), nil
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := bus.Object(bluezService, "/").Call(getManagedObjectsMethod, 0).Store(&objects); err != nil {
		return "", fmt.Errorf("ble: list BlueZ objects: %w", err)
	}
	path, ok := bluezCharacteristicPath(objects, c.deviceID, c.uuid)
	if !ok {
		return "", fmt.Errorf("ble: characteristic %s not found on %s", c.uuid, c.deviceID)
	}
	c.path = string(path)
	return path, nil
}
