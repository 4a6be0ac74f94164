package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService                = "org.bluez"
	bluezAdapterInterface       = "org.bluez.Adapter1"
	gattCharacteristicInterface = "org.bluez.GattCharacteristic1"
	propertiesInterface         = "org.freedesktop.DBus.Properties"
	introspectMethod            = "org.freedesktop.DBus.Introspectable.Introspect"
	getManagedObjectsMethod     = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	accessDeniedError           = "org.freedesktop.DBus.Error.AccessDenied"
)

// BlueZRadio watches the BlueZ adapter's Powered property over the system
// bus and probes whether this process may talk to BlueZ at all.
type BlueZRadio struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBlueZRadio opens a private system bus connection for the given
// adapter (e.g. "hci0").
func NewBlueZRadio(adapterID string) (*BlueZRadio, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system D-Bus: %w", err)
	}
	return &BlueZRadio{
		conn: conn,
		path: dbus.ObjectPath("/org/bluez/" + adapterID),
	}, nil
}

// Powered reads the adapter's current power state.
func (r *BlueZRadio) Powered() (bool, error) {
	v, err := r.conn.Object(bluezService, r.path).GetProperty(bluezAdapterInterface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("ble: read adapter power state: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: unexpected Powered type %T", v.Value())
	}
	return powered, nil
}

// Watch reports the power state now and on every PropertiesChanged signal
// for the adapter until ctx is done.
func (r *BlueZRadio) Watch(ctx context.Context, fn func(powered bool)) error {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(r.path),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := r.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return fmt.Errorf("ble: add match rule: %w", err)
	}
	defer func() { _ = r.conn.RemoveMatchSignal(opts...) }()

	sigChan := make(chan *dbus.Signal, 10)
	r.conn.Signal(sigChan)
	defer r.conn.RemoveSignal(sigChan)

	powered, err := r.Powered()
	if err != nil {
		return err
	}
	fn(powered)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			if p, ok := poweredChange(sig, r.path); ok {
				slog.Info("[BLE] adapter power changed", "powered", p)
				fn(p)
			}
		}
	}
}

// poweredChange extracts a Powered update from a PropertiesChanged signal.
// The signal body is interface_name, changed_properties, invalidated_properties.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Path != path || sig.Name != propertiesInterface+".PropertiesChanged" {
		return false, false
	}
	if len(sig.Body) < 2 {
		return false, false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezAdapterInterface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	powered, ok := v.Value().(bool)
	return powered, ok
}

// Check probes the adapter object. BlueZ access is governed by D-Bus policy;
// a denied call means the user lacks the bluetooth group or equivalent.
func (r *BlueZRadio) Check(ctx context.Context) error {
	var xml string
	err := r.conn.Object(bluezService, r.path).CallWithContext(ctx, introspectMethod, 0).Store(&xml)
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == accessDeniedError {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, dbusErr.Error())
	}
	return fmt.Errorf("ble: probe BlueZ adapter %s: %w", r.path, err)
}

// Close releases the bus connection.
func (r *BlueZRadio) Close() error {
	return r.conn.Close()
}

// bluezCharacteristicPath finds the GattCharacteristic1 object with the
// given UUID under the device's BlueZ object (dev_AA_BB_...). objects is a
// GetManagedObjects reply.
func bluezCharacteristicPath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, deviceID, uuid string) (dbus.ObjectPath, bool) {
	segment := "/dev_" + strings.ReplaceAll(strings.ToUpper(deviceID), ":", "_") + "/"
	var matches []string
	for path, ifaces := range objects {
		if !strings.Contains(string(path)+"/", segment) {
			continue
		}
		props, ok := ifaces[gattCharacteristicInterface]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if got, ok := v.Value().(string); ok && strings.EqualFold(got, uuid) {
			matches = append(matches, string(path))
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return dbus.ObjectPath(matches[0]), true
}

// writeRequestOptions asks BlueZ for an acknowledged write.
func writeRequestOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
}

var (
	_ RadioMonitor      = (*BlueZRadio)(nil)
	_ PermissionChecker = (*BlueZRadio)(nil)
)
