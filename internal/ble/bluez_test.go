package ble

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPoweredChange(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0")
	member := propertiesInterface + ".PropertiesChanged"
	changed := func(props map[string]dbus.Variant) []interface{} {
		return []interface{}{bluezAdapterInterface, props, []string{}}
	}

	tests := []struct {
		name        string
		sig         *dbus.Signal
		wantPowered bool
		wantOK      bool
	}{
		{
			name:        "powered on",
			sig:         &dbus.Signal{Path: path, Name: member, Body: changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)})},
			wantPowered: true,
			wantOK:      true,
		},
		{
			name:   "powered off",
			sig:    &dbus.Signal{Path: path, Name: member, Body: changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)})},
			wantOK: true,
		},
		{
			name: "other property",
			sig:  &dbus.Signal{Path: path, Name: member, Body: changed(map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)})},
		},
		{
			name: "other adapter",
			sig:  &dbus.Signal{Path: "/org/bluez/hci1", Name: member, Body: changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)})},
		},
		{
			name: "device interface",
			sig: &dbus.Signal{Path: path, Name: member, Body: []interface{}{
				"org.bluez.Device1", map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}, []string{},
			}},
		},
		{
			name: "wrong type",
			sig:  &dbus.Signal{Path: path, Name: member, Body: changed(map[string]dbus.Variant{"Powered": dbus.MakeVariant("yes")})},
		},
		{
			name: "short body",
			sig:  &dbus.Signal{Path: path, Name: member, Body: []interface{}{bluezAdapterInterface}},
		},
		{
			name: "nil signal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			powered, ok := poweredChange(tt.sig, path)
			if ok != tt.wantOK || powered != tt.wantPowered {
				t.Errorf("poweredChange() = %v, %v; want %v, %v", powered, ok, tt.wantPowered, tt.wantOK)
			}
		})
	}
}

func TestBluezCharacteristicPath(t *testing.T) {
	char := func(uuid string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			gattCharacteristicInterface: {"UUID": dbus.MakeVariant(uuid)},
		}
	}
	dev := "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
	other := "/org/bluez/hci0/dev_11_22_33_44_55_66"
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}
	objects["/org/bluez/hci0"] = map[string]map[string]dbus.Variant{bluezAdapterInterface: {}}
	objects[dbus.ObjectPath(dev)] = map[string]map[string]dbus.Variant{"org.bluez.Device1": {}}
	objects[dbus.ObjectPath(dev+"/service0010/char0011")] = char(TodayCharUUID)
	objects[dbus.ObjectPath(dev+"/service0010/char0017")] = char(strings.ToUpper(CommandCharUUID))
	objects[dbus.ObjectPath(other+"/service0010/char0017")] = char(CommandCharUUID)

	tests := []struct {
		name     string
		deviceID string
		uuid     string
		want     dbus.ObjectPath
		wantOK   bool
	}{
		{"command on device", "aa:bb:cc:dd:ee:ff", CommandCharUUID, dbus.ObjectPath(dev + "/service0010/char0017"), true},
		{"today on device", "AA:BB:CC:DD:EE:FF", TodayCharUUID, dbus.ObjectPath(dev + "/service0010/char0011"), true},
		{"other device", "11:22:33:44:55:66", CommandCharUUID, dbus.ObjectPath(other + "/service0010/char0017"), true},
		{"missing characteristic", "AA:BB:CC:DD:EE:FF", YesterdayCharUUID, "", false},
		{"unknown device", "00:00:00:00:00:01", CommandCharUUID, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := bluezCharacteristicPath(objects, tt.deviceID, tt.uuid)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("bluezCharacteristicPath() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWriteRequestOptions(t *testing.T) {
	opts := writeRequestOptions()
	v, ok := opts["type"]
	if !ok {
		t.Fatal("options missing \"type\"")
	}
	if got, _ := v.Value().(string); got != "request" {
		t.Errorf("type = %q, want \"request\" (acknowledged write)", got)
	}
}
