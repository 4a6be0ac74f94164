//go:build darwin || windows

package ble

// Write sends a write request and waits for the peripheral's response.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
