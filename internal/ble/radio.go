package ble

import "context"

// EnabledRadio treats a successfully enabled adapter as powered. It is used
// where the stack offers no power-state events (macOS, Windows).
type EnabledRadio struct {
	Adapter Adapter
}

// Watch reports whether Enable succeeds, once, then blocks until ctx is done.
func (r EnabledRadio) Watch(ctx context.Context, fn func(powered bool)) error {
	fn(r.Adapter.Enable() == nil)
	<-ctx.Done()
	return nil
}

var _ RadioMonitor = EnabledRadio{}
