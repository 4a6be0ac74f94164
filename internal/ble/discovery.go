package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/shotsync/internal/state"
)

// DiscoveryFilter is one time-boxed scan pass.
type DiscoveryFilter struct {
	UseServiceFilter bool
	Timeout          time.Duration
}

// DiscoveryOptions configures the two-phase scan.
type DiscoveryOptions struct {
	ServiceTimeout time.Duration // phase 1, filtered by service UUID
	NameTimeout    time.Duration // phase 2, unfiltered, matched by name
	OverallTimeout time.Duration // bounds both phases
	NameToken      string
}

// DefaultDiscoveryOptions returns the timings the peripheral was tuned for.
func DefaultDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		ServiceTimeout: 6 * time.Second,
		NameTimeout:    8 * time.Second,
		OverallTimeout: 15 * time.Second,
		NameToken:      DefaultNameToken,
	}
}

// Finder locates the peripheral.
type Finder interface {
	Discover(ctx context.Context) (Device, error)
}

// Discoverer finds the shot counter with a strict service-UUID scan first
// and falls back to matching the advertised name.
type Discoverer struct {
	adapter Adapter
	store   *state.Store
	perms   PermissionChecker
	opts    DiscoveryOptions
}

// NewDiscoverer creates a Discoverer. Radio readiness is read from store.
func NewDiscoverer(adapter Adapter, store *state.Store, perms PermissionChecker, opts DiscoveryOptions) *Discoverer {
	defaults := DefaultDiscoveryOptions()
	if opts.ServiceTimeout <= 0 {
		opts.ServiceTimeout = defaults.ServiceTimeout
	}
	if opts.NameTimeout <= 0 {
		opts.NameTimeout = defaults.NameTimeout
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = defaults.OverallTimeout
	}
	if opts.NameToken == "" {
		opts.NameToken = defaults.NameToken
	}
	if perms == nil {
		perms = NoPermissions
	}
	return &Discoverer{
		adapter: adapter,
		store:   store,
		perms:   perms,
		opts:    opts,
	}
}

// Filters returns the scan passes in the order they are tried.
func (d *Discoverer) Filters() []DiscoveryFilter {
	return []DiscoveryFilter{
		{UseServiceFilter: true, Timeout: d.opts.ServiceTimeout},
		{UseServiceFilter: false, Timeout: d.opts.NameTimeout},
	}
}

// Discover returns the first matching device. It fails with ErrPrecondition
// without scanning when the radio is off or permissions are missing, and
// with ErrNotFound when no pass matched within the overall timeout.
// No scan is running when Discover returns.
func (d *Discoverer) Discover(ctx context.Context) (Device, error) {
	if !d.store.Snapshot().RadioReady {
		return Device{}, ErrRadioOff
	}
	if err := d.perms.Check(ctx); err != nil {
		if errors.Is(err, ErrPrecondition) {
			return Device{}, err
		}
		return Device{}, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, d.opts.OverallTimeout)
	defer cancel()

	for i, f := range d.Filters() {
		dev, ok := d.scanOnce(scanCtx, f)
		if ok {
			slog.Info("[BLE] found device", "id", dev.ID, "name", dev.Name, "pass", i+1)
			return dev, nil
		}
		if scanCtx.Err() != nil {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	return Device{}, fmt.Errorf("%w: no %q within %s", ErrNotFound, d.opts.NameToken, d.opts.OverallTimeout)
}

// scanOnce runs a single pass and reports the first match.
func (d *Discoverer) scanOnce(ctx context.Context, f DiscoveryFilter) (Device, bool) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	serviceUUID := ""
	if f.UseServiceFilter {
		serviceUUID = ServiceUUID
	}

	var mu sync.Mutex
	var found Device
	ok := false

	err := d.adapter.Scan(ctx, serviceUUID, func(dev Device) bool {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			return false
		}
		if !d.matches(f, dev) {
			return true
		}
		found, ok = dev, true
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	if ok {
		return found, true
	}
	if err != nil {
		slog.Warn("[BLE] scan pass failed", "service_filter", f.UseServiceFilter, "error", err)
	}
	return Device{}, false
}

func (d *Discoverer) matches(f DiscoveryFilter, dev Device) bool {
	if f.UseServiceFilter {
		return dev.HasService(ServiceUUID)
	}
	return dev.Name != "" && strings.Contains(dev.Name, d.opts.NameToken)
}

var _ Finder = (*Discoverer)(nil)
