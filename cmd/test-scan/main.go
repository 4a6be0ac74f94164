// Command test-scan is a manual test for discovery and the open sequence.
// It runs one two-phase scan, prints what it found and, with -open, links
// to the device long enough to read both counters.
//
// Usage:
//
//	go run ./cmd/test-scan [--name ShotCounter] [--open]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/shotsync/internal/ble"
	"github.com/chaz8081/shotsync/internal/state"
)

func main() {
	name := flag.String("name", ble.DefaultNameToken, "name token for the fallback scan")
	open := flag.Bool("open", false, "connect, sync the date and read both counters")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: enable adapter: %v\n", err)
		return
	}

	store := &state.Store{}
	store.SetRadioReady(true)

	opts := ble.DefaultDiscoveryOptions()
	opts.NameToken = *name
	finder := ble.NewDiscoverer(adapter, store, nil, opts)

	fmt.Printf("Scanning for %s (service %s, then name %q)...\n", opts.OverallTimeout, ble.ServiceUUID, *name)
	start := time.Now()
	dev, err := finder.Discover(context.Background())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Found %s (%s) rssi=%d after %s\n", dev.Name, dev.ID, dev.RSSI, time.Since(start).Round(time.Millisecond))

	if !*open {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	sess, err := ble.OpenSession(ctx, adapter, dev, store, ble.DefaultSessionOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer sess.Close()

	snap := store.Snapshot()
	fmt.Printf("Session %s\n", sess.ID())
	fmt.Printf("  Today:     %d\n", snap.Today)
	fmt.Printf("  Yesterday: %d\n", snap.Yesterday)
	if snap.LastError != "" {
		fmt.Printf("  Warning:   %s\n", snap.LastError)
	}
	fmt.Println("\nDone!")
}
