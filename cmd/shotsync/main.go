// Command shotsync keeps a BLE shot counter linked: it finds the device,
// syncs its date, mirrors the today/yesterday counters and reconnects when
// the link drops.
//
// Usage:
//
//	shotsync [-config path] [-headless]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chaz8081/shotsync/internal/ble"
	"github.com/chaz8081/shotsync/internal/config"
	"github.com/chaz8081/shotsync/internal/feed"
	"github.com/chaz8081/shotsync/internal/state"
	"github.com/chaz8081/shotsync/internal/ui"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/shotsync/config.yaml)")
	headless := flag.Bool("headless", false, "run without the terminal UI, logging to stderr")
	writeConfig := flag.Bool("write-config", false, "write a default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("write config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logOut, closeLog, err := logOutput(cfg, *headless)
	if err != nil {
		log.Fatalf("log: %v", err)
	}
	defer closeLog()
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	if *headless {
		printBanner(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *headless); err != nil {
		slog.Error("shotsync stopped", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, headless bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := &state.Store{}
	adapter := ble.NewTinyGoAdapter()

	var radio ble.RadioMonitor
	var perms ble.PermissionChecker
	if bluez, err := ble.NewBlueZRadio(cfg.Device.Adapter); err == nil {
		defer bluez.Close()
		radio, perms = bluez, bluez
	} else {
		// No system bus (macOS, Windows, containers): trust Enable.
		slog.Debug("[BLE] BlueZ unavailable, using adapter enable state", "error", err)
		radio, perms = ble.EnabledRadio{Adapter: adapter}, ble.NoPermissions
	}

	finder := ble.NewDiscoverer(adapter, store, perms, ble.DiscoveryOptions{
		ServiceTimeout: cfg.Discovery.ServiceTimeout,
		NameTimeout:    cfg.Discovery.NameTimeout,
		OverallTimeout: cfg.Discovery.OverallTimeout,
		NameToken:      cfg.Device.NameToken,
	})

	opts := ble.DefaultSupervisorOptions()
	opts.RetryDelay = cfg.Reconnect.Delay
	opts.Session.ResyncInterval = cfg.Session.ResyncInterval
	opts.OnPhase = func(p state.Phase) {
		slog.Info("[BLE] phase", "phase", p)
	}
	sup := ble.NewSupervisor(adapter, finder, radio, store, opts)

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()

	feedDone := make(chan error, 1)
	if cfg.Feed.Listen != "" {
		srv := feed.NewServer(store, sup)
		go func() { feedDone <- srv.ListenAndServe(ctx, cfg.Feed.Listen) }()
	}

	sup.Start()

	var runErr error
	if headless {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
		case runErr = <-feedDone:
		}
	} else {
		uiDone := make(chan error, 1)
		go func() {
			uiDone <- ui.Run(ui.Options{Context: ctx, Controller: sup, DeviceHint: cfg.Device.NameToken})
		}()
		select {
		case runErr = <-uiDone:
		case runErr = <-feedDone:
		case <-ctx.Done():
		}
	}

	cancel()
	if err := <-supDone; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// logOutput picks the log destination. The TUI owns the terminal, so its
// logs go to cfg.LogFile.
func logOutput(cfg *config.Config, headless bool) (io.Writer, func(), error) {
	if headless || cfg.LogFile == "" {
		return os.Stderr, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== shotsync ===")
	fmt.Printf("  Device:    %q on %s\n", cfg.Device.NameToken, cfg.Device.Adapter)
	fmt.Printf("  Discovery: %s + %s (max %s)\n", cfg.Discovery.ServiceTimeout, cfg.Discovery.NameTimeout, cfg.Discovery.OverallTimeout)
	fmt.Printf("  Resync:    every %s\n", cfg.Session.ResyncInterval)
	fmt.Printf("  Reconnect: after %s\n", cfg.Reconnect.Delay)
	if cfg.Feed.Listen != "" {
		fmt.Printf("  Feed:      ws://%s/ws\n", cfg.Feed.Listen)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
