package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/coderelay/host/internal/auth"
	"github.com/coderelay/host/internal/cli"
	"github.com/coderelay/host/internal/config"
	"github.com/coderelay/host/internal/coordinator"
	"github.com/coderelay/host/internal/device"
	"github.com/coderelay/host/internal/mdns"
	"github.com/coderelay/host/internal/payload"
	"github.com/coderelay/host/internal/queue"
	"github.com/coderelay/host/internal/server"
	"github.com/coderelay/host/internal/storage"
)

// StartConfig holds the configuration for the start command after
// flags and the config file are merged.
type StartConfig struct {
	Config      string
	Project     string
	Addr        string
	Store       string
	CLICommand  string
	RequireAuth bool
	Mdns        bool
	Pair        bool
	QR          bool
	LogFile     string
}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &StartConfig{}
	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.coderelay/config.toml)")
	fs.StringVar(&cfg.Project, "project", "", "Project directory the CLI runs in (default: current directory)")
	fs.StringVar(&cfg.Addr, "addr", "", "Listen address for the WebSocket server (default: 127.0.0.1:7171)")
	fs.StringVar(&cfg.Store, "store", "", "Path to SQLite store (default: ~/.coderelay/coderelay.db)")
	fs.StringVar(&cfg.CLICommand, "cli-command", "", "Assistant CLI command to supervise (default: claude)")
	fs.BoolVar(&cfg.RequireAuth, "require-auth", false, "Require token authentication for WebSocket connections")
	fs.BoolVar(&cfg.Mdns, "mdns", false, "Enable mDNS/Bonjour discovery (LAN-visible)")
	fs.BoolVar(&cfg.Pair, "pair", false, "Generate and display a pairing code during startup")
	fs.BoolVar(&cfg.QR, "qr", false, "Display the pairing code as a QR code (implies --pair)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Log file path (default: stderr)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: coderelay start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Track explicitly-set flags so config file booleans can still be
	// overridden with --flag=false.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// CLI flags take precedence over file values.
	if cfg.Project == "" {
		cfg.Project = fileCfg.Project
	}
	if cfg.Addr == "" {
		cfg.Addr = fileCfg.Addr
	}
	if cfg.Store == "" {
		cfg.Store = fileCfg.Store
	}
	if cfg.CLICommand == "" {
		cfg.CLICommand = fileCfg.CLICommand
	}
	if !explicitFlags["require-auth"] {
		cfg.RequireAuth = fileCfg.RequireAuth
	}
	if !explicitFlags["mdns"] {
		cfg.Mdns = fileCfg.MdnsEnabled
	}
	if cfg.LogFile == "" {
		cfg.LogFile = fileCfg.LogFile
	}
	if cfg.QR {
		cfg.Pair = true
	}

	// Apply remaining defaults.
	if cfg.Addr == "" {
		cfg.Addr = config.DefaultAddr
	}
	if cfg.CLICommand == "" {
		cfg.CLICommand = config.DefaultCLICommand
	}
	if cfg.Project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to get current directory: %v\n", err)
			return 1
		}
		cfg.Project = cwd
	}
	if cfg.Store == "" {
		storePath, err := config.DefaultStorePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := os.MkdirAll(filepath.Dir(storePath), 0700); err != nil {
			fmt.Fprintf(stderr, "Error: failed to create config directory: %v\n", err)
			return 1
		}
		cfg.Store = storePath
	}

	// Redirect logging when a log file is configured.
	var logFile *os.File
	if cfg.LogFile != "" {
		logFile, err = os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open log file: %v\n", err)
			return 1
		}
		log.SetOutput(logFile)
		defer logFile.Close()
	}

	fmt.Fprintf(stdout, "Project:   %s\n", cfg.Project)
	fmt.Fprintf(stdout, "Address:   %s\n", cfg.Addr)
	fmt.Fprintf(stdout, "Store:     %s\n", cfg.Store)
	fmt.Fprintf(stdout, "Assistant: %s\n", cfg.CLICommand)

	// Durable state: paired devices and session history.
	store, err := storage.NewSQLiteStore(cfg.Store)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	// Pairing and token validation.
	pairingManager := auth.NewPairingManager(auth.PairingConfig{DeviceStore: store})
	tokenValidator := auth.NewTokenValidator(store)

	// Coordination state: device attachment, message queue, dedup,
	// payload shaping, CLI supervision.
	devices := device.NewRegistry(fileCfg.DeviceSilence())
	msgQueue := queue.New(fileCfg.MessageTTL(), devices.ActiveDevices)
	dedup := queue.NewDetector(fileCfg.DedupWindow())
	builder := payload.NewBuilder(fileCfg.ByteLimit(), payload.DefaultPreviewRunes)
	sessions := cli.NewRegistry(store, cfg.CLICommand, fileCfg.CLIArgs)
	monitor := cli.NewMonitor(sessions, fileCfg.StallThreshold(), fileCfg.AutoKillStalls)

	coord := coordinator.New(coordinator.Config{
		Project:  cfg.Project,
		Devices:  devices,
		Sessions: sessions,
		Monitor:  monitor,
		Queue:    msgQueue,
		Dedup:    dedup,
		Builder:  builder,
	})

	wsServer := server.New(server.Config{
		Addr:        cfg.Addr,
		Coordinator: coord,
		RequireAuth: cfg.RequireAuth,
		PairHandler: auth.NewPairHandler(pairingManager),
		TokenValidator: func(token string) (string, error) {
			dev, err := tokenValidator.ValidateToken(token)
			if err != nil {
				return "", err
			}
			return dev.ID, nil
		},
	})
	coord.SetSender(wsServer)

	if err := wsServer.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.RequireAuth {
		fmt.Fprintln(stdout, "Authentication: ENABLED (use 'coderelay pair' to pair devices)")
	} else {
		fmt.Fprintln(stdout, "Authentication: DISABLED (use --require-auth to enable)")
	}

	// Display a pairing code at startup when asked, so pairing does
	// not need a second terminal.
	if cfg.Pair {
		code, err := pairingManager.GenerateCode()
		if err != nil {
			fmt.Fprintf(stderr, "Warning: failed to generate pairing code: %v\n", err)
		} else {
			addr := displayAddress(cfg.Addr)
			if cfg.QR {
				DisplayQRCode(stdout, code, pairingManager.CodeExpiry(), addr)
			} else {
				DisplayPairingCode(stdout, code, pairingManager.CodeExpiry(), addr)
			}
		}
	}

	// Optional LAN discovery. Presence only; pairing still gates access.
	var mdnsAdvertiser *mdns.Advertiser
	if cfg.Mdns {
		_, portStr, _ := net.SplitHostPort(cfg.Addr)
		port := 7171
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			port = p
		}

		mdnsAdvertiser = mdns.NewAdvertiser(mdns.Config{
			Port:    port,
			Project: cfg.Project,
		})
		if err := mdnsAdvertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
		}
	}

	// Periodic sweeps: queue TTL, device eviction, stall checks.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	fmt.Fprintf(stdout, "Host running. Connect to ws://%s/ws. Press Ctrl+C to stop.\n", cfg.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	// Cleanup in reverse order of creation.
	cancel()
	if mdnsAdvertiser != nil {
		mdnsAdvertiser.Stop()
	}
	for _, session := range sessions.List() {
		if err := sessions.Kill(session.ID, "host shutdown"); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to stop session %s: %v\n", session.ID, err)
		}
	}
	if err := wsServer.Stop(); err != nil {
		fmt.Fprintf(stderr, "Warning: server shutdown: %v\n", err)
	}

	return 0
}
