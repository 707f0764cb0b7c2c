package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpbridge/mcpbridge/internal/adapter"
	"github.com/mcpbridge/mcpbridge/internal/bridge"
	"github.com/mcpbridge/mcpbridge/internal/config"
	"github.com/mcpbridge/mcpbridge/internal/eventbus"
	"github.com/mcpbridge/mcpbridge/internal/registry"
	bridgeruntime "github.com/mcpbridge/mcpbridge/internal/runtime"
	bridgeversion "github.com/mcpbridge/mcpbridge/internal/version"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mcpbridged [port] [command] [args...]",
		Short:         "Tool-service bridge daemon - multiplexes MCP services over one TCP endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, args)
		},
	}
	rootCmd.Version = bridgeversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string, args []string) error {
	if configPath == "" {
		configPath = filepath.Join(stateDir(), "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyArgs(cfg, args); err != nil {
		return err
	}

	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if bridgeruntime.IsListening(cfg.Listen) {
		return fmt.Errorf("bridge is already running on %s", cfg.Listen)
	}
	pidFile := cfg.PIDFile
	if pidFile == "" {
		pidFile = filepath.Join(stateDir(), "mcpbridged.pid")
	}
	if err := bridgeruntime.WritePIDFile(pidFile, os.Getpid()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer bridgeruntime.RemovePIDFile(pidFile)

	bus := eventbus.New()
	defer bus.Shutdown()
	go drainServiceLogs(bus)

	reg := registry.New()
	for _, svc := range cfg.Services {
		reg.Register(registry.Descriptor{
			Name:           svc.Name,
			Kind:           registry.Kind(svc.Kind),
			Command:        svc.Command,
			Args:           svc.Args,
			WorkingDir:     svc.WorkingDir,
			Env:            svc.Env,
			Endpoint:       svc.Endpoint,
			ConnectionType: svc.ConnectionType,
			Description:    svc.Description,
		})
	}

	br := bridge.New(bridge.Options{
		Registry:           reg,
		Factory:            adapter.NewFactory(),
		Bus:                bus,
		MaxRestartAttempts: cfg.Restart.MaxAttempts,
		BaseDelay:          cfg.Restart.BaseDelayDuration,
		StabilityWindow:    cfg.Restart.StabilityWindowDuration,
	})
	defer br.Close()

	tracker := bridge.NewTracker(bridge.TrackerOptions{
		Timeout:       cfg.Timeouts.RequestDuration,
		SweepInterval: cfg.Timeouts.SweepDuration,
		Bus:           bus,
	})
	tracker.Start()
	defer tracker.Stop()

	dispatcher := bridge.NewDispatcher(br, tracker, cfg.Timeouts.RequestDuration)
	server := bridge.NewServer(bridge.ServerOptions{
		Addr:        cfg.Listen,
		Dispatcher:  dispatcher,
		Tracker:     tracker,
		Bus:         bus,
		IdleTimeout: cfg.Timeouts.IdleDuration,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer server.Stop()

	log.Printf("Bridge daemon started (PID: %d)", os.Getpid())
	log.Printf("Listening on %s", server.Addr())

	lifecycle := bridgeruntime.NewLifecycle()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %s, shutting down...", sig)
		lifecycle.Shutdown()
	}()

	<-lifecycle.Done()
	log.Println("Bridge daemon stopped")
	return nil
}

// applyArgs applies the positional CLI form: [port] [command] [args...]. The
// command and args seed a default local service definition without starting
// it.
func applyArgs(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return nil
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", args[0])
	}
	cfg.Listen = fmt.Sprintf("127.0.0.1:%d", port)

	if len(args) > 1 {
		cfg.Services = append(cfg.Services, config.Service{
			Name:    "default",
			Kind:    "local",
			Command: args[1],
			Args:    args[2:],
		})
	}
	return nil
}

// drainServiceLogs forwards captured service stderr lines to the daemon log.
func drainServiceLogs(bus *eventbus.Bus) {
	sub := bus.Subscribe(eventbus.TopicServicesLog, eventbus.WithSubscriptionName("daemon-log"))
	defer sub.Close()
	for env := range sub.C() {
		if ev, ok := env.Payload.(eventbus.ServiceLogEvent); ok {
			log.Printf("[Service:%s] %s", env.Service, ev.Line)
		}
	}
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcpbridge")
	}
	return filepath.Join(home, ".mcpbridge")
}

func setupLogging() error {
	logsDir := filepath.Join(stateDir(), "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(logsDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Bridge Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
