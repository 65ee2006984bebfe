// x1proxy - SofaBaton X1S hub proxy
//
// x1proxy sits between the SofaBaton vendor app and the X1S hub. It
// claims the hub's single TCP session, relays app traffic through it
// verbatim, mirrors the hub's catalog from the passing frames, and
// issues its own requests whenever no app owns the session. A REST API,
// an interactive CLI and MQTT telemetry expose the mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/m3tac0de/x1proxy/internal/api"
	"github.com/m3tac0de/x1proxy/internal/burst"
	"github.com/m3tac0de/x1proxy/internal/cli"
	"github.com/m3tac0de/x1proxy/internal/config"
	"github.com/m3tac0de/x1proxy/internal/db"
	"github.com/m3tac0de/x1proxy/internal/dispatch"
	"github.com/m3tac0de/x1proxy/internal/engine"
	"github.com/m3tac0de/x1proxy/internal/events"
	"github.com/m3tac0de/x1proxy/internal/network"
	"github.com/m3tac0de/x1proxy/internal/scheduler"
	"github.com/m3tac0de/x1proxy/internal/state"
	"github.com/m3tac0de/x1proxy/internal/telemetry"
	"github.com/m3tac0de/x1proxy/internal/util"
)

const (
	AppName    = "x1proxy"
	AppVersion = "1.0.0"
	Banner     = `
        _
  __  _/ |_ __  _ __ _____  ___   _
  \ \/ / | '_ \| '__/ _ \ \/ / | | |
   >  <| | |_) | | | (_) >  <| |_| |
  /_/\_\_| .__/|_|  \___/_/\_\\__, |
         |_|                  |___/  v%s
 SofaBaton X1S Hub Proxy
`
)

func main() {
	// Print banner
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting x1proxy")

	// Load configuration
	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxSizeMB:  cfg.ApplicationData.Logging.MaxSizeMB,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Validate configuration
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	// Log system info
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Msg("system information")

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize core components
	eventBus := events.NewEventBus()
	hubData := cfg.GetHubData()
	appData := cfg.GetApplicationData()

	eng := engine.New(
		state.NewStore(),
		dispatch.NewRegistry(),
		burst.NewScheduler(
			time.Duration(hubData.BurstIdleThresholdMs)*time.Millisecond,
			time.Duration(hubData.BurstResponseGraceMs)*time.Millisecond,
		),
		eventBus,
		engine.Options{
			HubVersion:         hubData.HubVersion,
			HubMAC:             cfg.ParsedMAC(),
			HubName:            hubData.Name,
			DiagParse:          hubData.DiagParse,
			DiagDump:           hubData.DiagDump,
			BurstIdleThreshold: time.Duration(hubData.BurstIdleThresholdMs) * time.Millisecond,
			BurstResponseGrace: time.Duration(hubData.BurstResponseGraceMs) * time.Millisecond,
		},
	)
	eng.SetProxyEnabled(hubData.ProxyEnabled)

	// Mapping store (non-fatal: the proxy runs fine without persistence)
	var mappings *db.MappingsDatabase
	if appData.Database.Path != "" {
		mappings, err = db.NewMappingsDatabase(appData.Database.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", appData.Database.Path).
				Msg("failed to open mapping store, persistence disabled")
			mappings = nil
		}
	}

	// UDP rendezvous demuxers share the hub's port
	callMe := network.NewCallMeDemuxer(hubData.HubUDPPort)
	notify := network.NewNotifyDemuxer(hubData.HubUDPPort)

	// Transport bridge wired into the engine
	bridge := network.NewBridge(
		network.BridgeConfig{
			HubIP:             hubData.HubIP,
			HubUDPPort:        hubData.HubUDPPort,
			ListenBase:        hubData.ListenBase,
			MAC:               cfg.ParsedMAC(),
			KeepAliveIdle:     time.Duration(hubData.KeepAliveIdleSec) * time.Second,
			KeepAliveInterval: time.Duration(hubData.KeepAliveIntervalSec) * time.Second,
			KeepAliveCount:    hubData.KeepAliveCount,
		},
		network.BridgeHooks{
			HubData: eng.IngestHubData,
			AppData: eng.IngestAppData,
			HubState: func(connected bool, remote string) {
				eng.HubConnectionChanged(connected, remote)
			},
			AppState: func(connected bool, remote string) {
				eng.ClientConnectionChanged(connected, remote)
				if connected {
					callMe.MarkClientConnected()
				} else {
					callMe.MarkClientDisconnected()
				}
			},
			Tick: eng.Tick,
		},
	)
	eng.SetSender(bridge.SendLocal)
	if !hubData.ProxyEnabled {
		bridge.Disable()
	}

	// Rendezvous registrations: the proxy answers discovery with its own
	// identity and dials the app back when it calls.
	connectApp := func(appIP string, appPort int) {
		if err := bridge.ConnectApp(appIP, appPort); err != nil {
			log.Warn().Err(err).Str("app_ip", appIP).Int("app_port", appPort).
				Msg("app dial-back failed")
		}
	}
	callMe.Register(network.CallMeRegistration{
		Key:     hubData.ProxyID,
		Name:    hubData.Name,
		MAC:     cfg.ParsedMAC(),
		UDPPort: func() int { return cfg.GetHubData().HubUDPPort },
		Connect: connectApp,
		Enabled: bridge.Enabled,
	})
	notify.Register(network.NotifyRegistration{
		ProxyID:    hubData.ProxyID,
		Name:       hubData.Name,
		HubVersion: hubData.HubVersion,
		MAC:        cfg.ParsedMAC(),
		Enabled:    bridge.Enabled,
		CallMe: func(srcIP string, srcPort int, appIP string, appPort int) {
			connectApp(appIP, appPort)
		},
	})

	// Initialize REST API
	apiServer := api.NewServer(cfg, eventBus, eng)
	apiServer.SetDependencies(bridge, mappings)

	// Initialize MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// Initialize scheduler
	sched := scheduler.NewScheduler(cfg, eventBus, eng, mappings)

	// Initialize CLI
	cliHandler := cli.NewCLI(cfg, eventBus, eng, bridge)

	// Persist app-observed activations in the background
	if mappings != nil {
		eventBus.Subscribe(events.EventActivityChanged, "activation-log",
			func(ctx context.Context, ev events.Event) error {
				p, ok := ev.Payload.(events.ActivityChangedPayload)
				if !ok || p.ActivityID < 0 {
					return nil
				}
				return mappings.RecordActivation(p.ActivityID, ev.Source)
			})
	}

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: Transport bridge (hub claim loop + relay)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("hub_ip", hubData.HubIP).Int("listen_base", hubData.ListenBase).
			Msg("starting transport bridge")
		if err := bridge.Start(ctx); err != nil {
			log.Error().Err(err).Msg("transport bridge failed")
			errCh <- fmt.Errorf("transport bridge: %w", err)
		}
	}()

	// Task 2: CALL_ME rendezvous listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", hubData.HubUDPPort).Msg("starting CALL_ME listener")
		if err := startWithRetry(ctx, "CALL_ME listener", callMe.Start, 15); err != nil {
			log.Warn().Err(err).Msg("CALL_ME listener failed after retries (non-fatal)")
		}
	}()

	// Task 3: NOTIFY_ME discovery listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", hubData.HubUDPPort).Msg("starting NOTIFY_ME listener")
		if err := startWithRetry(ctx, "NOTIFY_ME listener", notify.Start, 15); err != nil {
			log.Warn().Err(err).Msg("NOTIFY_ME listener failed after retries (non-fatal)")
		}
	}()

	// Task 4: REST API server (with retry for port binding)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", appData.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	// Task 5: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 6: Scheduler (catalog refresh, activation sweep, stats)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	// Task 7: Interactive CLI
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main",
		func(context.Context, events.Event) error {
			select {
			case quitCh <- struct{}{}:
			default:
			}
			return nil
		})

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Cancel the root context to signal all goroutines
	cancel()
	bridge.Stop()

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Stop the event bus last
	eventBus.Stop()

	if mqttHandler != nil {
		mqttHandler.PublishShutdown()
	}

	if mappings != nil {
		mappings.Close()
	}

	log.Info().Msg("x1proxy stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
// Uses a fixed 3-second interval between retries, giving the OS time to
// release sockets after a previous instance was force-killed.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
