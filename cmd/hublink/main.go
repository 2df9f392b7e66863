// Gray Logic HubLink - Hub Synchronization Engine
//
// This is the main entry point for hublink, the satellite service that
// mirrors third-party smart-home hubs (Homey-class controllers) into a
// local canonical device registry and republishes change events for
// downstream consumers (Gray Logic core, wall panels, automation).
//
// Each configured hub gets its own synchronization coordinator: a REST
// client with endpoint-layout discovery, a websocket event stream with
// polling fallback, and a diff/reconcile pipeline that is the only
// writer to the durable registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-hublink/migrations"

	"github.com/nerrad567/gray-logic-hublink/internal/api"
	"github.com/nerrad567/gray-logic-hublink/internal/hub"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hublink/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hublink/internal/realtime"
	"github.com/nerrad567/gray-logic-hublink/internal/registry"
	"github.com/nerrad567/gray-logic-hublink/internal/scope"
	"github.com/nerrad567/gray-logic-hublink/internal/sync"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// tokenExpiryWarning is how close to expiry a hub token may be before
// startup logs a warning about it.
const tokenExpiryWarning = 30 * 24 * time.Hour

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// hubRuntime bundles the per-hub moving parts so shutdown can stop them
// in the right order: scheduler first (no new cycles), then the event
// stream, then the coordinator worker.
type hubRuntime struct {
	coordinator *sync.Coordinator
	channel     *realtime.Channel
	scheduler   *sync.Scheduler
}

func (h *hubRuntime) Close(log *logging.Logger) {
	if err := h.scheduler.Close(); err != nil {
		log.Error("error stopping scheduler", "error", err)
	}
	if err := h.channel.Close(); err != nil {
		log.Error("error closing event stream", "error", err)
	}
	if err := h.coordinator.Close(); err != nil {
		log.Error("error stopping coordinator", "error", err)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic HubLink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "hubs", len(cfg.Hubs))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}

	// Initialise the mirror registry
	repo := registry.NewSQLiteRepository(db.DB)
	reg := registry.NewRegistry(repo)
	reg.SetLogger(log)
	if refreshErr := reg.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading registry: %w", refreshErr)
	}
	log.Info("registry initialised", "devices", len(reg.Devices()))

	reconciler := registry.NewReconciler(repo, reg)
	reconciler.SetLogger(log)

	// Scope manager: shared across hubs, serialises the one-time
	// composite-key migration.
	scopes := scope.NewManager(db.DB, reg)
	scopes.SetLogger(log)
	if loadErr := scopes.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading scope state: %w", loadErr)
	}

	// Connect to MQTT broker (optional) and fan committed registry
	// changes out through the relay.
	var (
		relay      *mqtt.Relay
		mqttClient *mqtt.Client
	)
	if cfg.MQTT.Enabled {
		var mqttErr error
		mqttClient, mqttErr = mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		relay = mqtt.NewRelay(mqttClient, byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0..2
		relay.SetLogger(log)
		defer func() {
			if closeErr := relay.Close(); closeErr != nil {
				log.Error("error closing relay", "error", closeErr)
			}
		}()
		reconciler.SetOnNotify(relay.Notify)
		scopes.SetOnMigrated(relay.NotifyScopeMigration)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB for engine telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start one coordinator per enabled hub. A hub that fails to start
	// is logged and skipped so one dead hub never takes the rest down.
	var (
		runtimes    []*hubRuntime
		controllers []api.HubController
		byHub       = make(map[string]*sync.Coordinator)
	)
	defer func() {
		for i := len(runtimes) - 1; i >= 0; i-- {
			runtimes[i].Close(log)
		}
	}()

	for i := range cfg.Hubs {
		hubCfg := &cfg.Hubs[i]
		if !hubCfg.Enabled {
			log.Info("hub disabled, skipping", "hub", hubCfg.ID)
			continue
		}
		rt, startErr := startHub(ctx, hubCfg, log, reg, reconciler, scopes, relay, influxClient)
		if startErr != nil {
			log.Error("hub failed to start", "hub", hubCfg.ID, "error", startErr)
			continue
		}
		runtimes = append(runtimes, rt)
		controllers = append(controllers, rt.coordinator)
		byHub[hubCfg.ID] = rt.coordinator
	}
	if len(runtimes) == 0 {
		return fmt.Errorf("no hub could be started")
	}

	// Accept capability writes from the bus, routed to the owning hub by
	// registry key.
	if mqttClient != nil {
		router, routerErr := mqtt.NewCommandRouter(mqttClient, byte(cfg.MQTT.QoS), //nolint:gosec // QoS validated to 0..2
			func(ctx context.Context, key, capabilityID string, value any) error {
				rec, err := reg.Device(ctx, key)
				if err != nil {
					return err
				}
				coord, ok := byHub[rec.HubID]
				if !ok {
					return sync.ErrUnknownDevice
				}
				return coord.SetCapability(ctx, key, capabilityID, value)
			})
		if routerErr != nil {
			return fmt.Errorf("creating command router: %w", routerErr)
		}
		router.SetLogger(log)
		if subErr := router.Start(mqttClient); subErr != nil {
			return fmt.Errorf("subscribing to commands: %w", subErr)
		}
		log.Info("command router subscribed", "topic", "hublink/command/+/+")
	}

	// Start the local HTTP API
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:   cfg.API,
			Logger:   log,
			Registry: reg,
			Scope:    scopes,
			Hubs:     controllers,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal", "hubs", len(runtimes))

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, hub runtimes, InfluxDB, relay+MQTT, database.

	log.Info("Gray Logic HubLink stopped")
	return nil
}

// startHub wires and starts the full per-hub pipeline: transport client,
// permission probe, scope registration, event stream, coordinator and
// scheduler.
func startHub(
	ctx context.Context,
	hubCfg *config.HubConfig,
	log *logging.Logger,
	reg *registry.Registry,
	reconciler *registry.Reconciler,
	scopes *scope.Manager,
	relay *mqtt.Relay,
	influxClient *influxdb.Client,
) (*hubRuntime, error) {
	hlog := log.WithHub(hubCfg.ID)

	// Token diagnostics: decode locally for expiry and scope hints. The
	// hub is the only authority on what the token may actually do.
	if info, err := hub.InspectToken(hubCfg.Token); err == nil {
		if info.ExpiresWithin(0) {
			hlog.Warn("hub token has expired", "expires_at", info.ExpiresAt)
		} else if info.ExpiresWithin(tokenExpiryWarning) {
			hlog.Warn("hub token expires soon", "expires_at", info.ExpiresAt)
		}
	}

	client := hub.NewClient(hubCfg.BaseURL(), hubCfg.Token, hub.Options{
		Timeout: hubCfg.RequestTimeout(),
	})
	client.SetLogger(hlog)

	info, err := client.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to hub: %w", err)
	}
	hubName := info.HubName()
	if hubName == "" {
		hubName = hubCfg.ID
	}

	prober := hub.NewProber(client)
	prober.SetLogger(hlog)
	features, err := prober.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing hub features: %w", err)
	}

	// Register the hub with the scope manager; a second registered hub
	// triggers the one-time composite-key migration.
	if err := scopes.EnsureHub(ctx, hubCfg.ID); err != nil {
		return nil, fmt.Errorf("registering hub scope: %w", err)
	}

	// Event stream: built disabled when the token lacks the system read
	// scope, which keeps the scheduler on its fast poll interval.
	channel := realtime.New(realtime.Options{
		URL:      eventStreamURL(hubCfg.BaseURL()),
		Token:    hubCfg.Token,
		Disabled: !features.Readable(hub.FeatureSystem),
	})
	channel.SetLogger(hlog)

	coordinator, err := sync.NewCoordinator(sync.Options{
		HubID:          hubCfg.ID,
		HubName:        hubName,
		Client:         client,
		Features:       features,
		Scope:          scopes,
		Registry:       reg,
		Reconciler:     reconciler,
		ChannelState:   channel.State,
		AllowedDevices: hubCfg.Devices,
	})
	if err != nil {
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}
	coordinator.SetLogger(hlog)
	channel.SetOnEvent(coordinator.HandleRealtimeEvent)

	// Zone (and flow) mirror refreshes ride their own cadence; a token
	// without zone access never gets the ticker at all.
	var zoneTick func()
	if features.Readable(hub.FeatureZones) {
		zoneTick = coordinator.RequestZoneRefresh
	}

	scheduler, err := sync.NewScheduler(sync.SchedulerOptions{
		FastInterval: hubCfg.Poll.GetFastInterval(),
		SlowInterval: hubCfg.Poll.GetSlowInterval(),
		ZoneInterval: hubCfg.Poll.GetZoneInterval(),
		Connected:    func() bool { return channel.State() == realtime.StateConnected },
		OnTick:       coordinator.RequestCycle,
		OnZoneTick:   zoneTick,
	})
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	channel.SetOnState(func(st realtime.State) {
		hlog.Info("event stream state changed", "state", string(st))
		// Losing the stream must shift polling back to the fast
		// interval immediately, not after a slow period elapses.
		scheduler.Kick()
		if influxClient != nil {
			influxClient.WriteChannelState(hubCfg.ID, string(st))
		}
		if relay != nil {
			relay.PublishHubStatus(hubStatus(coordinator))
		}
	})

	coordinator.SetOnCycle(func(cs sync.CycleStats) {
		if influxClient != nil {
			influxClient.WriteCycleMetric(influxdb.CycleMetric{
				HubID:    cs.HubID,
				Duration: cs.Duration,
				Devices:  cs.Devices,
				Created:  cs.Created,
				Updated:  cs.Updated,
				Deleted:  cs.Deleted,
				Values:   cs.Values,
				Failed:   cs.Err != nil,
			})
		}
		if relay != nil {
			relay.PublishHubStatus(hubStatus(coordinator))
		}
	})

	if err := coordinator.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting coordinator: %w", err)
	}
	if channel.State() != realtime.StateDisabled {
		if err := channel.Start(); err != nil {
			coordinator.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("starting event stream: %w", err)
		}
	} else {
		hlog.Warn("event stream disabled, token lacks system read scope; polling only")
	}
	if err := scheduler.Start(); err != nil {
		channel.Close()     //nolint:errcheck // Best effort cleanup on error path
		coordinator.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("starting scheduler: %w", err)
	}

	hlog.Info("hub started",
		"name", hubName,
		"base_url", client.BaseURL(),
		"event_stream", channel.State() != realtime.StateDisabled,
		"zones", features.Readable(hub.FeatureZones),
		"flows", features.Readable(hub.FeatureFlows),
	)

	return &hubRuntime{
		coordinator: coordinator,
		channel:     channel,
		scheduler:   scheduler,
	}, nil
}

// hubStatus snapshots a coordinator for the retained per-hub MQTT topic.
func hubStatus(c *sync.Coordinator) mqtt.HubStatus {
	st := c.Status()
	return mqtt.HubStatus{
		HubID:       st.HubID,
		HubName:     st.HubName,
		Stale:       st.Stale,
		NeedsReauth: st.NeedsReauth,
		Channel:     string(st.Channel),
		Devices:     st.Devices,
		At:          time.Now().UTC(),
	}
}

// eventStreamURL derives the websocket event-stream endpoint from a
// hub's REST base URL.
func eventStreamURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/api/events"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/api/events"
	default:
		return baseURL + "/api/events"
	}
}

// getConfigPath returns the configuration file path.
// Uses HUBLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HUBLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
