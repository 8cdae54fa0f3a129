// Floodgate Core - field device connectivity and control.
//
// This is the main entry point. It keeps long-lived sessions to gate and
// message board controllers, sweeps reachability of sensors, speakers and
// cameras, ingests sensor pushes over MQTT and batches every resulting state
// change into SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/floodgate-core/internal/api"
	"github.com/nerrad567/floodgate-core/internal/audit"
	"github.com/nerrad567/floodgate-core/internal/batch"
	"github.com/nerrad567/floodgate-core/internal/connection"
	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/eventbus"
	"github.com/nerrad567/floodgate-core/internal/health"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/database"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/logging"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/floodgate-core/internal/intake"
	"github.com/nerrad567/floodgate-core/internal/opqueue"
	"github.com/nerrad567/floodgate-core/internal/sensorqueue"
	"github.com/nerrad567/floodgate-core/internal/store"
	"github.com/nerrad567/floodgate-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds how long in-flight intake commands may run after
// the shutdown signal.
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Floodgate Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	c, err := startCore(ctx, cfg, db, mqttClient, influxClient, log)
	if err != nil {
		return err
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	c.stop(log)
	log.Info("Floodgate Core stopped")
	return nil
}

// core holds every running component in start order.
type core struct {
	hubCancel  context.CancelFunc
	flusher    *batch.Flusher
	queue      *opqueue.Queue
	managers   []*connection.Manager
	sweeper    *health.Sweeper
	serializer *sensorqueue.Serializer
	intake     *intake.Intake
	server     *api.Server
}

// startCore builds and starts the subsystem. On error everything already
// started is stopped again.
func startCore(ctx context.Context, cfg *config.Config, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (c *core, err error) {
	c = &core{}
	defer func() {
		if err != nil {
			c.stop(log)
		}
	}()

	hubCtx, hubCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.hubCancel = hubCancel
	hub := eventbus.NewHub(cfg.HTTP, log.Component("websocket"))
	go hub.Run(hubCtx)
	bus := eventbus.New(mqttClient, hub, log.Component("eventbus"))

	st := store.New(db)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	c.flusher = batch.New(batch.Options{
		Store:     st,
		Publisher: bus,
		Telemetry: influxClient,
		Logger:    log.Component("batch"),
		Interval:  cfg.Batch.FlushInterval,
	})
	c.flusher.Start(context.WithoutCancel(ctx))

	c.queue = opqueue.New(cfg.Operations.Concurrency)

	classes := []struct {
		class device.Class
		cfg   config.ConnectionClassConfig
	}{
		{device.ClassGate, cfg.Connections.Gates},
		{device.ClassBoard, cfg.Connections.Boards},
	}
	managed := make(map[device.Class]intake.DeviceManager, len(classes))
	sources := make([]api.DeviceSource, 0, len(classes))
	for _, cl := range classes {
		m := connection.NewManager(connection.ManagerOptions{
			Class:  cl.class,
			Config: cl.cfg,
			Store:  st,
			Sink:   c.flusher,
			Events: bus,
			Audit:  auditRepo,
			Queue:  c.queue,
			Logger: log.Component("connection").With("class", string(cl.class)),
		})
		c.managers = append(c.managers, m)
		c.flusher.OnPersisted(cl.class, m.HandlePersisted)
		if err := m.LoadFromStore(ctx); err != nil {
			return c, fmt.Errorf("loading %s connections: %w", cl.class, err)
		}
		managed[cl.class] = m
		sources = append(sources, m)
	}

	c.sweeper = health.New(health.Options{
		Config:    cfg.Health,
		Store:     st,
		Publisher: bus,
		Telemetry: influxClient,
		Probers:   buildProbers(cfg.Health),
		Logger:    log.Component("health"),
	})
	c.sweeper.Start(context.WithoutCancel(ctx))

	c.serializer = sensorqueue.New(sensorqueue.Options{
		Handler: &sensorqueue.StoreHandler{
			Store:     st,
			Sink:      c.flusher,
			Publisher: bus,
			Telemetry: influxClient,
			Logger:    log.Component("sensors"),
		},
		Logger:  log.Component("sensors"),
		IdleTTL: cfg.Sensors.IdleTTL,
	})

	c.intake = intake.New(intake.Options{
		Managers:  managed,
		Sensors:   c.serializer,
		Client:    mqttClient,
		Publisher: mqttClient,
		Logger:    log.Component("intake"),
	})
	if err := c.intake.Start(); err != nil {
		return c, fmt.Errorf("starting intake: %w", err)
	}

	checks := map[string]api.Checker{"database": db, "mqtt": mqttClient}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	c.server, err = api.New(api.Deps{
		Config:      cfg.HTTP,
		Logger:      log.Component("api"),
		Managers:    sources,
		Health:      c.sweeper,
		Audit:       auditRepo,
		WebSocket:   hub,
		ClientCount: hub.ClientCount,
		Checks:      checks,
		Stats: map[string]func() any{
			"eventbus": func() any { return bus.Stats() },
			"batch":    func() any { return c.flusher.Stats() },
			"sensors":  func() any { return c.serializer.Stats() },
			"intake":   func() any { return c.intake.Stats() },
		},
		Version: version,
	})
	if err != nil {
		return c, fmt.Errorf("creating API server: %w", err)
	}
	if err := c.server.Start(ctx); err != nil {
		c.server = nil
		return c, fmt.Errorf("starting API server: %w", err)
	}

	return c, nil
}

// stop shuts components down so that nothing writes into a stopped
// consumer: intake first, then managers, sweeper and serializer, then the
// flusher's final flush. Nil components are skipped.
func (c *core) stop(log *logging.Logger) {
	if c.intake != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := c.intake.Stop(ctx); err != nil {
			log.Warn("intake stopped with commands in flight", "error", err)
		}
		cancel()
	}
	if c.server != nil {
		if err := c.server.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}
	for _, m := range c.managers {
		m.Close()
	}
	if c.queue != nil {
		c.queue.Close()
	}
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	if c.serializer != nil {
		c.serializer.Close()
	}
	if c.flusher != nil {
		if err := c.flusher.Stop(); err != nil {
			log.Error("final flush failed", "error", err)
		}
	}
	if c.hubCancel != nil {
		c.hubCancel()
	}
}

// buildProbers picks a prober per swept class: HTTP when a path is set,
// TCP otherwise.
func buildProbers(cfg config.HealthConfig) map[device.Class]health.Prober {
	probers := make(map[device.Class]health.Prober, len(cfg.Classes))
	for name, cc := range cfg.Classes {
		if !cc.Enabled {
			continue
		}
		if cc.HTTPPath != "" {
			probers[device.Class(name)] = &health.HTTPProber{Port: cc.Port, Path: cc.HTTPPath, Timeout: cfg.ProbeTimeout}
			continue
		}
		probers[device.Class(name)] = &health.TCPProber{Port: cc.Port, Timeout: cfg.ProbeTimeout}
	}
	return probers
}

// connectInflux returns nil without error when telemetry is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return client, nil
}

// getConfigPath returns the configuration file path.
// Uses FLOODGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLOODGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
