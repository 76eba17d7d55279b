// vbusbridge shares one VBus connection (serial adapter or LAN interface)
// with any number of TCP clients speaking the VBus-over-TCP protocol.
//
// Subcommands:
//   - "vbusbridge token <role> <subject>" prints an API bearer token
//   - "vbusbridge hash-password [password]" prints an Argon2id hash for
//     bridge.password
//   - "vbusbridge ports" lists local serial devices
//
// Alongside the bridge it optionally runs:
//   - a UDP discovery responder and the device information endpoint
//   - an HTTP API with status, metrics, via-tag administration and a
//     WebSocket live packet feed
//   - MQTT health, packet relay and frame injection
//   - InfluxDB hub statistics and per-stream packet rates
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/vbus-bridge/migrations"

	"github.com/nerrad567/vbus-bridge/internal/api"
	"github.com/nerrad567/vbus-bridge/internal/audit"
	"github.com/nerrad567/vbus-bridge/internal/auth"
	"github.com/nerrad567/vbus-bridge/internal/directory"
	"github.com/nerrad567/vbus-bridge/internal/discovery"
	"github.com/nerrad567/vbus-bridge/internal/hub"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/database"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/vbus-bridge/internal/session"
	"github.com/nerrad567/vbus-bridge/internal/transaction"
	"github.com/nerrad567/vbus-bridge/internal/transport"
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

func main() {
	if len(os.Args) > 1 {
		var err error
		handled := true
		switch os.Args[1] {
		case "token":
			err = issueToken(os.Args[2:], os.Stdout)
		case "hash-password":
			err = hashPassword(os.Args[2:], os.Stdin, os.Stdout)
		case "ports":
			err = printPorts(os.Stdout, transport.SerialPorts)
		default:
			handled = false
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if handled {
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting VBus bridge",
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
	log.Info("configuration loaded", "path", configPath, "bridge", cfg.Bridge.ID, "upstream", cfg.Redacted().Bridge.Upstream)

	opener, err := transport.ParseURL(cfg.Bridge.Upstream)
	if err != nil {
		return fmt.Errorf("parsing bridge.upstream: %w", err)
	}

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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}

	store := directory.NewStore(db.DB)
	if seedErr := store.Seed(ctx, cfg.Directory.ViaTags); seedErr != nil {
		return fmt.Errorf("seeding via tags: %w", seedErr)
	}
	log.Info("via-tag directory ready", "path", cfg.Database.Path, "seeded", len(cfg.Directory.ViaTags))
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// The audit writer outlives the API and MQTT handlers that feed it and
	// stops before the database closes.
	auditW := audit.NewWriter(auditRepo, 0, log.Component("audit"))
	auditCtx, stopAudit := context.WithCancel(context.WithoutCancel(ctx))
	auditDone := make(chan struct{})
	go func() {
		auditW.Run(auditCtx)
		close(auditDone)
	}()
	defer func() {
		stopAudit()
		<-auditDone
		if n := auditW.Dropped(); n > 0 {
			log.Warn("audit entries dropped", "count", n)
		}
	}()

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = connectMQTT(cfg)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		defer func() {
			stats := mqttClient.Stats()
			log.Info("disconnecting from MQTT", "published", stats.Published, "received", stats.Received, "handler_errors", stats.HandlerErrors)
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection", "points_queued", stats.Queued, "write_failures", stats.Failed)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	handle, err := hub.Start(ctx, hubOptions(cfg, opener, store, log))
	if err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		if stopErr := handle.Stop(); stopErr != nil && !errors.Is(stopErr, context.Canceled) {
			log.Error("bridge stopped with error", "error", stopErr)
		}
		log.Info("bridge stopped")
	}()
	bridge := handle.Hub()

	if mqttClient != nil || influxClient != nil {
		stopTelemetry := startTelemetry(ctx, cfg, bridge, mqttClient, influxClient, auditW, log)
		defer stopTelemetry()
	}

	g, gctx := errgroup.WithContext(ctx)

	deviceInfo := discovery.DeviceInfo{
		Vendor:  cfg.Discovery.Vendor,
		Product: cfg.Discovery.Product,
		Serial:  cfg.Discovery.Serial,
		Version: version,
		Build:   commit,
		Name:    cfg.Discovery.Name,
	}
	if cfg.Discovery.Enabled {
		responder, err := discovery.Listen(ctx, net.JoinHostPort("", strconv.Itoa(cfg.Discovery.Port)), log.Component("discovery"))
		if err != nil {
			return fmt.Errorf("starting discovery responder: %w", err)
		}
		log.Info("discovery responder listening", "address", responder.Addr().String())
		g.Go(func() error { return responder.Serve(gctx) })
	}

	if retention := cfg.AuditRetention(); retention > 0 {
		g.Go(func() error {
			pruneAuditLog(gctx, auditRepo, retention, log)
			return nil
		})
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log.Component("api"),
			Bridge:      bridge,
			Directory:   store,
			Audit:       auditRepo,
			AuditWriter: auditW,
			Database:    db,
			DeviceInfo:  deviceInfo,
			Version:     version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		server, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	// The bridge ends on its own only when the upstream is lost for good.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-handle.Done():
			if ctx.Err() != nil {
				return nil
			}
			if err := handle.Wait(); err != nil {
				return err
			}
			return errors.New("bridge stopped unexpectedly")
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("bridge failed: %w", err)
	}
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns VBUS_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("VBUS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// hubOptions maps the configuration onto hub options.
func hubOptions(cfg *config.Config, opener transport.Opener, via session.ViaResolver, log *logging.Logger) hub.Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	return hub.Options{
		Opener:         opener,
		ListenAddress:  net.JoinHostPort(cfg.Bridge.Host, strconv.Itoa(cfg.Bridge.Port)),
		Channel:        uint8(cfg.Bridge.Channel), //nolint:gosec // range checked by config.Validate
		PassThrough:    cfg.Bridge.PassThrough,
		WriteQueueSize: cfg.Bridge.WriteQueueSize,
		Reconnect: hub.Backoff{
			InitialDelay: ms(cfg.Bridge.Reconnect.InitialDelay),
			MaxDelay:     ms(cfg.Bridge.Reconnect.MaxDelay),
			Multiplier:   cfg.Bridge.Reconnect.Multiplier,
			Jitter:       cfg.Bridge.Reconnect.Jitter,
			MaxAttempts:  cfg.Bridge.Reconnect.MaxAttempts,
		},
		Session: session.Config{
			Password:         cfg.Bridge.Password,
			Channels:         cfg.Bridge.Channels,
			HandshakeTimeout: cfg.HandshakeTimeout(),
			QueueSize:        cfg.Bridge.QueueSize,
			Via:              via,
			Logger:           log.Component("session"),
		},
		Transaction: transaction.Options{
			Retry: transaction.RetryPolicy{
				Timeout:          ms(cfg.Transaction.Timeout),
				TimeoutIncrement: ms(cfg.Transaction.TimeoutIncrement),
				MaxRetries:       cfg.Transaction.MaxRetries,
			},
			SelfAddress: uint16(cfg.Transaction.SelfAddress), //nolint:gosec // range checked by config.Validate
			Logger:      log.Component("transaction"),
		},
		Logger: log.Component("hub"),
	}
}

// connectMQTT connects with the bridge's offline health message as last will.
func connectMQTT(cfg *config.Config) (*mqtt.Client, error) {
	lwt, err := hub.NewHealthReporter(hub.HealthReporterConfig{BridgeID: cfg.Bridge.ID}).LWTPayload()
	if err != nil {
		return nil, fmt.Errorf("building last will: %w", err)
	}
	return mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   hub.HealthTopic(cfg.Bridge.ID),
		Payload: lwt,
		QoS:     1,
	})
}

// startTelemetry wires the health reporter, packet relay, recorder and
// write topic. The returned function stops them.
func startTelemetry(
	ctx context.Context,
	cfg *config.Config,
	bridge *hub.Hub,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	auditW *audit.Writer,
	log *logging.Logger,
) func() {
	reporterCfg := hub.HealthReporterConfig{
		BridgeID: cfg.Bridge.ID,
		Version:  version,
		Interval: cfg.HealthInterval(),
		Source:   bridge,
	}
	if mqttClient != nil {
		reporterCfg.Publisher = mqttClient
	}
	if influxClient != nil {
		reporterCfg.Writer = influxClient
	}
	reporter := hub.NewHealthReporter(reporterCfg)
	reporter.SetLogger(log)
	reporter.Start(ctx)

	var stops []func()
	if mqttClient != nil {
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
			if err := reporter.PublishNow(); err != nil {
				log.Warn("publishing health after reconnect failed", "error", err)
			}
		})

		topic := hub.WriteTopic(cfg.Bridge.ID)
		if err := mqttClient.Subscribe(topic, 1, auditedInject(bridge, auditW)); err != nil {
			log.Warn("subscribing to write topic failed", "topic", topic, "error", err)
		} else {
			log.Info("accepting injected frames", "topic", topic)
		}

		if cfg.Bridge.Relay {
			relay := hub.NewRelay(cfg.Bridge.ID, mqttClient, 0, log)
			id := bridge.Subscribe(relay)
			stops = append(stops, func() {
				bridge.Unsubscribe(id)
				relay.Close(nil)
				relay.Wait()
				if n := relay.Dropped(); n > 0 {
					log.Warn("MQTT relay dropped packets", "count", n)
				}
			})
			log.Info("MQTT packet relay enabled")
		}
	}
	if influxClient != nil {
		recorder := hub.NewRecorder(cfg.Bridge.ID, influxClient, 0, log)
		id := bridge.Subscribe(recorder)
		stops = append(stops, func() {
			bridge.Unsubscribe(id)
			recorder.Close(nil)
			recorder.Wait()
			if n := recorder.Dropped(); n > 0 {
				log.Warn("InfluxDB recorder dropped packets", "count", n)
			}
		})
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
		reporter.Stop()
	}
}

// auditedInject is the write topic handler: it injects the payload and
// queues an audit entry for every accepted one.
func auditedInject(bridge *hub.Hub, auditW *audit.Writer) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		n, err := bridge.Inject(string(payload))
		if err != nil {
			return err
		}
		auditW.Record(&audit.AuditLog{
			Action:     audit.ActionInject,
			EntityType: audit.EntityBus,
			Source:     audit.SourceMQTT,
			Details:    map[string]any{"topic": topic, "messages": n},
		})
		return nil
	}
}

// auditPruneInterval is how often expired audit entries are removed.
const auditPruneInterval = 24 * time.Hour

// pruneAuditLog deletes audit entries older than retention at startup and
// then once a day until ctx is done.
func pruneAuditLog(ctx context.Context, repo audit.Repository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		n, err := repo.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning audit log failed", "error", err)
		case n > 0:
			log.Info("pruned audit log", "removed", n, "retention", retention.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// issueToken prints an API bearer token signed with the configured secret.
//
// Usage: vbusbridge token <viewer|operator|admin> <subject>
func issueToken(args []string, out io.Writer) error {
	if len(args) != 2 { //nolint:mnd // role and subject
		return errors.New("usage: vbusbridge token <viewer|operator|admin> <subject>")
	}
	role, err := auth.ParseRole(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.API.Auth.JWTSecret == "" {
		return errors.New("api.auth.jwt_secret is not set; the API is open and needs no token")
	}

	ttl := time.Duration(cfg.API.Auth.TokenTTL) * time.Minute
	tok, err := auth.GenerateToken(args[1], role, cfg.API.Auth.JWTSecret, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}

// hashPassword prints an Argon2id hash for bridge.password. The password
// is the single argument, or the first line of in when no argument is given.
func hashPassword(args []string, in io.Reader, out io.Writer) error {
	var password string
	switch len(args) {
	case 0:
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	case 1:
		password = args[0]
	default:
		return errors.New("usage: vbusbridge hash-password [password]")
	}
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// printPorts writes one serial device per line.
func printPorts(out io.Writer, list func() ([]string, error)) error {
	ports, err := list()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		_, err = fmt.Fprintln(out, "no serial ports found")
		return err
	}
	for _, p := range ports {
		if _, err := fmt.Fprintf(out, "serial://%s\n", p); err != nil {
			return err
		}
	}
	return nil
}

// healthCheck verifies infrastructure connections at startup.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (nil if disabled)
//   - influxClient: InfluxDB client to check (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
