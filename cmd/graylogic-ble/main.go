// Gray Logic BLE - Bluetooth Low Energy to MQTT bridge
//
// This is the main entry point for the BLE bridge. It connects Bluetooth
// peripherals (kettles, blind motors, thermometers, dosimeters, presence
// beacons) to the automation platform over MQTT, with optional state
// history in SQLite and numeric export to InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/bridge"
	"github.com/nerrad567/gray-logic-ble/internal/history"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
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

// historyPruneInterval is how often expired history rows are removed.
const historyPruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic BLE",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	for _, issue := range cfg.DeviceIssues {
		log.Warn("device entry rejected",
			"index", issue.Index,
			"address", issue.Address,
			"error", issue.Err,
		)
	}

	// Connect to MQTT broker
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
	mqttClient.SetLogger(log)
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Open state history (optional)
	var recorder bridge.HistoryRecorder
	if cfg.History.Enabled {
		repo, openErr := history.Open(cfg.History.Path)
		if openErr != nil {
			return fmt.Errorf("opening state history: %w", openErr)
		}
		defer func() {
			log.Info("closing state history")
			if closeErr := repo.Close(); closeErr != nil {
				log.Error("error closing state history", "error", closeErr)
			}
		}()
		log.Info("state history enabled", "path", cfg.History.Path, "max_age", cfg.History.MaxAge)

		go pruneHistory(ctx, repo, cfg.History.MaxAge, log)
		recorder = repo
	}

	// Connect to InfluxDB (optional)
	var exporter bridge.MeasurementExporter
	if cfg.InfluxDB.Enabled {
		influxClient, connectErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connectErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connectErr)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		exporter = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// Open the BLE radio. Unlike a single misbehaving device, a missing
	// adapter leaves nothing to bridge, so this is fatal.
	adapter, err := ble.NewLinuxAdapter(cfg.BLE)
	if err != nil {
		return fmt.Errorf("opening BLE adapter: %w", err)
	}
	defer func() {
		log.Info("closing BLE adapter")
		if closeErr := adapter.Close(); closeErr != nil {
			log.Error("error closing BLE adapter", "error", closeErr)
		}
	}()
	log.Info("BLE adapter ready", "adapter", fmt.Sprintf("hci%d", cfg.BLE.AdapterID))

	b, err := bridge.New(cfg, mqttClient, adapter, recorder, exporter, log)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	log.Info("initialisation complete, bridge running")
	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	log.Info("Gray Logic BLE stopped")
	return nil
}

// pruneHistory removes expired history rows on a fixed interval.
func pruneHistory(ctx context.Context, repo *history.Repository, maxAge time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := repo.Prune(ctx, maxAge)
			if err != nil {
				log.Error("history prune failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Debug("history pruned", "removed", removed)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_BLE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_BLE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
