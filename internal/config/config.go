package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/urfave/cli"

	"background-fetch-service/internal/fetch-manager/coordinator"
	"background-fetch-service/internal/fetch-manager/events"
	"background-fetch-service/internal/fetch-manager/kafka"
	"background-fetch-service/internal/fetch-manager/registry"
	"background-fetch-service/internal/fetch-manager/scheduler"
	"background-fetch-service/internal/fetch-manager/services"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/models"
	"background-fetch-service/pkg/db"
)

const (
	StoreGorm   = "gorm"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"

	DefaultServerAddr = ":8080"
	DefaultGRPCAddr   = ":9090"
	DefaultRedisAddr  = "localhost:6379"
	DefaultLogLevel   = "info"
)

type Config struct {
	ServerAddr string
	GRPCAddr   string
	LogLevel   string

	StoreType string
	DBType    string
	DBDSN     string
	DBVerbose bool
	StateFile string
	RedisAddr string
	RedisKey  string

	KafkaEnabled   bool
	KafkaBrokers   string
	RunEventTopic  string
	HistoryGroupID string
	EventEncoding  string

	WakeInterval         time.Duration
	CycleBudget          time.Duration
	MinimumIntervalFloor time.Duration
	MaxBackoff           time.Duration
	DuplicateWindow      time.Duration
	MaxConcurrent        int

	FetchStatus   string
	Connection    string
	Charging      bool
	BatteryNotLow bool
	DeviceIdle    bool
	StorageNotLow bool
}

func Default() Config {
	return Config{
		ServerAddr:           DefaultServerAddr,
		GRPCAddr:             DefaultGRPCAddr,
		LogLevel:             DefaultLogLevel,
		StoreType:            StoreGorm,
		DBType:               db.TypeSQLite,
		StateFile:            store.DefaultFilePath,
		RedisAddr:            DefaultRedisAddr,
		RedisKey:             store.DefaultRedisKey,
		KafkaBrokers:         kafka.DefaultKafkaBrokers,
		RunEventTopic:        kafka.DefaultRunEventTopic,
		HistoryGroupID:       services.DefaultHistoryGroupID,
		EventEncoding:        string(events.EncodingJSON),
		WakeInterval:         services.DefaultWakeInterval,
		CycleBudget:          services.DefaultCycleBudget,
		MinimumIntervalFloor: registry.DefaultMinimumIntervalFloor,
		MaxBackoff:           scheduler.DefaultMaxBackoff,
		DuplicateWindow:      coordinator.DefaultDuplicateWindow,
		MaxConcurrent:        coordinator.DefaultMaxConcurrent,
		FetchStatus:          models.FetchStatusAvailable.String(),
		Connection:           models.ConnectionUnmetered.String(),
		BatteryNotLow:        true,
		StorageNotLow:        true,
	}
}

// Flags binds every setting of cfg to a command line flag with an environment
// fallback. Values already in cfg are the flag defaults.
func Flags(cfg *Config) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "server-addr", Usage: "HTTP listen address", EnvVar: "SERVER_ADDR", Value: cfg.ServerAddr, Destination: &cfg.ServerAddr},
		cli.StringFlag{Name: "grpc-addr", Usage: "gRPC health listen address (empty disables)", EnvVar: "GRPC_ADDR", Value: cfg.GRPCAddr, Destination: &cfg.GRPCAddr},
		cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error", EnvVar: "LOG_LEVEL", Value: cfg.LogLevel, Destination: &cfg.LogLevel},

		cli.StringFlag{Name: "store", Usage: "run record backend: gorm, file, redis or memory", EnvVar: "STORE_TYPE", Value: cfg.StoreType, Destination: &cfg.StoreType},
		cli.StringFlag{Name: "db-type", Usage: "sqlite or mysql", EnvVar: "DB_TYPE", Value: cfg.DBType, Destination: &cfg.DBType},
		cli.StringFlag{Name: "db-dsn", Usage: "database DSN (empty uses the default for the type)", EnvVar: "DB_DSN", Value: cfg.DBDSN, Destination: &cfg.DBDSN},
		cli.BoolFlag{Name: "db-verbose", Usage: "log SQL statements", EnvVar: "DB_VERBOSE", Destination: &cfg.DBVerbose},
		cli.StringFlag{Name: "state-file", Usage: "state file for the file store", EnvVar: "STATE_FILE", Value: cfg.StateFile, Destination: &cfg.StateFile},
		cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the redis store", EnvVar: "REDIS_ADDR", Value: cfg.RedisAddr, Destination: &cfg.RedisAddr},
		cli.StringFlag{Name: "redis-key", Usage: "Redis hash holding run records", EnvVar: "REDIS_KEY", Value: cfg.RedisKey, Destination: &cfg.RedisKey},

		cli.BoolFlag{Name: "kafka", Usage: "publish run events to Kafka", EnvVar: "KAFKA_ENABLED", Destination: &cfg.KafkaEnabled},
		cli.StringFlag{Name: "kafka-brokers", Usage: "comma separated broker list", EnvVar: "KAFKA_BROKERS", Value: cfg.KafkaBrokers, Destination: &cfg.KafkaBrokers},
		cli.StringFlag{Name: "run-event-topic", EnvVar: "RUN_EVENT_TOPIC", Value: cfg.RunEventTopic, Destination: &cfg.RunEventTopic},
		cli.StringFlag{Name: "history-group-id", EnvVar: "HISTORY_GROUP_ID", Value: cfg.HistoryGroupID, Destination: &cfg.HistoryGroupID},
		cli.StringFlag{Name: "event-encoding", Usage: "json or protobuf", EnvVar: "EVENT_ENCODING", Value: cfg.EventEncoding, Destination: &cfg.EventEncoding},

		cli.DurationFlag{Name: "wake-interval", Usage: "time between periodic wakes", EnvVar: "WAKE_INTERVAL", Value: cfg.WakeInterval, Destination: &cfg.WakeInterval},
		cli.DurationFlag{Name: "budget", Usage: "time budget of one wake cycle", EnvVar: "CYCLE_BUDGET", Value: cfg.CycleBudget, Destination: &cfg.CycleBudget},
		cli.DurationFlag{Name: "min-interval-floor", EnvVar: "MIN_INTERVAL_FLOOR", Value: cfg.MinimumIntervalFloor, Destination: &cfg.MinimumIntervalFloor},
		cli.DurationFlag{Name: "max-backoff", EnvVar: "MAX_BACKOFF", Value: cfg.MaxBackoff, Destination: &cfg.MaxBackoff},
		cli.DurationFlag{Name: "duplicate-window", EnvVar: "DUPLICATE_WINDOW", Value: cfg.DuplicateWindow, Destination: &cfg.DuplicateWindow},
		cli.IntFlag{Name: "max-concurrent", Usage: "tasks run in parallel within a cycle", EnvVar: "MAX_CONCURRENT", Value: cfg.MaxConcurrent, Destination: &cfg.MaxConcurrent},

		cli.StringFlag{Name: "fetch-status", Usage: "AVAILABLE, RESTRICTED or DENIED", EnvVar: "FETCH_STATUS", Value: cfg.FetchStatus, Destination: &cfg.FetchStatus},
		cli.StringFlag{Name: "connection", Usage: "initial connection: none, unmetered or cellular", EnvVar: "DEVICE_CONNECTION", Value: cfg.Connection, Destination: &cfg.Connection},
		cli.BoolFlag{Name: "charging", EnvVar: "DEVICE_CHARGING", Destination: &cfg.Charging},
		cli.BoolTFlag{Name: "battery-not-low", EnvVar: "DEVICE_BATTERY_NOT_LOW", Destination: &cfg.BatteryNotLow},
		cli.BoolFlag{Name: "device-idle", EnvVar: "DEVICE_IDLE", Destination: &cfg.DeviceIdle},
		cli.BoolTFlag{Name: "storage-not-low", EnvVar: "DEVICE_STORAGE_NOT_LOW", Destination: &cfg.StorageNotLow},
	}
}

// Brokers splits the broker list.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) Status() (models.FetchStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(c.FetchStatus)) {
	case "AVAILABLE":
		return models.FetchStatusAvailable, nil
	case "RESTRICTED":
		return models.FetchStatusRestricted, nil
	case "DENIED":
		return models.FetchStatusDenied, nil
	default:
		return 0, fmt.Errorf("unknown fetch status %q", c.FetchStatus)
	}
}

func (c Config) Conditions() (models.AvailableConditions, error) {
	conn, err := models.ParseConnectionType(c.Connection)
	if err != nil {
		return models.AvailableConditions{}, err
	}
	return models.AvailableConditions{
		Connection:    conn,
		Charging:      c.Charging,
		BatteryNotLow: c.BatteryNotLow,
		DeviceIdle:    c.DeviceIdle,
		StorageNotLow: c.StorageNotLow,
	}, nil
}

func (c Config) HlogLevel() hlog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return hlog.LevelTrace
	case "debug":
		return hlog.LevelDebug
	case "warn":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	default:
		return hlog.LevelInfo
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreType {
	case StoreGorm:
		if c.DBType != db.TypeSQLite && c.DBType != db.TypeMySQL {
			errs = append(errs, fmt.Errorf("unsupported db type %q", c.DBType))
		}
	case StoreFile:
		if c.StateFile == "" {
			errs = append(errs, errors.New("file store needs a state file"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis store needs an address"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.StoreType))
	}
	if c.KafkaEnabled {
		if len(c.Brokers()) == 0 {
			errs = append(errs, errors.New("kafka is enabled but no brokers are set"))
		}
		if c.RunEventTopic == "" {
			errs = append(errs, errors.New("kafka is enabled but no run event topic is set"))
		}
	}
	if _, err := events.ParseEncoding(c.EventEncoding); err != nil {
		errs = append(errs, err)
	}
	if c.CycleBudget <= 0 {
		errs = append(errs, errors.New("cycle budget must be positive"))
	}
	if c.WakeInterval <= 0 {
		errs = append(errs, errors.New("wake interval must be positive"))
	}
	if c.MinimumIntervalFloor <= 0 {
		errs = append(errs, errors.New("minimum interval floor must be positive"))
	}
	if c.MaxBackoff < 0 || c.DuplicateWindow < 0 {
		errs = append(errs, errors.New("max backoff and duplicate window must not be negative"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, errors.New("max concurrent must be at least 1"))
	}
	if _, err := c.Status(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Conditions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
