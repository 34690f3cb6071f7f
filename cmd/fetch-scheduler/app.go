package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"background-fetch-service/internal/config"
	"background-fetch-service/internal/fetch-manager/api"
	"background-fetch-service/internal/fetch-manager/coordinator"
	"background-fetch-service/internal/fetch-manager/events"
	fetchKafka "background-fetch-service/internal/fetch-manager/kafka"
	"background-fetch-service/internal/fetch-manager/registry"
	"background-fetch-service/internal/fetch-manager/scheduler"
	"background-fetch-service/internal/fetch-manager/services"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/fetch-worker/handlers"
	gorm_db "background-fetch-service/pkg/db"
)

// application holds every component built from a Config.
type application struct {
	gormDB    *gorm.DB
	redis     *redis.Client
	store     store.Store
	history   *services.HistoryService
	publisher *fetchKafka.EventPublisher
	fetch     *services.FetchService
}

func buildApplication(cfg config.Config) (*application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app := &application{}

	var defs services.DefinitionStore
	switch cfg.StoreType {
	case config.StoreGorm:
		gormDB, err := gorm_db.NewGormDB(cfg.DBType, cfg.DBDSN, cfg.DBVerbose)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := gorm_db.AutoMigrate(gormDB, store.Models()...); err != nil {
			gorm_db.Close(gormDB)
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		gs := store.NewGormStore(gormDB)
		app.gormDB, app.store, defs = gormDB, gs, gs
	case config.StoreFile:
		app.store = store.NewFileStore(afero.NewOsFs(), cfg.StateFile)
	case config.StoreRedis:
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.store = store.NewRedisStore(app.redis, cfg.RedisKey)
	default:
		app.store = store.NewMemoryStore()
	}
	hlog.Infof("Run records are kept in the %s store", cfg.StoreType)

	var reporters []coordinator.Reporter
	if cfg.KafkaEnabled {
		enc, _ := events.ParseEncoding(cfg.EventEncoding)
		app.publisher = fetchKafka.NewEventPublisher(fetchKafka.NewKafkaProducer(cfg.Brokers(), cfg.RunEventTopic), enc)
		reporters = append(reporters, app.publisher)
	}
	if gs, ok := app.store.(*store.GormStore); ok {
		if cfg.KafkaEnabled {
			app.history = services.NewHistoryService(gs, services.NewHistoryReader(cfg.Brokers(), cfg.RunEventTopic, cfg.HistoryGroupID))
		} else {
			app.history = services.NewHistoryService(gs, nil)
			reporters = append(reporters, app.history)
		}
	}

	sched := scheduler.New(
		registry.New(registry.WithMinimumIntervalFloor(cfg.MinimumIntervalFloor)),
		app.store,
		scheduler.BackoffPolicy{MaxBackoff: cfg.MaxBackoff},
	)
	opts := []coordinator.Option{
		coordinator.WithMaxConcurrent(cfg.MaxConcurrent),
		coordinator.WithDuplicateWindow(cfg.DuplicateWindow),
	}
	if len(reporters) > 0 {
		opts = append(opts, coordinator.WithReporter(coordinator.Reporters(reporters...)))
	}
	coord := coordinator.New(sched, opts...)

	app.fetch = services.NewFetchService(sched, coord, handlers.DefaultCatalog(), defs)
	status, _ := cfg.Status()
	app.fetch.SetStatus(status)
	avail, _ := cfg.Conditions()
	app.fetch.SetConditions(avail)
	return app, nil
}

// historyReader returns the history endpoint backend, or nil when no SQL store
// is configured.
func (a *application) historyReader() api.HistoryReader {
	if a.history == nil {
		return nil
	}
	return a.history
}

func (a *application) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			hlog.Errorf("Kafka producer close error: %v", err)
		}
	}
	if a.history != nil {
		a.history.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			hlog.Errorf("Redis client close error: %v", err)
		}
	}
	if a.gormDB != nil {
		if err := gorm_db.Close(a.gormDB); err != nil {
			hlog.Errorf("Database close error: %v", err)
		}
	}
}

// runOnce boots, runs a single wake cycle and writes its report to out.
func runOnce(ctx context.Context, cfg config.Config, out io.Writer) (coordinator.CycleReport, error) {
	app, err := buildApplication(cfg)
	if err != nil {
		return coordinator.CycleReport{}, err
	}
	defer app.Close()

	if _, err := app.fetch.Boot(ctx); err != nil {
		hlog.CtxWarnf(ctx, "Boot finished with storage errors, continuing: %v", err)
	}
	report, err := app.fetch.Wake(ctx, cfg.CycleBudget)
	if err != nil {
		return report, err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return report, fmt.Errorf("failed to write cycle report: %w", err)
	}
	return report, nil
}
