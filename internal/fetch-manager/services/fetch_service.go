package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/jonboulle/clockwork"

	"background-fetch-service/internal/fetch-manager/coordinator"
	"background-fetch-service/internal/fetch-manager/registry"
	"background-fetch-service/internal/fetch-manager/scheduler"
	"background-fetch-service/internal/fetch-worker/handlers"
	"background-fetch-service/internal/models"
)

// ErrFetchUnavailable is returned by Wake while background fetch is
// restricted or denied.
var ErrFetchUnavailable = errors.New("background fetch is not available")

// DefinitionStore keeps definitions that must be re-registered on boot.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def models.TaskDefinition) error
	LoadBootDefinitions(ctx context.Context) ([]models.TaskDefinition, error)
}

// TaskView is a definition together with its scheduling state.
type TaskView struct {
	Definition models.TaskDefinition `json:"definition"`
	Record     models.TaskRunRecord  `json:"record"`
}

// FetchService is the entry point the host talks to: it registers tasks,
// tracks device conditions and runs wake cycles.
type FetchService struct {
	Scheduler   *scheduler.Scheduler
	Coordinator *coordinator.Coordinator
	Catalog     *handlers.Catalog
	Definitions DefinitionStore

	mu         sync.RWMutex
	conditions models.AvailableConditions
	status     models.FetchStatus
}

func NewFetchService(sched *scheduler.Scheduler, coord *coordinator.Coordinator, catalog *handlers.Catalog, defs DefinitionStore) *FetchService {
	if catalog == nil {
		catalog = handlers.DefaultCatalog()
	}
	return &FetchService{
		Scheduler:   sched,
		Coordinator: coord,
		Catalog:     catalog,
		Definitions: defs,
		status:      models.FetchStatusAvailable,
	}
}

func (s *FetchService) clock() clockwork.Clock { return s.Coordinator.Clock() }

// RegisterTask builds the handler of def from its kind unless one is already
// set, then registers it. Definitions flagged StartOnBoot are persisted; a
// failure to persist them is logged and does not fail registration.
func (s *FetchService) RegisterTask(ctx context.Context, def models.TaskDefinition) (models.TaskDefinition, error) {
	if def.Params == "" {
		def.Params = "{}"
	}
	if def.Handler == nil {
		h, err := s.Catalog.Build(def.Kind, def.Params)
		if err != nil {
			return models.TaskDefinition{}, fmt.Errorf("%w: %v", registry.ErrInvalidDefinition, err)
		}
		def.Handler = h
	}
	stored, err := s.Scheduler.Register(def, s.clock().Now())
	if err != nil {
		return models.TaskDefinition{}, err
	}
	hlog.CtxInfof(ctx, "FetchService: registered task %s (kind %s, every %s, periodic %t)",
		stored.ID, stored.Kind, stored.MinimumInterval, stored.Periodic)

	if stored.StartOnBoot && s.Definitions != nil {
		if err := s.Definitions.SaveDefinition(ctx, stored); err != nil {
			hlog.CtxWarnf(ctx, "FetchService: task %s will not survive a restart: %v", stored.ID, err)
		}
	}
	return stored, nil
}

// Boot re-registers persisted StartOnBoot definitions and restores run
// records. It returns how many tasks were rehydrated; a storage error is
// returned for logging while the service keeps running on defaults.
func (s *FetchService) Boot(ctx context.Context) (int, error) {
	var bootErr error
	rehydrated := 0
	if s.Definitions != nil {
		defs, err := s.Definitions.LoadBootDefinitions(ctx)
		if err != nil {
			hlog.CtxWarnf(ctx, "FetchService: could not load boot definitions: %v", err)
			bootErr = err
		}
		for _, def := range defs {
			if _, err := s.RegisterTask(ctx, def); err != nil {
				if registry.IsDuplicate(err) {
					continue
				}
				hlog.CtxErrorf(ctx, "FetchService: could not rehydrate task %s: %v", def.ID, err)
				continue
			}
			rehydrated++
		}
	}
	if err := s.Scheduler.Restore(ctx); err != nil {
		bootErr = errors.Join(bootErr, err)
	}
	hlog.CtxInfof(ctx, "FetchService: boot complete, %d tasks rehydrated, %d registered", rehydrated, s.Scheduler.Registry().Len())
	return rehydrated, bootErr
}

func (s *FetchService) Task(id string) (TaskView, error) {
	def, err := s.Scheduler.Registry().Lookup(id)
	if err != nil {
		return TaskView{}, err
	}
	rec, err := s.Scheduler.Record(id)
	if err != nil {
		return TaskView{}, err
	}
	return TaskView{Definition: def, Record: rec}, nil
}

func (s *FetchService) Tasks() []TaskView {
	defs := s.Scheduler.Registry().List()
	out := make([]TaskView, 0, len(defs))
	for _, def := range defs {
		rec, err := s.Scheduler.Record(def.ID)
		if err != nil {
			continue
		}
		out = append(out, TaskView{Definition: def, Record: rec})
	}
	return out
}

func (s *FetchService) StartTask(ctx context.Context, id string) (models.TaskRunRecord, error) {
	return s.Scheduler.Start(ctx, id)
}

func (s *FetchService) StopTask(ctx context.Context, id string) (models.TaskRunRecord, error) {
	return s.Scheduler.Stop(ctx, id)
}

func (s *FetchService) SetConditions(c models.AvailableConditions) {
	s.mu.Lock()
	s.conditions = c
	s.mu.Unlock()
	hlog.Infof("FetchService: conditions updated: connection=%s roaming=%t charging=%t battery_not_low=%t idle=%t storage_not_low=%t",
		c.Connection, c.Roaming, c.Charging, c.BatteryNotLow, c.DeviceIdle, c.StorageNotLow)
}

func (s *FetchService) Conditions() models.AvailableConditions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conditions
}

func (s *FetchService) SetStatus(st models.FetchStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *FetchService) Status() models.FetchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Wake runs one cycle under the current conditions.
func (s *FetchService) Wake(ctx context.Context, budget time.Duration) (coordinator.CycleReport, error) {
	if st := s.Status(); st != models.FetchStatusAvailable {
		hlog.CtxWarnf(ctx, "FetchService: wake ignored, status is %s", st)
		return coordinator.CycleReport{}, fmt.Errorf("%w: %s", ErrFetchUnavailable, st)
	}
	return s.Coordinator.RunCycle(ctx, s.Conditions(), budget), nil
}

// Shutdown flushes all run records. Tasks flagged StopOnTerminate end with the
// process: they were never persisted for boot.
func (s *FetchService) Shutdown(ctx context.Context) error {
	for _, def := range s.Scheduler.Registry().List() {
		if def.StopOnTerminate {
			hlog.CtxInfof(ctx, "FetchService: task %s stops with the process", def.ID)
		}
	}
	return s.Scheduler.Flush(ctx)
}
