package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"background-fetch-service/internal/fetch-manager/registry"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/models"
)

// Scheduler owns the run records of registered tasks and decides which of them
// may run.
type Scheduler struct {
	registry *registry.Registry
	store    store.Store
	policy   BackoffPolicy

	// saveMu is held from snapshot to Save so an older snapshot never
	// overwrites a newer one in the store. Taken before mu.
	saveMu  sync.Mutex
	mu      sync.Mutex
	records map[string]*models.TaskRunRecord
	// Loaded records whose task has not registered yet.
	pending map[string]models.TaskRunRecord
}

func New(reg *registry.Registry, st store.Store, policy BackoffPolicy) *Scheduler {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Scheduler{
		registry: reg,
		store:    st,
		policy:   policy,
		records:  make(map[string]*models.TaskRunRecord),
		pending:  make(map[string]models.TaskRunRecord),
	}
}

func (s *Scheduler) Registry() *registry.Registry { return s.registry }

func (s *Scheduler) Policy() BackoffPolicy { return s.policy }

// Restore loads persisted records. On a StorageError the scheduler keeps its
// in-memory defaults and the error is returned for the caller to log.
func (s *Scheduler) Restore(ctx context.Context) error {
	loaded, err := s.store.Load(ctx)
	if err != nil {
		hlog.CtxWarnf(ctx, "Scheduler: could not load run records, continuing with defaults: %v", err)
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	adopted := 0
	for _, r := range loaded {
		key := models.TaskKey(r.TaskID)
		if _, err := s.registry.Lookup(r.TaskID); err == nil {
			rec := r
			s.records[key] = &rec
			adopted++
			continue
		}
		s.pending[key] = r
	}
	hlog.CtxInfof(ctx, "Scheduler: restored %d run records (%d awaiting registration)", adopted, len(s.pending))
	return nil
}

// Register registers def and starts tracking it.
func (s *Scheduler) Register(def models.TaskDefinition, now time.Time) (models.TaskDefinition, error) {
	stored, err := s.registry.Register(def)
	if err != nil {
		return models.TaskDefinition{}, err
	}
	s.track(stored, now)
	return stored, nil
}

func (s *Scheduler) track(def models.TaskDefinition, now time.Time) {
	key := models.TaskKey(def.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return
	}
	if r, ok := s.pending[key]; ok {
		delete(s.pending, key)
		r.TaskID = def.ID
		s.records[key] = &r
		return
	}
	first := def.MinimumInterval
	if !def.Periodic {
		first = def.Delay
	}
	s.records[key] = &models.TaskRunRecord{TaskID: def.ID, NextEligibleAt: now.Add(first)}
}

type candidate struct {
	def  models.TaskDefinition
	next time.Time
}

// EligibleTasks returns the tasks that may run at now under avail, ordered by
// next eligible time and then identifier.
func (s *Scheduler) EligibleTasks(now time.Time, avail models.AvailableConditions) []models.TaskDefinition {
	defs := s.registry.List()
	s.mu.Lock()
	candidates := make([]candidate, 0, len(defs))
	for _, def := range defs {
		rec, ok := s.records[models.TaskKey(def.ID)]
		if !ok || rec.Stopped || rec.Completed {
			continue
		}
		if rec.NextEligibleAt.After(now) {
			continue
		}
		if !def.Requires.SatisfiedBy(avail) {
			continue
		}
		candidates = append(candidates, candidate{def: def, next: rec.NextEligibleAt})
	}
	s.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].next.Equal(candidates[j].next) {
			return candidates[i].next.Before(candidates[j].next)
		}
		return models.TaskKey(candidates[i].def.ID) < models.TaskKey(candidates[j].def.ID)
	})
	out := make([]models.TaskDefinition, len(candidates))
	for i, c := range candidates {
		out[i] = c.def
	}
	return out
}

// ApplyOutcome updates the record of id for a finished run and persists it.
// A StorageError is returned alongside the updated record; the in-memory state
// stays authoritative.
func (s *Scheduler) ApplyOutcome(ctx context.Context, id string, status models.RunStatus, at time.Time) (models.TaskRunRecord, error) {
	def, err := s.registry.Lookup(id)
	if err != nil {
		return models.TaskRunRecord{}, err
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	rec, ok := s.records[models.TaskKey(id)]
	if !ok {
		s.mu.Unlock()
		return models.TaskRunRecord{}, &registry.NotFoundError{TaskID: id}
	}
	switch status {
	case models.RunStatusSucceeded:
		rec.ConsecutiveFailures = 0
		rec.NextEligibleAt = at.Add(def.MinimumInterval)
		if !def.Periodic {
			rec.Completed = true
		}
	case models.RunStatusFailed, models.RunStatusTimedOut:
		rec.ConsecutiveFailures++
		next := at.Add(s.policy.Delay(def.MinimumInterval, rec.ConsecutiveFailures))
		if next.After(rec.NextEligibleAt) {
			rec.NextEligibleAt = next
		}
	default:
		s.mu.Unlock()
		return models.TaskRunRecord{}, fmt.Errorf("cannot apply run status %q", status)
	}
	rec.LastRunAt = at
	rec.LastStatus = status
	snapshot := *rec
	s.mu.Unlock()

	if err := s.store.Save(ctx, []models.TaskRunRecord{snapshot}); err != nil {
		hlog.CtxWarnf(ctx, "Scheduler: could not persist record for %s: %v", id, err)
		return snapshot, err
	}
	return snapshot, nil
}

// Stop keeps id registered but never eligible until Start is called.
func (s *Scheduler) Stop(ctx context.Context, id string) (models.TaskRunRecord, error) {
	return s.setStopped(ctx, id, true)
}

// Start makes a stopped task eligible again. A completed one-shot task is
// re-armed to run at its next eligible time.
func (s *Scheduler) Start(ctx context.Context, id string) (models.TaskRunRecord, error) {
	return s.setStopped(ctx, id, false)
}

func (s *Scheduler) setStopped(ctx context.Context, id string, stopped bool) (models.TaskRunRecord, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	rec, ok := s.records[models.TaskKey(id)]
	if !ok {
		s.mu.Unlock()
		return models.TaskRunRecord{}, &registry.NotFoundError{TaskID: id}
	}
	rec.Stopped = stopped
	if !stopped {
		rec.Completed = false
	}
	snapshot := *rec
	s.mu.Unlock()

	if err := s.store.Save(ctx, []models.TaskRunRecord{snapshot}); err != nil {
		hlog.CtxWarnf(ctx, "Scheduler: could not persist record for %s: %v", id, err)
		return snapshot, err
	}
	return snapshot, nil
}

// Record returns a copy of the record of id.
func (s *Scheduler) Record(id string) (models.TaskRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[models.TaskKey(id)]
	if !ok {
		return models.TaskRunRecord{}, &registry.NotFoundError{TaskID: id}
	}
	return *rec, nil
}

// Records returns copies of all live records sorted by identifier.
func (s *Scheduler) Records() []models.TaskRunRecord {
	s.mu.Lock()
	out := make([]models.TaskRunRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return models.TaskKey(out[i].TaskID) < models.TaskKey(out[j].TaskID) })
	return out
}

// NextWake returns the earliest time any active task becomes eligible.
func (s *Scheduler) NextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	found := false
	for _, rec := range s.records {
		if rec.Stopped || rec.Completed {
			continue
		}
		if !found || rec.NextEligibleAt.Before(earliest) {
			earliest = rec.NextEligibleAt
			found = true
		}
	}
	return earliest, found
}

// Flush persists every live record.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	records := s.Records()
	if len(records) == 0 {
		return nil
	}
	if err := s.store.Save(ctx, records); err != nil {
		hlog.CtxWarnf(ctx, "Scheduler: flush of %d records failed: %v", len(records), err)
		return err
	}
	return nil
}
