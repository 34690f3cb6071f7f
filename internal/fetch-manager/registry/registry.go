package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"background-fetch-service/internal/models"
)

// DefaultMinimumIntervalFloor is the smallest interval a periodic task may ask for.
const DefaultMinimumIntervalFloor = 15 * time.Minute

var ErrInvalidDefinition = errors.New("invalid task definition")

// DuplicateTaskError is returned when an identifier is registered twice.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q is already registered", e.TaskID)
}

// NotFoundError is returned when an identifier has no definition.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsDuplicate reports whether err is, or wraps, a DuplicateTaskError.
func IsDuplicate(err error) bool {
	var dup *DuplicateTaskError
	return errors.As(err, &dup)
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]models.TaskDefinition
	floor time.Duration
}

type Option func(*Registry)

// WithMinimumIntervalFloor overrides DefaultMinimumIntervalFloor. Non-positive
// values are ignored.
func WithMinimumIntervalFloor(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.floor = d
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		tasks: make(map[string]models.TaskDefinition),
		floor: DefaultMinimumIntervalFloor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Floor returns the minimum interval floor in effect.
func (r *Registry) Floor() time.Duration { return r.floor }

// Register normalizes and stores def, returning the stored copy.
func (r *Registry) Register(def models.TaskDefinition) (models.TaskDefinition, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return models.TaskDefinition{}, fmt.Errorf("%w: empty task id", ErrInvalidDefinition)
	}
	if def.Handler == nil {
		return models.TaskDefinition{}, fmt.Errorf("%w: task %q has no handler", ErrInvalidDefinition, def.ID)
	}
	def = r.normalize(def)

	key := models.TaskKey(def.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tasks[key]; ok {
		return models.TaskDefinition{}, &DuplicateTaskError{TaskID: existing.ID}
	}
	r.tasks[key] = def
	hlog.Infof("Registry: registered task %s (kind=%q, periodic=%t, interval=%s, delay=%s)",
		def.ID, def.Kind, def.Periodic, def.MinimumInterval, def.Delay)
	return def, nil
}

func (r *Registry) normalize(def models.TaskDefinition) models.TaskDefinition {
	if def.MinimumInterval < r.floor {
		if def.MinimumInterval > 0 {
			hlog.Warnf("Registry: task %s minimum interval %s is below the floor; using %s", def.ID, def.MinimumInterval, r.floor)
		}
		def.MinimumInterval = r.floor
	}
	if def.Delay < 0 {
		def.Delay = 0
	}
	if def.Timeout < 0 {
		def.Timeout = 0
	}
	if def.StopOnTerminate && def.StartOnBoot {
		hlog.Warnf("Registry: task %s has stopOnTerminate=true which is incompatible with startOnBoot=true; enforcing startOnBoot=false", def.ID)
		def.StartOnBoot = false
	}
	return def
}

// Lookup returns the definition for id or a *NotFoundError.
func (r *Registry) Lookup(id string) (models.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[models.TaskKey(id)]
	if !ok {
		return models.TaskDefinition{}, &NotFoundError{TaskID: id}
	}
	return def, nil
}

// List returns every definition sorted by identifier.
func (r *Registry) List() []models.TaskDefinition {
	r.mu.RLock()
	out := make([]models.TaskDefinition, 0, len(r.tasks))
	for _, def := range r.tasks {
		out = append(out, def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return models.TaskKey(out[i].ID) < models.TaskKey(out[j].ID) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
