package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"background-fetch-service/internal/fetch-manager/scheduler"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/models"
)

const (
	DefaultMaxConcurrent   = 4
	DefaultDuplicateWindow = 2 * time.Second
	DefaultFlushTimeout    = 5 * time.Second
)

var (
	ErrTimedOut       = errors.New("task timed out")
	ErrAlreadyRunning = errors.New("task is already running")
	ErrDuplicateWake  = errors.New("duplicate wake ignored")
)

// HandlerFailureError is returned when a handler reports failure.
type HandlerFailureError struct {
	TaskID string
	Err    error
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *HandlerFailureError) Unwrap() error { return e.Err }

// Outcome describes one run attempt.
type Outcome struct {
	TaskID     string               `json:"task_id"`
	RunID      string               `json:"run_id,omitempty"`
	Status     models.RunStatus     `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Error      string               `json:"error,omitempty"`
	Record     models.TaskRunRecord `json:"record"`
}

// CycleReport summarizes one wake cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Budget     time.Duration `json:"budget"`
	Eligible   int           `json:"eligible"`
	Outcomes   []Outcome     `json:"outcomes"`
}

// Count returns how many outcomes have status.
func (r CycleReport) Count(status models.RunStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Reporter receives every finished run, e.g. to tell the host or record history.
type Reporter interface {
	Report(ctx context.Context, outcome Outcome) error
}

// Reporters fans an outcome out to several reporters; all are called and the
// errors joined.
func Reporters(rs ...Reporter) Reporter { return multiReporter(rs) }

type multiReporter []Reporter

func (m multiReporter) Report(ctx context.Context, outcome Outcome) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Coordinator struct {
	sched           *scheduler.Scheduler
	reporter        Reporter
	clock           clockwork.Clock
	maxConcurrent   int
	duplicateWindow time.Duration
	flushTimeout    time.Duration

	mu        sync.Mutex
	inflight  map[string]struct{}
	lastStart map[string]time.Time
}

type Option func(*Coordinator)

func WithReporter(r Reporter) Option { return func(c *Coordinator) { c.reporter = r } }

func WithClock(clock clockwork.Clock) Option { return func(c *Coordinator) { c.clock = clock } }

func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithDuplicateWindow sets how soon after a start the same task is ignored.
// Zero disables the check.
func WithDuplicateWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.duplicateWindow = d
		}
	}
}

func WithFlushTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.flushTimeout = d
		}
	}
}

func New(sched *scheduler.Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		sched:           sched,
		clock:           clockwork.NewRealClock(),
		maxConcurrent:   DefaultMaxConcurrent,
		duplicateWindow: DefaultDuplicateWindow,
		flushTimeout:    DefaultFlushTimeout,
		inflight:        make(map[string]struct{}),
		lastStart:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }

func (c *Coordinator) Clock() clockwork.Clock { return c.clock }

func (c *Coordinator) acquire(key string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return ErrAlreadyRunning
	}
	if last, ok := c.lastStart[key]; ok && c.duplicateWindow > 0 && now.Sub(last) < c.duplicateWindow {
		return ErrDuplicateWake
	}
	c.inflight[key] = struct{}{}
	c.lastStart[key] = now
	return nil
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Run invokes the handler of def with at most budget to finish. The returned
// error is ErrTimedOut or a *HandlerFailureError for unsuccessful runs, and
// ErrAlreadyRunning or ErrDuplicateWake when the run was skipped. The task's
// record is updated and persisted before Run returns.
func (c *Coordinator) Run(ctx context.Context, def models.TaskDefinition, budget time.Duration) (Outcome, error) {
	key := models.TaskKey(def.ID)
	startedAt := c.clock.Now()
	outcome := Outcome{TaskID: def.ID, Status: models.RunStatusSkipped, StartedAt: startedAt, FinishedAt: startedAt}
	if err := c.acquire(key, startedAt); err != nil {
		hlog.CtxInfof(ctx, "Coordinator: skipping %s: %v", def.ID, err)
		outcome.Error = err.Error()
		return outcome, err
	}

	rec, err := c.sched.Record(def.ID)
	if err != nil {
		c.release(key)
		outcome.Error = err.Error()
		return outcome, err
	}
	if def.Timeout > 0 && def.Timeout < budget {
		budget = def.Timeout
	}
	inv := models.Invocation{
		TaskID:      def.ID,
		RunID:       uuid.NewString(),
		Attempt:     rec.ConsecutiveFailures + 1,
		ScheduledAt: rec.NextEligibleAt,
		Params:      def.Params,
	}
	outcome.RunID = inv.RunID

	status, runErr := c.invoke(ctx, def, inv, budget, func() { c.release(key) })
	outcome.Status = status
	outcome.FinishedAt = c.clock.Now()
	if runErr != nil {
		outcome.Error = runErr.Error()
	}

	// Persist even when ctx has already expired.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flushTimeout)
	defer cancel()
	updated, err := c.sched.ApplyOutcome(persistCtx, def.ID, status, outcome.FinishedAt)
	if err != nil && !store.IsStorageError(err) {
		hlog.CtxErrorf(ctx, "Coordinator: could not record outcome of %s: %v", def.ID, err)
		return outcome, err
	}
	outcome.Record = updated

	switch status {
	case models.RunStatusSucceeded:
		hlog.CtxInfof(ctx, "Coordinator: task %s run %s succeeded; next eligible at %s",
			def.ID, inv.RunID, updated.NextEligibleAt.Format(time.RFC3339))
	default:
		hlog.CtxWarnf(ctx, "Coordinator: task %s run %s %s (%v); failure %d, backing off until %s",
			def.ID, inv.RunID, status, runErr, updated.ConsecutiveFailures, updated.NextEligibleAt.Format(time.RFC3339))
	}

	if c.reporter != nil {
		if err := c.reporter.Report(persistCtx, outcome); err != nil {
			hlog.CtxWarnf(ctx, "Coordinator: reporting outcome of %s failed: %v", def.ID, err)
		}
	}
	return outcome, runErr
}

// invoke calls release once the handler has really returned, so a handler
// abandoned on expiry keeps its task in flight.
func (c *Coordinator) invoke(ctx context.Context, def models.TaskDefinition, inv models.Invocation, budget time.Duration, release func()) (models.RunStatus, error) {
	if budget <= 0 {
		release()
		return models.RunStatusTimedOut, fmt.Errorf("%w: %s had no budget left", ErrTimedOut, def.ID)
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
			release()
			done <- err
		}()
		err = def.Handler.Handle(runCtx, inv)
	}()

	select {
	case err := <-done:
		if err == nil {
			return models.RunStatusSucceeded, nil
		}
		if runCtx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			return models.RunStatusTimedOut, fmt.Errorf("%w: %s after %s", ErrTimedOut, def.ID, budget)
		}
		return models.RunStatusFailed, &HandlerFailureError{TaskID: def.ID, Err: err}
	case <-runCtx.Done():
		// The handler goroutine is abandoned; its result is discarded and the
		// task stays in flight until it returns.
		return models.RunStatusTimedOut, fmt.Errorf("%w: %s after %s", ErrTimedOut, def.ID, budget)
	}
}

// RunCycle runs every task eligible under avail within budget, at most
// maxConcurrent at a time. Tasks that cannot start before the budget runs out
// are left untouched for the next cycle. All records are flushed before
// RunCycle returns, so the process may be suspended right after.
func (c *Coordinator) RunCycle(ctx context.Context, avail models.AvailableConditions, budget time.Duration) CycleReport {
	report := CycleReport{StartedAt: c.clock.Now(), Budget: budget}
	cycleCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	deadline, _ := cycleCtx.Deadline()

	eligible := c.sched.EligibleTasks(report.StartedAt, avail)
	report.Eligible = len(eligible)
	report.Outcomes = make([]Outcome, len(eligible))
	hlog.CtxInfof(ctx, "Coordinator: wake cycle with %s budget, %d eligible tasks", budget, len(eligible))

	var g errgroup.Group
	g.SetLimit(c.maxConcurrent)
	for i, def := range eligible {
		i, def := i, def
		g.Go(func() error {
			remaining := time.Until(deadline)
			if cycleCtx.Err() != nil || remaining <= 0 {
				now := c.clock.Now()
				report.Outcomes[i] = Outcome{TaskID: def.ID, Status: models.RunStatusSkipped, StartedAt: now, FinishedAt: now, Error: "cycle budget exhausted"}
				return nil
			}
			out, err := c.Run(cycleCtx, def, remaining)
			if err != nil {
				hlog.CtxDebugf(ctx, "Coordinator: %s: %v", def.ID, err)
			}
			report.Outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), c.flushTimeout)
	defer flushCancel()
	if err := c.sched.Flush(flushCtx); err != nil {
		hlog.CtxWarnf(ctx, "Coordinator: flush after wake cycle failed: %v", err)
	}
	report.FinishedAt = c.clock.Now()
	hlog.CtxInfof(ctx, "Coordinator: wake cycle done: %d succeeded, %d failed, %d timed out, %d skipped",
		report.Count(models.RunStatusSucceeded), report.Count(models.RunStatusFailed),
		report.Count(models.RunStatusTimedOut), report.Count(models.RunStatusSkipped))
	return report
}
