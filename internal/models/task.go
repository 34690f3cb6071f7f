package models

import (
	"context"
	"strings"
	"time"
)

// RunStatus is the outcome of a single background run.
type RunStatus string

const (
	RunStatusNone      RunStatus = ""
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
	RunStatusSkipped   RunStatus = "SKIPPED"
)

// FetchStatus mirrors the availability the host reports for background work.
type FetchStatus int

const (
	FetchStatusRestricted FetchStatus = 0
	FetchStatusDenied     FetchStatus = 1
	FetchStatusAvailable  FetchStatus = 2
)

func (s FetchStatus) String() string {
	switch s {
	case FetchStatusAvailable:
		return "AVAILABLE"
	case FetchStatusDenied:
		return "DENIED"
	default:
		return "RESTRICTED"
	}
}

// Invocation is what a handler receives for one run.
type Invocation struct {
	TaskID      string
	RunID       string
	Attempt     int
	ScheduledAt time.Time
	Params      string
}

// Handler performs the work of a background task. Returning nil signals
// completion; returning an error signals failure. Handlers must honour ctx:
// it is cancelled when the run budget expires.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// TaskDefinition describes a registered background task. It is immutable once
// registered.
type TaskDefinition struct {
	ID              string        `json:"task_id"`
	Kind            string        `json:"kind,omitempty"`
	Params          string        `json:"params,omitempty"`
	MinimumInterval time.Duration `json:"minimum_interval"`
	Periodic        bool          `json:"periodic"`
	Delay           time.Duration `json:"delay"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	Requires        Conditions    `json:"requires"`
	StopOnTerminate bool          `json:"stop_on_terminate"`
	StartOnBoot     bool          `json:"start_on_boot"`
	Handler         Handler       `json:"-"`
}

// TaskRunRecord is the durable scheduling state of one task.
type TaskRunRecord struct {
	TaskID              string    `json:"task_id"`
	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastStatus          RunStatus `json:"last_status,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextEligibleAt      time.Time `json:"next_eligible_at"`
	Stopped             bool      `json:"stopped,omitempty"`
	Completed           bool      `json:"completed,omitempty"`
}

// TaskKey returns the lookup key for a task identifier. Identifiers compare
// case-insensitively.
func TaskKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
