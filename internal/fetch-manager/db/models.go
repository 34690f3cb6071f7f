package db

import (
	"time"

	"gorm.io/gorm"

	"background-fetch-service/internal/models"
)

// TaskRunRecord is the persisted scheduling state of a task, keyed by the
// lower-cased task identifier.
type TaskRunRecord struct {
	TaskKey             string     `json:"task_key" gorm:"primaryKey;size:191"`
	TaskID              string     `json:"task_id" gorm:"size:191"`
	LastRunAt           *time.Time `json:"last_run_at"`
	LastStatus          string     `json:"last_status" gorm:"size:32"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextEligibleAt      time.Time  `json:"next_eligible_at" gorm:"index"`
	Stopped             bool       `json:"stopped"`
	Completed           bool       `json:"completed"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// TaskDefinition is a definition kept for re-registration when the process boots.
type TaskDefinition struct {
	gorm.Model
	TaskKey               string `json:"task_key" gorm:"uniqueIndex;size:191"`
	TaskID                string `json:"task_id" gorm:"size:191"`
	Kind                  string `json:"kind" gorm:"index"`
	Params                string `json:"params" gorm:"type:json"`
	MinimumIntervalMillis int64  `json:"minimum_interval_millis"`
	Periodic              bool   `json:"periodic"`
	DelayMillis           int64  `json:"delay_millis"`
	TimeoutMillis         int64  `json:"timeout_millis"`
	RequiredNetworkType   string `json:"required_network_type" gorm:"size:32"`
	RequiresCharging      bool   `json:"requires_charging"`
	RequiresBatteryNotLow bool   `json:"requires_battery_not_low"`
	RequiresDeviceIdle    bool   `json:"requires_device_idle"`
	RequiresStorageNotLow bool   `json:"requires_storage_not_low"`
	StopOnTerminate       bool   `json:"stop_on_terminate"`
	StartOnBoot           bool   `json:"start_on_boot" gorm:"index"`
}

// RunHistory is one finished run.
type RunHistory struct {
	gorm.Model
	TaskID              string     `json:"task_id" gorm:"index;size:191"`
	RunID               string     `json:"run_id" gorm:"uniqueIndex;size:64"`
	Status              string     `json:"status" gorm:"index;size:32"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          time.Time  `json:"finished_at"`
	Error               string     `json:"error"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextEligibleAt      *time.Time `json:"next_eligible_at"`
}

func RecordFromModel(r models.TaskRunRecord) TaskRunRecord {
	row := TaskRunRecord{
		TaskKey:             models.TaskKey(r.TaskID),
		TaskID:              r.TaskID,
		LastStatus:          string(r.LastStatus),
		ConsecutiveFailures: r.ConsecutiveFailures,
		NextEligibleAt:      r.NextEligibleAt.UTC(),
		Stopped:             r.Stopped,
		Completed:           r.Completed,
	}
	if !r.LastRunAt.IsZero() {
		t := r.LastRunAt.UTC()
		row.LastRunAt = &t
	}
	return row
}

func (row TaskRunRecord) ToModel() models.TaskRunRecord {
	r := models.TaskRunRecord{
		TaskID:              row.TaskID,
		LastStatus:          models.RunStatus(row.LastStatus),
		ConsecutiveFailures: row.ConsecutiveFailures,
		NextEligibleAt:      row.NextEligibleAt.UTC(),
		Stopped:             row.Stopped,
		Completed:           row.Completed,
	}
	if row.LastRunAt != nil {
		r.LastRunAt = row.LastRunAt.UTC()
	}
	return r
}

// DefinitionFromModel keeps everything but the handler, which is rebuilt from Kind.
func DefinitionFromModel(d models.TaskDefinition) TaskDefinition {
	return TaskDefinition{
		TaskKey:               models.TaskKey(d.ID),
		TaskID:                d.ID,
		Kind:                  d.Kind,
		Params:                d.Params,
		MinimumIntervalMillis: d.MinimumInterval.Milliseconds(),
		Periodic:              d.Periodic,
		DelayMillis:           d.Delay.Milliseconds(),
		TimeoutMillis:         d.Timeout.Milliseconds(),
		RequiredNetworkType:   d.Requires.Network.String(),
		RequiresCharging:      d.Requires.RequiresCharging,
		RequiresBatteryNotLow: d.Requires.RequiresBatteryNotLow,
		RequiresDeviceIdle:    d.Requires.RequiresDeviceIdle,
		RequiresStorageNotLow: d.Requires.RequiresStorageNotLow,
		StopOnTerminate:       d.StopOnTerminate,
		StartOnBoot:           d.StartOnBoot,
	}
}

func (row TaskDefinition) ToModel() (models.TaskDefinition, error) {
	network, err := models.ParseNetworkType(row.RequiredNetworkType)
	if err != nil {
		return models.TaskDefinition{}, err
	}
	return models.TaskDefinition{
		ID:              row.TaskID,
		Kind:            row.Kind,
		Params:          row.Params,
		MinimumInterval: time.Duration(row.MinimumIntervalMillis) * time.Millisecond,
		Periodic:        row.Periodic,
		Delay:           time.Duration(row.DelayMillis) * time.Millisecond,
		Timeout:         time.Duration(row.TimeoutMillis) * time.Millisecond,
		Requires: models.Conditions{
			Network:               network,
			RequiresCharging:      row.RequiresCharging,
			RequiresBatteryNotLow: row.RequiresBatteryNotLow,
			RequiresDeviceIdle:    row.RequiresDeviceIdle,
			RequiresStorageNotLow: row.RequiresStorageNotLow,
		},
		StopOnTerminate: row.StopOnTerminate,
		StartOnBoot:     row.StartOnBoot,
	}, nil
}
