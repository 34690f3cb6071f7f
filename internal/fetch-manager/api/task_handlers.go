package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	fetchDB "background-fetch-service/internal/fetch-manager/db"
	"background-fetch-service/internal/fetch-manager/registry"
	"background-fetch-service/internal/fetch-manager/services"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/models"
	"background-fetch-service/pkg/validation"
)

const createTaskSchema = `{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "minLength": 1, "maxLength": 191},
		"kind": {"type": "string", "minLength": 1},
		"params": {"type": "object"},
		"minimum_interval_seconds": {"type": "integer", "minimum": 0},
		"periodic": {"type": "boolean"},
		"delay_millis": {"type": "integer", "minimum": 0},
		"timeout_seconds": {"type": "integer", "minimum": 0},
		"required_network_type": {"enum": ["none", "any", "unmetered", "not_roaming", "cellular"]},
		"requires_charging": {"type": "boolean"},
		"requires_battery_not_low": {"type": "boolean"},
		"requires_device_idle": {"type": "boolean"},
		"requires_storage_not_low": {"type": "boolean"},
		"stop_on_terminate": {"type": "boolean"},
		"start_on_boot": {"type": "boolean"}
	},
	"required": ["task_id", "kind"],
	"additionalProperties": false
}`

// HistoryReader serves run history; nil disables the history endpoint.
type HistoryReader interface {
	History(ctx context.Context, taskID string, limit int) ([]fetchDB.RunHistory, error)
}

// Waker re-arms the wake driver after the set of tasks changed.
type Waker interface {
	ScheduleNextWake() error
}

type TaskHandler struct {
	Fetch   *services.FetchService
	History HistoryReader
	Wakes   Waker
}

func NewTaskHandler(fetch *services.FetchService, history HistoryReader, wakes Waker) *TaskHandler {
	return &TaskHandler{Fetch: fetch, History: history, Wakes: wakes}
}

type CreateTaskRequest struct {
	TaskID                 string          `json:"task_id"`
	Kind                   string          `json:"kind"`
	Params                 json.RawMessage `json:"params,omitempty"`
	MinimumIntervalSeconds int64           `json:"minimum_interval_seconds"`
	Periodic               *bool           `json:"periodic,omitempty"`
	DelayMillis            int64           `json:"delay_millis"`
	TimeoutSeconds         int64           `json:"timeout_seconds"`
	RequiredNetworkType    string          `json:"required_network_type"`
	RequiresCharging       bool            `json:"requires_charging"`
	RequiresBatteryNotLow  bool            `json:"requires_battery_not_low"`
	RequiresDeviceIdle     bool            `json:"requires_device_idle"`
	RequiresStorageNotLow  bool            `json:"requires_storage_not_low"`
	StopOnTerminate        bool            `json:"stop_on_terminate"`
	StartOnBoot            bool            `json:"start_on_boot"`
}

func (r CreateTaskRequest) definition() (models.TaskDefinition, error) {
	network, err := models.ParseNetworkType(r.RequiredNetworkType)
	if err != nil {
		return models.TaskDefinition{}, err
	}
	periodic := true
	if r.Periodic != nil {
		periodic = *r.Periodic
	}
	return models.TaskDefinition{
		ID:              r.TaskID,
		Kind:            r.Kind,
		Params:          string(r.Params),
		MinimumInterval: time.Duration(r.MinimumIntervalSeconds) * time.Second,
		Periodic:        periodic,
		Delay:           time.Duration(r.DelayMillis) * time.Millisecond,
		Timeout:         time.Duration(r.TimeoutSeconds) * time.Second,
		Requires: models.Conditions{
			Network:               network,
			RequiresCharging:      r.RequiresCharging,
			RequiresBatteryNotLow: r.RequiresBatteryNotLow,
			RequiresDeviceIdle:    r.RequiresDeviceIdle,
			RequiresStorageNotLow: r.RequiresStorageNotLow,
		},
		StopOnTerminate: r.StopOnTerminate,
		StartOnBoot:     r.StartOnBoot,
	}, nil
}

type TaskResponse struct {
	TaskID                 string               `json:"task_id"`
	Kind                   string               `json:"kind"`
	Params                 json.RawMessage      `json:"params,omitempty"`
	MinimumIntervalSeconds int64                `json:"minimum_interval_seconds"`
	Periodic               bool                 `json:"periodic"`
	DelayMillis            int64                `json:"delay_millis"`
	TimeoutSeconds         int64                `json:"timeout_seconds"`
	Requires               models.Conditions    `json:"requires"`
	StopOnTerminate        bool                 `json:"stop_on_terminate"`
	StartOnBoot            bool                 `json:"start_on_boot"`
	Record                 models.TaskRunRecord `json:"record"`
}

func newTaskResponse(v services.TaskView) TaskResponse {
	d := v.Definition
	resp := TaskResponse{
		TaskID:                 d.ID,
		Kind:                   d.Kind,
		MinimumIntervalSeconds: int64(d.MinimumInterval / time.Second),
		Periodic:               d.Periodic,
		DelayMillis:            int64(d.Delay / time.Millisecond),
		TimeoutSeconds:         int64(d.Timeout / time.Second),
		Requires:               d.Requires,
		StopOnTerminate:        d.StopOnTerminate,
		StartOnBoot:            d.StartOnBoot,
		Record:                 v.Record,
	}
	if json.Valid([]byte(d.Params)) {
		resp.Params = json.RawMessage(d.Params)
	}
	return resp
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case registry.IsDuplicate(err):
		return http.StatusConflict
	case registry.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrFetchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.ValidateJSONWithSchema(createTaskSchema, string(body)); err != nil {
		hlog.CtxInfof(ctx, "CreateTask: invalid payload: %v", err)
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	def, err := req.definition()
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}

	stored, err := h.Fetch.RegisterTask(ctx, def)
	if err != nil {
		c.JSON(errorStatus(err), utils.H{"error": "Failed to register task: " + err.Error()})
		return
	}
	if h.Wakes != nil {
		if err := h.Wakes.ScheduleNextWake(); err != nil {
			hlog.CtxWarnf(ctx, "CreateTask: could not arm wake for %s: %v", stored.ID, err)
		}
	}
	view, err := h.Fetch.Task(stored.ID)
	if err != nil {
		c.JSON(errorStatus(err), utils.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, newTaskResponse(view))
}

func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	views := h.Fetch.Tasks()
	resp := make([]TaskResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, newTaskResponse(v))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	view, err := h.Fetch.Task(c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), utils.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(view))
}

func (h *TaskHandler) StartTask(ctx context.Context, c *app.RequestContext) {
	h.setStopped(ctx, c, false)
}

func (h *TaskHandler) StopTask(ctx context.Context, c *app.RequestContext) {
	h.setStopped(ctx, c, true)
}

func (h *TaskHandler) setStopped(ctx context.Context, c *app.RequestContext, stop bool) {
	id := c.Param("id")
	var (
		rec models.TaskRunRecord
		err error
	)
	if stop {
		rec, err = h.Fetch.StopTask(ctx, id)
	} else {
		rec, err = h.Fetch.StartTask(ctx, id)
	}
	if err != nil && !store.IsStorageError(err) {
		c.JSON(errorStatus(err), utils.H{"error": err.Error()})
		return
	}
	if err != nil {
		hlog.CtxWarnf(ctx, "setStopped: %s updated in memory only: %v", id, err)
	}
	if !stop && h.Wakes != nil {
		if err := h.Wakes.ScheduleNextWake(); err != nil {
			hlog.CtxWarnf(ctx, "StartTask: could not arm wake for %s: %v", id, err)
		}
	}
	c.JSON(http.StatusOK, rec)
}

func (h *TaskHandler) GetTaskHistory(ctx context.Context, c *app.RequestContext) {
	if h.History == nil {
		c.JSON(http.StatusNotImplemented, utils.H{"error": "Run history is not enabled"})
		return
	}
	id := c.Param("id")
	if _, err := h.Fetch.Task(id); err != nil {
		c.JSON(errorStatus(err), utils.H{"error": err.Error()})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	rows, err := h.History.History(ctx, id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to fetch run history: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}
