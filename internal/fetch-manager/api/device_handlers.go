package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"background-fetch-service/internal/fetch-manager/services"
	"background-fetch-service/internal/models"
	"background-fetch-service/pkg/validation"
)

const conditionsSchema = `{
	"type": "object",
	"properties": {
		"connection": {"enum": ["none", "unmetered", "cellular"]},
		"roaming": {"type": "boolean"},
		"charging": {"type": "boolean"},
		"battery_not_low": {"type": "boolean"},
		"device_idle": {"type": "boolean"},
		"storage_not_low": {"type": "boolean"}
	},
	"required": ["connection"],
	"additionalProperties": false
}`

const cycleSchema = `{
	"type": "object",
	"properties": {
		"budget_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
	},
	"additionalProperties": false
}`

// DeviceHandler serves the host-facing endpoints: device conditions, service
// status and manual wakes.
type DeviceHandler struct {
	Fetch       *services.FetchService
	CycleBudget time.Duration
}

func NewDeviceHandler(fetch *services.FetchService, cycleBudget time.Duration) *DeviceHandler {
	if cycleBudget <= 0 {
		cycleBudget = services.DefaultCycleBudget
	}
	return &DeviceHandler{Fetch: fetch, CycleBudget: cycleBudget}
}

func (h *DeviceHandler) GetStatus(ctx context.Context, c *app.RequestContext) {
	st := h.Fetch.Status()
	resp := utils.H{"status": st.String(), "code": int(st), "tasks": len(h.Fetch.Tasks())}
	if next, ok := h.Fetch.Scheduler.NextWake(); ok {
		resp["next_wake_at"] = next.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *DeviceHandler) GetConditions(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, h.Fetch.Conditions())
}

func (h *DeviceHandler) PutConditions(ctx context.Context, c *app.RequestContext) {
	body := c.Request.Body()
	if err := validation.ValidateJSONWithSchema(conditionsSchema, string(body)); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return
	}
	var avail models.AvailableConditions
	if err := json.Unmarshal(body, &avail); err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	h.Fetch.SetConditions(avail)
	c.JSON(http.StatusOK, avail)
}

type CycleRequest struct {
	BudgetSeconds int64 `json:"budget_seconds"`
}

// RunCycle performs a wake cycle on behalf of the host and reports what ran.
func (h *DeviceHandler) RunCycle(ctx context.Context, c *app.RequestContext) {
	budget := h.CycleBudget
	if body := c.Request.Body(); len(body) > 0 {
		if err := validation.ValidateJSONWithSchema(cycleSchema, string(body)); err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
			return
		}
		var req CycleRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
			return
		}
		if req.BudgetSeconds > 0 {
			budget = time.Duration(req.BudgetSeconds) * time.Second
		}
	}
	report, err := h.Fetch.Wake(ctx, budget)
	if err != nil {
		c.JSON(errorStatus(err), utils.H{"error": err.Error()})
		return
	}
	hlog.CtxInfof(ctx, "RunCycle: manual wake ran %d of %d eligible tasks", len(report.Outcomes)-report.Count(models.RunStatusSkipped), report.Eligible)
	c.JSON(http.StatusOK, report)
}
