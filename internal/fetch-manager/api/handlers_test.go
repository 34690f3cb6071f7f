package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"background-fetch-service/internal/fetch-manager/coordinator"
	fetchDB "background-fetch-service/internal/fetch-manager/db"
	"background-fetch-service/internal/fetch-manager/registry"
	"background-fetch-service/internal/fetch-manager/scheduler"
	"background-fetch-service/internal/fetch-manager/services"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/models"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type countingWaker struct{ calls int }

func (w *countingWaker) ScheduleNextWake() error {
	w.calls++
	return nil
}

type testApp struct {
	router *route.Engine
	fetch  *services.FetchService
	waker  *countingWaker
	clock  *clockwork.FakeClock
}

func setupTestAppWithRoutes(t *testing.T) *testApp {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api_test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(store.Models()...))
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})

	hlog.SetLevel(hlog.LevelFatal)

	gs := store.NewGormStore(gormDB)
	history := services.NewHistoryService(gs, nil)
	clock := clockwork.NewFakeClockAt(t0)
	sched := scheduler.New(registry.New(registry.WithMinimumIntervalFloor(time.Minute)), gs, scheduler.BackoffPolicy{MaxBackoff: time.Hour})
	coord := coordinator.New(sched, coordinator.WithClock(clock), coordinator.WithReporter(history))
	fetch := services.NewFetchService(sched, coord, nil, gs)
	waker := &countingWaker{}

	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)
	Register(h, NewTaskHandler(fetch, history, waker), NewDeviceHandler(fetch, 5*time.Second))
	return &testApp{router: h.Engine, fetch: fetch, waker: waker, clock: clock}
}

func (a *testApp) do(method, url string, body interface{}) (int, []byte) {
	var reqBody *ut.Body
	if body != nil {
		var b []byte
		if s, ok := body.(string); ok {
			b = []byte(s)
		} else {
			b, _ = json.Marshal(body)
		}
		reqBody = &ut.Body{Body: bytes.NewReader(b), Len: len(b)}
	}
	w := ut.PerformRequest(a.router, method, url, reqBody, ut.Header{Key: "Content-Type", Value: "application/json"})
	resp := w.Result()
	return resp.StatusCode(), resp.Body()
}

func TestPingAPI(t *testing.T) {
	app := setupTestAppWithRoutes(t)
	code, body := app.do("GET", "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"message":"pong"}`, string(body))
}

func TestCreateTaskAPI_Valid(t *testing.T) {
	app := setupTestAppWithRoutes(t)

	code, body := app.do("POST", "/tasks", map[string]interface{}{
		"task_id":                  "com.example.feed",
		"kind":                     "echo",
		"params":                   map[string]interface{}{"message": "refresh"},
		"minimum_interval_seconds": 30,
		"required_network_type":    "unmetered",
		"start_on_boot":            true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))

	var created TaskResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "com.example.feed", created.TaskID)
	assert.True(t, created.Periodic)
	assert.Equal(t, int64(60), created.MinimumIntervalSeconds, "raised to the floor")
	assert.Equal(t, models.NetworkUnmetered, created.Requires.Network)
	assert.JSONEq(t, `{"message":"refresh"}`, string(created.Params))
	assert.Equal(t, t0.Add(time.Minute), created.Record.NextEligibleAt)
	assert.Equal(t, 1, app.waker.calls)

	code, body = app.do("GET", "/tasks/COM.EXAMPLE.FEED", nil)
	assert.Equal(t, http.StatusOK, code)
	var fetched TaskResponse
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, created.TaskID, fetched.TaskID)

	code, body = app.do("GET", "/tasks", nil)
	assert.Equal(t, http.StatusOK, code)
	var list []TaskResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestCreateTaskAPI_Errors(t *testing.T) {
	app := setupTestAppWithRoutes(t)
	valid := map[string]interface{}{"task_id": "com.example.feed", "kind": "echo"}
	code, _ := app.do("POST", "/tasks", valid)
	require.Equal(t, http.StatusCreated, code)

	testCases := []struct {
		name string
		body interface{}
		code int
	}{
		{"duplicate", valid, http.StatusConflict},
		{"missing kind", map[string]interface{}{"task_id": "x"}, http.StatusBadRequest},
		{"unknown field", map[string]interface{}{"task_id": "x", "kind": "echo", "cron": "* * * * *"}, http.StatusBadRequest},
		{"bad network", map[string]interface{}{"task_id": "x", "kind": "echo", "required_network_type": "wifi"}, http.StatusBadRequest},
		{"negative interval", map[string]interface{}{"task_id": "x", "kind": "echo", "minimum_interval_seconds": -1}, http.StatusBadRequest},
		{"unknown kind", map[string]interface{}{"task_id": "x", "kind": "python"}, http.StatusBadRequest},
		{"bad handler params", map[string]interface{}{"task_id": "x", "kind": "command", "params": map[string]interface{}{}}, http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := app.do("POST", "/tasks", tc.body)
			assert.Equal(t, tc.code, code, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestGetTaskAPI_NotFound(t *testing.T) {
	app := setupTestAppWithRoutes(t)
	for _, url := range []string{"/tasks/ghost", "/tasks/ghost/history"} {
		code, _ := app.do("GET", url, nil)
		assert.Equal(t, http.StatusNotFound, code, url)
	}
	code, _ := app.do("POST", "/tasks/ghost/stop", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStopStartAPI(t *testing.T) {
	app := setupTestAppWithRoutes(t)
	code, _ := app.do("POST", "/tasks", map[string]interface{}{"task_id": "com.example.feed", "kind": "echo"})
	require.Equal(t, http.StatusCreated, code)

	code, body := app.do("POST", "/tasks/com.example.feed/stop", nil)
	require.Equal(t, http.StatusOK, code)
	var rec models.TaskRunRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.True(t, rec.Stopped)

	code, body = app.do("POST", "/tasks/com.example.feed/start", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.False(t, rec.Stopped)
	assert.Equal(t, 2, app.waker.calls)
}

func TestConditionsAndCycleAPI(t *testing.T) {
	app := setupTestAppWithRoutes(t)
	code, _ := app.do("POST", "/tasks", map[string]interface{}{
		"task_id": "com.example.wifi", "kind": "echo", "periodic": false, "required_network_type": "unmetered",
	})
	require.Equal(t, http.StatusCreated, code)

	// Offline: nothing is eligible.
	code, body := app.do("POST", "/cycles", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var report coordinator.CycleReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 0, report.Eligible)

	code, _ = app.do("PUT", "/conditions", map[string]interface{}{"connection": "satellite"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = app.do("PUT", "/conditions", map[string]interface{}{"connection": "unmetered", "battery_not_low": true})
	require.Equal(t, http.StatusOK, code)
	code, body = app.do("GET", "/conditions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"connection":"unmetered","roaming":false,"charging":false,"battery_not_low":true,"device_idle":false,"storage_not_low":false}`, string(body))

	code, body = app.do("POST", "/cycles", map[string]interface{}{"budget_seconds": 2})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Count(models.RunStatusSucceeded))

	code, body = app.do("GET", "/tasks/com.example.wifi/history", nil)
	require.Equal(t, http.StatusOK, code)
	var rows []fetchDB.RunHistory
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "SUCCEEDED", rows[0].Status)

	code, _ = app.do("GET", "/tasks/com.example.wifi/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = app.do("POST", "/cycles", map[string]interface{}{"budget_seconds": 0})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusAPI(t *testing.T) {
	app := setupTestAppWithRoutes(t)
	code, body := app.do("GET", "/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "AVAILABLE", status["status"])
	assert.Equal(t, float64(2), status["code"])
	assert.NotContains(t, status, "next_wake_at")

	app.fetch.SetStatus(models.FetchStatusRestricted)
	code, _ = app.do("POST", "/cycles", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, err := app.fetch.RegisterTask(context.Background(), models.TaskDefinition{ID: "com.example.a", Kind: "echo", Periodic: true})
	require.NoError(t, err)
	_, body = app.do("GET", "/status", nil)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "RESTRICTED", status["status"])
	assert.Contains(t, status, "next_wake_at")
}
