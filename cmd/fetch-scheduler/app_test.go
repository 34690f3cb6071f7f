package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-fetch-service/internal/config"
	"background-fetch-service/internal/fetch-manager/coordinator"
	"background-fetch-service/internal/fetch-manager/services"
	"background-fetch-service/internal/fetch-manager/store"
	"background-fetch-service/internal/models"
)

func testConfig(t *testing.T) config.Config {
	hlog.SetLevel(hlog.LevelFatal)
	cfg := config.Default()
	cfg.DBDSN = filepath.Join(t.TempDir(), "fetch.db")
	cfg.CycleBudget = 5 * time.Second
	cfg.MinimumIntervalFloor = time.Minute
	return cfg
}

func TestBuildApplication_Stores(t *testing.T) {
	testCases := []struct {
		name     string
		store    string
		wantType interface{}
		wantHist bool
	}{
		{"gorm", config.StoreGorm, &store.GormStore{}, true},
		{"file", config.StoreFile, &store.FileStore{}, false},
		{"memory", config.StoreMemory, &store.MemoryStore{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.StoreType = tc.store
			cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
			app, err := buildApplication(cfg)
			require.NoError(t, err)
			defer app.Close()

			assert.IsType(t, tc.wantType, app.store)
			assert.Equal(t, tc.wantHist, app.historyReader() != nil)
			assert.Equal(t, models.FetchStatusAvailable, app.fetch.Status())
			assert.Equal(t, models.ConnectionUnmetered, app.fetch.Conditions().Connection)
		})
	}
}

func TestBuildApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreType = "tape"
	_, err := buildApplication(cfg)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestRunOnce_RunsBootTasks(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// A previous process registered a one-shot boot task that is already due.
	first, err := buildApplication(cfg)
	require.NoError(t, err)
	_, err = first.fetch.RegisterTask(ctx, models.TaskDefinition{ID: "com.example.boot", Kind: "echo", StartOnBoot: true})
	require.NoError(t, err)
	require.NoError(t, first.fetch.Shutdown(ctx))
	first.Close()

	var out bytes.Buffer
	report, err := runOnce(ctx, cfg, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(models.RunStatusSucceeded))

	var printed coordinator.CycleReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	require.Len(t, printed.Outcomes, 1)
	assert.Equal(t, "com.example.boot", printed.Outcomes[0].TaskID)

	// The run shows up in the history and the task stays completed.
	again, err := buildApplication(cfg)
	require.NoError(t, err)
	defer again.Close()
	_, err = again.fetch.Boot(ctx)
	require.NoError(t, err)
	view, err := again.fetch.Task("com.example.boot")
	require.NoError(t, err)
	assert.True(t, view.Record.Completed)
	assert.Equal(t, models.RunStatusSucceeded, view.Record.LastStatus)
	rows, err := again.historyReader().History(ctx, "com.example.boot", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRunOnce_Denied(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreType = config.StoreMemory
	cfg.FetchStatus = "DENIED"
	_, err := runOnce(context.Background(), cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, services.ErrFetchUnavailable)
}

func TestCLI_HasCommands(t *testing.T) {
	app := newCLI()
	for _, name := range []string{"serve", "run-once"} {
		assert.NotNil(t, app.Command(name), name)
	}
}
