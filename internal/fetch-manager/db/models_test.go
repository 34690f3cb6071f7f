package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"background-fetch-service/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	testDBFile := filepath.Join(t.TempDir(), "test_gorm.db")
	gormDB, err := gorm.Open(sqlite.Open(testDBFile), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := gormDB.AutoMigrate(&TaskRunRecord{}, &TaskDefinition{}, &RunHistory{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				t.Logf("Warning: could not close test DB: %v", err)
			}
		}
	})
	return gormDB
}

func TestTaskDefinitionCRUD(t *testing.T) {
	gormDB := setupTestDB(t)

	def := DefinitionFromModel(models.TaskDefinition{
		ID:              "com.example.sync",
		Kind:            "echo",
		Params:          `{"message":"hi"}`,
		MinimumInterval: 30 * time.Minute,
		Periodic:        true,
		Delay:           1500 * time.Millisecond,
		Timeout:         2500 * time.Millisecond,
		Requires:        models.Conditions{Network: models.NetworkUnmetered, RequiresCharging: true},
		StartOnBoot:     true,
	})
	result := gormDB.Create(&def)
	assert.NoError(t, result.Error)
	assert.NotZero(t, def.ID)

	var fetched TaskDefinition
	result = gormDB.Where("task_id = ?", "com.example.sync").First(&fetched)
	require.NoError(t, result.Error)
	assert.Equal(t, "unmetered", fetched.RequiredNetworkType)
	assert.Equal(t, "com.example.sync", fetched.TaskKey)
	assert.Equal(t, int64(2500), fetched.TimeoutMillis)

	back, err := fetched.ToModel()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, back.MinimumInterval)
	assert.Equal(t, 1500*time.Millisecond, back.Delay)
	assert.Equal(t, 2500*time.Millisecond, back.Timeout)
	assert.Equal(t, models.NetworkUnmetered, back.Requires.Network)
	assert.True(t, back.Requires.RequiresCharging)
	assert.True(t, back.StartOnBoot)

	result = gormDB.Delete(&fetched)
	assert.NoError(t, result.Error)
	var deleted TaskDefinition
	result = gormDB.First(&deleted, fetched.ID)
	assert.Equal(t, gorm.ErrRecordNotFound, result.Error)
}

func TestTaskDefinition_ToModel_BadNetwork(t *testing.T) {
	row := TaskDefinition{TaskID: "x", RequiredNetworkType: "carrier-pigeon"}
	_, err := row.ToModel()
	assert.Error(t, err)
}

func TestTaskRunRecordConversion(t *testing.T) {
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := models.TaskRunRecord{TaskID: "A", ConsecutiveFailures: 2, NextEligibleAt: next, LastStatus: models.RunStatusFailed}
	row := RecordFromModel(rec)
	assert.Nil(t, row.LastRunAt)
	assert.Equal(t, "a", row.TaskKey)
	assert.Equal(t, rec, row.ToModel())

	rec.LastRunAt = next.Add(-time.Hour)
	row = RecordFromModel(rec)
	require.NotNil(t, row.LastRunAt)
	assert.Equal(t, rec, row.ToModel())
}
