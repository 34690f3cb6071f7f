package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"background-fetch-service/internal/models"
)

func sampleRecords() []models.TaskRunRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []models.TaskRunRecord{
		{TaskID: "com.example.alpha", NextEligibleAt: base.Add(15 * time.Minute)},
		{
			TaskID:              "com.example.bravo",
			LastRunAt:           base,
			LastStatus:          models.RunStatusFailed,
			ConsecutiveFailures: 3,
			NextEligibleAt:      base.Add(2 * time.Hour),
		},
		{TaskID: "com.example.charlie", LastRunAt: base, LastStatus: models.RunStatusSucceeded, Completed: true, Stopped: true, NextEligibleAt: base},
	}
}

func setupGormStore(t *testing.T) *GormStore {
	dbFile := filepath.Join(t.TempDir(), "store_test.db")
	gormDB, err := gorm.Open(sqlite.Open(dbFile), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(Models()...))
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewGormStore(gormDB)
}

// runStoreContract checks the behaviour every backend shares.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.Save(ctx, sampleRecords()))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleRecords(), loaded)

	// Save(Load()) changes nothing.
	require.NoError(t, s.Save(ctx, loaded))
	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, loaded, again)

	// Upsert replaces by identifier.
	updated := loaded[0]
	updated.ConsecutiveFailures = 1
	updated.LastStatus = models.RunStatusTimedOut
	require.NoError(t, s.Save(ctx, []models.TaskRunRecord{updated}))
	afterUpsert, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, afterUpsert, 3)
	assert.Equal(t, updated, afterUpsert[0])

	// Identifiers differing only in case are the same task.
	require.NoError(t, s.Save(ctx, []models.TaskRunRecord{{TaskID: "Com.Example.Delta", ConsecutiveFailures: 3, NextEligibleAt: updated.NextEligibleAt}}))
	recased := models.TaskRunRecord{TaskID: "com.example.delta", NextEligibleAt: updated.NextEligibleAt}
	require.NoError(t, s.Save(ctx, []models.TaskRunRecord{recased}))
	afterRecase, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, afterRecase, 4)
	assert.Equal(t, recased, afterRecase[3])

	require.NoError(t, s.Save(ctx, nil))
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestFileStore_Contract(t *testing.T) {
	runStoreContract(t, NewFileStore(afero.NewMemMapFs(), "state/fetch.json"))
}

func TestGormStore_Contract(t *testing.T) {
	runStoreContract(t, setupGormStore(t))
}

func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis store test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	key := "bgfetch:test:" + time.Now().Format("150405.000000000")
	defer client.Del(context.Background(), key)
	runStoreContract(t, NewRedisStore(client, key))
}

func TestRedisStore_UnreachableIsStorageError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client, "")
	assert.Equal(t, DefaultRedisKey, s.Key)

	_, err := s.Load(context.Background())
	assert.True(t, IsStorageError(err))
	err = s.Save(context.Background(), sampleRecords())
	assert.True(t, IsStorageError(err))
}

func TestFileStore_ReadOnlyIsStorageError(t *testing.T) {
	s := NewFileStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "fetch.json")

	records, err := s.Load(context.Background())
	assert.NoError(t, err, "a missing state file is an empty store")
	assert.Empty(t, records)

	err = s.Save(context.Background(), sampleRecords())
	require.Error(t, err)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "file", se.Backend)
	assert.Equal(t, "save", se.Op)
}

func TestFileStore_CorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "fetch.json", []byte("{not json"), 0o644))
	s := NewFileStore(fs, "fetch.json")

	_, err := s.Load(context.Background())
	assert.True(t, IsStorageError(err))
	assert.Contains(t, err.Error(), "file store: load failed")
}

func TestFileStore_UnsupportedVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "fetch.json", []byte(`{"version":9,"records":[]}`), 0o644))
	_, err := NewFileStore(fs, "fetch.json").Load(context.Background())
	assert.ErrorContains(t, err, "unsupported state file version 9")
}

func TestGormStore_ClosedDBIsStorageError(t *testing.T) {
	s := setupGormStore(t)
	sqlDB, err := s.DB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = s.Load(context.Background())
	assert.True(t, IsStorageError(err))
	err = s.Save(context.Background(), sampleRecords())
	assert.True(t, IsStorageError(err))
}

func TestGormStore_BootDefinitions(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	boot := models.TaskDefinition{
		ID: "com.example.boot", Kind: "echo", Params: "{}", MinimumInterval: time.Hour,
		Periodic: true, StartOnBoot: true, Requires: models.Conditions{Network: models.NetworkAny},
	}
	require.NoError(t, s.SaveDefinition(ctx, boot))
	require.NoError(t, s.SaveDefinition(ctx, models.TaskDefinition{ID: "com.example.session", Kind: "echo", StopOnTerminate: true}))

	// Upsert by task id.
	boot.MinimumInterval = 2 * time.Hour
	require.NoError(t, s.SaveDefinition(ctx, boot))

	// Upsert by case-insensitive task id.
	boot.ID = "Com.Example.Boot"
	boot.Timeout = 750 * time.Millisecond
	require.NoError(t, s.SaveDefinition(ctx, boot))

	defs, err := s.LoadBootDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "Com.Example.Boot", defs[0].ID)
	assert.Equal(t, 2*time.Hour, defs[0].MinimumInterval)
	assert.Equal(t, 750*time.Millisecond, defs[0].Timeout)
	assert.Equal(t, models.NetworkAny, defs[0].Requires.Network)
}
