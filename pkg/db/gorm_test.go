package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probe struct {
	ID   uint
	Name string
}

func TestNewGormDB_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "probe.db")
	gormDB, err := NewGormDB(TypeSQLite, dsn, false)
	require.NoError(t, err)
	defer Close(gormDB)

	assert.Equal(t, "sqlite", gormDB.Dialector.Name())
	require.NoError(t, AutoMigrate(gormDB, &probe{}))

	p := probe{Name: "wake"}
	require.NoError(t, gormDB.Create(&p).Error)
	var fetched probe
	require.NoError(t, gormDB.First(&fetched, p.ID).Error)
	assert.Equal(t, "wake", fetched.Name)
}

func TestAutoMigrate_ClosedDB(t *testing.T) {
	gormDB, err := NewGormDB("", filepath.Join(t.TempDir(), "closed.db"), false)
	require.NoError(t, err)
	require.NoError(t, Close(gormDB))

	err = AutoMigrate(gormDB, &probe{})
	assert.ErrorContains(t, err, "failed to auto-migrate database")
}
