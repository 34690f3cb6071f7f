package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	fetchDB "background-fetch-service/internal/fetch-manager/db"
	"background-fetch-service/internal/models"
)

const backendGorm = "gorm"

// GormStore keeps run records, boot definitions and run history in SQL.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// Models lists the tables GormStore needs migrated.
func Models() []interface{} {
	return []interface{}{&fetchDB.TaskRunRecord{}, &fetchDB.TaskDefinition{}, &fetchDB.RunHistory{}}
}

func (s *GormStore) Load(ctx context.Context) ([]models.TaskRunRecord, error) {
	var rows []fetchDB.TaskRunRecord
	if err := s.DB.WithContext(ctx).Order("task_key").Find(&rows).Error; err != nil {
		return nil, &StorageError{Backend: backendGorm, Op: "load", Err: err}
	}
	out := make([]models.TaskRunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToModel())
	}
	return out, nil
}

func (s *GormStore) Save(ctx context.Context, records []models.TaskRunRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			row := fetchDB.RecordFromModel(r)
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Backend: backendGorm, Op: "save", Err: err}
	}
	return nil
}

// SaveDefinition upserts a definition by task identifier.
func (s *GormStore) SaveDefinition(ctx context.Context, def models.TaskDefinition) error {
	row := fetchDB.DefinitionFromModel(def)
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_key"}},
		DoUpdates: clause.AssignmentColumns(definitionColumns),
	}).Create(&row).Error
	if err != nil {
		return &StorageError{Backend: backendGorm, Op: "save definition", Err: err}
	}
	return nil
}

var definitionColumns = []string{
	"updated_at", "task_id", "kind", "params", "minimum_interval_millis", "periodic", "delay_millis",
	"timeout_millis", "required_network_type", "requires_charging", "requires_battery_not_low",
	"requires_device_idle", "requires_storage_not_low", "stop_on_terminate", "start_on_boot",
}

// LoadBootDefinitions returns the definitions that should be registered again at boot.
func (s *GormStore) LoadBootDefinitions(ctx context.Context) ([]models.TaskDefinition, error) {
	var rows []fetchDB.TaskDefinition
	err := s.DB.WithContext(ctx).
		Where("start_on_boot = ? AND stop_on_terminate = ?", true, false).
		Order("task_key").
		Find(&rows).Error
	if err != nil {
		return nil, &StorageError{Backend: backendGorm, Op: "load definitions", Err: err}
	}
	out := make([]models.TaskDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := row.ToModel()
		if err != nil {
			return nil, &StorageError{Backend: backendGorm, Op: "load definitions", Err: err}
		}
		out = append(out, def)
	}
	return out, nil
}

// RecordRun inserts a history row; a repeated run id is ignored.
func (s *GormStore) RecordRun(ctx context.Context, row *fetchDB.RunHistory) error {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return &StorageError{Backend: backendGorm, Op: "record run", Err: err}
	}
	return nil
}

// History returns the most recent runs of a task, newest first.
func (s *GormStore) History(ctx context.Context, taskID string, limit int) ([]fetchDB.RunHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []fetchDB.RunHistory
	err := s.DB.WithContext(ctx).
		Where("LOWER(task_id) = ?", models.TaskKey(taskID)).
		Order("finished_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, &StorageError{Backend: backendGorm, Op: "history", Err: err}
	}
	return rows, nil
}
