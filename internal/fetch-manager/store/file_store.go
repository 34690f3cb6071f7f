package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"background-fetch-service/internal/models"
)

const (
	backendFile     = "file"
	fileFormatV1    = 1
	DefaultFilePath = "fetch-state.json"
)

type fileState struct {
	Version int                    `json:"version"`
	Records []models.TaskRunRecord `json:"records"`
}

// FileStore keeps records in a single JSON document. Writes go to a temporary
// file that is renamed over the old one.
type FileStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if path == "" {
		path = DefaultFilePath
	}
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Load(ctx context.Context) ([]models.TaskRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, err := s.read()
	if err != nil {
		return nil, &StorageError{Backend: backendFile, Op: "load", Err: err}
	}
	out := make([]models.TaskRunRecord, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) Save(ctx context.Context, records []models.TaskRunRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, err := s.read()
	if err != nil {
		return &StorageError{Backend: backendFile, Op: "save", Err: err}
	}
	for _, r := range records {
		byKey[models.TaskKey(r.TaskID)] = r
	}
	if err := s.write(byKey); err != nil {
		return &StorageError{Backend: backendFile, Op: "save", Err: err}
	}
	return nil
}

func (s *FileStore) read() (map[string]models.TaskRunRecord, error) {
	byKey := make(map[string]models.TaskRunRecord)
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return byKey, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return byKey, nil
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if state.Version != fileFormatV1 {
		return nil, fmt.Errorf("unsupported state file version %d", state.Version)
	}
	for _, r := range state.Records {
		byKey[models.TaskKey(r.TaskID)] = r
	}
	return byKey, nil
}

func (s *FileStore) write(byKey map[string]models.TaskRunRecord) error {
	state := fileState{Version: fileFormatV1, Records: make([]models.TaskRunRecord, 0, len(byKey))}
	for _, r := range byKey {
		state.Records = append(state.Records, r)
	}
	sortRecords(state.Records)
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}
