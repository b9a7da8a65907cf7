package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fileState is the on-disk shape of the file store.
type fileState struct {
	NextRunID int64     `json:"next_run_id"`
	Runs      []SyncRun `json:"runs"`
	Records   int64     `json:"records"`
}

// FileStore is a file-backed Store used for dry runs and local development:
// sync bookkeeping persists to a JSON file, record upserts are counted but
// not stored. Writes are atomic (temp file + rename).
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewFileStore creates a file store at the given path, creating parent
// directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{
		path: path,
		log:  slog.With("component", "store", "backend", "file"),
	}, nil
}

func (s *FileStore) load() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &fileState{NextRunID: 1}, nil
	}
	if err != nil {
		return nil, &DatabaseError{Op: "read state file", Err: err}
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &DatabaseError{Op: "parse state file", Err: err}
	}
	if state.NextRunID == 0 {
		state.NextRunID = 1
	}
	return &state, nil
}

func (s *FileStore) save(state *fileState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &DatabaseError{Op: "encode state", Err: err}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &DatabaseError{Op: "write state file", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &DatabaseError{Op: "rename state file", Err: err}
	}
	return nil
}

// LastSyncWatermark returns the newest successful run's watermark.
func (s *FileStore) LastSyncWatermark(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}

	var newest *SyncRun
	for i := range state.Runs {
		run := &state.Runs[i]
		if run.Status != StatusSuccess || run.LastSyncTimestamp == nil {
			continue
		}
		if newest == nil || run.SyncStart.After(newest.SyncStart) {
			newest = run
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.LastSyncTimestamp, nil
}

// UpsertBatch counts records without persisting them.
func (s *FileStore) UpsertBatch(ctx context.Context, records []map[string]any) (*BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	state.Records += int64(len(records))
	if err := s.save(state); err != nil {
		return nil, err
	}

	s.log.Debug("dry-run upsert", "records", len(records))
	return &BatchResult{TotalRecords: len(records), Inserted: len(records)}, nil
}

// StartSyncRun appends an open run to the log.
func (s *FileStore) StartSyncRun(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return 0, err
	}
	id := state.NextRunID
	state.NextRunID++
	state.Runs = append(state.Runs, SyncRun{
		ID:        id,
		SyncStart: time.Now().UTC(),
		Status:    StatusSuccess,
	})
	if err := s.save(state); err != nil {
		return 0, err
	}
	return id, nil
}

// CompleteSyncRun finalizes a previously started run.
func (s *FileStore) CompleteSyncRun(ctx context.Context, runID int64, counts RunCounts, status SyncStatus, errorMessage string, watermark *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	for i := range state.Runs {
		if state.Runs[i].ID != runID {
			continue
		}
		now := time.Now().UTC()
		run := &state.Runs[i]
		run.SyncEnd = &now
		run.RecordsProcessed = counts.RecordsProcessed
		run.RecordsInserted = counts.RecordsInserted
		run.RecordsUpdated = counts.RecordsUpdated
		run.APICallsMade = counts.APICallsMade
		run.Status = status
		run.ErrorMessage = errorMessage
		run.LastSyncTimestamp = watermark
		return s.save(state)
	}
	return &DatabaseError{Op: "complete sync run", Err: fmt.Errorf("run %d not found", runID)}
}

// SyncHistory returns recent runs, newest first.
func (s *FileStore) SyncHistory(ctx context.Context, limit int) ([]SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	runs := append([]SyncRun(nil), state.Runs...)
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].SyncStart.After(runs[j].SyncStart)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// RecordCount returns the running total of counted records.
func (s *FileStore) RecordCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return 0, err
	}
	return state.Records, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() {}
