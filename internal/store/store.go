// Package store persists normalized listings and sync run bookkeeping.
package store

import (
	"context"
	"fmt"
	"time"
)

// SyncStatus is the terminal state of one sync run.
type SyncStatus string

const (
	StatusSuccess SyncStatus = "success"
	StatusPartial SyncStatus = "partial"
	StatusFailed  SyncStatus = "failed"
)

// SyncRun is one row of the sync log.
type SyncRun struct {
	ID                int64
	SyncStart         time.Time
	SyncEnd           *time.Time
	RecordsProcessed  int
	RecordsInserted   int
	RecordsUpdated    int
	APICallsMade      int
	Status            SyncStatus
	ErrorMessage      string
	LastSyncTimestamp *time.Time
}

// BatchResult reports one upsert batch.
type BatchResult struct {
	TotalRecords  int
	Inserted      int
	Updated       int
	Errors        int
	ErrorMessages []string
}

// RunCounts carries the totals recorded when a run completes.
type RunCounts struct {
	RecordsProcessed int
	RecordsInserted  int
	RecordsUpdated   int
	APICallsMade     int
}

// Store is the persistence collaborator consumed by the sync pipeline.
type Store interface {
	// LastSyncWatermark returns the newest successful sync watermark, or
	// nil when no successful sync has been recorded.
	LastSyncWatermark(ctx context.Context) (*time.Time, error)

	// UpsertBatch inserts or updates normalized property records keyed by
	// listing_key.
	UpsertBatch(ctx context.Context, records []map[string]any) (*BatchResult, error)

	// StartSyncRun opens a sync log row and returns its ID.
	StartSyncRun(ctx context.Context) (int64, error)

	// CompleteSyncRun closes a sync log row with final counts, status, and
	// the new watermark (when one was established).
	CompleteSyncRun(ctx context.Context, runID int64, counts RunCounts, status SyncStatus, errorMessage string, watermark *time.Time) error

	// SyncHistory returns the most recent runs, newest first.
	SyncHistory(ctx context.Context, limit int) ([]SyncRun, error)

	// RecordCount returns the number of stored properties.
	RecordCount(ctx context.Context) (int64, error)

	// Close releases underlying resources.
	Close()
}

// DatabaseError wraps a storage-layer failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }
