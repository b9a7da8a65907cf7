// Package archive writes a raw audit trail of fetched API pages plus
// columnar snapshots of normalized listings to blob storage.
package archive

import (
	"context"
)

// Archiver persists raw pages and normalized snapshots for a sync run.
type Archiver interface {
	// SaveRawPage stores one raw API page as compressed JSON.
	SaveRawPage(ctx context.Context, dataType, runID string, page int, records []map[string]any) error

	// SaveSnapshot stores the run's normalized listings as parquet.
	SaveSnapshot(ctx context.Context, dataType, runID string, records []map[string]any) error

	// Close releases the underlying bucket.
	Close() error
}

// Noop discards everything. Used when archiving is disabled.
type Noop struct{}

func (Noop) SaveRawPage(ctx context.Context, dataType, runID string, page int, records []map[string]any) error {
	return nil
}

func (Noop) SaveSnapshot(ctx context.Context, dataType, runID string, records []map[string]any) error {
	return nil
}

func (Noop) Close() error { return nil }
