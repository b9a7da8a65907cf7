// Package etl orchestrates full sync runs: fetch, transform, load, archive,
// bookkeeping, and alerting, with whole-run retry and a process-wide lock.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/openlistings/reso-etl/internal/alert"
	"github.com/openlistings/reso-etl/internal/archive"
	"github.com/openlistings/reso-etl/internal/logging"
	"github.com/openlistings/reso-etl/internal/metrics"
	"github.com/openlistings/reso-etl/internal/odata"
	"github.com/openlistings/reso-etl/internal/store"
	"github.com/openlistings/reso-etl/internal/syncer"
	"github.com/openlistings/reso-etl/internal/transform"
)

// batchExecutor is the slice of the coordinator the runner consumes.
type batchExecutor interface {
	ExecuteBatchedSync(ctx context.Context, dataTypes []syncer.DataType, useIncremental bool, customFilters map[syncer.DataType]string) *syncer.BatchSyncResult
}

// Options configures one run.
type Options struct {
	DataTypes []syncer.DataType
	FullSync  bool

	// PageSize sets the raw-page chunking for the archive audit trail.
	PageSize int

	// QuotaThreshold is the remaining/limit ratio at which quota alerts
	// fire (e.g. 0.1).
	QuotaThreshold float64
}

// RunResult summarizes one completed run.
type RunResult struct {
	RunID            string
	Status           store.SyncStatus
	RecordsProcessed int
	RecordsInserted  int
	RecordsUpdated   int
	APICalls         int
	Duplicates       int
	Errors           []string
	Watermark        *time.Time
	Duration         time.Duration
}

// Runner wires the pipeline together for one or more runs.
type Runner struct {
	coordinator batchExecutor
	transformer *transform.Transformer
	store       store.Store
	archiver    archive.Archiver
	alerts      *alert.Manager
	quota       *odata.QuotaSnapshot
	opts        Options

	now func() time.Time
}

// NewRunner assembles a runner. The quota snapshot may be nil (no quota
// alerting); the archiver may be archive.Noop.
func NewRunner(coordinator batchExecutor, transformer *transform.Transformer, st store.Store, archiver archive.Archiver, alerts *alert.Manager, quota *odata.QuotaSnapshot, opts Options) *Runner {
	if len(opts.DataTypes) == 0 {
		opts.DataTypes = []syncer.DataType{syncer.Property}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.QuotaThreshold <= 0 {
		opts.QuotaThreshold = 0.1
	}
	return &Runner{
		coordinator: coordinator,
		transformer: transformer,
		store:       st,
		archiver:    archiver,
		alerts:      alerts,
		quota:       quota,
		opts:        opts,
		now:         time.Now,
	}
}

// Run executes one full pipeline pass and records its outcome. The run ID
// travels in the context so alerts and downstream logs correlate.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	runID := logging.GenerateCorrelationID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.RunLogger(runID, "")
	start := r.now()

	result := &RunResult{RunID: runID, Status: store.StatusSuccess}

	log.Info("sync run starting",
		"full_sync", r.opts.FullSync,
		"data_types", r.opts.DataTypes,
	)

	r.checkQuota(ctx)

	runDBID, err := r.store.StartSyncRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("start sync run: %w", err)
	}

	batch := r.coordinator.ExecuteBatchedSync(ctx, r.opts.DataTypes, !r.opts.FullSync, nil)
	result.APICalls = batch.TotalAPICalls

	for _, dataType := range orderedTypes(batch) {
		syncResult := batch.Results[dataType]
		r.processTypeResult(ctx, runID, dataType, syncResult, result, log)
	}

	result.Watermark = maxWatermark(batch)
	result.Duration = r.now().Sub(start)
	result.Status = runStatus(batch, result)

	counts := store.RunCounts{
		RecordsProcessed: result.RecordsProcessed,
		RecordsInserted:  result.RecordsInserted,
		RecordsUpdated:   result.RecordsUpdated,
		APICallsMade:     result.APICalls,
	}
	var watermark *time.Time
	if result.Status != store.StatusFailed {
		watermark = result.Watermark
	}
	if err := r.store.CompleteSyncRun(ctx, runDBID, counts, result.Status, strings.Join(firstN(result.Errors, 5), "; "), watermark); err != nil {
		log.Error("failed to record run outcome", "error", err)
	}

	r.observeRun(result)

	if result.Status == store.StatusFailed {
		err := fmt.Errorf("sync run failed: %s", strings.Join(firstN(result.Errors, 3), "; "))
		r.alerts.RunFailure(ctx, runID, err)
		log.Error("sync run failed",
			"errors", len(result.Errors),
			"duration", result.Duration.String(),
		)
		return result, err
	}

	log.Info("sync run completed",
		"status", result.Status,
		"records_processed", result.RecordsProcessed,
		"inserted", result.RecordsInserted,
		"updated", result.RecordsUpdated,
		"duplicates", result.Duplicates,
		"api_calls", result.APICalls,
		"duration", result.Duration.String(),
	)
	return result, nil
}

// processTypeResult transforms, loads, and archives one data type's fetch.
func (r *Runner) processTypeResult(ctx context.Context, runID string, dataType syncer.DataType, syncResult *syncer.SyncResult, result *RunResult, log *slog.Logger) {
	if !syncResult.Success {
		result.Errors = append(result.Errors, syncResult.Errors...)
		var rateErr *odata.RateLimitError
		if errors.As(syncResult.Err, &rateErr) {
			r.alerts.RateLimitExhausted(ctx, string(dataType), rateErr)
		}
		var authErr *odata.AuthenticationError
		if errors.As(syncResult.Err, &authErr) {
			r.alerts.AuthFailure(ctx, authErr)
		}
		return
	}
	if len(syncResult.Records) == 0 {
		return
	}

	result.RecordsProcessed += syncResult.RecordsFetched
	if m := metrics.Get(); m != nil {
		m.RecordsFetched.WithLabelValues(string(dataType)).Add(float64(syncResult.RecordsFetched))
	}

	r.archiveRawPages(ctx, runID, dataType, syncResult.Records, log)

	transformed, err := r.transformer.TransformBatch(syncResult.Records, nil, true)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", dataType, err))
		return
	}
	result.Errors = append(result.Errors, transformed.Stats.ValidationErrors...)
	result.Duplicates += transformed.Stats.DuplicatesDetected
	if m := metrics.Get(); m != nil {
		m.RecordsValid.WithLabelValues(string(dataType)).Add(float64(transformed.Stats.ValidRecords))
		m.RecordsInvalid.WithLabelValues(string(dataType)).Add(float64(transformed.Stats.InvalidRecords))
		m.DuplicatesDetected.WithLabelValues(string(dataType)).Add(float64(transformed.Stats.DuplicatesDetected))
	}

	// Only listings land in the relational store; ancillary types are
	// archived for downstream use.
	if dataType == syncer.Property && len(transformed.Records) > 0 {
		upserted, err := r.store.UpsertBatch(ctx, transformed.Records)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", dataType, err))
			r.alerts.Send(ctx, alert.NewEvent(alert.TypeDatabaseError, alert.SeverityError,
				"Batch upsert failed", err.Error(), map[string]any{"data_type": dataType}))
			return
		}
		result.RecordsInserted += upserted.Inserted
		result.RecordsUpdated += upserted.Updated
		result.Errors = append(result.Errors, upserted.ErrorMessages...)
		if m := metrics.Get(); m != nil {
			m.RecordsInserted.WithLabelValues(string(dataType)).Add(float64(upserted.Inserted))
			m.RecordsUpdated.WithLabelValues(string(dataType)).Add(float64(upserted.Updated))
			m.UpsertErrors.WithLabelValues(string(dataType)).Add(float64(upserted.Errors))
		}

		if err := r.archiver.SaveSnapshot(ctx, string(dataType), runID, transformed.Records); err != nil {
			log.Warn("snapshot archive failed", "data_type", dataType, "error", err)
		}
	}
}

// archiveRawPages chunks the fetched records back into page-sized blocks
// for the raw audit trail.
func (r *Runner) archiveRawPages(ctx context.Context, runID string, dataType syncer.DataType, records []map[string]any, log *slog.Logger) {
	for page, offset := 0, 0; offset < len(records); page, offset = page+1, offset+r.opts.PageSize {
		end := offset + r.opts.PageSize
		if end > len(records) {
			end = len(records)
		}
		if err := r.archiver.SaveRawPage(ctx, string(dataType), runID, page, records[offset:end]); err != nil {
			log.Warn("raw page archive failed", "data_type", dataType, "page", page, "error", err)
			return
		}
	}
}

// checkQuota emits alerts and gauges for any window near its limit.
func (r *Runner) checkQuota(ctx context.Context) {
	if r.quota == nil {
		return
	}
	for window, near := range r.quota.ApproachingLimit(r.opts.QuotaThreshold) {
		remaining, _ := r.quota.Remaining(window)
		values := r.quota.Values()
		limit, _ := values[window+"_quota_limit"].(int64)
		if m := metrics.Get(); m != nil {
			m.ObserveQuota(window, limit, remaining)
		}
		if near && limit > 0 {
			usage := 100 * float64(limit-remaining) / float64(limit)
			r.alerts.QuotaWarning(ctx, window, usage, remaining, limit)
		}
	}
}

func (r *Runner) observeRun(result *RunResult) {
	m := metrics.Get()
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(string(result.Status)).Inc()
	mode := "incremental"
	if r.opts.FullSync {
		mode = "full"
	}
	m.SyncDuration.WithLabelValues(mode).Observe(result.Duration.Seconds())
	m.LastSyncEpoch.Set(float64(r.now().Unix()))
	if result.Watermark != nil {
		m.WatermarkEpoch.Set(float64(result.Watermark.Unix()))
	}
}

// orderedTypes returns the batch's data types in priority order.
func orderedTypes(batch *syncer.BatchSyncResult) []syncer.DataType {
	types := make([]syncer.DataType, 0, len(batch.Results))
	for dt := range batch.Results {
		types = append(types, dt)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i].Priority() < types[j].Priority()
	})
	return types
}

// maxWatermark finds the largest candidate watermark across types.
func maxWatermark(batch *syncer.BatchSyncResult) *time.Time {
	var max *time.Time
	for _, res := range batch.Results {
		if res.LastModification == nil {
			continue
		}
		if max == nil || res.LastModification.After(*max) {
			max = res.LastModification
		}
	}
	return max
}

// runStatus derives the run's terminal state: failed when nothing
// succeeded, partial when some types or records failed.
func runStatus(batch *syncer.BatchSyncResult, result *RunResult) store.SyncStatus {
	anySuccess := false
	for _, res := range batch.Results {
		if res.Success {
			anySuccess = true
			break
		}
	}
	if !anySuccess && len(batch.Results) > 0 {
		return store.StatusFailed
	}
	if len(result.Errors) > 0 || !batch.AllSuccessful() {
		return store.StatusPartial
	}
	return store.StatusSuccess
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RunWithRetry retries a whole run with exponential backoff and ±25%
// jitter. Lock contention and context cancellation are not retried.
func RunWithRetry(ctx context.Context, maxRetries int, base time.Duration, run func(context.Context) (*RunResult, error)) (*RunResult, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := run(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var lockErr *LockAcquisitionError
		if errors.As(err, &lockErr) || ctx.Err() != nil {
			return result, err
		}

		if attempt < maxRetries {
			delay := float64(base) * math.Pow(2, float64(attempt))
			delay += delay * 0.25 * (2*rand.Float64() - 1)
			if delay < 0 {
				delay = 0
			}
			timer := time.NewTimer(time.Duration(delay))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, fmt.Errorf("sync failed after %d attempts: %w", maxRetries+1, lastErr)
}
