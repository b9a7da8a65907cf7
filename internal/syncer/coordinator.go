// Package syncer coordinates incremental synchronization: watermark-based
// filter construction, priority-ordered batching across resource types, and
// quota-aware page sizing.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openlistings/reso-etl/internal/odata"
)

// DataType identifies a RESO resource to sync.
type DataType string

const (
	Property DataType = "Property"
	Media    DataType = "Media"
	Member   DataType = "Member"
	Office   DataType = "Office"
)

// watermarkFormat is the exact timestamp layout used in OData filters.
const watermarkFormat = "2006-01-02T15:04:05Z"

// typePriority orders batch execution: listings first, ancillary data after.
var typePriority = map[DataType]int{
	Property: 0,
	Media:    1,
	Member:   2,
	Office:   3,
}

// defaultSelectFields lists the fields fetched per resource when the caller
// does not narrow the selection.
var defaultSelectFields = map[DataType][]string{
	Property: {
		"ListingKey", "ListPrice", "PropertyType", "BedroomsTotal",
		"BathroomsTotalInteger", "LivingArea", "LotSizeAcres", "YearBuilt",
		"StandardStatus", "ModificationTimestamp", "StreetNumber",
		"StreetName", "City", "StateOrProvince", "PostalCode",
	},
	Media: {
		"MediaKey", "ResourceRecordKey", "MediaURL", "MediaType",
		"Order", "ModificationTimestamp",
	},
	Member: {
		"MemberKey", "MemberFirstName", "MemberLastName", "MemberEmail",
		"ModificationTimestamp",
	},
	Office: {
		"OfficeKey", "OfficeName", "OfficePhone", "OfficeEmail",
		"ModificationTimestamp",
	},
}

// Priority returns the data type's execution rank; unknown types sort last.
func (d DataType) Priority() int {
	if p, ok := typePriority[d]; ok {
		return p
	}
	return 99
}

// DefaultSelectFields returns the default field selection for a data type.
func (d DataType) DefaultSelectFields() []string {
	return defaultSelectFields[d]
}

// ParseDataType resolves a resource name to its DataType.
func ParseDataType(name string) (DataType, error) {
	for dt := range typePriority {
		if string(dt) == name {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown data type: %s", name)
}

// PageFetcher is the slice of the OData client the coordinator consumes.
type PageFetcher interface {
	ExecutePaginatedQuery(ctx context.Context, entitySet string, opts odata.QueryOptions, maxPages int) ([]map[string]any, int, error)
}

// WatermarkSource yields the last successful sync watermark, or nil when no
// previous sync exists.
type WatermarkSource interface {
	LastSyncWatermark(ctx context.Context) (*time.Time, error)
}

// BatchRequest describes one planned fetch for a data type.
type BatchRequest struct {
	DataType     DataType
	Filter       string
	SelectFields []string
	Priority     int
}

// SyncResult reports one data type's sync outcome. Records carries the
// fetched raw pages for downstream transformation.
type SyncResult struct {
	DataType         DataType
	Records          []map[string]any
	RecordsFetched   int
	RecordsProcessed int
	APICalls         int
	LastModification *time.Time
	Errors           []string
	Err              error
	Success          bool
}

// BatchSyncResult aggregates per-type results for one batched run. Partial
// success is representable: inspect Results and AllSuccessful.
type BatchSyncResult struct {
	Results               map[DataType]*SyncResult
	TotalAPICalls         int
	TotalRecordsProcessed int
	StartTime             time.Time
	EndTime               time.Time
}

// Duration returns the elapsed wall time of the batched run.
func (r *BatchSyncResult) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// AllSuccessful reports whether every per-type sync succeeded.
func (r *BatchSyncResult) AllSuccessful() bool {
	for _, res := range r.Results {
		if !res.Success {
			return false
		}
	}
	return true
}

// Config configures a Coordinator.
type Config struct {
	// IncrementalField is the modification-timestamp field used for
	// watermark filters (default: ModificationTimestamp).
	IncrementalField string

	// PageSize is the $top value per page (default: 1000).
	PageSize int

	// MaxPages caps pagination per data type; <= 0 means unlimited.
	MaxPages int

	// MaxWatermarkAge forces a full sync when the stored watermark is
	// older than this; <= 0 disables the check.
	MaxWatermarkAge time.Duration
}

// Coordinator plans and executes incremental syncs across data types.
type Coordinator struct {
	client     PageFetcher
	watermarks WatermarkSource
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a coordinator over an OData client and a watermark
// source.
func NewCoordinator(client PageFetcher, watermarks WatermarkSource, cfg Config) *Coordinator {
	if cfg.IncrementalField == "" {
		cfg.IncrementalField = "ModificationTimestamp"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Coordinator{
		client:     client,
		watermarks: watermarks,
		cfg:        cfg,
		log:        slog.With("component", "syncer"),
		now:        time.Now,
	}
}

// BuildIncrementalFilter composes the OData filter for a sync. With no
// watermark the additional filter passes through verbatim; with both, they
// are ANDed.
func (c *Coordinator) BuildIncrementalFilter(lastSync *time.Time, additionalFilter string) string {
	var filter string
	if lastSync != nil {
		filter = fmt.Sprintf("%s gt %s", c.cfg.IncrementalField, lastSync.UTC().Format(watermarkFormat))
	}
	if additionalFilter != "" {
		if filter != "" {
			return filter + " and " + additionalFilter
		}
		return additionalFilter
	}
	return filter
}

// CreateBatchRequests plans one request per data type, sorted by priority.
// Equal priorities keep input order.
func (c *Coordinator) CreateBatchRequests(dataTypes []DataType, lastSync *time.Time, customFilters map[DataType]string) []BatchRequest {
	requests := make([]BatchRequest, 0, len(dataTypes))
	for _, dt := range dataTypes {
		requests = append(requests, BatchRequest{
			DataType:     dt,
			Filter:       c.BuildIncrementalFilter(lastSync, customFilters[dt]),
			SelectFields: dt.DefaultSelectFields(),
			Priority:     dt.Priority(),
		})
	}
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].Priority < requests[j].Priority
	})
	return requests
}

// ExecuteIncrementalSync fetches every page for one data type and tracks
// the maximum modification timestamp seen, which becomes the candidate new
// watermark. Fetch failures are recorded in the result, not raised.
func (c *Coordinator) ExecuteIncrementalSync(ctx context.Context, dataType DataType, lastSync *time.Time, additionalFilter string, selectFields []string) *SyncResult {
	result := &SyncResult{DataType: dataType, Success: true}

	filter := c.BuildIncrementalFilter(lastSync, additionalFilter)
	if selectFields == nil {
		selectFields = dataType.DefaultSelectFields()
	}

	c.log.Info("starting incremental sync",
		"data_type", dataType,
		"filter", filter,
	)

	records, pages, err := c.client.ExecutePaginatedQuery(ctx, string(dataType), odata.QueryOptions{
		Filter: filter,
		Select: selectFields,
		Top:    c.cfg.PageSize,
	}, c.cfg.MaxPages)
	result.APICalls = pages
	if err != nil {
		result.Success = false
		result.Err = err
		result.Errors = append(result.Errors, err.Error())
		c.log.Error("incremental sync failed", "data_type", dataType, "error", err)
		return result
	}

	result.Records = records
	result.RecordsFetched = len(records)
	result.RecordsProcessed = len(records)
	result.LastModification = c.maxModificationTimestamp(records)

	c.log.Info("incremental sync completed",
		"data_type", dataType,
		"records", result.RecordsFetched,
		"pages", pages,
	)
	return result
}

// maxModificationTimestamp scans records for the largest value of the
// incremental field. Unparseable timestamps are skipped, not fatal.
func (c *Coordinator) maxModificationTimestamp(records []map[string]any) *time.Time {
	var max *time.Time
	for _, record := range records {
		raw, ok := record[c.cfg.IncrementalField]
		if !ok || raw == nil {
			continue
		}

		var ts time.Time
		switch v := raw.(type) {
		case time.Time:
			ts = v
		case string:
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				continue
			}
			ts = parsed
		default:
			continue
		}

		if max == nil || ts.After(*max) {
			t := ts
			max = &t
		}
	}
	return max
}

// ExecuteBatchedSync resolves the watermark once, plans requests, and runs
// them sequentially in priority order. A per-type failure does not stop
// later types; the aggregate records partial success.
func (c *Coordinator) ExecuteBatchedSync(ctx context.Context, dataTypes []DataType, useIncremental bool, customFilters map[DataType]string) *BatchSyncResult {
	batch := &BatchSyncResult{
		Results:   make(map[DataType]*SyncResult, len(dataTypes)),
		StartTime: c.now(),
	}

	var lastSync *time.Time
	if useIncremental {
		ts, err := c.watermarks.LastSyncWatermark(ctx)
		if err != nil {
			c.log.Warn("failed to resolve last sync watermark", "error", err)
		} else {
			lastSync = ts
		}
		if lastSync != nil && c.cfg.MaxWatermarkAge > 0 && !c.ShouldUseIncremental(lastSync, c.cfg.MaxWatermarkAge) {
			c.log.Warn("watermark too old, forcing full sync",
				"watermark", lastSync.Format(watermarkFormat),
				"max_age", c.cfg.MaxWatermarkAge.String(),
			)
			lastSync = nil
		}
		if lastSync != nil {
			c.log.Info("using incremental sync", "since", lastSync.Format(watermarkFormat))
		} else {
			c.log.Info("no previous sync found, performing full sync")
		}
	}

	for _, request := range c.CreateBatchRequests(dataTypes, lastSync, customFilters) {
		result := c.ExecuteIncrementalSync(ctx, request.DataType, lastSync, customFilters[request.DataType], request.SelectFields)
		batch.Results[request.DataType] = result
		batch.TotalAPICalls += result.APICalls
		batch.TotalRecordsProcessed += result.RecordsProcessed
	}

	batch.EndTime = c.now()
	c.log.Info("batched sync completed",
		"data_types", len(dataTypes),
		"api_calls", batch.TotalAPICalls,
		"records", batch.TotalRecordsProcessed,
		"duration", batch.Duration().String(),
		"all_successful", batch.AllSuccessful(),
	)
	return batch
}

// CalculateOptimalBatchSize picks the page size that fits an estimated
// fetch within the remaining call quota. Zero means pause: the quota is
// exhausted.
func (c *Coordinator) CalculateOptimalBatchSize(estimatedRecords, quotaRemaining, maxBatchSize int) int {
	if quotaRemaining <= 0 || maxBatchSize <= 0 {
		return 0
	}

	pagesNeeded := (estimatedRecords + maxBatchSize - 1) / maxBatchSize
	if pagesNeeded <= quotaRemaining {
		return maxBatchSize
	}

	optimal := (estimatedRecords + quotaRemaining - 1) / quotaRemaining
	if optimal > maxBatchSize {
		return maxBatchSize
	}
	return optimal
}

// ShouldUseIncremental reports whether the watermark is fresh enough for an
// incremental sync; stale or absent watermarks force a full sync.
func (c *Coordinator) ShouldUseIncremental(lastSync *time.Time, maxAge time.Duration) bool {
	if lastSync == nil {
		return false
	}
	return c.now().Sub(*lastSync) < maxAge
}
