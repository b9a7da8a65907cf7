package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/reso-etl/internal/odata"
)

type fakeFetcher struct {
	records   map[string][]map[string]any
	pages     map[string]int
	failTypes map[string]error
	calls     []string
	lastOpts  odata.QueryOptions
}

func (f *fakeFetcher) ExecutePaginatedQuery(ctx context.Context, entitySet string, opts odata.QueryOptions, maxPages int) ([]map[string]any, int, error) {
	f.calls = append(f.calls, entitySet)
	f.lastOpts = opts
	if err := f.failTypes[entitySet]; err != nil {
		return nil, 1, err
	}
	pages := f.pages[entitySet]
	if pages == 0 {
		pages = 1
	}
	return f.records[entitySet], pages, nil
}

type fakeWatermarks struct {
	ts  *time.Time
	err error
}

func (f *fakeWatermarks) LastSyncWatermark(ctx context.Context) (*time.Time, error) {
	return f.ts, f.err
}

func newTestCoordinator(fetcher *fakeFetcher, marks *fakeWatermarks) *Coordinator {
	return NewCoordinator(fetcher, marks, Config{PageSize: 100})
}

func TestBuildIncrementalFilter(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "", c.BuildIncrementalFilter(nil, ""))
	assert.Equal(t, "StandardStatus eq 'Active'", c.BuildIncrementalFilter(nil, "StandardStatus eq 'Active'"))
	assert.Equal(t, "ModificationTimestamp gt 2024-03-15T10:30:00Z", c.BuildIncrementalFilter(&ts, ""))
	assert.Equal(t,
		"ModificationTimestamp gt 2024-03-15T10:30:00Z and StandardStatus eq 'Active'",
		c.BuildIncrementalFilter(&ts, "StandardStatus eq 'Active'"))
}

func TestBuildIncrementalFilterNormalizesToUTC(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	loc := time.FixedZone("CST", -6*3600)
	ts := time.Date(2024, 3, 15, 4, 30, 0, 0, loc)
	assert.Equal(t, "ModificationTimestamp gt 2024-03-15T10:30:00Z", c.BuildIncrementalFilter(&ts, ""))
}

func TestCreateBatchRequestsPriorityOrder(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	requests := c.CreateBatchRequests([]DataType{Office, Media, Property, Member}, nil, nil)
	var order []DataType
	for _, r := range requests {
		order = append(order, r.DataType)
	}
	assert.Equal(t, []DataType{Property, Media, Member, Office}, order)
	assert.Equal(t, Property.DefaultSelectFields(), requests[0].SelectFields)
}

func TestCreateBatchRequestsCustomFilters(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	requests := c.CreateBatchRequests([]DataType{Property}, &ts, map[DataType]string{
		Property: "City eq 'Austin'",
	})
	require.Len(t, requests, 1)
	assert.Equal(t, "ModificationTimestamp gt 2024-03-15T10:30:00Z and City eq 'Austin'", requests[0].Filter)
}

func TestExecuteIncrementalSyncTracksMaxTimestamp(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]map[string]any{
			"Property": {
				{"ListingKey": "A", "ModificationTimestamp": "2024-03-15T10:00:00Z"},
				{"ListingKey": "B", "ModificationTimestamp": "2024-03-15T12:00:00Z"},
				{"ListingKey": "C", "ModificationTimestamp": "garbage"},
				{"ListingKey": "D", "ModificationTimestamp": "2024-03-15T11:00:00Z"},
				{"ListingKey": "E"},
			},
		},
		pages: map[string]int{"Property": 2},
	}
	c := newTestCoordinator(fetcher, &fakeWatermarks{})

	result := c.ExecuteIncrementalSync(context.Background(), Property, nil, "", nil)
	require.True(t, result.Success)
	assert.Equal(t, 5, result.RecordsFetched)
	assert.Equal(t, 2, result.APICalls)
	require.NotNil(t, result.LastModification)
	assert.Equal(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), result.LastModification.UTC())
}

func TestExecuteIncrementalSyncFailureIsIsolated(t *testing.T) {
	fetcher := &fakeFetcher{
		failTypes: map[string]error{"Media": errors.New("boom")},
	}
	c := newTestCoordinator(fetcher, &fakeWatermarks{})

	result := c.ExecuteIncrementalSync(context.Background(), Media, nil, "", nil)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "boom")
}

func TestExecuteBatchedSync(t *testing.T) {
	ts := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		records: map[string][]map[string]any{
			"Property": {{"ListingKey": "A", "ModificationTimestamp": "2024-03-15T10:00:00Z"}},
			"Media":    {{"MediaKey": "M1"}, {"MediaKey": "M2"}},
		},
	}
	c := newTestCoordinator(fetcher, &fakeWatermarks{ts: &ts})

	batch := c.ExecuteBatchedSync(context.Background(), []DataType{Media, Property}, true, nil)

	assert.Equal(t, []string{"Property", "Media"}, fetcher.calls, "priority order")
	assert.True(t, batch.AllSuccessful())
	assert.Equal(t, 2, batch.TotalAPICalls)
	assert.Equal(t, 3, batch.TotalRecordsProcessed)
	assert.False(t, batch.StartTime.IsZero())
	assert.False(t, batch.EndTime.IsZero())
	assert.GreaterOrEqual(t, batch.Duration(), time.Duration(0))
}

func TestExecuteBatchedSyncPartialFailure(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]map[string]any{
			"Property": {{"ListingKey": "A"}},
		},
		failTypes: map[string]error{"Media": errors.New("fetch failed")},
	}
	c := newTestCoordinator(fetcher, &fakeWatermarks{})

	batch := c.ExecuteBatchedSync(context.Background(), []DataType{Property, Media}, false, nil)

	assert.False(t, batch.AllSuccessful())
	assert.True(t, batch.Results[Property].Success)
	assert.False(t, batch.Results[Media].Success)
	assert.Equal(t, 1, batch.TotalRecordsProcessed, "failed type contributes no records")
}

func TestExecuteBatchedSyncWatermarkErrorFallsBackToFull(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]map[string]any{"Property": {}},
	}
	c := newTestCoordinator(fetcher, &fakeWatermarks{err: errors.New("db down")})

	batch := c.ExecuteBatchedSync(context.Background(), []DataType{Property}, true, nil)
	assert.True(t, batch.AllSuccessful())
	assert.Empty(t, fetcher.lastOpts.Filter, "watermark failure degrades to full sync")
}

func TestExecuteBatchedSyncStaleWatermarkForcesFullSync(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]map[string]any{"Property": {}},
	}
	stale := time.Now().UTC().Add(-72 * time.Hour)
	c := NewCoordinator(fetcher, &fakeWatermarks{ts: &stale}, Config{
		PageSize:        100,
		MaxWatermarkAge: 24 * time.Hour,
	})

	batch := c.ExecuteBatchedSync(context.Background(), []DataType{Property}, true, nil)
	assert.True(t, batch.AllSuccessful())
	assert.Empty(t, fetcher.lastOpts.Filter, "stale watermark degrades to full sync")

	fresh := time.Now().UTC().Add(-time.Hour)
	fetcher2 := &fakeFetcher{records: map[string][]map[string]any{"Property": {}}}
	c2 := NewCoordinator(fetcher2, &fakeWatermarks{ts: &fresh}, Config{
		PageSize:        100,
		MaxWatermarkAge: 24 * time.Hour,
	})
	c2.ExecuteBatchedSync(context.Background(), []DataType{Property}, true, nil)
	assert.Contains(t, fetcher2.lastOpts.Filter, "ModificationTimestamp gt ", "fresh watermark stays incremental")
}

func TestCalculateOptimalBatchSize(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	// Quota exhausted: pause.
	assert.Equal(t, 0, c.CalculateOptimalBatchSize(10000, 0, 1000))
	assert.Equal(t, 0, c.CalculateOptimalBatchSize(10000, -5, 1000))

	// Generous quota: max batch size.
	assert.Equal(t, 1000, c.CalculateOptimalBatchSize(5000, 10, 1000))

	// Tight quota: smallest page size that fits.
	assert.Equal(t, 400, c.CalculateOptimalBatchSize(2000, 5, 1000))
	assert.Equal(t, 667, c.CalculateOptimalBatchSize(2000, 3, 1000))

	// Never above the cap.
	assert.Equal(t, 1000, c.CalculateOptimalBatchSize(100000, 10, 1000))

	// Degenerate cap: pause rather than divide by zero.
	assert.Equal(t, 0, c.CalculateOptimalBatchSize(10000, 10, 0))
	assert.Equal(t, 0, c.CalculateOptimalBatchSize(10000, 10, -1))
}

func TestCalculateOptimalBatchSizeResultFitsQuota(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	for _, tc := range []struct{ est, quota, max int }{
		{1, 1, 1000}, {999, 1, 1000}, {1001, 2, 1000}, {50000, 7, 1000},
	} {
		size := c.CalculateOptimalBatchSize(tc.est, tc.quota, tc.max)
		if size == tc.max {
			continue
		}
		require.Positive(t, size)
		pages := (tc.est + size - 1) / size
		assert.LessOrEqual(t, pages, tc.quota, "est=%d quota=%d", tc.est, tc.quota)
	}
}

func TestShouldUseIncremental(t *testing.T) {
	c := newTestCoordinator(&fakeFetcher{}, &fakeWatermarks{})

	assert.False(t, c.ShouldUseIncremental(nil, 24*time.Hour))

	fresh := time.Now().Add(-1 * time.Hour)
	assert.True(t, c.ShouldUseIncremental(&fresh, 24*time.Hour))

	stale := time.Now().Add(-48 * time.Hour)
	assert.False(t, c.ShouldUseIncremental(&stale, 24*time.Hour))
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("Property")
	require.NoError(t, err)
	assert.Equal(t, Property, dt)

	_, err = ParseDataType("Listings")
	assert.Error(t, err)
}
