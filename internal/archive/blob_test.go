package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalArchiver(t *testing.T) (*BlobArchiver, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := NewBlobArchiver(context.Background(), Config{
		Backend:   "local",
		LocalDir:  dir,
		Prefix:    "raw",
		Snapshots: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, dir
}

func TestSaveRawPageRoundTrip(t *testing.T) {
	a, dir := newLocalArchiver(t)

	records := []map[string]any{
		{"ListingKey": "A1", "ListPrice": float64(450000)},
		{"ListingKey": "A2"},
	}
	require.NoError(t, a.SaveRawPage(context.Background(), "Property", "run-1", 0, records))

	raw, err := os.ReadFile(filepath.Join(dir, "raw", "Property", "run-1", "page-00000.json.zst"))
	require.NoError(t, err)

	zr, err := zstd.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer zr.Close()

	var decoded []map[string]any
	require.NoError(t, json.NewDecoder(zr).Decode(&decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "A1", decoded[0]["ListingKey"])
}

func TestSaveSnapshotWritesParquet(t *testing.T) {
	a, dir := newLocalArchiver(t)

	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	records := []map[string]any{
		{
			"listing_key":            "TX1",
			"list_price":             decimal.NewFromInt(450000),
			"bedrooms_total":         int64(3),
			"city":                   "Austin",
			"modification_timestamp": ts,
			"_is_duplicate":          false,
		},
		{"city": "no key, skipped"},
	}
	require.NoError(t, a.SaveSnapshot(context.Background(), "Property", "run-1", records))

	f, err := os.Open(filepath.Join(dir, "raw", "Property", "run-1", "snapshot.parquet"))
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)

	rows, err := parquet.Read[listingRow](f, info.Size())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "TX1", rows[0].ListingKey)
	require.NotNil(t, rows[0].ListPrice)
	assert.InDelta(t, 450000, *rows[0].ListPrice, 0.01)
	require.NotNil(t, rows[0].BedroomsTotal)
	assert.Equal(t, int64(3), *rows[0].BedroomsTotal)
	assert.Nil(t, rows[0].YearBuilt)
	require.NotNil(t, rows[0].ModificationTimestamp)
	assert.True(t, ts.Equal(*rows[0].ModificationTimestamp))
}

func TestSaveSnapshotEmptyIsNoop(t *testing.T) {
	a, dir := newLocalArchiver(t)

	require.NoError(t, a.SaveSnapshot(context.Background(), "Property", "run-1", nil))
	_, err := os.Stat(filepath.Join(dir, "raw", "Property", "run-1", "snapshot.parquet"))
	assert.True(t, os.IsNotExist(err))
}

func TestBucketURLValidation(t *testing.T) {
	_, err := bucketURL(Config{Backend: "s3"})
	assert.Error(t, err, "s3 requires a bucket")

	_, err = bucketURL(Config{Backend: "gcs"})
	assert.Error(t, err)

	u, err := bucketURL(Config{Backend: "s3", Bucket: "b", Endpoint: "http://minio:9000", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Contains(t, u, "s3://b?")
	assert.Contains(t, u, "s3ForcePathStyle=true")
}
