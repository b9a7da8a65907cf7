package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// Config configures the blob archiver.
type Config struct {
	// Backend selects the driver: "local" or "s3".
	Backend string

	// LocalDir is the root directory for the local backend.
	LocalDir string

	// Bucket, Endpoint, Region configure the S3 backend. Endpoint enables
	// S3-compatible stores (MinIO, R2, B2).
	Bucket   string
	Endpoint string
	Region   string

	// Prefix is prepended to every key.
	Prefix string

	// Snapshots enables parquet snapshots of normalized records alongside
	// the raw pages.
	Snapshots bool
}

// BlobArchiver writes to any gocloud.dev bucket: raw pages as
// zstd-compressed JSON, snapshots as parquet.
type BlobArchiver struct {
	bucket    *blob.Bucket
	prefix    string
	snapshots bool
	log       *slog.Logger
}

// NewBlobArchiver opens the configured bucket.
func NewBlobArchiver(ctx context.Context, cfg Config) (*BlobArchiver, error) {
	bucketURL, err := bucketURL(cfg)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket: %w", err)
	}

	return &BlobArchiver{
		bucket:    bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		snapshots: cfg.Snapshots,
		log:       slog.With("component", "archive"),
	}, nil
}

func bucketURL(cfg Config) (string, error) {
	switch cfg.Backend {
	case "", "local":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "./archive"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create archive directory: %w", err)
		}
		return "file://" + dir + "?create_dir=true", nil

	case "s3":
		if cfg.Bucket == "" {
			return "", fmt.Errorf("archive backend s3 requires a bucket")
		}
		u := "s3://" + cfg.Bucket
		params := url.Values{}
		if cfg.Region != "" {
			params.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			params.Set("endpoint", cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		return u, nil

	default:
		return "", fmt.Errorf("unknown archive backend: %s", cfg.Backend)
	}
}

func (a *BlobArchiver) key(parts ...string) string {
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

// SaveRawPage writes one page of raw records as zstd-compressed JSON under
// <prefix>/<dataType>/<runID>/page-NNNNN.json.zst.
func (a *BlobArchiver) SaveRawPage(ctx context.Context, dataType, runID string, page int, records []map[string]any) error {
	key := a.key(dataType, runID, fmt.Sprintf("page-%05d.json.zst", page))

	w, err := a.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		w.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if err := json.NewEncoder(zw).Encode(records); err != nil {
		zw.Close()
		w.Close()
		return fmt.Errorf("encode page %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		w.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	a.log.Debug("archived raw page", "key", key, "records", len(records))
	return nil
}

// listingRow is the parquet layout of one normalized listing.
type listingRow struct {
	ListingKey            string     `parquet:"listing_key"`
	ListPrice             *float64   `parquet:"list_price,optional"`
	PropertyType          *string    `parquet:"property_type,optional"`
	BedroomsTotal         *int64     `parquet:"bedrooms_total,optional"`
	BathroomsTotal        *float64   `parquet:"bathrooms_total,optional"`
	SquareFeet            *int64     `parquet:"square_feet,optional"`
	LotSizeAcres          *float64   `parquet:"lot_size_acres,optional"`
	YearBuilt             *int64     `parquet:"year_built,optional"`
	ListingStatus         *string    `parquet:"listing_status,optional"`
	ModificationTimestamp *time.Time `parquet:"modification_timestamp,optional,timestamp(millisecond)"`
	StreetAddress         *string    `parquet:"street_address,optional"`
	City                  *string    `parquet:"city,optional"`
	StateOrProvince       *string    `parquet:"state_or_province,optional"`
	PostalCode            *string    `parquet:"postal_code,optional"`
	IsDuplicate           bool       `parquet:"is_duplicate"`
}

// SaveSnapshot writes normalized listings as a parquet file under
// <prefix>/<dataType>/<runID>/snapshot.parquet. Records without a listing
// key are skipped. No-op unless snapshots are enabled.
func (a *BlobArchiver) SaveSnapshot(ctx context.Context, dataType, runID string, records []map[string]any) error {
	if !a.snapshots {
		return nil
	}
	rows := make([]listingRow, 0, len(records))
	for _, record := range records {
		key, _ := record["listing_key"].(string)
		if key == "" {
			continue
		}
		rows = append(rows, toListingRow(key, record))
	}
	if len(rows) == 0 {
		return nil
	}

	key := a.key(dataType, runID, "snapshot.parquet")
	w, err := a.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	pw := parquet.NewGenericWriter[listingRow](w)
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		w.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		w.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	a.log.Info("archived snapshot", "key", key, "rows", len(rows))
	return nil
}

func toListingRow(key string, record map[string]any) listingRow {
	row := listingRow{ListingKey: key}
	row.ListPrice = decimalField(record, "list_price")
	row.PropertyType = stringField(record, "property_type")
	row.BedroomsTotal = intField(record, "bedrooms_total")
	row.BathroomsTotal = decimalField(record, "bathrooms_total")
	row.SquareFeet = intField(record, "square_feet")
	row.LotSizeAcres = decimalField(record, "lot_size_acres")
	row.YearBuilt = intField(record, "year_built")
	row.ListingStatus = stringField(record, "listing_status")
	row.StreetAddress = stringField(record, "street_address")
	row.City = stringField(record, "city")
	row.StateOrProvince = stringField(record, "state_or_province")
	row.PostalCode = stringField(record, "postal_code")
	if ts, ok := record["modification_timestamp"].(time.Time); ok {
		row.ModificationTimestamp = &ts
	}
	if dup, ok := record["_is_duplicate"].(bool); ok {
		row.IsDuplicate = dup
	}
	return row
}

func stringField(record map[string]any, field string) *string {
	if s, ok := record[field].(string); ok {
		return &s
	}
	return nil
}

func intField(record map[string]any, field string) *int64 {
	if n, ok := record[field].(int64); ok {
		return &n
	}
	return nil
}

func decimalField(record map[string]any, field string) *float64 {
	if d, ok := record[field].(decimal.Decimal); ok {
		f, _ := d.Float64()
		return &f
	}
	return nil
}

// Close releases the bucket.
func (a *BlobArchiver) Close() error {
	return a.bucket.Close()
}
