package store

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// propertyColumns is the fixed insert/update column order.
var propertyColumns = []string{
	"listing_key", "list_price", "property_type", "bedrooms_total",
	"bathrooms_total", "square_feet", "lot_size_acres", "year_built",
	"listing_status", "modification_timestamp", "street_address",
	"city", "state_or_province", "postal_code",
}

// Config configures the Postgres store.
type Config struct {
	DSN      string
	MaxConns int32

	// TrackUpserts pre-selects existing keys so inserted/updated counts
	// are exact. The fast path reports every row as an insert.
	TrackUpserts bool
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  Config
	log  *slog.Logger
}

// NewPostgresStore connects, verifies the connection, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 5
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		cfg:  cfg,
		log:  slog.With("component", "store"),
	}
	if err := s.initSchema(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Info("connected to postgres")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// LastSyncWatermark returns the watermark of the most recent successful
// run that recorded one.
func (s *PostgresStore) LastSyncWatermark(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_sync_timestamp
		FROM etl_sync_log
		WHERE status = 'success' AND last_sync_timestamp IS NOT NULL
		ORDER BY sync_start DESC
		LIMIT 1
	`).Scan(&ts)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &DatabaseError{Op: "query last sync watermark", Err: err}
	}
	return ts, nil
}

// upsertSQL is the shared INSERT ... ON CONFLICT statement.
func upsertSQL() string {
	placeholders := make([]string, len(propertyColumns))
	updates := make([]string, 0, len(propertyColumns))
	for i, col := range propertyColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col != "listing_key" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	return fmt.Sprintf(`
		INSERT INTO properties (%s)
		VALUES (%s)
		ON CONFLICT (listing_key) DO UPDATE SET %s, updated_at = now()`,
		strings.Join(propertyColumns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// UpsertBatch writes normalized records via a single pgx batch. With
// TrackUpserts the existing keys are pre-selected for exact counts.
func (s *PostgresStore) UpsertBatch(ctx context.Context, records []map[string]any) (*BatchResult, error) {
	result := &BatchResult{TotalRecords: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	var existing map[string]struct{}
	if s.cfg.TrackUpserts {
		var err error
		existing, err = s.existingKeys(ctx, records)
		if err != nil {
			return nil, err
		}
	}

	sql := upsertSQL()
	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(sql, recordValues(record)...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i, record := range records {
		if _, err := results.Exec(); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("record %d: %v", i, err))
			s.log.Warn("upsert failed", "index", i, "error", err)
			continue
		}
		if existing != nil {
			key, _ := record["listing_key"].(string)
			if _, seen := existing[key]; seen {
				result.Updated++
			} else {
				result.Inserted++
			}
		} else {
			result.Inserted++
		}
	}
	return result, nil
}

// existingKeys selects the listing keys that already exist.
func (s *PostgresStore) existingKeys(ctx context.Context, records []map[string]any) (map[string]struct{}, error) {
	keys := make([]string, 0, len(records))
	for _, record := range records {
		if key, ok := record["listing_key"].(string); ok && key != "" {
			keys = append(keys, key)
		}
	}

	existing := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT listing_key FROM properties WHERE listing_key = ANY($1)`, keys)
	if err != nil {
		return nil, &DatabaseError{Op: "select existing keys", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &DatabaseError{Op: "scan existing key", Err: err}
		}
		existing[key] = struct{}{}
	}
	return existing, rows.Err()
}

// recordValues lays out a record in column order. Decimals are passed as
// strings so pgx encodes them as numeric without precision loss.
func recordValues(record map[string]any) []any {
	values := make([]any, len(propertyColumns))
	for i, col := range propertyColumns {
		switch v := record[col].(type) {
		case nil:
			values[i] = nil
		case decimal.Decimal:
			values[i] = v.String()
		default:
			values[i] = v
		}
	}
	return values
}

// StartSyncRun opens a sync log row.
func (s *PostgresStore) StartSyncRun(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO etl_sync_log (sync_start, status)
		VALUES (now(), 'success')
		RETURNING id
	`).Scan(&id)
	if err != nil {
		return 0, &DatabaseError{Op: "start sync run", Err: err}
	}
	return id, nil
}

// CompleteSyncRun finalizes a sync log row.
func (s *PostgresStore) CompleteSyncRun(ctx context.Context, runID int64, counts RunCounts, status SyncStatus, errorMessage string, watermark *time.Time) error {
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE etl_sync_log
		SET sync_end = now(),
		    records_processed = $2,
		    records_inserted = $3,
		    records_updated = $4,
		    api_calls_made = $5,
		    status = $6,
		    error_message = $7,
		    last_sync_timestamp = $8
		WHERE id = $1
	`, runID, counts.RecordsProcessed, counts.RecordsInserted, counts.RecordsUpdated,
		counts.APICallsMade, string(status), errMsg, watermark)
	if err != nil {
		return &DatabaseError{Op: "complete sync run", Err: err}
	}
	return nil
}

// SyncHistory returns recent runs, newest first.
func (s *PostgresStore) SyncHistory(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, sync_start, sync_end, records_processed, records_inserted,
		       records_updated, api_calls_made, status, error_message, last_sync_timestamp
		FROM etl_sync_log
		ORDER BY sync_start DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, &DatabaseError{Op: "query sync history", Err: err}
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		var status string
		var errMsg *string
		if err := rows.Scan(&run.ID, &run.SyncStart, &run.SyncEnd, &run.RecordsProcessed,
			&run.RecordsInserted, &run.RecordsUpdated, &run.APICallsMade, &status,
			&errMsg, &run.LastSyncTimestamp); err != nil {
			return nil, &DatabaseError{Op: "scan sync run", Err: err}
		}
		run.Status = SyncStatus(status)
		if errMsg != nil {
			run.ErrorMessage = *errMsg
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordCount returns the number of stored properties.
func (s *PostgresStore) RecordCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM properties`).Scan(&count); err != nil {
		return 0, &DatabaseError{Op: "count records", Err: err}
	}
	return count, nil
}

// GetRecord fetches one property by listing key, or nil when absent.
func (s *PostgresStore) GetRecord(ctx context.Context, listingKey string) (map[string]any, error) {
	rows, err := s.pool.Query(ctx, `SELECT * FROM properties WHERE listing_key = $1`, listingKey)
	if err != nil {
		return nil, &DatabaseError{Op: "get record", Err: err}
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, &DatabaseError{Op: "collect record", Err: err}
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// DeleteRecord removes one property. Returns whether a row was deleted.
func (s *PostgresStore) DeleteRecord(ctx context.Context, listingKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM properties WHERE listing_key = $1`, listingKey)
	if err != nil {
		return false, &DatabaseError{Op: "delete record", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}
