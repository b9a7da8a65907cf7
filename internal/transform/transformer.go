package transform

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// fieldKinds maps normalized column names to their coercion targets.
// Fields absent from this table coerce to string.
var fieldKinds = map[string]Kind{
	"listing_key":            KindString,
	"list_price":             KindDecimal,
	"property_type":          KindString,
	"bedrooms_total":         KindInteger,
	"bathrooms_total":        KindDecimal,
	"square_feet":            KindInteger,
	"lot_size_acres":         KindDecimal,
	"year_built":             KindInteger,
	"listing_status":         KindString,
	"modification_timestamp": KindDatetime,
	"street_address":         KindString,
	"city":                   KindString,
	"state_or_province":      KindString,
	"postal_code":            KindString,
}

// requiredFields must be present, non-nil, and correctly typed after
// transformation for a record to be accepted.
var requiredFields = map[string]Kind{
	"listing_key":            KindString,
	"modification_timestamp": KindDatetime,
}

// maxListPrice is the sanity bound above which a price warns but passes.
var maxListPrice = decimal.NewFromInt(1_000_000_000)

const (
	minYearBuilt    = 1800
	maxBedroomCount = 50
)

// Stats summarizes one batch transformation.
type Stats struct {
	TotalRecords         int            `json:"total_records"`
	ValidRecords         int            `json:"valid_records"`
	InvalidRecords       int            `json:"invalid_records"`
	DuplicatesDetected   int            `json:"duplicates_detected"`
	FieldTransformations map[string]int `json:"field_transformations"`
	ValidationErrors     []string       `json:"validation_errors"`
}

// BatchResult carries the surviving records of a batch plus its stats.
type BatchResult struct {
	Records []map[string]any
	Stats   Stats
}

// Transformer converts raw API records into normalized, validated rows.
// Safe for use from a single goroutine per batch; the duplicate-key set
// is cleared at the start of every batch.
type Transformer struct {
	normalizer *Normalizer
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	seenKeys map[string]struct{}
}

// NewTransformer creates a transformer with a fresh normalizer cache.
func NewTransformer() *Transformer {
	return &Transformer{
		normalizer: NewNormalizer(),
		log:        slog.With("component", "transform"),
		now:        time.Now,
		seenKeys:   make(map[string]struct{}),
	}
}

// Normalizer exposes the field-name normalizer (for schema introspection).
func (t *Transformer) Normalizer() *Normalizer { return t.normalizer }

// TransformRecord normalizes and coerces one raw record. Metadata keys
// (leading '@' or '_') are skipped. A coercion failure on a required field
// fails the record; on any other field the value degrades to nil with a
// warning. The result carries an internal "_is_duplicate" marker.
func (t *Transformer) TransformRecord(raw map[string]any, existingKeys map[string]struct{}) (map[string]any, error) {
	transformed := make(map[string]any, len(raw))

	for apiField, value := range raw {
		if strings.HasPrefix(apiField, "@") || strings.HasPrefix(apiField, "_") {
			continue
		}

		column, err := t.normalizer.Normalize(apiField)
		if err != nil {
			t.log.Warn("skipping field", "field", apiField, "error", err)
			continue
		}

		kind, known := fieldKinds[column]
		if !known {
			// Unknown field: best-effort stringification.
			converted, err := Convert(value, KindString, apiField)
			if err != nil {
				t.log.Warn("skipping unconvertible field", "field", apiField, "value", value)
				continue
			}
			transformed[column] = converted
			continue
		}

		converted, err := Convert(value, kind, apiField)
		if err != nil {
			if _, required := requiredFields[column]; required {
				return nil, &ValidationError{
					Message: fmt.Sprintf("required field conversion failed: %v", err),
				}
			}
			t.log.Warn("data conversion failed", "field", apiField, "error", err)
			transformed[column] = nil
			continue
		}
		transformed[column] = converted
	}

	errs, warnings := t.validate(transformed)
	if len(errs) > 0 {
		return nil, &ValidationError{
			Message: fmt.Sprintf("record validation failed: %s", strings.Join(errs, "; ")),
		}
	}
	for _, w := range warnings {
		t.log.Warn("record validation warning", "warning", w)
	}

	transformed["_is_duplicate"] = t.DetectDuplicate(transformed, existingKeys)
	return transformed, nil
}

// validate applies required-field and business-rule checks. Errors fail
// the record; warnings only log.
func (t *Transformer) validate(record map[string]any) (errs, warnings []string) {
	for field, kind := range requiredFields {
		value, present := record[field]
		if !present {
			errs = append(errs, fmt.Sprintf("missing required field: %s", field))
			continue
		}
		if value == nil {
			errs = append(errs, fmt.Sprintf("required field %s is null", field))
			continue
		}
		if !matchesKind(value, kind) {
			errs = append(errs, fmt.Sprintf("field %s has wrong type: expected %s, got %T", field, kind, value))
		}
	}

	if price, ok := record["list_price"].(decimal.Decimal); ok {
		if price.IsNegative() {
			errs = append(errs, "list price cannot be negative")
		} else if price.GreaterThan(maxListPrice) {
			warnings = append(warnings, fmt.Sprintf("list price seems unusually high: %s", price))
		}
	}

	if year, ok := record["year_built"].(int64); ok {
		maxYear := int64(t.now().Year() + 5)
		if year < minYearBuilt {
			errs = append(errs, fmt.Sprintf("year built too early: %d", year))
		} else if year > maxYear {
			errs = append(errs, fmt.Sprintf("year built too far in future: %d", year))
		}
	}

	if bedrooms, ok := record["bedrooms_total"].(int64); ok {
		if bedrooms < 0 {
			errs = append(errs, "bedrooms cannot be negative")
		} else if bedrooms > maxBedroomCount {
			warnings = append(warnings, fmt.Sprintf("unusually high bedroom count: %d", bedrooms))
		}
	}

	return errs, warnings
}

func matchesKind(value any, kind Kind) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindInteger:
		_, ok := value.(int64)
		return ok
	case KindDecimal:
		_, ok := value.(decimal.Decimal)
		return ok
	case KindDatetime:
		_, ok := value.(time.Time)
		return ok
	case KindBoolean:
		_, ok := value.(bool)
		return ok
	}
	return false
}

// DetectDuplicate reports whether the record's listing key has been seen
// before, either in the caller-supplied key set or earlier in the current
// session. Records without a usable key are never duplicates. A first
// occurrence registers the key.
func (t *Transformer) DetectDuplicate(record map[string]any, existingKeys map[string]struct{}) bool {
	raw, present := record["listing_key"]
	if !present || raw == nil {
		return false
	}
	key := fmt.Sprintf("%v", raw)

	if _, ok := existingKeys[key]; ok {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seenKeys[key]; ok {
		return true
	}
	t.seenKeys[key] = struct{}{}
	return false
}

// ClearDuplicateCache resets the in-process seen-key set.
func (t *Transformer) ClearDuplicateCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seenKeys = make(map[string]struct{})
}

// TransformBatch transforms every record in a batch. With continueOnError,
// failed records are captured in the stats and processing continues;
// otherwise the first failure aborts the batch. The duplicate-key set is
// cleared at the start so batches do not contaminate one another.
func (t *Transformer) TransformBatch(raw []map[string]any, existingKeys map[string]struct{}, continueOnError bool) (*BatchResult, error) {
	t.ClearDuplicateCache()

	result := &BatchResult{
		Records: make([]map[string]any, 0, len(raw)),
		Stats: Stats{
			TotalRecords:         len(raw),
			FieldTransformations: make(map[string]int),
		},
	}

	for i, record := range raw {
		transformed, err := t.TransformRecord(record, existingKeys)
		if err != nil {
			msg := fmt.Sprintf("record %d: %v", i, err)
			result.Stats.ValidationErrors = append(result.Stats.ValidationErrors, msg)
			t.log.Error("record transformation failed", "index", i, "error", err)
			if !continueOnError {
				return nil, &DataTransformationError{
					Message: fmt.Sprintf("batch transformation failed: %s", msg),
				}
			}
			continue
		}

		result.Records = append(result.Records, transformed)
		for field := range transformed {
			if !strings.HasPrefix(field, "_") {
				result.Stats.FieldTransformations[field]++
			}
		}
		if dup, _ := transformed["_is_duplicate"].(bool); dup {
			result.Stats.DuplicatesDetected++
		}
	}

	result.Stats.ValidRecords = len(result.Records)
	result.Stats.InvalidRecords = result.Stats.TotalRecords - result.Stats.ValidRecords
	return result, nil
}
