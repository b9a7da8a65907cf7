package transform

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRawRecord(key string) map[string]any {
	return map[string]any{
		"Listing Key":            key,
		"Modification Timestamp": "2024-03-15T10:30:00Z",
		"List Price":             "$450,000",
		"Bedrooms Total":         float64(3),
		"Year Built":             float64(1995),
		"City":                   "Austin",
	}
}

func TestTransformRecord(t *testing.T) {
	tr := NewTransformer()

	record, err := tr.TransformRecord(validRawRecord("TX1001"), nil)
	require.NoError(t, err)

	assert.Equal(t, "TX1001", record["listing_key"])
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), record["modification_timestamp"])
	assert.True(t, record["list_price"].(decimal.Decimal).Equal(decimal.NewFromInt(450000)))
	assert.Equal(t, int64(3), record["bedrooms_total"])
	assert.Equal(t, int64(1995), record["year_built"])
	assert.Equal(t, "Austin", record["city"])
	assert.Equal(t, false, record["_is_duplicate"])
}

func TestTransformRecordSkipsMetadataKeys(t *testing.T) {
	tr := NewTransformer()

	raw := validRawRecord("TX1001")
	raw["@odata.etag"] = "W/\"abc\""
	raw["_internal"] = "x"

	record, err := tr.TransformRecord(raw, nil)
	require.NoError(t, err)
	assert.NotContains(t, record, "odata_etag")
	assert.NotContains(t, record, "internal")
}

func TestTransformRecordUnknownFieldStringified(t *testing.T) {
	tr := NewTransformer()

	raw := validRawRecord("TX1001")
	raw["Custom Remark Count"] = float64(4)

	record, err := tr.TransformRecord(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "4", record["custom_remark_count"])
}

func TestTransformRecordMissingRequiredField(t *testing.T) {
	tr := NewTransformer()

	raw := validRawRecord("TX1001")
	delete(raw, "Modification Timestamp")

	_, err := tr.TransformRecord(raw, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "modification_timestamp")
}

func TestTransformRecordRequiredCoercionFailureFailsRecord(t *testing.T) {
	tr := NewTransformer()

	raw := validRawRecord("TX1001")
	raw["Modification Timestamp"] = "not a timestamp"

	_, err := tr.TransformRecord(raw, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "required field conversion failed")
}

func TestTransformRecordOptionalCoercionFailureDegradesToNil(t *testing.T) {
	tr := NewTransformer()

	raw := validRawRecord("TX1001")
	raw["Year Built"] = "unknown"

	record, err := tr.TransformRecord(raw, nil)
	require.NoError(t, err)
	assert.Contains(t, record, "year_built")
	assert.Nil(t, record["year_built"])
}

func TestTransformRecordBusinessRules(t *testing.T) {
	tr := NewTransformer()

	t.Run("negative price fails", func(t *testing.T) {
		raw := validRawRecord("TX1001")
		raw["List Price"] = float64(-1)
		_, err := tr.TransformRecord(raw, nil)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Message, "negative")
	})

	t.Run("huge price only warns", func(t *testing.T) {
		raw := validRawRecord("TX1002")
		raw["List Price"] = float64(2_000_000_000)
		_, err := tr.TransformRecord(raw, nil)
		assert.NoError(t, err)
	})

	t.Run("year built too early fails", func(t *testing.T) {
		raw := validRawRecord("TX1003")
		raw["Year Built"] = float64(1750)
		_, err := tr.TransformRecord(raw, nil)
		assert.Error(t, err)
	})

	t.Run("year built near future passes", func(t *testing.T) {
		raw := validRawRecord("TX1004")
		raw["Year Built"] = float64(time.Now().Year() + 5)
		_, err := tr.TransformRecord(raw, nil)
		assert.NoError(t, err)
	})

	t.Run("year built far future fails", func(t *testing.T) {
		raw := validRawRecord("TX1005")
		raw["Year Built"] = float64(time.Now().Year() + 6)
		_, err := tr.TransformRecord(raw, nil)
		assert.Error(t, err)
	})

	t.Run("many bedrooms only warns", func(t *testing.T) {
		raw := validRawRecord("TX1006")
		raw["Bedrooms Total"] = float64(60)
		_, err := tr.TransformRecord(raw, nil)
		assert.NoError(t, err)
	})
}

func TestDetectDuplicateSequence(t *testing.T) {
	tr := NewTransformer()

	records := []map[string]any{
		{"listing_key": "A"},
		{"listing_key": "B"},
		{"listing_key": "A"},
		{"listing_key": "A"},
	}
	var got []bool
	for _, r := range records {
		got = append(got, tr.DetectDuplicate(r, nil))
	}
	assert.Equal(t, []bool{false, false, true, true}, got)
}

func TestDetectDuplicateExistingKeys(t *testing.T) {
	tr := NewTransformer()

	existing := map[string]struct{}{"A": {}}
	assert.True(t, tr.DetectDuplicate(map[string]any{"listing_key": "A"}, existing))
	assert.False(t, tr.DetectDuplicate(map[string]any{"listing_key": "B"}, existing))
}

func TestDetectDuplicateNoKey(t *testing.T) {
	tr := NewTransformer()

	assert.False(t, tr.DetectDuplicate(map[string]any{"city": "Austin"}, nil))
	assert.False(t, tr.DetectDuplicate(map[string]any{"listing_key": nil}, nil))
}

func TestTransformBatchStats(t *testing.T) {
	tr := NewTransformer()

	bad := validRawRecord("TX-BAD")
	delete(bad, "Listing Key")

	batch := []map[string]any{
		validRawRecord("TX1"),
		validRawRecord("TX2"),
		bad,
		validRawRecord("TX1"), // duplicate of the first
	}

	result, err := tr.TransformBatch(batch, nil, true)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Stats.TotalRecords)
	assert.Equal(t, 3, result.Stats.ValidRecords)
	assert.Equal(t, 1, result.Stats.InvalidRecords)
	assert.Equal(t, result.Stats.TotalRecords, result.Stats.ValidRecords+result.Stats.InvalidRecords)
	assert.Equal(t, 1, result.Stats.DuplicatesDetected)
	require.Len(t, result.Stats.ValidationErrors, 1)
	assert.Contains(t, result.Stats.ValidationErrors[0], "record 2")
	assert.Equal(t, 3, result.Stats.FieldTransformations["listing_key"])
}

func TestTransformBatchAbortsWithoutContinueOnError(t *testing.T) {
	tr := NewTransformer()

	bad := validRawRecord("TX-BAD")
	delete(bad, "Listing Key")

	_, err := tr.TransformBatch([]map[string]any{bad, validRawRecord("TX1")}, nil, false)
	var terr *DataTransformationError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "batch transformation failed")
}

func TestTransformBatchEmptyInput(t *testing.T) {
	tr := NewTransformer()

	result, err := tr.TransformBatch(nil, nil, true)
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Zero(t, result.Stats.TotalRecords)
}

func TestTransformBatchClearsDuplicateCache(t *testing.T) {
	tr := NewTransformer()

	batch := []map[string]any{validRawRecord("TX1")}
	first, err := tr.TransformBatch(batch, nil, true)
	require.NoError(t, err)
	assert.Zero(t, first.Stats.DuplicatesDetected)

	// The same key in a fresh batch is not a cross-batch duplicate.
	second, err := tr.TransformBatch(batch, nil, true)
	require.NoError(t, err)
	assert.Zero(t, second.Stats.DuplicatesDetected)
}
