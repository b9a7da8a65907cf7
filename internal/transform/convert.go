package transform

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a coercion target for a normalized field.
type Kind string

const (
	KindString   Kind = "string"
	KindInteger  Kind = "integer"
	KindDecimal  Kind = "decimal"
	KindDatetime Kind = "datetime"
	KindBoolean  Kind = "boolean"
)

// datetimeLayouts are tried in order; the first that parses wins.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05.999999Z", // ISO with fractional seconds
	"2006-01-02T15:04:05Z",        // ISO
	"2006-01-02T15:04:05",         // ISO without zone
	"2006-01-02 15:04:05",         // SQL
	"2006-01-02",                  // date only
	"01/02/2006",                  // US date
	"01/02/2006 15:04:05",         // US datetime
}

// Convert coerces a raw API value to its target kind. Nil always passes
// through as nil. The returned value is one of string, int64,
// decimal.Decimal, time.Time, bool, or nil.
func Convert(value any, kind Kind, fieldName string) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch kind {
	case KindString:
		return convertString(value), nil
	case KindInteger:
		return convertInteger(value, fieldName)
	case KindDecimal:
		return convertDecimal(value, fieldName)
	case KindDatetime:
		return convertDatetime(value, fieldName)
	case KindBoolean:
		return convertBoolean(value, fieldName)
	default:
		return nil, &DataTransformationError{
			Message: fmt.Sprintf("unknown target type: %s", kind),
		}
	}
}

func convertString(value any) any {
	s, ok := value.(string)
	if !ok {
		return fmt.Sprintf("%v", value)
	}
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}

func convertInteger(value any, fieldName string) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		n := int64(v)
		if math.Abs(v-float64(n)) > 0.001 {
			slog.Warn("precision loss converting to integer", "field", fieldName, "value", v)
		}
		return n, nil
	case decimal.Decimal:
		return v.IntPart(), nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if cleaned == "" {
			return nil, nil
		}
		// Parse as float first to tolerate values like "123.0".
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, conversionError(fieldName, value, KindInteger, err)
		}
		return int64(f), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, conversionError(fieldName, value, KindInteger, nil)
	}
}

func convertDecimal(value any, fieldName string) (any, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		cleaned := strings.TrimSpace(v)
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		cleaned = strings.ReplaceAll(cleaned, "$", "")
		if cleaned == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return nil, conversionError(fieldName, value, KindDecimal, err)
		}
		return d, nil
	default:
		return nil, conversionError(fieldName, value, KindDecimal, nil)
	}
}

func convertDatetime(value any, fieldName string) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return nil, &DataTransformationError{
			Message: fmt.Sprintf("unable to parse datetime: %s", v),
		}
	default:
		return nil, &DataTransformationError{
			Message: fmt.Sprintf("cannot convert %T to datetime", value),
		}
	}
}

func convertBoolean(value any, fieldName string) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return nil, &DataTransformationError{
				Message: fmt.Sprintf("cannot convert string to boolean: %s", v),
			}
		}
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return nil, conversionError(fieldName, value, KindBoolean, nil)
	}
}

func conversionError(fieldName string, value any, kind Kind, err error) error {
	return &DataTransformationError{
		Message: fmt.Sprintf("failed to convert %s value '%v' to %s", fieldName, value, kind),
		Err:     err,
	}
}
