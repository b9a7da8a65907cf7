package transform

import "fmt"

// DataTransformationError reports a field-level failure: an unusable field
// name or a value that cannot be coerced to its target kind.
type DataTransformationError struct {
	Message string
	Err     error
}

func (e *DataTransformationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DataTransformationError) Unwrap() error { return e.Err }

// ValidationError reports a record-level failure: missing or malformed
// required fields, or a business-rule violation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
