// Package alert delivers structured operational events to configured sinks
// with per-event-type suppression.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity levels an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Type categorizes what happened.
type Type string

const (
	TypeQuotaWarning  Type = "quota_warning"
	TypeQuotaCritical Type = "quota_critical"
	TypeETLError      Type = "etl_error"
	TypeETLCritical   Type = "etl_critical"
	TypeDatabaseError Type = "database_error"
	TypeAPIError      Type = "api_error"
	TypeSystemError   Type = "system_error"
)

// Event is one alert.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	Source    string         `json:"source"`
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(t Type, severity Severity, title, message string, context map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Context:   context,
		Source:    "reso-etl",
	}
}

// JSON encodes the event for transport.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, event *Event) error
}
