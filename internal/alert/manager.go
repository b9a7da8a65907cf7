package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openlistings/reso-etl/internal/logging"
)

// defaultSuppressionWindow is how long a repeated alert stays quiet.
const defaultSuppressionWindow = 5 * time.Minute

// Manager fans events out to every configured sink, suppressing repeats of
// the same type+title within the suppression window.
type Manager struct {
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	sinks       []Sink
	suppression time.Duration
	lastSent    map[string]time.Time
	history     []*Event
}

// NewManager creates a manager with no sinks.
func NewManager() *Manager {
	return &Manager{
		log:         slog.With("component", "alert"),
		now:         time.Now,
		suppression: defaultSuppressionWindow,
		lastSent:    make(map[string]time.Time),
	}
}

// SetSuppression overrides the repeat-suppression window. Zero or negative
// disables suppression.
func (m *Manager) SetSuppression(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppression = d
}

// AddSink registers a delivery sink.
func (m *Manager) AddSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
	m.log.Info("added alert sink", "sink", sink.Name())
}

// SinkNames lists the registered sinks.
func (m *Manager) SinkNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return names
}

// Send delivers an event through every sink. A suppressed event is dropped
// silently; sink failures are logged but do not fail the caller. A run ID
// carried in the context is stamped onto the event.
func (m *Manager) Send(ctx context.Context, event *Event) {
	if runID := logging.RunID(ctx); runID != "" {
		if event.Context == nil {
			event.Context = make(map[string]any)
		}
		event.Context["run_id"] = runID
	}

	key := fmt.Sprintf("%s:%s", event.Type, event.Title)

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && m.now().Sub(last) < m.suppression {
		m.mu.Unlock()
		m.log.Debug("alert suppressed", "key", key)
		return
	}
	m.lastSent[key] = m.now()
	m.history = append(m.history, event)
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	if len(sinks) == 0 {
		m.log.Warn("no alert sinks configured", "title", event.Title)
		return
	}

	for _, sink := range sinks {
		if err := sink.Send(ctx, event); err != nil {
			m.log.Error("alert delivery failed", "sink", sink.Name(), "error", err)
		} else {
			m.log.Info("alert sent", "sink", sink.Name(), "title", event.Title)
		}
	}
}

// History returns a copy of every event accepted (not suppressed) so far.
func (m *Manager) History() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.history...)
}

// QuotaWarning emits a quota-threshold event; critical when usage crosses
// 95 percent.
func (m *Manager) QuotaWarning(ctx context.Context, window string, usagePercent float64, remaining, limit int64) {
	eventType := TypeQuotaWarning
	severity := SeverityWarning
	if usagePercent >= 95 {
		eventType = TypeQuotaCritical
		severity = SeverityCritical
	}
	m.Send(ctx, NewEvent(eventType, severity,
		fmt.Sprintf("API quota %s window at %.1f%%", window, usagePercent),
		fmt.Sprintf("%d of %d calls remaining in the %s window", remaining, limit, window),
		map[string]any{
			"window":        window,
			"usage_percent": usagePercent,
			"remaining":     remaining,
			"limit":         limit,
		}))
}

// AuthFailure emits an authentication failure event.
func (m *Manager) AuthFailure(ctx context.Context, err error) {
	m.Send(ctx, NewEvent(TypeAPIError, SeverityCritical,
		"API authentication failed",
		err.Error(),
		nil))
}

// RateLimitExhausted emits an event for a fetch that exhausted its retries.
func (m *Manager) RateLimitExhausted(ctx context.Context, dataType string, err error) {
	m.Send(ctx, NewEvent(TypeAPIError, SeverityError,
		fmt.Sprintf("Rate limit exhausted for %s", dataType),
		err.Error(),
		map[string]any{"data_type": dataType}))
}

// RunFailure emits an event for a failed sync run.
func (m *Manager) RunFailure(ctx context.Context, runID string, err error) {
	m.Send(ctx, NewEvent(TypeETLCritical, SeverityCritical,
		"Sync run failed",
		err.Error(),
		map[string]any{"run_id": runID}))
}
