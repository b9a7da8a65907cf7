package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/reso-etl/internal/logging"
)

type recordingSink struct {
	name   string
	events []*Event
	err    error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, event *Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestManagerFansOut(t *testing.T) {
	m := NewManager()
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	m.AddSink(a)
	m.AddSink(b)

	m.Send(context.Background(), NewEvent(TypeETLError, SeverityError, "sync failed", "boom", nil))

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, []string{"a", "b"}, m.SinkNames())
}

func TestManagerStampsRunIDFromContext(t *testing.T) {
	m := NewManager()
	sink := &recordingSink{name: "a"}
	m.AddSink(sink)

	ctx := logging.WithRunID(context.Background(), "abc123")
	m.Send(ctx, NewEvent(TypeETLError, SeverityError, "sync failed", "boom", nil))
	m.Send(ctx, NewEvent(TypeAPIError, SeverityError, "request failed", "boom", map[string]any{"data_type": "Property"}))

	require.Len(t, sink.events, 2)
	assert.Equal(t, "abc123", sink.events[0].Context["run_id"])
	assert.Equal(t, "abc123", sink.events[1].Context["run_id"])
	assert.Equal(t, "Property", sink.events[1].Context["data_type"], "existing context keys survive")
}

func TestManagerSuppressesRepeats(t *testing.T) {
	m := NewManager()
	sink := &recordingSink{name: "a"}
	m.AddSink(sink)

	now := time.Now()
	m.now = func() time.Time { return now }

	event := func() *Event {
		return NewEvent(TypeQuotaWarning, SeverityWarning, "quota low", "msg", nil)
	}

	m.Send(context.Background(), event())
	m.Send(context.Background(), event())
	assert.Len(t, sink.events, 1, "identical alert within the window is suppressed")

	// A different title is not suppressed.
	m.Send(context.Background(), NewEvent(TypeQuotaWarning, SeverityWarning, "other", "msg", nil))
	assert.Len(t, sink.events, 2)

	// After the window the original fires again.
	m.now = func() time.Time { return now.Add(6 * time.Minute) }
	m.Send(context.Background(), event())
	assert.Len(t, sink.events, 3)
}

func TestManagerSinkFailureDoesNotPropagate(t *testing.T) {
	m := NewManager()
	m.AddSink(&recordingSink{name: "broken", err: errors.New("down")})

	// Must not panic or error.
	m.Send(context.Background(), NewEvent(TypeSystemError, SeverityError, "t", "m", nil))
	assert.Len(t, m.History(), 1)
}

func TestManagerQuotaSeverityEscalates(t *testing.T) {
	m := NewManager()
	sink := &recordingSink{name: "a"}
	m.AddSink(sink)

	m.QuotaWarning(context.Background(), "daily", 85, 1500, 10000)
	m.QuotaWarning(context.Background(), "hour", 97, 30, 1000)

	require.Len(t, sink.events, 2)
	assert.Equal(t, TypeQuotaWarning, sink.events[0].Type)
	assert.Equal(t, SeverityWarning, sink.events[0].Severity)
	assert.Equal(t, TypeQuotaCritical, sink.events[1].Type)
	assert.Equal(t, SeverityCritical, sink.events[1].Severity)
}

func TestWebhookSinkDelivers(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, map[string]string{"X-Token": "abc"})
	event := NewEvent(TypeAPIError, SeverityError, "auth failed", "401", map[string]any{"k": "v"})
	require.NoError(t, sink.Send(context.Background(), event))

	assert.Equal(t, event.ID, received.ID)
	assert.Equal(t, "auth failed", received.Title)
	assert.Equal(t, "reso-etl", received.Source)
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, nil)
	sink.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := sink.Send(context.Background(), NewEvent(TypeETLError, SeverityError, "t", "m", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestWebhookSinkGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, nil)
	sink.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := sink.Send(context.Background(), NewEvent(TypeETLError, SeverityError, "t", "m", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), NewEvent(TypeETLError, SeverityError, "first", "m", nil)))
	require.NoError(t, sink.Send(context.Background(), NewEvent(TypeETLError, SeverityError, "second", "m", nil)))

	matches, err := filepath.Glob(filepath.Join(dir, "alerts-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &event))
	assert.Equal(t, "second", event.Title)
}
