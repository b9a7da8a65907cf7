package odata

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// quotaHeaders are the recognized per-window quota counters. Header names
// are normalized to lower_snake_case keys in the snapshot.
var quotaHeaders = []string{
	"Minute-Quota-Limit",
	"Minute-Quota-Remaining",
	"Hour-Quota-Limit",
	"Hour-Quota-Remaining",
	"Daily-Quota-Limit",
	"Daily-Quota-Remaining",
}

// quotaWindows maps a window name to its limit/remaining snapshot keys.
var quotaWindows = map[string][2]string{
	"minute": {"minute_quota_limit", "minute_quota_remaining"},
	"hour":   {"hour_quota_limit", "hour_quota_remaining"},
	"daily":  {"daily_quota_limit", "daily_quota_remaining"},
}

// QuotaSnapshot tracks the most recent quota counters reported by the API.
// Values parse to int64 when possible; unparseable header values are kept
// as raw strings rather than dropped. Lifetime is the process lifetime.
type QuotaSnapshot struct {
	mu        sync.RWMutex
	values    map[string]any
	updatedAt time.Time
}

// NewQuotaSnapshot creates an empty snapshot.
func NewQuotaSnapshot() *QuotaSnapshot {
	return &QuotaSnapshot{values: make(map[string]any)}
}

// Update parses recognized quota headers from a response, overwriting any
// previously recorded counters.
func (q *QuotaSnapshot) Update(headers http.Header) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, header := range quotaHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(header), "-", "_")
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			q.values[key] = n
		} else {
			q.values[key] = value
		}
	}
	q.updatedAt = time.Now().UTC()
}

// Values returns a copy of the current counters.
func (q *QuotaSnapshot) Values() map[string]any {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string]any, len(q.values))
	for k, v := range q.values {
		out[k] = v
	}
	return out
}

// UpdatedAt returns when the snapshot last changed.
func (q *QuotaSnapshot) UpdatedAt() time.Time {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.updatedAt
}

// Remaining returns the remaining counter for a window ("minute", "hour",
// "daily") when it is known and numeric.
func (q *QuotaSnapshot) Remaining(window string) (int64, bool) {
	keys, ok := quotaWindows[window]
	if !ok {
		return 0, false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	n, ok := q.values[keys[1]].(int64)
	return n, ok
}

// ApproachingLimit reports, per window, whether remaining/limit has fallen
// to or below the threshold. Windows without a known numeric limit are
// omitted from the result.
func (q *QuotaSnapshot) ApproachingLimit(threshold float64) map[string]bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string]bool)
	for window, keys := range quotaWindows {
		limit, ok := q.values[keys[0]].(int64)
		if !ok || limit <= 0 {
			continue
		}
		remaining, ok := q.values[keys[1]].(int64)
		if !ok {
			continue
		}
		out[window] = float64(remaining)/float64(limit) <= threshold
	}
	return out
}
