package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookSink POSTs events as JSON to an HTTP endpoint, retrying transient
// failures a fixed number of times.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
	retries int
	log     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
		retries: 2,
		log:     slog.With("component", "alert", "sink", "webhook"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Send delivers one event, retrying on transport errors and 5xx responses.
func (s *WebhookSink) Send(ctx context.Context, event *Event) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return err
			}
		}

		lastErr = s.post(ctx, payload)
		if lastErr == nil {
			return nil
		}
		s.log.Warn("webhook delivery failed", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", s.retries+1, lastErr)
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
