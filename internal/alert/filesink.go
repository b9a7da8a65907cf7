package alert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink appends events as JSON lines to a local file. Used as a durable
// fallback when no webhook is configured, and alongside one so alerts
// survive endpoint outages.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a file sink, creating the parent directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create alert directory: %w", err)
	}
	return &FileSink{
		path: filepath.Join(dir, fmt.Sprintf("alerts-%s.jsonl", time.Now().UTC().Format("2006-01-02"))),
	}, nil
}

func (s *FileSink) Name() string { return "file" }

// Send appends one event.
func (s *FileSink) Send(ctx context.Context, event *Event) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open alert file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}
