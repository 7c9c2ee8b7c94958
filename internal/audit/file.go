package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileLogger writes audit entries as append-only JSONL.
// Each entry is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type FileLogger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// NewFileLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewFileLogger(path string, logger *slog.Logger) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileLogger{
		path:   path,
		file:   f,
		logger: logger,
	}, nil
}

// Append serializes the entry as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *FileLogger) Append(ctx context.Context, e *Entry) error {
	Prepare(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("appending audit entry: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit entry logged",
		slog.String("audit_id", e.ID),
		slog.String("tool_id", e.ToolID),
		slog.String("status", string(e.Status)),
		slog.String("correlation_id", e.CorrelationID),
	)
	return nil
}

// List scans the log file and returns matching entries, newest first.
// Malformed lines are skipped.
func (a *FileLogger) List(ctx context.Context, f Filter) ([]Entry, error) {
	rf, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", a.path, err)
	}
	defer rf.Close()

	var matched []Entry
	sc := bufio.NewScanner(rf)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if f.Match(&e) {
			matched = append(matched, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return paginate(matched, f), nil
}

// Close closes the underlying file.
func (a *FileLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

var _ Store = (*FileLogger)(nil)
