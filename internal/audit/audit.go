// Package audit appends broker decisions to a JSONL stream. Every mediator
// emits its event before the side effect it authorizes becomes observable;
// the writer only has to guarantee that appends are whole lines and that
// concurrent components never interleave.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Decision is the outcome recorded with an event.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// Event is one audit record. Detail holds component-specific fields; it must
// never contain credential material.
type Event struct {
	TS        time.Time         `json:"ts"`
	RequestID string            `json:"request_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Component string            `json:"component"`
	Category  string            `json:"category"`
	Decision  Decision          `json:"decision"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Log is an append-only JSONL writer with one file per calendar day.
type Log struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	day     string
	rotator *lumberjack.Logger
}

// NewLog creates the audit directory (owner-only) and returns a writer.
func NewLog(dir string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{dir: dir, logger: logger.Named("audit")}, nil
}

// Emit appends one event. The timestamp is stamped here if unset. Events are
// written synchronously so callers can order them before side effects.
func (l *Log) Emit(ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFileLocked(ev.TS); err != nil {
		return err
	}
	if _, err := l.rotator.Write(line); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ensureFileLocked switches to a new file when the UTC day changes.
func (l *Log) ensureFileLocked(ts time.Time) error {
	day := ts.Format("2006-01-02")
	if l.rotator != nil && day == l.day {
		return nil
	}

	if l.rotator != nil {
		if err := l.rotator.Close(); err != nil {
			l.logger.Warn("failed to close previous audit file", zap.Error(err))
		}
	}

	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl", day))
	l.rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB, size rotation within a day
		MaxBackups: 10,
		Compress:   true,
	}
	l.day = day

	// lumberjack creates with 0600 only once it writes; pre-create so the
	// mode is owner-only from the first byte.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("failed to set audit file mode: %w", err)
	}
	return f.Close()
}

// Close flushes and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator == nil {
		return nil
	}
	err := l.rotator.Close()
	l.rotator = nil
	return err
}
