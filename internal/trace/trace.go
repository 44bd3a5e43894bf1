// Package trace records one telemetry line per agent run to daily JSONL
// files and optionally exports spans to an OTLP collector.
package trace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one agent run's telemetry.
type Record struct {
	Timestamp         int64  `json:"ts"`
	ChatID            string `json:"chatId"`
	GroupFolder       string `json:"groupFolder"`
	Model             string `json:"model"`
	Lane              string `json:"lane,omitempty"`
	LatencyMs         int64  `json:"latencyMs"`
	TokensPrompt      int    `json:"tokensPrompt,omitempty"`
	TokensCompletion  int    `json:"tokensCompletion,omitempty"`
	ToolCalls         int    `json:"toolCalls,omitempty"`
	MemoryRecallCount int    `json:"memoryRecallCount,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	Category          string `json:"category,omitempty"`
	Attempts          int    `json:"attempts,omitempty"`
}

// Writer appends records to traces/trace-YYYY-MM-DD.jsonl, rolling the file
// at the UTC day boundary.
type Writer struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
	now    func() time.Time

	day  string
	file *os.File
}

// NewWriter builds a trace writer over dir. The directory is created on the
// first append.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, logger: logger, now: time.Now}
}

// Append writes one record. Failures are logged, never fatal; telemetry must
// not take the pipeline down.
func (w *Writer) Append(rec Record) {
	if rec.Timestamp == 0 {
		rec.Timestamp = w.now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("trace marshal failed", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.fileForToday()
	if err != nil {
		w.logger.Warn("trace file unavailable", "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		w.logger.Warn("trace append failed", "error", err)
	}
}

// Close releases the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// FileFor returns the trace file path for a given day.
func (w *Writer) FileFor(day string) string {
	return filepath.Join(w.dir, "trace-"+day+".jsonl")
}

func (w *Writer) fileForToday() (*os.File, error) {
	day := w.now().UTC().Format("2006-01-02")
	if w.file != nil && day == w.day {
		return w.file, nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create traces dir: %w", err)
	}
	f, err := os.OpenFile(w.FileFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w.day = day
	w.file = f
	return f, nil
}
