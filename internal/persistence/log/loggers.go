// Package log writes hourly rotated, zstd compressed JSONL event files.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxellight.ai/internal/lighting"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// RunEvent is the JSONL form of a finished task.
type RunEvent struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	World       string `json:"world"`
	State       string `json:"state"`
	Chunks      int    `json:"chunks"`
	Failed      int    `json:"failed_loads,omitempty"`
	Sweeps      int    `json:"sweeps"`
	Capped      int    `json:"capped,omitempty"`
	Sections    int    `json:"sections"`
	WriteErrors int    `json:"write_errors,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
	StartedAt   string `json:"started_at"`
	DurationMS  int64  `json:"duration_ms"`
}

func NewRunEvent(r lighting.Result) RunEvent {
	return RunEvent{
		ID:          r.ID.String(),
		Kind:        r.Kind,
		World:       r.World,
		State:       r.State.String(),
		Chunks:      r.Chunks,
		Failed:      r.Failed,
		Sweeps:      r.Sweeps,
		Capped:      r.Capped,
		Sections:    r.Sections,
		WriteErrors: r.WriteErrors,
		TimedOut:    r.TimedOut,
		StartedAt:   r.Started.UTC().Format(time.RFC3339Nano),
		DurationMS:  r.Duration().Milliseconds(),
	}
}

// RunLogger writes one JSONL entry per finished task (compressed).
type RunLogger struct {
	w      *JSONLZstdWriter
	errors func(error)
}

// NewRunLogger logs under dataDir/runs. onErr receives write failures and
// may be nil.
func NewRunLogger(dataDir string, onErr func(error)) *RunLogger {
	return &RunLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "runs"), "runs"), errors: onErr}
}

func (l *RunLogger) WriteRun(r lighting.Result) error { return l.w.Write(NewRunEvent(r)) }

func (l *RunLogger) RecordRun(r lighting.Result) {
	if err := l.WriteRun(r); err != nil && l.errors != nil {
		l.errors(err)
	}
}

func (l *RunLogger) Close() error { return l.w.Close() }
