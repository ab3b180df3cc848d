package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CastHeader is the first line of an asciicast v2 recording.
type CastHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// CastEvent is one [offset, kind, data] line of a recording.
type CastEvent struct {
	Offset float64
	Kind   string // "o" output, "i" input, "r" resize
	Data   string
}

// MarshalJSON encodes the event as a three element array.
func (e CastEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Kind, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *CastEvent) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("invalid cast event: expected 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Offset); err != nil {
		return fmt.Errorf("invalid cast event offset: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Kind); err != nil {
		return fmt.Errorf("invalid cast event kind: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Data); err != nil {
		return fmt.Errorf("invalid cast event data: %w", err)
	}
	return nil
}

// Recorder writes a PTY session transcript in asciicast v2 format.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	file    *os.File
	started time.Time
	closed  bool
}

// CastPath returns the recording path for a session inside dir.
func CastPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".cast")
}

// NewRecorder creates the recording file at path and writes its header.
func NewRecorder(path string, cols, rows int, title string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := &Recorder{w: file, file: file, started: time.Now()}
	if err := r.writeHeader(cols, rows, title); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorderWithWriter records to w. Used by tests.
func NewRecorderWithWriter(w io.Writer, cols, rows int) (*Recorder, error) {
	r := &Recorder{w: w, started: time.Now()}
	if err := r.writeHeader(cols, rows, ""); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(cols, rows int, title string) error {
	header := CastHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.started.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal cast header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write cast header: %w", err)
	}
	return nil
}

// Output records bytes read from the terminal.
func (r *Recorder) Output(p []byte) {
	r.record("o", string(p))
}

// Input records bytes written to the terminal.
func (r *Recorder) Input(p []byte) {
	r.record("i", string(p))
}

// Resize records a terminal size change.
func (r *Recorder) Resize(cols, rows uint16) {
	r.record("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) record(kind, data string) {
	if r == nil || data == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	line, err := json.Marshal(CastEvent{
		Offset: time.Since(r.started).Seconds(),
		Kind:   kind,
		Data:   data,
	})
	if err != nil {
		return
	}
	r.w.Write(append(line, '\n'))
}

// Close stops recording and closes the file if the recorder owns one.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
