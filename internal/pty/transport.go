package pty

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/remote-agent-terminal/agentrelay/internal/buffer"
	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

const (
	// DefaultScrollbackSize is the raw output kept for terminal hot restore (64KB).
	DefaultScrollbackSize = 64 * 1024

	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	DefaultDebounce    = 50 * time.Millisecond
	DefaultPollTimeout = 10 * time.Millisecond

	// KeyEnter submits the current input line.
	KeyEnter = "\r"

	// KeyBackspace deletes one character.
	KeyBackspace = "\x7f"

	// maxReadErrors is how many consecutive read failures end the reader.
	maxReadErrors = 10

	readErrorPause = 100 * time.Millisecond
	exitGrace      = 500 * time.Millisecond
	stopTimeout    = 5 * time.Second
)

// Options configures a Transport.
type Options struct {
	Debounce    time.Duration
	PollTimeout time.Duration
	Rows, Cols  uint16

	// RecordingPath enables an asciicast recording of the session.
	RecordingPath  string
	ScrollbackSize int
	Retry          transport.RetryPolicy
	Logger         *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.ScrollbackSize <= 0 {
		o.ScrollbackSize = DefaultScrollbackSize
	}
	if o.Retry.Attempts == 0 {
		o.Retry = transport.DefaultRetryPolicy
	}
	o.Logger = logger.OrDefault(o.Logger)
}

// Transport drives an agent CLI through a pseudoterminal. Output is read by
// a single goroutine and debounced into output events.
type Transport struct {
	proc        *Process
	exitCommand string
	opts        Options
	log         *slog.Logger

	out        chan transport.OutputEvent
	scrollback *buffer.RingBuffer
	recorder   *logger.Recorder

	writeMu sync.Mutex
	closed  bool // guarded by writeMu
	ready   atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewTransport spawns spec's command on a pseudoterminal.
func NewTransport(spec transport.SpawnOptions, opts Options) (*Transport, error) {
	opts.applyDefaults()

	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("%w: no command configured", model.ErrTransportSpawnFailed)
	}

	proc, err := Start(StartOptions{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Dir:     spec.WorkingDir,
		Rows:    opts.Rows,
		Cols:    opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransportSpawnFailed, err)
	}

	t := &Transport{
		proc:        proc,
		exitCommand: spec.ExitCommand,
		opts:        opts,
		log:         opts.Logger.With("component", "pty", "session_id", spec.SessionID, "pid", proc.PID()),
		out:         make(chan transport.OutputEvent, 64),
		scrollback:  buffer.NewRingBuffer(opts.ScrollbackSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	if opts.RecordingPath != "" {
		rows, cols := opts.Rows, opts.Cols
		if rows == 0 || cols == 0 {
			rows, cols = 24, 80
		}
		rec, err := logger.NewRecorder(opts.RecordingPath, int(cols), int(rows), spec.Command)
		if err != nil {
			t.log.Warn("recording disabled", "error", err)
		} else {
			t.recorder = rec
		}
	}

	t.ready.Store(true)
	go t.readLoop()

	t.log.Info("pty transport started", "command", spec.Command, "dir", spec.WorkingDir)
	return t, nil
}

// Output implements transport.Transport.
func (t *Transport) Output() <-chan transport.OutputEvent {
	return t.out
}

// IsReady reports whether the child is alive and the reader is running.
func (t *Transport) IsReady() bool {
	if !t.ready.Load() {
		return false
	}
	select {
	case <-t.proc.Exited():
		return false
	default:
		return true
	}
}

// PID returns the child's process ID.
func (t *Transport) PID() int {
	return t.proc.PID()
}

// Write sends one command line, then nudges the terminal with a carriage
// return so line-editing CLIs submit it.
func (t *Transport) Write(ctx context.Context, text string) error {
	line := strings.TrimSpace(text) + "\n"
	if err := t.writeRetry(ctx, []byte(line)); err != nil {
		return err
	}
	return t.writeRetry(ctx, []byte(KeyEnter))
}

// WriteRaw sends bytes exactly as given.
func (t *Transport) WriteRaw(p []byte) error {
	return t.writeRetry(context.Background(), p)
}

func (t *Transport) writeRetry(ctx context.Context, p []byte) error {
	err := t.opts.Retry.Retry(ctx, func() error {
		if !t.IsReady() {
			return transport.Permanent(model.ErrTransportNotReady)
		}
		return t.write(p)
	})
	if err != nil {
		if t.IsReady() {
			t.log.Error("pty write failed, marking transport not ready", "error", err)
			t.ready.Store(false)
		}
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

func (t *Transport) write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed {
		return transport.Permanent(model.ErrTransportNotReady)
	}
	if err := writeFD(t.proc.fd, p); err != nil {
		return err
	}
	t.recorder.Input(p)
	return nil
}

// Resize changes the terminal window size.
func (t *Transport) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	if !t.IsReady() {
		return model.ErrTransportNotReady
	}
	if err := setWinsize(t.proc.fd, rows, cols); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	t.recorder.Resize(cols, rows)
	return nil
}

// Scrollback returns the most recent raw terminal output.
func (t *Transport) Scrollback() []byte {
	return t.scrollback.Bytes()
}

// Close stops the reader and the child. With graceful set, the configured
// exit command is typed first and the child gets a short grace period.
func (t *Transport) Close(ctx context.Context, graceful bool) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.shutdown(ctx, graceful)
	})
	return t.closeErr
}

func (t *Transport) shutdown(ctx context.Context, graceful bool) error {
	if graceful && t.exitCommand != "" && t.IsReady() {
		if err := t.write([]byte(t.exitCommand + "\n")); err != nil {
			t.log.Warn("failed to send exit command", "error", err)
		}
		select {
		case <-t.proc.Exited():
		case <-time.After(exitGrace):
		case <-ctx.Done():
		}
	}

	t.ready.Store(false)
	close(t.stop)

	select {
	case <-t.done:
	case <-time.After(stopTimeout):
		t.log.Warn("pty reader did not stop in time")
	}

	t.proc.Stop(stopTimeout)

	var firstErr error
	t.writeMu.Lock()
	t.closed = true
	if err := t.proc.Master.Close(); err != nil {
		firstErr = err
	}
	t.writeMu.Unlock()
	if err := t.recorder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	t.log.Info("pty transport closed", "exit_code", t.proc.ExitCode())
	return firstErr
}

// readLoop polls the master with a short timeout, accumulates decoded text
// and flushes it once the terminal has been quiet for the debounce period.
func (t *Transport) readLoop() {
	defer close(t.done)
	defer close(t.out)
	defer func() {
		if r := recover(); r != nil {
			t.ready.Store(false)
			t.log.Error("pty reader panicked", "panic", r)
		}
	}()

	buf := make([]byte, DefaultReadBufferSize)
	var (
		text     strings.Builder
		partial  []byte
		lastRead time.Time
		errCount int
	)

	flush := func() {
		if text.Len() == 0 {
			return
		}
		t.emit(text.String())
		text.Reset()
	}

	for {
		select {
		case <-t.stop:
			flush()
			return
		default:
		}

		readable, hup, err := pollReadable(t.proc.fd, t.opts.PollTimeout)
		if err != nil {
			errCount++
			t.log.Warn("pty poll failed", "error", err, "consecutive", errCount)
			if errCount >= maxReadErrors {
				flush()
				t.ready.Store(false)
				return
			}
			time.Sleep(readErrorPause)
			continue
		}

		if readable {
			n, err := readFD(t.proc.fd, buf)
			if err != nil {
				// EIO once the child has exited and the slave is closed.
				t.log.Debug("pty read ended", "error", err)
				flush()
				t.ready.Store(false)
				return
			}
			errCount = 0
			if n == 0 {
				continue
			}

			data := buf[:n]
			t.scrollback.Write(data)
			t.recorder.Output(data)

			partial = append(partial, data...)
			complete := completeUTF8(partial)
			text.Write(partial[:complete])
			partial = append(partial[:0], partial[complete:]...)

			lastRead = time.Now()
			continue
		}

		if hup {
			flush()
			t.ready.Store(false)
			return
		}

		if text.Len() > 0 && time.Since(lastRead) > t.opts.Debounce {
			flush()
		}
	}
}

func (t *Transport) emit(content string) {
	ev := transport.OutputEvent{
		Type:    transport.EventStreaming,
		Content: content,
		Role:    model.MessageTypeAgent,
		Time:    time.Now(),
	}
	select {
	case t.out <- ev:
	case <-t.stop:
		// The pipeline may already be gone; drop rather than block shutdown.
		select {
		case t.out <- ev:
		case <-time.After(t.opts.Debounce):
		}
	}
}

// completeUTF8 returns the length of the longest prefix of p that does not
// end in a truncated multi-byte sequence.
func completeUTF8(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
