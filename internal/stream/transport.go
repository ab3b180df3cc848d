package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

const (
	// DefaultSendTimeout bounds how long Write waits for a turn to finish.
	DefaultSendTimeout = 5 * time.Minute

	stopTimeout   = 5 * time.Second
	taskQueueSize = 16
)

var (
	errStopped     = errors.New("stream transport stopping")
	errClientGone  = errors.New("agent connection closed")
	errSendTimeout = errors.New("timed out waiting for agent turn")
)

// Options configures a Transport.
type Options struct {
	SendTimeout time.Duration
	Logger      *slog.Logger

	// NewClient overrides how the agent connection is made.
	NewClient func(CLIConfig) Client
}

type task struct {
	prompt string
	reply  chan error // nil for fire-and-forget sends
}

// Transport owns a streaming agent connection. A single goroutine runs the
// client; callers hand it work through a task queue so turns never overlap.
type Transport struct {
	client Client
	opts   Options
	log    *slog.Logger
	format *formatter

	out     chan transport.OutputEvent
	tasks   chan task
	stopReq chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	ready     atomic.Bool
	resumeID  string // owned by the loop goroutine
	closeOnce sync.Once
}

// NewTransport connects to the agent described by spec and starts the
// worker goroutine.
func NewTransport(ctx context.Context, spec transport.SpawnOptions, opts Options) (*Transport, error) {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	opts.Logger = logger.OrDefault(opts.Logger)
	if opts.NewClient == nil {
		opts.NewClient = func(cfg CLIConfig) Client { return NewCLIClient(cfg) }
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("%w: no command configured", model.ErrTransportSpawnFailed)
	}

	log := opts.Logger.With("component", "stream", "session_id", spec.SessionID)
	client := opts.NewClient(CLIConfig{
		Command:     spec.Command,
		Args:        spec.Args,
		Env:         spec.Env,
		Dir:         spec.WorkingDir,
		ResumeToken: spec.ResumeToken,
		Logger:      opts.Logger,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransportSpawnFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		client:   client,
		opts:     opts,
		log:      log,
		format:   newFormatter(),
		out:      make(chan transport.OutputEvent, 64),
		tasks:    make(chan task, taskQueueSize),
		stopReq:  make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
		resumeID: spec.ResumeToken,
	}
	t.ready.Store(true)
	go t.run(runCtx)

	log.Info("stream transport started", "command", spec.Command, "resume", spec.ResumeToken != "")
	return t, nil
}

// Output implements transport.Transport.
func (t *Transport) Output() <-chan transport.OutputEvent {
	return t.out
}

// IsReady implements transport.Transport.
func (t *Transport) IsReady() bool {
	return t.ready.Load()
}

// Write sends a prompt and waits for the agent to finish the turn.
func (t *Transport) Write(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	if err := t.enqueue(ctx, task{prompt: text, reply: reply}); err != nil {
		return err
	}

	timer := time.NewTimer(t.opts.SendTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-t.done:
		return model.ErrTransportNotReady
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errSendTimeout
	}
}

// SendStreaming queues a prompt without waiting for its turn to finish.
func (t *Transport) SendStreaming(ctx context.Context, text string) error {
	return t.enqueue(ctx, task{prompt: text})
}

func (t *Transport) enqueue(ctx context.Context, tk task) error {
	if !t.IsReady() {
		return model.ErrTransportNotReady
	}
	select {
	case t.tasks <- tk:
		return nil
	case <-t.done:
		return model.ErrTransportNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and the agent connection. Streaming agents have no
// exit sequence, so graceful only affects how long the worker is given.
func (t *Transport) Close(ctx context.Context, graceful bool) error {
	t.closeOnce.Do(func() {
		t.ready.Store(false)
		close(t.stopReq)

		wait := stopTimeout
		if !graceful {
			wait = stopTimeout / 5
		}
		select {
		case <-t.done:
		case <-time.After(wait):
			t.log.Warn("stream worker did not stop in time, cancelling")
			t.cancel()
			<-t.done
		case <-ctx.Done():
			t.cancel()
			<-t.done
		}
		t.cancel()
		t.log.Info("stream transport closed")
	})
	return nil
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.out)
	defer func() {
		if err := t.client.Close(); err != nil {
			t.log.Warn("failed to close agent client", "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			t.ready.Store(false)
			t.log.Error("stream worker panicked", "panic", r)
		}
	}()

	events := t.client.Events()
	for {
		select {
		case <-t.stopReq:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				t.ready.Store(false)
				return
			}
			t.handle(ev)
		case tk := <-t.tasks:
			err := t.runTurn(ctx, tk.prompt)
			if tk.reply != nil {
				tk.reply <- err
			} else if err != nil {
				t.log.Warn("streaming send failed", "error", err)
			}
			if errors.Is(err, errClientGone) || errors.Is(err, errStopped) {
				t.ready.Store(false)
				return
			}
		}
	}
}

// runTurn sends one prompt and relays events until the agent reports a
// result for it.
func (t *Transport) runTurn(ctx context.Context, prompt string) error {
	t.format.reset()
	if err := t.client.Query(ctx, prompt); err != nil {
		if errors.Is(err, ErrClientClosed) {
			return errClientGone
		}
		return err
	}

	events := t.client.Events()
	for {
		select {
		case <-t.stopReq:
			return errStopped
		case <-ctx.Done():
			return errStopped
		case ev, ok := <-events:
			if !ok {
				return errClientGone
			}
			t.handle(ev)
			if ev.Type == TypeResult {
				if ev.IsError {
					return fmt.Errorf("agent turn failed: %s", ev.Result)
				}
				return nil
			}
		}
	}
}

func (t *Transport) handle(ev Event) {
	out := t.format.format(ev)
	if ev.SessionID != "" && ev.SessionID != t.resumeID && len(out) > 0 {
		t.resumeID = ev.SessionID
		out[0].ResumeToken = ev.SessionID
	}
	for _, oe := range out {
		t.emit(oe)
	}
}

func (t *Transport) emit(ev transport.OutputEvent) {
	select {
	case t.out <- ev:
	case <-t.stopReq:
		select {
		case t.out <- ev:
		case <-time.After(50 * time.Millisecond):
		}
	}
}
