// Package queue implements the bounded, single-consumer command queue that
// serializes client commands before they reach a transport.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

const (
	DefaultCapacity   = 100
	DefaultPutTimeout = time.Second
)

// Policy decides what Put does when the queue stays full past the put timeout.
type Policy string

const (
	// PolicyReject fails the command with model.ErrQueueSaturated.
	PolicyReject Policy = "reject"
	// PolicyRetry backs off and tries again before giving up.
	PolicyRetry Policy = "retry"
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyRetry:
		return PolicyRetry, nil
	default:
		return "", fmt.Errorf("unknown queue saturation policy %q", s)
	}
}

// Command is one queued client command.
type Command struct {
	Text     string
	ClientID string
	DeviceID string

	// Streaming dispatches without waiting for the agent's turn to finish.
	Streaming bool

	EnqueuedAt time.Time
}

// Options configures a Queue.
type Options struct {
	Capacity   int
	PutTimeout time.Duration
	Policy     Policy
	Retry      transport.RetryPolicy
}

// Queue is a bounded FIFO. Any number of goroutines may Put; exactly one
// should Get.
type Queue struct {
	ch   chan Command
	opts Options
}

// New creates a queue.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.PutTimeout <= 0 {
		opts.PutTimeout = DefaultPutTimeout
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = transport.DefaultRetryPolicy
	}
	return &Queue{ch: make(chan Command, opts.Capacity), opts: opts}
}

// Put enqueues cmd, waiting at most the put timeout for room (per attempt
// under PolicyRetry).
func (q *Queue) Put(ctx context.Context, cmd Command) error {
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	if q.opts.Policy != PolicyRetry {
		return q.put(ctx, cmd)
	}

	err := q.opts.Retry.Retry(ctx, func() error {
		err := q.put(ctx, cmd)
		if err != nil && !errors.Is(err, model.ErrQueueSaturated) {
			return transport.Permanent(err)
		}
		return err
	})
	return err
}

func (q *Queue) put(ctx context.Context, cmd Command) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
	}

	timer := time.NewTimer(q.opts.PutTimeout)
	defer timer.Stop()

	select {
	case q.ch <- cmd:
		return nil
	case <-timer.C:
		return model.ErrQueueSaturated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get blocks until a command is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (Command, error) {
	select {
	case cmd := <-q.ch:
		return cmd, nil
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Drain removes and returns every queued command without blocking.
func (q *Queue) Drain() []Command {
	var out []Command
	for {
		select {
		case cmd := <-q.ch:
			out = append(out, cmd)
		default:
			return out
		}
	}
}
