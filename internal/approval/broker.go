// Package approval bridges a blocking tool-approval request from the agent
// side to a decision made asynchronously by a human in a connected client.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// DefaultTimeout is how long a request waits for a decision.
const DefaultTimeout = 5 * time.Minute

// Request asks for permission to run a tool.
type Request struct {
	ID       string         `json:"approval_id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Reason   string         `json:"reason"`
}

// Decision is a human's answer to a Request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Pending describes a request still waiting for a decision.
type Pending struct {
	Request
	CreatedAt time.Time `json:"timestamp"`
}

// Notifier is told when requests arrive and decisions are made.
type Notifier interface {
	Requested(p Pending)
	Decided(id string, d Decision)
}

type entry struct {
	req      Request
	created  time.Time
	done     chan struct{}
	decision *Decision // written once, under Broker.mu, before done is closed
}

// Broker keeps the pending requests keyed by approval id.
type Broker struct {
	timeout  time.Duration
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
}

// NewBroker creates a broker. A zero timeout means DefaultTimeout.
func NewBroker(timeout time.Duration, notifier Notifier, log *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout:  timeout,
		notifier: notifier,
		log:      logger.OrDefault(log).With("component", "approval"),
		pending:  make(map[string]*entry),
		now:      time.Now,
	}
}

// Timeout returns how long requests wait.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Request registers req, notifies clients and blocks until a decision is
// made, the timeout passes or ctx is done. On timeout the returned decision
// is a denial and the error is model.ErrApprovalTimeout.
func (b *Broker) Request(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.ToolName) == "" {
		return Decision{}, fmt.Errorf("%w: tool_name is required", model.ErrInvalidRequest)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	created := b.now()
	e := &entry{req: req, created: created, done: make(chan struct{})}

	b.mu.Lock()
	if _, exists := b.pending[req.ID]; exists {
		b.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: approval %s is already pending", model.ErrInvalidRequest, req.ID)
	}
	b.pending[req.ID] = e
	b.mu.Unlock()

	log := b.log.With("approval_id", req.ID, "tool", req.ToolName)
	log.Info("approval requested")

	if b.notifier != nil {
		b.notifier.Requested(Pending{Request: req, CreatedAt: created})
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-e.done:
	case <-timer.C:
		waitErr = model.ErrApprovalTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	b.mu.Lock()
	if b.pending[req.ID] == e {
		delete(b.pending, req.ID)
	}
	decision := e.decision
	b.mu.Unlock()

	if decision != nil {
		log.Info("approval decided", "approved", decision.Approved)
		return *decision, nil
	}
	if waitErr == nil {
		// Swept as stale before a decision arrived.
		waitErr = model.ErrApprovalTimeout
	}
	if waitErr == model.ErrApprovalTimeout {
		log.Warn("approval timed out")
		return Decision{Approved: false, Reason: fmt.Sprintf("Approval request timed out (%s)", humanize(b.timeout))}, waitErr
	}
	log.Info("approval abandoned", "error", waitErr)
	return Decision{Approved: false, Reason: "Approval request cancelled"}, waitErr
}

// Decide records the decision for id and wakes its requester. Only the first
// decision for a pending request is accepted.
func (b *Broker) Decide(id string, d Decision) error {
	b.mu.Lock()
	e, ok := b.pending[id]
	if !ok || e.decision != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrApprovalNotFound, id)
	}
	e.decision = &d
	close(e.done)
	b.mu.Unlock()

	if b.notifier != nil {
		b.notifier.Decided(id, d)
	}
	return nil
}

// ListPending returns undecided requests, oldest first. Requests older than
// the timeout are dropped and their requesters released.
func (b *Broker) ListPending() []Pending {
	cutoff := b.now().Add(-b.timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, 0, len(b.pending))
	for id, e := range b.pending {
		if e.decision != nil {
			continue
		}
		if e.created.Before(cutoff) {
			delete(b.pending, id)
			close(e.done)
			continue
		}
		out = append(out, Pending{Request: e.req, CreatedAt: e.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func humanize(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.String()
}
