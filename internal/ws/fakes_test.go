package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/agent"
	"github.com/remote-agent-terminal/agentrelay/internal/db"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/repository"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// echoTransport answers every command with "echo: <command>".
type echoTransport struct {
	mu        sync.Mutex
	raw       []string
	out       chan transport.OutputEvent
	ready     atomic.Bool
	closeOnce sync.Once
}

func newEchoTransport() *echoTransport {
	t := &echoTransport{out: make(chan transport.OutputEvent, 64)}
	t.ready.Store(true)
	return t
}

func (t *echoTransport) Write(ctx context.Context, text string) error {
	if !t.ready.Load() {
		return model.ErrTransportNotReady
	}
	t.out <- transport.OutputEvent{
		Type:    transport.EventStreaming,
		Content: "echo: " + text,
		Role:    model.MessageTypeAgent,
		Time:    time.Now(),
	}
	return nil
}

func (t *echoTransport) WriteRaw(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.raw = append(t.raw, string(p))
	return nil
}

func (t *echoTransport) Raw() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.raw...)
}

func (t *echoTransport) IsReady() bool                        { return t.ready.Load() }
func (t *echoTransport) Output() <-chan transport.OutputEvent { return t.out }

func (t *echoTransport) Close(ctx context.Context, graceful bool) error {
	t.closeOnce.Do(func() {
		t.ready.Store(false)
		close(t.out)
	})
	return nil
}

// env is a registry of managers backed by an in-memory store and echo
// transports, broadcasting through a real HubManager.
type env struct {
	hubs     *HubManager
	registry *session.Registry
	router   *Router
	dir      string

	mu   sync.Mutex
	last *echoTransport
}

func newEnv(t *testing.T, approvals Approvals) *env {
	t.Helper()

	conn, err := db.NewTestDB()
	require.NoError(t, err)

	e := &env{hubs: NewHubManager(nil), dir: t.TempDir()}
	catalog := agent.NewCatalog(map[string]agent.Spec{
		"claude": {Transport: transport.KindPTY, ExitCommand: "exit"},
	})
	e.registry = session.NewRegistry(catalog, func(spec agent.Spec) session.Config {
		return session.Config{
			Agent:       spec,
			Store:       repository.NewSessionRepository(conn, spec.Name),
			Broadcaster: e.hubs,
			NewTransport: func(ctx context.Context, spec agent.Spec, opts transport.SpawnOptions) (transport.Transport, error) {
				tr := newEchoTransport()
				e.mu.Lock()
				e.last = tr
				e.mu.Unlock()
				return tr, nil
			},
		}
	})
	e.router = NewRouter(e.registry, approvals, e.hubs, nil)

	t.Cleanup(func() {
		e.registry.Close(context.Background())
		e.hubs.Close()
		conn.Close()
	})
	return e
}

func (e *env) Last() *echoTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// client registers a socket-less client with the hub manager.
func (e *env) client(id string) *Client {
	c := NewClient(id, nil)
	e.hubs.Register(c)
	return c
}

func (e *env) dispatch(c *Client, event string, data any) {
	raw, _ := json.Marshal(data)
	e.router.Dispatch(context.Background(), c, Envelope{Event: event, Data: raw})
}

// frame is a decoded envelope.
type frame struct {
	Event string
	Data  map[string]any
}

// next waits for the next frame sent to c.
func next(t *testing.T, c *Client) frame {
	t.Helper()
	select {
	case data, ok := <-c.SendChan():
		require.True(t, ok, "client closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		f := frame{Event: env.Event}
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &f.Data)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

// nextEvent skips frames until one named event arrives.
func nextEvent(t *testing.T, c *Client, event string) frame {
	t.Helper()
	for {
		f := next(t, c)
		if f.Event == event {
			return f
		}
	}
}

// collect reads frames until one of each named event has arrived, in any
// order.
func collect(t *testing.T, c *Client, events ...string) map[string]frame {
	t.Helper()
	want := make(map[string]bool, len(events))
	for _, ev := range events {
		want[ev] = true
	}
	got := make(map[string]frame, len(events))
	for len(got) < len(want) {
		f := next(t, c)
		if want[f.Event] {
			if _, seen := got[f.Event]; !seen {
				got[f.Event] = f
			}
		}
	}
	return got
}

// drain empties c's pending frames.
func drain(c *Client) {
	for {
		select {
		case <-c.SendChan():
		default:
			return
		}
	}
}
