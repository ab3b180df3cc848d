package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/agent"
	"github.com/remote-agent-terminal/agentrelay/internal/db"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/repository"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// fakeTransport records everything written to it. Output is fed by tests.
type fakeTransport struct {
	mu       sync.Mutex
	writes   []string
	raw      [][]byte
	sizes    [][2]uint16
	graceful *bool

	exitCommand string
	out         chan transport.OutputEvent
	ready       atomic.Bool
	closeOnce   sync.Once

	// onWrite runs after each recorded write.
	onWrite func(text string)
}

func newFakeTransport(exitCommand string) *fakeTransport {
	ft := &fakeTransport{exitCommand: exitCommand, out: make(chan transport.OutputEvent, 256)}
	ft.ready.Store(true)
	return ft
}

func (f *fakeTransport) Write(ctx context.Context, text string) error {
	if !f.ready.Load() {
		return model.ErrTransportNotReady
	}
	f.mu.Lock()
	f.writes = append(f.writes, text)
	f.mu.Unlock()
	if f.onWrite != nil {
		f.onWrite(text)
	}
	return nil
}

func (f *fakeTransport) WriteRaw(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, append([]byte(nil), p...))
	return nil
}

func (f *fakeTransport) Resize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, [2]uint16{rows, cols})
	return nil
}

func (f *fakeTransport) Scrollback() []byte { return []byte("$ ") }

func (f *fakeTransport) IsReady() bool { return f.ready.Load() }

func (f *fakeTransport) Output() <-chan transport.OutputEvent { return f.out }

func (f *fakeTransport) Close(ctx context.Context, graceful bool) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.graceful = &graceful
		if graceful && f.exitCommand != "" {
			f.writes = append(f.writes, f.exitCommand)
		}
		f.mu.Unlock()
		f.ready.Store(false)
		close(f.out)
	})
	return nil
}

// exit simulates the agent process going away on its own.
func (f *fakeTransport) exit() {
	f.closeOnce.Do(func() {
		f.ready.Store(false)
		close(f.out)
	})
}

func (f *fakeTransport) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeTransport) emit(content string) {
	f.out <- transport.OutputEvent{Type: transport.EventStreaming, Content: content, Role: model.MessageTypeAgent, Time: time.Now()}
}

// streamTransport is a transport with only the streaming capability.
type streamTransport struct {
	*plainTransport
	streamed chan string
}

func (s *streamTransport) SendStreaming(ctx context.Context, text string) error {
	s.streamed <- text
	return nil
}

// plainTransport exposes only the base Transport methods of a fake.
type plainTransport struct{ ft *fakeTransport }

func (p *plainTransport) Write(ctx context.Context, text string) error { return p.ft.Write(ctx, text) }
func (p *plainTransport) IsReady() bool                                { return p.ft.IsReady() }
func (p *plainTransport) Output() <-chan transport.OutputEvent         { return p.ft.Output() }
func (p *plainTransport) Close(ctx context.Context, graceful bool) error {
	return p.ft.Close(ctx, graceful)
}

// spawner hands out fake transports and records spawn requests.
type spawner struct {
	mu     sync.Mutex
	spawns []transport.SpawnOptions
	last   *fakeTransport
	fail   error

	// wrap optionally narrows the fake's capabilities.
	wrap func(*fakeTransport) transport.Transport
	// setup runs on each new fake before it is returned.
	setup func(*fakeTransport)
}

func (s *spawner) New(ctx context.Context, spec agent.Spec, opts transport.SpawnOptions) (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawns = append(s.spawns, opts)
	if s.fail != nil {
		return nil, s.fail
	}
	ft := newFakeTransport(spec.ExitCommand)
	if s.setup != nil {
		s.setup(ft)
	}
	s.last = ft
	if s.wrap != nil {
		return s.wrap(ft), nil
	}
	return ft, nil
}

func (s *spawner) Last() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type recorded struct {
	Notification
	afterSubscribe bool
}

// recorder is a Broadcaster that keeps every notification.
type recorder struct {
	mu         sync.Mutex
	notes      []recorded
	subscribed atomic.Bool
}

func (r *recorder) Emit(room, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, recorded{
		Notification:   Notification{Room: room, Event: event, Payload: payload},
		afterSubscribe: r.subscribed.Load(),
	})
}

func (r *recorder) Events(name string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, n := range r.notes {
		if n.Event == name {
			out = append(out, n)
		}
	}
	return out
}

var ptyAgent = agent.Spec{Name: "gemini", DisplayName: "Gemini", Command: "gemini", ExitCommand: "/quit", Transport: transport.KindPTY}

var streamAgent = agent.Spec{Name: "claude", DisplayName: "Claude", Command: "claude", Transport: transport.KindStream}

type testEnv struct {
	manager *Manager
	store   *repository.SessionRepository
	spawner *spawner
	events  *recorder
	dir     string
}

func setupTestManager(t *testing.T, spec agent.Spec, mutate func(*Config)) *testEnv {
	t.Helper()

	database, err := db.NewTestDB()
	require.NoError(t, err)

	env := &testEnv{
		store:   repository.NewSessionRepository(database, spec.Name),
		spawner: &spawner{},
		events:  &recorder{},
		dir:     t.TempDir(),
	}
	cfg := Config{
		Agent:        spec,
		Store:        env.store,
		Broadcaster:  env.events,
		NewTransport: env.spawner.New,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.manager = NewManager(cfg)

	t.Cleanup(func() {
		if _, err := env.manager.End(context.Background(), false); err != nil && !errors.Is(err, model.ErrNoActiveSession) {
			t.Errorf("cleanup end: %v", err)
		}
		database.Close()
	})
	return env
}

func (e *testEnv) messages(t *testing.T, sessionID string) []*model.Message {
	t.Helper()
	msgs, err := e.store.GetSessionMessages(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return msgs
}
