package stream

import (
	"context"
	"sync"
)

// fakeClient answers each query with the events produced by respond.
type fakeClient struct {
	mu      sync.Mutex
	prompts []string
	events  chan Event
	respond func(prompt string) []Event
	closed  bool

	connectErr error
	cfg        CLIConfig
}

func newFakeClient(respond func(string) []Event) *fakeClient {
	return &fakeClient{events: make(chan Event, 64), respond: respond}
}

func (f *fakeClient) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeClient) Query(ctx context.Context, prompt string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClientClosed
	}
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.respond != nil {
		go func() {
			for _, ev := range f.respond(prompt) {
				f.mu.Lock()
				closed := f.closed
				f.mu.Unlock()
				if closed {
					return
				}
				f.events <- ev
			}
		}()
	}
	return nil
}

func (f *fakeClient) Events() <-chan Event { return f.events }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func textEvent(text string) Event {
	return Event{Type: TypeAssistant, Message: &EventMessage{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: text}}}}
}

func resultEvent(result string) Event {
	return Event{Type: TypeResult, Subtype: "success", Result: result, SessionID: "sess-1", NumTurns: 1, TotalCostUSD: 0.0123, DurationMS: 1500}
}
