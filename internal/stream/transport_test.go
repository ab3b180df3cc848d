package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

func newTestTransport(t *testing.T, client *fakeClient) *Transport {
	t.Helper()
	tr, err := NewTransport(context.Background(), transport.SpawnOptions{
		SessionID:  "s1",
		Command:    "claude",
		WorkingDir: t.TempDir(),
	}, Options{
		SendTimeout: 2 * time.Second,
		NewClient: func(cfg CLIConfig) Client {
			client.cfg = cfg
			return client
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close(context.Background(), false) })
	return tr
}

func collect(t *testing.T, out <-chan transport.OutputEvent, n int) []transport.OutputEvent {
	t.Helper()
	var events []transport.OutputEvent
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-out:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestTransport_WriteWaitsForTurn(t *testing.T) {
	client := newFakeClient(func(prompt string) []Event {
		return []Event{
			{Type: TypeSystem, Subtype: SubtypeInit, SessionID: "sess-1", CWD: "/work", Model: "sonnet"},
			textEvent("hello"),
			textEvent("world"),
			resultEvent("done"),
		}
	})
	tr := newTestTransport(t, client)

	require.NoError(t, tr.Write(context.Background(), "say hi"))
	assert.Equal(t, []string{"say hi"}, client.Prompts())

	events := collect(t, tr.Output(), 6)
	require.Len(t, events, 6)

	assert.Equal(t, transport.EventInit, events[0].Type)
	assert.Equal(t, "sess-1", events[0].ResumeToken)

	assert.Equal(t, transport.EventAssistant, events[1].Type)
	assert.Equal(t, transport.DeliverLive, events[1].Delivery)
	assert.Equal(t, "hello", events[1].Content)

	assert.Equal(t, transport.EventAssistant, events[3].Type)
	assert.Equal(t, transport.DeliverHistory, events[3].Delivery)
	assert.Equal(t, "hello\nworld", events[3].Content)

	assert.Equal(t, transport.EventFinalResult, events[4].Type)
	assert.Equal(t, "Final Result\ndone", events[4].Content)
	assert.Equal(t, transport.EventUsage, events[5].Type)
	assert.Contains(t, events[5].Content, "Cost: $0.012300")
}

func TestTransport_TurnsRunInOrder(t *testing.T) {
	client := newFakeClient(func(prompt string) []Event {
		return []Event{textEvent("re: " + prompt), resultEvent("")}
	})
	tr := newTestTransport(t, client)

	ctx := context.Background()
	require.NoError(t, tr.SendStreaming(ctx, "one"))
	require.NoError(t, tr.SendStreaming(ctx, "two"))
	require.NoError(t, tr.Write(ctx, "three"))

	assert.Equal(t, []string{"one", "two", "three"}, client.Prompts())

	var live []string
	for _, ev := range collect(t, tr.Output(), 12) {
		if ev.Type == transport.EventAssistant && ev.Delivery == transport.DeliverLive {
			live = append(live, ev.Content)
		}
	}
	assert.Equal(t, []string{"re: one", "re: two", "re: three"}, live)
}

func TestTransport_ErrorResult(t *testing.T) {
	client := newFakeClient(func(prompt string) []Event {
		return []Event{{Type: TypeResult, Subtype: "error_during_execution", IsError: true, Result: "boom"}}
	})
	tr := newTestTransport(t, client)

	err := tr.Write(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, tr.IsReady(), "a failed turn does not end the session")

	events := collect(t, tr.Output(), 2)
	assert.Equal(t, transport.EventError, events[0].Type)
	assert.Equal(t, "Error: boom", events[0].Content)
}

func TestTransport_CloseAbortsTurn(t *testing.T) {
	client := newFakeClient(nil) // never answers
	tr := newTestTransport(t, client)

	errc := make(chan error, 1)
	go func() { errc <- tr.Write(context.Background(), "hang") }()

	require.Eventually(t, func() bool { return len(client.Prompts()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close(context.Background(), true))

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after close")
	}

	assert.False(t, tr.IsReady())
	assert.True(t, errors.Is(tr.Write(context.Background(), "again"), model.ErrTransportNotReady))

	_, ok := <-tr.Output()
	assert.False(t, ok, "output closes after Close")
}

func TestTransport_ClientExitClosesOutput(t *testing.T) {
	client := newFakeClient(nil)
	tr := newTestTransport(t, client)

	close(client.events)

	select {
	case _, ok := <-tr.Output():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed")
	}
	assert.False(t, tr.IsReady())
}

func TestTransport_SpawnFailure(t *testing.T) {
	client := newFakeClient(nil)
	client.connectErr = errors.New("exec: not found")

	_, err := NewTransport(context.Background(), transport.SpawnOptions{Command: "claude"}, Options{
		NewClient: func(CLIConfig) Client { return client },
	})
	assert.ErrorIs(t, err, model.ErrTransportSpawnFailed)

	_, err = NewTransport(context.Background(), transport.SpawnOptions{}, Options{})
	assert.ErrorIs(t, err, model.ErrTransportSpawnFailed)
}

func TestTransport_ResumeTokenPassedToClient(t *testing.T) {
	client := newFakeClient(nil)
	_ = newTestTransport(t, client)
	assert.Empty(t, client.cfg.ResumeToken)

	client2 := newFakeClient(nil)
	tr, err := NewTransport(context.Background(), transport.SpawnOptions{Command: "claude", ResumeToken: "abc"}, Options{
		NewClient: func(cfg CLIConfig) Client {
			client2.cfg = cfg
			return client2
		},
	})
	require.NoError(t, err)
	defer tr.Close(context.Background(), false)
	assert.Equal(t, "abc", client2.cfg.ResumeToken)

	args := NewCLIClient(client2.cfg).Args()
	assert.Contains(t, args, "--resume")
	assert.Equal(t, "abc", args[len(args)-1])
}
