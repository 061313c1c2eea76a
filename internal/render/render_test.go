package render

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 0)
	defer cleanup()

	line := chat.Line{ID: 1, Buffer: 10, Content: "hi"}
	dispatcher.Emit(Event{Type: EventLineAppended, Buffer: chat.Buffer{ID: 10}, Line: &line})

	select {
	case received := <-stream:
		if received.Type != EventLineAppended || received.Line.ID != 1 {
			t.Fatalf("unexpected event: %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected render event within deadline")
	}
}

func TestDispatcherFiltersByBuffer(t *testing.T) {
	dispatcher := NewDispatcher(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 11)
	defer cleanup()

	dispatcher.Emit(Event{Type: EventBufferCreated, Buffer: chat.Buffer{ID: 10}})
	select {
	case <-stream:
		t.Fatal("did not expect event for unrelated buffer")
	case <-time.After(100 * time.Millisecond):
	}

	dispatcher.Emit(Event{Type: EventBufferCreated, Buffer: chat.Buffer{ID: 11}})
	select {
	case event := <-stream:
		if event.Buffer.ID != 11 {
			t.Fatalf("expected buffer 11, got %d", event.Buffer.ID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed buffer")
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Subscribe(ctx, 0)
	if dispatcher.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherCountsEventsDroppedForFullSubscriber(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dispatcher := NewDispatcher(zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := dispatcher.Subscribe(ctx, 0)

	event := Event{Type: EventLineAppended, Buffer: chat.Buffer{ID: 10}}
	for index := 0; index < cap(stream)+2; index++ {
		dispatcher.Emit(event)
	}

	if dispatcher.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", dispatcher.Dropped())
	}
	dropped := logs.FilterMessage("render event dropped").All()
	if len(dropped) != 2 {
		t.Fatalf("expected 2 drop logs, got %d", len(dropped))
	}
	if dropped[0].ContextMap()["type"] != EventLineAppended {
		t.Fatalf("unexpected drop log fields: %v", dropped[0].ContextMap())
	}
	if len(stream) != cap(stream) {
		t.Fatalf("expected full subscriber stream, got %d", len(stream))
	}
}

func TestTerminalFormatsLinesAndBuffers(t *testing.T) {
	var output bytes.Buffer
	terminal := NewTerminal(&output)

	server := chat.BufferID(10)
	terminal.Emit(Event{Type: EventBufferCreated, Buffer: chat.Buffer{ID: 10, Kind: chat.BufferKindSystem, Name: "srv"}, Active: true})
	terminal.Emit(Event{Type: EventBufferCreated, Buffer: chat.Buffer{ID: 11, Kind: chat.BufferKindNormal, Name: "#go", Server: &server}})

	line := chat.Line{ID: 1, Buffer: 11, Kind: chat.LineKindMessage, Content: "hello there", Timestamp: chat.NewTimestamp(time.Unix(1700000000, 0))}
	user := chat.User{ID: 1, Nick: "alice", Color: chat.ColorFor(1)}
	terminal.Emit(Event{Type: EventLineAppended, Buffer: chat.Buffer{ID: 11, Name: "#go"}, Line: &line, User: &user})

	notice := chat.Line{ID: 2, Buffer: 10, Kind: chat.LineKindNotice, Content: "welcome"}
	terminal.Emit(Event{Type: EventLineAppended, Buffer: chat.Buffer{ID: 10, Name: "srv"}, Line: &notice})

	rendered := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(rendered) != 4 {
		t.Fatalf("expected 4 rendered lines, got %d: %q", len(rendered), output.String())
	}
	if !strings.Contains(rendered[0], "srv") || !strings.Contains(rendered[0], "(active)") {
		t.Fatalf("unexpected system buffer line: %q", rendered[0])
	}
	if !strings.Contains(rendered[2], "<alice> hello there") {
		t.Fatalf("unexpected message line: %q", rendered[2])
	}
	if !strings.Contains(rendered[3], "-*-") {
		t.Fatalf("expected anonymous placeholder for notice, got %q", rendered[3])
	}
}

func TestMultiSkipsNilSinks(t *testing.T) {
	var received []string
	sink := Multi(nil, SinkFunc(func(event Event) { received = append(received, event.Type) }), Discard)
	sink.Emit(Event{Type: EventBufferUpdated})
	if len(received) != 1 || received[0] != EventBufferUpdated {
		t.Fatalf("unexpected events: %v", received)
	}
}
