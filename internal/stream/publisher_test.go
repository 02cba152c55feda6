package stream

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/strand/internal/queue"
)

func fastConfig() Config {
	return Config{
		QueuedPoll:     5 * time.Millisecond,
		ProcessingPoll: 5 * time.Millisecond,
		Keepalive:      time.Minute,
	}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate; got %d events so far", len(events))
		}
	}
}

func TestStreamUnknownMessage(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, fastConfig())

	events := collect(t, p.Events(context.Background(), "missing"))
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want single error event", events)
	}
}

func TestStreamCompleteness(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, fastConfig())

	msg, err := mgr.Enqueue("hello", "t1", queue.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}

	// Attach before processing starts, then drive the lifecycle while the
	// stream watches.
	ch := p.Events(context.Background(), msg.ID)
	go func() {
		time.Sleep(20 * time.Millisecond)
		mgr.Dequeue("t1")
		chunks := []string{"a", "b", "c", "d"}
		for _, c := range chunks {
			mgr.AddChunk(msg.ID, c)
			time.Sleep(10 * time.Millisecond)
		}
		mgr.SetResult(msg.ID, "abcd")
		mgr.UpdateState(msg.ID, queue.StateCompleted, "")
	}()

	events := collect(t, ch)
	if len(events) == 0 {
		t.Fatal("no events")
	}

	// Every chunk exactly once, in order, then exactly one terminal event.
	var chunks []string
	terminals := 0
	for i, ev := range events {
		switch ev.Type {
		case EventChunk:
			if ev.Index != len(chunks) {
				t.Errorf("chunk index = %d, want %d", ev.Index, len(chunks))
			}
			chunks = append(chunks, ev.Chunk)
		case EventDone, EventError, EventCancelled:
			terminals++
			if i != len(events)-1 {
				t.Errorf("terminal event at position %d of %d", i, len(events))
			}
		}
	}
	if got := joinChunks(chunks); got != "abcd" {
		t.Errorf("chunks = %q, want %q", got, "abcd")
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
	last := events[len(events)-1]
	if last.Type != EventDone || last.Result != "abcd" {
		t.Errorf("terminal event = %+v, want done with result", last)
	}
}

func joinChunks(chunks []string) string {
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}

func TestStreamWaitingIncludesPosition(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, fastConfig())

	mgr.Enqueue("ahead", "t1", queue.PriorityNormal)
	msg, _ := mgr.Enqueue("behind", "t1", queue.PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Events(ctx, msg.ID)

	select {
	case ev := <-ch:
		if ev.Type != EventWaiting {
			t.Fatalf("first event = %+v, want waiting", ev)
		}
		if ev.Position != 1 {
			t.Errorf("position = %d, want 1", ev.Position)
		}
	case <-time.After(time.Second):
		t.Fatal("no waiting event")
	}
	cancel()
}

func TestStreamFailed(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, fastConfig())

	msg, _ := mgr.Enqueue("doomed", "t1", queue.PriorityNormal)
	mgr.Dequeue("t1")
	mgr.UpdateState(msg.ID, queue.StateFailed, "engine on fire")

	events := collect(t, p.Events(context.Background(), msg.ID))
	last := events[len(events)-1]
	if last.Type != EventError || last.Err != "engine on fire" {
		t.Fatalf("terminal event = %+v, want error with text", last)
	}
}

func TestStreamCancelled(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, fastConfig())

	msg, _ := mgr.Enqueue("nope", "t1", queue.PriorityNormal)
	mgr.Cancel(msg.ID)

	events := collect(t, p.Events(context.Background(), msg.ID))
	last := events[len(events)-1]
	if last.Type != EventCancelled {
		t.Fatalf("terminal event = %+v, want cancelled", last)
	}
}

func TestStreamLateAttachSeesAllChunks(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, fastConfig())

	msg, _ := mgr.Enqueue("hello", "t1", queue.PriorityNormal)
	mgr.Dequeue("t1")
	mgr.AddChunk(msg.ID, "x")
	mgr.AddChunk(msg.ID, "y")
	mgr.SetResult(msg.ID, "xy")
	mgr.UpdateState(msg.ID, queue.StateCompleted, "")

	// Attaching after completion still replays the full chunk sequence.
	events := collect(t, p.Events(context.Background(), msg.ID))
	var chunks []string
	for _, ev := range events {
		if ev.Type == EventChunk {
			chunks = append(chunks, ev.Chunk)
		}
	}
	if joinChunks(chunks) != "xy" {
		t.Errorf("chunks = %v, want [x y]", chunks)
	}
}

func TestStreamKeepalive(t *testing.T) {
	mgr := queue.NewManager(queue.Options{})
	p := New(mgr, Config{
		QueuedPoll:     5 * time.Millisecond,
		ProcessingPoll: 5 * time.Millisecond,
		Keepalive:      20 * time.Millisecond,
	})

	msg, _ := mgr.Enqueue("idle", "t1", queue.PriorityNormal)
	mgr.Dequeue("t1") // processing, but no chunks arriving

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := p.Events(ctx, msg.ID)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventKeepalive {
				return
			}
		case <-deadline:
			t.Fatal("no keepalive while idle")
		}
	}
}
