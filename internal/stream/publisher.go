// Package stream projects a message's lifecycle into an ordered event
// sequence for external observers. The publisher only reads queue state
// through the Manager's accessors; it never blocks the worker and can be
// attached or detached at any point of the message's life.
package stream

import (
	"context"
	"time"

	"github.com/kalambet/strand/internal/queue"
)

// EventType identifies a progress event.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventChunk     EventType = "chunk"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
	EventKeepalive EventType = "keepalive"
)

// Event is one step of a message's observed progress. Exactly one terminal
// event (done, error or cancelled) ends the sequence.
type Event struct {
	Type        EventType   `json:"-"`
	State       queue.State `json:"state,omitempty"`
	Position    int         `json:"position,omitempty"`
	Chunk       string      `json:"chunk,omitempty"`
	Index       int         `json:"index,omitempty"`
	Result      string      `json:"result,omitempty"`
	Err         string      `json:"error,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventError, EventCancelled:
		return true
	}
	return false
}

// Config tunes the publisher's poll cadence.
type Config struct {
	// QueuedPoll is the poll interval while the message waits in queue.
	// Zero or negative defaults to 2s.
	QueuedPoll time.Duration

	// ProcessingPoll is the poll interval while chunks are being
	// produced. Zero or negative defaults to 250ms.
	ProcessingPoll time.Duration

	// Keepalive is emitted when no other event has been produced for
	// this long. Zero or negative defaults to 30s.
	Keepalive time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueuedPoll <= 0 {
		c.QueuedPoll = 2 * time.Second
	}
	if c.ProcessingPoll <= 0 {
		c.ProcessingPoll = 250 * time.Millisecond
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 30 * time.Second
	}
	return c
}

// Publisher turns queue state into event streams.
type Publisher struct {
	manager *queue.Manager
	cfg     Config
}

// New creates a Publisher reading from manager.
func New(manager *queue.Manager, cfg Config) *Publisher {
	return &Publisher{manager: manager, cfg: cfg.withDefaults()}
}

// Events streams the message's progress until a terminal event or ctx
// cancellation, then closes the channel. Each stored chunk is delivered
// exactly once, in order, tracked by a cursor local to this stream, so
// multiple observers of the same message are independent.
func (p *Publisher) Events(ctx context.Context, messageID string) <-chan Event {
	ch := make(chan Event)
	go p.run(ctx, messageID, ch)
	return ch
}

func (p *Publisher) run(ctx context.Context, messageID string, ch chan<- Event) {
	defer close(ch)

	cursor := 0
	lastEvent := time.Now()

	emit := func(ev Event) bool {
		select {
		case ch <- ev:
			lastEvent = time.Now()
			return true
		case <-ctx.Done():
			return false
		}
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-ctx.Done():
			return false
		}
	}
	// flush delivers chunks appended since the last poll.
	flush := func(msg queue.Message) bool {
		for ; cursor < len(msg.Chunks); cursor++ {
			if !emit(Event{Type: EventChunk, Chunk: msg.Chunks[cursor], Index: cursor}) {
				return false
			}
		}
		return true
	}

	for {
		msg, ok := p.manager.GetMessage(messageID)
		if !ok {
			emit(Event{Type: EventError, Err: "message not found: " + messageID})
			return
		}

		switch msg.State {
		case queue.StateQueued:
			position, _ := p.manager.QueuePosition(messageID)
			if !emit(Event{Type: EventWaiting, State: msg.State, Position: position}) {
				return
			}
			if !sleep(p.cfg.QueuedPoll) {
				return
			}

		case queue.StateProcessing:
			if cursor < len(msg.Chunks) {
				if !flush(msg) {
					return
				}
			} else if !sleep(p.cfg.ProcessingPoll) {
				return
			}

		case queue.StateCompleted:
			if !flush(msg) {
				return
			}
			emit(Event{Type: EventDone, State: msg.State, Result: msg.Result, CompletedAt: msg.CompletedAt})
			return

		case queue.StateFailed:
			errText := msg.Error
			if errText == "" {
				errText = "unknown error"
			}
			emit(Event{Type: EventError, State: msg.State, Err: errText, CompletedAt: msg.CompletedAt})
			return

		case queue.StateCancelled:
			emit(Event{Type: EventCancelled, State: msg.State, CompletedAt: msg.CompletedAt})
			return
		}

		if time.Since(lastEvent) >= p.cfg.Keepalive {
			if !emit(Event{Type: EventKeepalive}) {
				return
			}
		}
	}
}
