package queue

import (
	"fmt"
	"time"
)

// timeLayout is the wire format for timestamps in summaries.
const timeLayout = time.RFC3339Nano

// Priority orders messages within a thread's queue. Lower rank dequeues first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRanks = map[Priority]int{
	PriorityHigh:   0,
	PriorityNormal: 1,
	PriorityLow:    2,
}

func (p Priority) rank() int {
	r, ok := priorityRanks[p]
	if !ok {
		return priorityRanks[PriorityNormal]
	}
	return r
}

// ParsePriority converts a string into a Priority. The empty string maps to
// PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q (want high, normal or low)", s)
}

// State is a message's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var validTransitions = map[State][]State{
	StateQueued:     {StateProcessing, StateCancelled},
	StateProcessing: {StateCompleted, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
	StateCancelled:  {},
}

func validTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Message is one unit of submitted work and its processing record. Only the
// Manager mutates a Message; everything the Manager hands out is a copy.
type Message struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Content     string     `json:"content"`
	Priority    Priority   `json:"priority"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Chunks is the append-only buffer of streamed result fragments.
	// Written fragments are never mutated, so a copied slice header is a
	// valid snapshot for readers.
	Chunks []string `json:"-"`

	// seq is the process-wide insertion sequence number assigned at
	// enqueue time; it breaks priority ties FIFO.
	seq uint64
}

// ThreadMetadata is the aggregate view of one thread.
type ThreadMetadata struct {
	ThreadID     string        `json:"thread_id"`
	MessageCount int           `json:"message_count"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	StateCounts  map[State]int `json:"state_counts"`
}
