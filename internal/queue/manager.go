// Package queue implements the in-memory scheduling core: a registry of
// conversation threads, one priority queue per thread, and the lifecycle
// state machine for queued messages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/strand/internal/metrics"
)

var (
	// ErrNotFound is returned for operations referencing an unknown message
	// or thread.
	ErrNotFound = errors.New("message not found")

	// ErrQueueFull is returned by Enqueue when the configured ceiling of
	// queued messages has been reached.
	ErrQueueFull = errors.New("queue is full")

	// ErrEmptyContent is returned by Enqueue for blank message content.
	ErrEmptyContent = errors.New("message content is empty")
)

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// StateConflictError reports a lifecycle operation rejected because of the
// message's current state. The message is left unchanged.
type StateConflictError struct {
	State State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot cancel message in state %s", e.State)
}

// threadState bundles everything the Manager tracks per thread: metadata,
// the chronological message index, and the pending priority queue.
type threadState struct {
	meta  ThreadMetadata
	index []string
	pq    threadQueue
}

// Options configures a Manager.
type Options struct {
	// MaxQueued caps the number of messages in StateQueued across all
	// threads. Zero means unbounded.
	MaxQueued int

	// Metrics receives queue instrumentation. May be nil.
	Metrics *metrics.Collector

	Logger *slog.Logger
}

// Manager is the single synchronized owner of all mutable queueing state.
// Every public operation holds the mutex for its full critical section and
// never across a blocking call, so operations are atomic with respect to
// each other.
type Manager struct {
	mu       sync.Mutex
	messages map[string]*Message
	threads  map[string]*threadState
	active   map[string]struct{}
	waiters  map[string]chan struct{}
	notify   chan struct{}
	seq      uint64
	queued   int

	maxQueued int
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		messages:  make(map[string]*Message),
		threads:   make(map[string]*threadState),
		active:    make(map[string]struct{}),
		waiters:   make(map[string]chan struct{}),
		notify:    make(chan struct{}, 1),
		maxQueued: opts.MaxQueued,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Enqueue creates a message in StateQueued, registers it with its thread
// (creating the thread on first use) and pushes it onto the thread's
// priority queue. An empty threadID starts a new thread.
func (m *Manager) Enqueue(content, threadID string, priority Priority) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if threadID == "" {
		threadID = uuid.NewString()
	} else if !threadIDPattern.MatchString(threadID) {
		return Message{}, fmt.Errorf("invalid thread id %q", threadID)
	}
	if _, ok := priorityRanks[priority]; !ok {
		return Message{}, fmt.Errorf("unknown priority %q", priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxQueued > 0 && m.queued >= m.maxQueued {
		return Message{}, ErrQueueFull
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Content:   content,
		Priority:  priority,
		State:     StateQueued,
		CreatedAt: now,
		seq:       m.seq,
	}
	m.seq++

	ts := m.threads[threadID]
	if ts == nil {
		ts = &threadState{
			meta: ThreadMetadata{
				ThreadID:    threadID,
				CreatedAt:   now,
				StateCounts: make(map[State]int),
			},
		}
		m.threads[threadID] = ts
	}

	m.messages[msg.ID] = msg
	ts.index = append(ts.index, msg.ID)
	ts.meta.MessageCount++
	ts.meta.StateCounts[StateQueued]++
	ts.meta.LastActivity = now
	ts.pq.push(entry{id: msg.ID, rank: priority.rank(), seq: msg.seq})
	m.queued++

	m.active[threadID] = struct{}{}
	m.metrics.MessageEnqueued()
	m.metrics.SetActiveThreads(len(m.active))
	m.signalLocked(threadID)

	m.logger.Info("message enqueued",
		"id", msg.ID, "thread_id", threadID, "priority", priority,
		"queue_size", m.queued)

	return *msg, nil
}

// Dequeue pops the highest-priority pending entry for the thread and, if it
// is still queued, transitions it to StateProcessing. A false return means
// either the thread has no pending entries, or the popped entry had been
// cancelled in the meantime and was discarded; callers distinguish the two
// via HasMessages and retry on a discard.
func (m *Manager) Dequeue(threadID string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.threads[threadID]
	if ts == nil {
		return Message{}, false
	}
	e, ok := ts.pq.pop()
	if ts.pq.Len() == 0 {
		delete(m.active, threadID)
		m.metrics.SetActiveThreads(len(m.active))
	}
	if !ok {
		return Message{}, false
	}

	msg := m.messages[e.id]
	if msg == nil || msg.State != StateQueued {
		// Cancellation raced the dequeue; the cancellation wins and the
		// popped entry is dropped.
		m.logger.Debug("skipping cancelled message", "id", e.id, "thread_id", threadID)
		return Message{}, false
	}

	m.transitionLocked(msg, StateProcessing, "")
	m.logger.Info("message dequeued", "id", msg.ID, "thread_id", threadID)
	return *msg, true
}

// UpdateState applies a validated lifecycle transition. Invalid transitions
// leave the message unchanged and return false.
func (m *Manager) UpdateState(id string, newState State, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.messages[id]
	if msg == nil {
		m.logger.Warn("state update for unknown message", "id", id)
		return false
	}
	if !validTransition(msg.State, newState) {
		m.logger.Warn("invalid state transition",
			"id", id, "from", msg.State, "to", newState)
		return false
	}
	m.transitionLocked(msg, newState, errMsg)
	return true
}

// Cancel moves a still-queued message to StateCancelled. It returns
// ErrNotFound for unknown ids and a StateConflictError when the message has
// already left the queue.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.messages[id]
	if msg == nil {
		return ErrNotFound
	}
	if msg.State != StateQueued {
		return &StateConflictError{State: msg.State}
	}
	m.transitionLocked(msg, StateCancelled, "")
	m.logger.Info("message cancelled", "id", id, "thread_id", msg.ThreadID)
	return nil
}

// SetResult stores the final result text for a message.
func (m *Manager) SetResult(id, result string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.messages[id]
	if msg == nil {
		return false
	}
	msg.Result = result
	return true
}

// AddChunk appends one streamed fragment to the message's chunk buffer.
func (m *Manager) AddChunk(id, chunk string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.messages[id]
	if msg == nil {
		return false
	}
	msg.Chunks = append(msg.Chunks, chunk)
	return true
}

// GetMessage returns a snapshot copy of the message.
func (m *Manager) GetMessage(id string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.messages[id]
	if msg == nil {
		return Message{}, false
	}
	return *msg, true
}

// GetThreadMessages returns the thread's messages in chronological order.
func (m *Manager) GetThreadMessages(threadID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.threads[threadID]
	if ts == nil {
		return nil
	}
	out := make([]Message, 0, len(ts.index))
	for _, id := range ts.index {
		out = append(out, *m.messages[id])
	}
	return out
}

// GetThreadMetadata returns a copy of the thread's aggregate metadata.
func (m *Manager) GetThreadMetadata(threadID string) (ThreadMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.threads[threadID]
	if ts == nil {
		return ThreadMetadata{}, false
	}
	return copyMetadata(ts.meta), true
}

// ListThreads returns all thread summaries ordered by last activity,
// most recent first.
func (m *Manager) ListThreads() []ThreadMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ThreadMetadata, 0, len(m.threads))
	for _, ts := range m.threads {
		out = append(out, copyMetadata(ts.meta))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// QueuePosition returns how many queued messages of the same thread would be
// dequeued before this one. The second return is false when the message is
// unknown or no longer queued.
func (m *Manager) QueuePosition(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.messages[id]
	if msg == nil || msg.State != StateQueued {
		return 0, false
	}
	ts := m.threads[msg.ThreadID]
	mine := entry{id: msg.ID, rank: msg.Priority.rank(), seq: msg.seq}

	position := 0
	for _, e := range ts.pq.entries {
		if e.id == msg.ID {
			continue
		}
		if other := m.messages[e.id]; other == nil || other.State != StateQueued {
			continue
		}
		if e.before(mine) {
			position++
		}
	}
	return position, true
}

// HasMessages reports whether the thread has pending queue entries; with an
// empty threadID it reports whether any thread does.
func (m *Manager) HasMessages(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if threadID == "" {
		return len(m.active) > 0
	}
	ts := m.threads[threadID]
	return ts != nil && ts.pq.Len() > 0
}

// ActiveThreads returns the ids of threads that currently have pending
// queue entries.
func (m *Manager) ActiveThreads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WaitForWork blocks until a message has been enqueued for the thread (any
// thread when threadID is empty) since the previous wait, or until ctx is
// done. The signal is latched, so an enqueue that happens between two waits
// is not lost.
func (m *Manager) WaitForWork(ctx context.Context, threadID string) error {
	ch := m.workSignal(threadID)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (m *Manager) workSignal(threadID string) chan struct{} {
	if threadID == "" {
		return m.notify
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiterLocked(threadID)
}

func (m *Manager) waiterLocked(threadID string) chan struct{} {
	ch, ok := m.waiters[threadID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.waiters[threadID] = ch
	}
	return ch
}

func (m *Manager) signalLocked(threadID string) {
	select {
	case m.notify <- struct{}{}:
	default:
	}
	select {
	case m.waiterLocked(threadID) <- struct{}{}:
	default:
	}
}

// transitionLocked applies a transition that has already been validated and
// records its side effects: timestamps, error text, thread counters and
// instrumentation. Callers hold m.mu.
func (m *Manager) transitionLocked(msg *Message, to State, errMsg string) {
	from := msg.State
	now := time.Now().UTC()

	msg.State = to
	switch {
	case to == StateProcessing:
		msg.StartedAt = &now
	case to.Terminal():
		msg.CompletedAt = &now
	}
	if to == StateFailed && errMsg != "" {
		msg.Error = errMsg
	}

	ts := m.threads[msg.ThreadID]
	ts.meta.StateCounts[from]--
	ts.meta.StateCounts[to]++
	ts.meta.LastActivity = now

	if from == StateQueued {
		m.queued--
	}

	switch {
	case from == StateQueued && to == StateProcessing:
		m.metrics.MessageDequeued()
	case from == StateQueued && to == StateCancelled:
		m.metrics.MessageCancelled()
	case to == StateCompleted:
		m.metrics.MessageCompleted(now.Sub(*msg.StartedAt).Seconds())
	case to == StateFailed:
		m.metrics.MessageFailed(now.Sub(*msg.StartedAt).Seconds())
	}

	m.logger.Info("message state updated", "id", msg.ID, "from", from, "to", to)
}

func copyMetadata(meta ThreadMetadata) ThreadMetadata {
	out := meta
	out.StateCounts = make(map[State]int, len(meta.StateCounts))
	for s, n := range meta.StateCounts {
		out.StateCounts[s] = n
	}
	return out
}
