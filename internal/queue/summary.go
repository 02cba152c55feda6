package queue

import "sort"

const summarySnippetLen = 100

// MessageSummary is the truncated view of a message used in queue-wide
// listings.
type MessageSummary struct {
	ID        string   `json:"id"`
	ThreadID  string   `json:"thread_id"`
	Priority  Priority `json:"priority"`
	Content   string   `json:"content"`
	CreatedAt string   `json:"created_at"`
	StartedAt string   `json:"started_at,omitempty"`
}

// Summary is a point-in-time view of the whole queue.
type Summary struct {
	TotalQueued     int              `json:"total_queued"`
	TotalProcessing int              `json:"total_processing"`
	TotalCompleted  int              `json:"total_completed"`
	TotalFailed     int              `json:"total_failed"`
	TotalCancelled  int              `json:"total_cancelled"`
	Queued          []MessageSummary `json:"queued_messages"`
	Processing      []MessageSummary `json:"processing_messages"`
}

// Summary builds a snapshot of queue-wide state counts plus listings of the
// pending (in dequeue order) and in-flight messages.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	type queuedMsg struct {
		summary MessageSummary
		rank    int
		seq     uint64
	}
	var queued []queuedMsg

	for _, msg := range m.messages {
		switch msg.State {
		case StateQueued:
			s.TotalQueued++
			queued = append(queued, queuedMsg{
				summary: summarize(msg),
				rank:    msg.Priority.rank(),
				seq:     msg.seq,
			})
		case StateProcessing:
			s.TotalProcessing++
			s.Processing = append(s.Processing, summarize(msg))
		case StateCompleted:
			s.TotalCompleted++
		case StateFailed:
			s.TotalFailed++
		case StateCancelled:
			s.TotalCancelled++
		}
	}

	sort.Slice(queued, func(i, j int) bool {
		if queued[i].rank != queued[j].rank {
			return queued[i].rank < queued[j].rank
		}
		return queued[i].seq < queued[j].seq
	})
	s.Queued = make([]MessageSummary, len(queued))
	for i, q := range queued {
		s.Queued[i] = q.summary
	}
	sort.Slice(s.Processing, func(i, j int) bool {
		return s.Processing[i].StartedAt < s.Processing[j].StartedAt
	})
	return s
}

func summarize(msg *Message) MessageSummary {
	content := msg.Content
	if len(content) > summarySnippetLen {
		content = content[:summarySnippetLen]
	}
	out := MessageSummary{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		Priority:  msg.Priority,
		Content:   content,
		CreatedAt: msg.CreatedAt.Format(timeLayout),
	}
	if msg.StartedAt != nil {
		out.StartedAt = msg.StartedAt.Format(timeLayout)
	}
	return out
}
