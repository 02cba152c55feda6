package worker

import (
	"context"

	"github.com/kalambet/strand/internal/queue"
)

// Processor is the external generation collaborator. Process receives the
// message, the chronological prior messages of its thread, and an emit
// callback invoked once per streamed fragment. It returns the final result
// text. The coordinator never invokes Process concurrently for the same
// message; it may take arbitrarily long and is bounded by the ctx deadline.
type Processor interface {
	Process(ctx context.Context, msg queue.Message, history []queue.Message, emit func(chunk string)) (string, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, msg queue.Message, history []queue.Message, emit func(chunk string)) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, msg queue.Message, history []queue.Message, emit func(chunk string)) (string, error) {
	return f(ctx, msg, history, emit)
}

// history returns the thread's messages that precede msg, in chronological
// order.
func history(mgr *queue.Manager, msg queue.Message) []queue.Message {
	all := mgr.GetThreadMessages(msg.ThreadID)
	for i, prior := range all {
		if prior.ID == msg.ID {
			return all[:i]
		}
	}
	return nil
}
