package llm

import (
	"context"
	"fmt"

	"github.com/kalambet/strand/internal/queue"
)

// Processor adapts the streaming chat client to the worker's collaborator
// contract. Thread history becomes the chat context: each prior message
// contributes a user turn plus, when it completed, an assistant turn.
type Processor struct {
	client *Client
}

// NewProcessor wraps client as a worker processor.
func NewProcessor(client *Client) *Processor {
	return &Processor{client: client}
}

// Process builds the conversation from the thread history and streams the
// completion, forwarding every delta through emit.
func (p *Processor) Process(ctx context.Context, msg queue.Message, history []queue.Message, emit func(chunk string)) (string, error) {
	messages := make([]Message, 0, 2*len(history)+1)
	for _, prior := range history {
		messages = append(messages, Message{Role: "user", Content: prior.Content})
		if prior.State == queue.StateCompleted && prior.Result != "" {
			messages = append(messages, Message{Role: "assistant", Content: prior.Result})
		}
	}
	messages = append(messages, Message{Role: "user", Content: msg.Content})

	result, err := p.client.ChatStream(ctx, messages, emit)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return result, nil
}
