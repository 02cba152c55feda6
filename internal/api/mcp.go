package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/strand/internal/queue"
)

// MCPDeps holds dependencies for the MCP surface.
type MCPDeps struct {
	Manager *queue.Manager
}

// NewMCPServer creates an MCP server exposing the queue as tools and
// resources, so agent hosts can submit and track work directly.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"strand",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("strand is a thread-partitioned message queue for asynchronous generation work."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_message",
			mcp.WithDescription("Submit a message for asynchronous processing. Returns the message id to poll."),
			mcp.WithString("message", mcp.Description("The message text"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Conversation thread id; omit to start a new thread")),
			mcp.WithString("priority", mcp.Description("high, normal or low (default normal)")),
		),
		mcpSubmitMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("message_status",
			mcp.WithDescription("Fetch the current state, result or error of a submitted message."),
			mcp.WithString("message_id", mcp.Description("The message id"), mcp.Required()),
		),
		mcpMessageStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_message",
			mcp.WithDescription("Cancel a message that is still waiting in the queue."),
			mcp.WithString("message_id", mcp.Description("The message id"), mcp.Required()),
		),
		mcpCancelMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_summary",
			mcp.WithDescription("Summarize queue state: totals per lifecycle state plus pending and in-flight listings."),
		),
		mcpQueueSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("list_threads",
			mcp.WithDescription("List all conversation threads ordered by last activity."),
		),
		mcpListThreads(deps),
	)

	s.AddTool(
		mcp.NewTool("thread_messages",
			mcp.WithDescription("List a thread's messages in chronological order."),
			mcp.WithString("thread_id", mcp.Description("The thread id"), mcp.Required()),
		),
		mcpThreadMessages(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://summary",
			"Queue Summary",
			mcp.WithResourceDescription("Current queue summary as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	return s
}

func mcpSubmitMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		threadID := req.GetString("thread_id", "")
		priority, err := queue.ParsePriority(req.GetString("priority", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		msg, err := deps.Manager.Enqueue(message, threadID, priority)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		position, _ := deps.Manager.QueuePosition(msg.ID)

		return mcpJSON(map[string]any{
			"message_id":     msg.ID,
			"thread_id":      msg.ThreadID,
			"state":          msg.State,
			"queue_position": position,
		})
	}
}

func mcpMessageStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}
		msg, ok := deps.Manager.GetMessage(id)
		if !ok {
			return mcpError(fmt.Sprintf("message not found: %s", id)), nil
		}
		return mcpJSON(messageStatus(deps.Manager, msg))
	}
}

func mcpCancelMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}
		if err := deps.Manager.Cancel(id); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Cancelled message %s", id)), nil
	}
}

func mcpQueueSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Manager.Summary())
	}
}

func mcpListThreads(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Manager.ListThreads())
	}
}

func mcpThreadMessages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		if _, ok := deps.Manager.GetThreadMetadata(threadID); !ok {
			return mcpError(fmt.Sprintf("thread not found: %s", threadID)), nil
		}
		messages := deps.Manager.GetThreadMessages(threadID)
		out := make([]messageStatusResponse, len(messages))
		for i, msg := range messages {
			out[i] = messageStatus(deps.Manager, msg)
		}
		return mcpJSON(out)
	}
}

func mcpResourceSummary(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Manager.Summary())
		if err != nil {
			return nil, fmt.Errorf("marshaling summary: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}
