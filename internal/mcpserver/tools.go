package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/quantum-forge/a2a-server/internal/common/logger"
	"github.com/quantum-forge/a2a-server/pkg/client"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	a2a := client.New(cfg.ServerURL)

	s.AddTool(
		mcp.NewTool("a2a_send_message",
			mcp.WithDescription("Send a message to the A2A server and return the completed task with the agent's reply."),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text to send"),
			),
			mcp.WithString("agent",
				mcp.Description("Target agent name (optional; content routing applies when absent)"),
			),
			mcp.WithString("task_id",
				mcp.Description("Existing task ID to continue (optional)"),
			),
		),
		sendMessageHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("a2a_stream_message",
			mcp.WithDescription("Send a message with streaming and wait for the final task snapshot. Returns the terminal event."),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text to send"),
			),
			mcp.WithString("agent",
				mcp.Description("Target agent name (optional)"),
			),
		),
		streamMessageHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("a2a_get_task",
			mcp.WithDescription("Fetch a lifecycle task snapshot by ID."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to fetch"),
			),
		),
		getTaskHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("a2a_cancel_task",
			mcp.WithDescription("Cancel a non-terminal lifecycle task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to cancel"),
			),
		),
		cancelTaskHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("a2a_list_agents",
			mcp.WithDescription("List the agents currently registered with the server."),
		),
		listAgentsHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("queue_add_task",
			mcp.WithDescription("Enqueue a work item for a codebase. Workers or watch mode execute it."),
			mcp.WithString("codebase_id",
				mcp.Required(),
				mcp.Description("The codebase to enqueue against"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short task title"),
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The work prompt handed to the executing agent"),
			),
			mcp.WithNumber("priority",
				mcp.Description("Claim priority; higher runs earlier (default 0)"),
			),
		),
		queueAddTaskHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("queue_list_tasks",
			mcp.WithDescription("List queue tasks, optionally filtered by codebase."),
			mcp.WithString("codebase_id",
				mcp.Description("Restrict to one codebase (optional)"),
			),
			mcp.WithString("status",
				mcp.Description("Restrict to one status: pending, assigned, running, completed, failed, cancelled (optional)"),
			),
		),
		queueListTasksHandler(a2a, log),
	)

	s.AddTool(
		mcp.NewTool("queue_cancel_task",
			mcp.WithDescription("Cancel a queue task that has not started running."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The queue task ID to cancel"),
			),
		),
		queueCancelTaskHandler(a2a, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 8))
}

// buildMessage assembles the outbound message, targeting a named agent
// when one was given.
func buildMessage(req mcp.CallToolRequest) (*client.Message, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return nil, err
	}
	message := client.NewTextMessage(text)
	if agent := req.GetString("agent", ""); agent != "" {
		message.Target(agent)
	}
	return message, nil
}

func sendMessageHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := buildMessage(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := a2a.SendMessage(ctx, message, req.GetString("task_id", ""), "")
		if err != nil {
			log.Error("message/send failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		return jsonResult(result)
	}
}

func streamMessageHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := buildMessage(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		events, err := a2a.StreamMessage(ctx, message, "", "")
		if err != nil {
			log.Error("message/stream failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to stream message: %v", err)), nil
		}

		// Drain to the terminal event; the tool caller only wants the
		// outcome.
		var last *client.TaskStatusUpdateEvent
		for event := range events {
			last = event
		}
		if last == nil {
			return mcp.NewToolResultError("Stream ended without events"), nil
		}
		return jsonResult(last)
	}
}

func getTaskHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := a2a.GetTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func cancelTaskHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := a2a.CancelTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func listAgentsHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := a2a.ListAgents(ctx)
		if err != nil {
			log.Error("failed to list agents", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
		}
		return jsonResult(agents)
	}
}

func queueAddTaskHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		codebaseID, err := req.RequireString("codebase_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := a2a.EnqueueTask(ctx, codebaseID, title, prompt, int(req.GetFloat("priority", 0)))
		if err != nil {
			log.Error("failed to enqueue task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to enqueue task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func queueListTasksHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := a2a.ListAgentTasks(ctx, req.GetString("codebase_id", ""), req.GetString("status", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}
		return jsonResult(tasks)
	}
}

func queueCancelTaskHandler(a2a *client.Client, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		task, err := a2a.CancelAgentTask(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel task: %v", err)), nil
		}
		return jsonResult(task)
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
