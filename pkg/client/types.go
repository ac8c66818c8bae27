package client

import (
	"encoding/json"
	"time"
)

// Part is one segment of a message: text or structured data.
type Part struct {
	Type     string                 `json:"type"`
	Content  interface{}            `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Message is an ordered sequence of parts.
type Message struct {
	Parts    []Part                 `json:"parts"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewTextMessage builds a message with a single text part.
func NewTextMessage(text string) *Message {
	return &Message{Parts: []Part{{Type: "text", Content: text}}}
}

// TextContent joins the message's text parts with newlines.
func (m *Message) TextContent() string {
	if m == nil {
		return ""
	}
	var out string
	for _, part := range m.Parts {
		if part.Type != "text" {
			continue
		}
		text, ok := part.Content.(string)
		if !ok {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += text
	}
	return out
}

// Target sets the explicit agent target in the message metadata.
func (m *Message) Target(agent string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata["agent"] = agent
	return m
}

// Task is a server-side lifecycle task snapshot.
type Task struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
	Messages    []*Message `json:"messages,omitempty"`
}

// Terminal reports whether the task reached an absorbing status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// TaskStatusUpdateEvent is one frame of a task's event stream.
type TaskStatusUpdateEvent struct {
	Task    *Task    `json:"task"`
	Message *Message `json:"message,omitempty"`
	Final   bool     `json:"final"`
}

// SendMessageResult is the message/send result payload.
type SendMessageResult struct {
	Task    *Task    `json:"task"`
	Message *Message `json:"message,omitempty"`
}

// Agent is a discovery listing entry.
type Agent struct {
	Name     string          `json:"name"`
	Card     json.RawMessage `json:"card"`
	Status   string          `json:"status"`
	LastSeen time.Time       `json:"last_seen"`
}

// Codebase is a registered work target.
type Codebase struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	Status        string    `json:"status"`
	WatchMode     bool      `json:"watch_mode"`
	WatchInterval int       `json:"watch_interval"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AgentTask is a queued work item.
type AgentTask struct {
	ID          string     `json:"id"`
	CodebaseID  string     `json:"codebase_id"`
	Title       string     `json:"title"`
	Prompt      string     `json:"prompt"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Worker is a registered executor.
type Worker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Hostname     string    `json:"hostname"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	Stale        bool      `json:"stale"`
}

// WorkerRegistration announces a worker to the server. WorkerID is
// optional; the server assigns one when absent.
type WorkerRegistration struct {
	WorkerID     string   `json:"worker_id,omitempty"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Hostname     string   `json:"hostname"`
}

// Queue task statuses a worker reports.
const (
	TaskPending   = "pending"
	TaskAssigned  = "assigned"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// jsonrpcRequest is the request envelope sent to POST /.
type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

// jsonrpcResponse is the response envelope with the result kept raw.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// streamFrame is one SSE data frame: a JSON-RPC envelope whose result
// wraps a single task event.
type streamFrame struct {
	Result struct {
		Event *TaskStatusUpdateEvent `json:"event"`
	} `json:"result"`
	Error *RPCError `json:"error,omitempty"`
}
