package protocol

import "encoding/json"

// JSON-RPC 2.0 error codes. The -32001 application code covers auth
// failures and A2A-level failures such as unknown tasks.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeApplication    = -32001
)

// A2A method names
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"
)

// JSONRPCRequest is the JSON-RPC 2.0 request envelope. Params stay raw
// until the method handler decodes them.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// JSONRPCError is the JSON-RPC 2.0 error object
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSONRPCResponse is the JSON-RPC 2.0 response envelope
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// NewResponse builds a success response
func NewResponse(id, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response
func NewErrorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// SendMessageParams are the params of message/send and message/stream
type SendMessageParams struct {
	Message *Message `json:"message"`
	TaskID  string   `json:"task_id,omitempty"`
	SkillID string   `json:"skill_id,omitempty"`
}

// SendMessageResult is the result of message/send
type SendMessageResult struct {
	Task    *Task    `json:"task"`
	Message *Message `json:"message,omitempty"`
}

// TaskQueryParams are the params of tasks/get, tasks/cancel and
// tasks/resubscribe
type TaskQueryParams struct {
	TaskID string `json:"task_id"`
}

// TaskResult wraps a task snapshot for tasks/get and tasks/cancel
type TaskResult struct {
	Task *Task `json:"task"`
}

// StreamEventResult wraps one status update inside a streaming frame
type StreamEventResult struct {
	Event *TaskStatusUpdateEvent `json:"event"`
}
