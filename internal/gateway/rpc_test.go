package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quantum-forge/a2a-server/internal/protocol"
)

// rpcEnvelope keeps the result raw so each test decodes the shape it
// expects.
type rpcEnvelope struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Result  json.RawMessage        `json:"result"`
	Error   *protocol.JSONRPCError `json:"error"`
}

func postRPC(t *testing.T, g *Gateway, body string) (*httptest.ResponseRecorder, *rpcEnvelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)

	var envelope rpcEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode RPC response %q: %v", w.Body.String(), err)
	}
	if envelope.JSONRPC != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %q", envelope.JSONRPC)
	}
	return w, &envelope
}

func decodeSendResult(t *testing.T, raw json.RawMessage) *protocol.SendMessageResult {
	t.Helper()
	var result protocol.SendMessageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to decode send result %q: %v", raw, err)
	}
	return &result
}

func sendBody(text string, extra map[string]interface{}) string {
	return sendBodyFor("", text, extra)
}

// sendBodyFor builds a message/send request, optionally targeting a
// named agent through message metadata.
func sendBodyFor(agent, text string, extra map[string]interface{}) string {
	message := map[string]interface{}{
		"parts": []map[string]interface{}{{"type": "text", "content": text}},
	}
	if agent != "" {
		message["metadata"] = map[string]interface{}{"agent": agent}
	}
	params := map[string]interface{}{"message": message}
	for k, v := range extra {
		params[k] = v
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "message/send",
		"params":  params,
		"id":      1,
	})
	return string(body)
}

func TestRPC_SendMessage(t *testing.T) {
	g := newTestGateway(t)

	w, envelope := postRPC(t, g, sendBody("hello there", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if envelope.Error != nil {
		t.Fatalf("unexpected RPC error: %+v", envelope.Error)
	}
	if envelope.ID != float64(1) {
		t.Errorf("expected id 1 echoed back, got %v", envelope.ID)
	}

	result := decodeSendResult(t, envelope.Result)
	if result.Task == nil || result.Task.Status != protocol.TaskCompleted {
		t.Fatalf("expected a completed task, got %+v", result.Task)
	}
	if result.Task.Title != "Message processing" {
		t.Errorf("unexpected task title %q", result.Task.Title)
	}
	if got := result.Message.TextContent(); got != "Echo: hello there" {
		t.Errorf("expected echo response, got %q", got)
	}
	// Inbound message and response both land on the task log.
	if len(result.Task.Messages) != 2 {
		t.Errorf("expected 2 logged messages, got %d", len(result.Task.Messages))
	}
}

func TestRPC_SendMessage_HandlerFailure(t *testing.T) {
	g := newTestGateway(t)

	w, envelope := postRPC(t, g, sendBodyFor("boom", "detonate", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with failed task, got %d %s", w.Code, w.Body.String())
	}
	if envelope.Error != nil {
		t.Fatalf("handler failures must not become RPC errors: %+v", envelope.Error)
	}

	result := decodeSendResult(t, envelope.Result)
	if result.Task.Status != protocol.TaskFailed {
		t.Fatalf("expected failed task, got %s", result.Task.Status)
	}
	last := result.Task.Messages[len(result.Task.Messages)-1]
	if got := last.TextContent(); got != "Error: handler exploded" {
		t.Errorf("expected error message on the task log, got %q", got)
	}
	if result.Message != nil {
		t.Errorf("expected no response message on failure, got %+v", result.Message)
	}
}

func TestRPC_SendMessage_UnknownAgent(t *testing.T) {
	g := newTestGateway(t)

	w, envelope := postRPC(t, g, sendBodyFor("nobody", "hi", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeInvalidParams {
		t.Fatalf("expected -32602, got %+v", envelope.Error)
	}
	if !strings.Contains(envelope.Error.Message, "unknown agent") {
		t.Errorf("expected unknown agent detail, got %q", envelope.Error.Message)
	}
}

func TestRPC_SendMessage_MissingMessage(t *testing.T) {
	g := newTestGateway(t)

	_, envelope := postRPC(t, g, `{"jsonrpc":"2.0","method":"message/send","params":{},"id":3}`)
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeInvalidParams {
		t.Fatalf("expected -32602, got %+v", envelope.Error)
	}
	if envelope.Error.Message != "Invalid parameters: message is required" {
		t.Errorf("unexpected message: %q", envelope.Error.Message)
	}
	if envelope.ID != float64(3) {
		t.Errorf("expected id 3, got %v", envelope.ID)
	}
}

func TestRPC_SendMessage_UnknownTask(t *testing.T) {
	g := newTestGateway(t)

	w, envelope := postRPC(t, g, sendBody("hi", map[string]interface{}{"task_id": "no-such-task"}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeApplication {
		t.Fatalf("expected -32001, got %+v", envelope.Error)
	}
	if envelope.Error.Message != "Task not found: no-such-task" {
		t.Errorf("unexpected message: %q", envelope.Error.Message)
	}
}

func TestRPC_ParseError(t *testing.T) {
	g := newTestGateway(t)

	w, envelope := postRPC(t, g, `{"jsonrpc": "2.0", "method": `)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeParse {
		t.Fatalf("expected -32700, got %+v", envelope.Error)
	}
	if envelope.Error.Message != "Parse error" {
		t.Errorf("unexpected message: %q", envelope.Error.Message)
	}
	if envelope.ID != nil {
		t.Errorf("parse errors cannot echo an id, got %v", envelope.ID)
	}
}

func TestRPC_InvalidRequest(t *testing.T) {
	g := newTestGateway(t)

	// Valid JSON that is not a request object.
	w, envelope := postRPC(t, g, `[1,2,3]`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeInvalidRequest {
		t.Fatalf("expected -32600, got %+v", envelope.Error)
	}

	// Wrong protocol version; the id is still echoed.
	_, envelope = postRPC(t, g, `{"jsonrpc":"1.0","method":"message/send","id":7}`)
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeInvalidRequest {
		t.Fatalf("expected -32600, got %+v", envelope.Error)
	}
	if envelope.Error.Message != "Invalid Request" {
		t.Errorf("unexpected message: %q", envelope.Error.Message)
	}
	if envelope.ID != float64(7) {
		t.Errorf("expected id 7 recovered, got %v", envelope.ID)
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	g := newTestGateway(t)

	w, envelope := postRPC(t, g, `{"jsonrpc":"2.0","method":"message/teleport","id":2}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", envelope.Error)
	}
}

func TestRPC_TasksGet(t *testing.T) {
	g := newTestGateway(t)

	_, sendEnvelope := postRPC(t, g, sendBody("ping", nil))
	sent := decodeSendResult(t, sendEnvelope.Result)

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "tasks/get",
		"params":  map[string]string{"task_id": sent.Task.ID},
		"id":      4,
	})
	w, envelope := postRPC(t, g, string(body))
	if w.Code != http.StatusOK || envelope.Error != nil {
		t.Fatalf("tasks/get failed: %d %+v", w.Code, envelope.Error)
	}

	var result protocol.TaskResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		t.Fatalf("failed to decode task result: %v", err)
	}
	if result.Task.ID != sent.Task.ID || result.Task.Status != protocol.TaskCompleted {
		t.Errorf("unexpected task snapshot: %+v", result.Task)
	}

	_, envelope = postRPC(t, g, `{"jsonrpc":"2.0","method":"tasks/get","params":{"task_id":"missing"},"id":5}`)
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeApplication {
		t.Fatalf("expected -32001 for unknown task, got %+v", envelope.Error)
	}

	_, envelope = postRPC(t, g, `{"jsonrpc":"2.0","method":"tasks/get","params":{},"id":6}`)
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeInvalidParams {
		t.Fatalf("expected -32602 for missing task_id, got %+v", envelope.Error)
	}
}

func TestRPC_TasksCancel(t *testing.T) {
	g := newTestGateway(t)

	pending, err := g.tasks.CreateTask(context.Background(), "Queued work", "waiting")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "tasks/cancel",
		"params":  map[string]string{"task_id": pending.ID},
		"id":      8,
	})
	w, envelope := postRPC(t, g, string(body))
	if w.Code != http.StatusOK || envelope.Error != nil {
		t.Fatalf("tasks/cancel failed: %d %+v", w.Code, envelope.Error)
	}

	var result protocol.TaskResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		t.Fatalf("failed to decode cancel result: %v", err)
	}
	if result.Task.Status != protocol.TaskCancelled {
		t.Errorf("expected cancelled, got %s", result.Task.Status)
	}

	// Cancelling again hits the terminal guard.
	w, envelope = postRPC(t, g, string(body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for repeat cancel, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeApplication {
		t.Fatalf("expected -32001, got %+v", envelope.Error)
	}
}

func TestRPC_StreamingNotSupported(t *testing.T) {
	g := buildTestGateway(t, false, nil)

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "message/stream",
		"params": map[string]interface{}{
			"message": map[string]interface{}{
				"parts": []map[string]interface{}{{"type": "text", "content": "hi"}},
			},
		},
		"id": 9,
	})
	w, envelope := postRPC(t, g, string(body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if envelope.Error == nil || envelope.Error.Code != protocol.ErrCodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", envelope.Error)
	}
	if envelope.Error.Message != "Streaming not supported" {
		t.Errorf("unexpected message: %q", envelope.Error.Message)
	}
}
