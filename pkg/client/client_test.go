package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeServer speaks just enough of the server's wire surface for the
// client tests: the RPC endpoint, the SSE stream, and the worker REST
// routes.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Method string          `json:"method"`
			ID     interface{}     `json:"id"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch req.Method {
		case "message/send":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]interface{}{
					"task":    map[string]interface{}{"id": "t1", "status": "completed"},
					"message": map[string]interface{}{"parts": []map[string]interface{}{{"type": "text", "content": "Echo: hi"}}},
				},
			})
		case "message/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			frames := []string{
				`{"jsonrpc":"2.0","id":"t2","result":{"event":{"task":{"id":"t2","status":"working"},"final":false}}}`,
				`{"jsonrpc":"2.0","id":"t2","result":{"event":{"task":{"id":"t2","status":"completed"},"final":true}}}`,
			}
			fmt.Fprint(w, ": heartbeat\n\n")
			for _, frame := range frames {
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			}
		case "tasks/get":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32001, "message": "Task not found"},
			})
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	})

	mux.HandleFunc("/workers/register", func(w http.ResponseWriter, r *http.Request) {
		var reg WorkerRegistration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		id := reg.WorkerID
		if id == "" {
			id = "abcdef123456"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"worker":  Worker{ID: id, Name: reg.Name, Hostname: reg.Hostname},
		})
	})

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != TaskPending {
			t.Errorf("expected status=pending poll, got %q", r.URL.Query().Get("status"))
		}
		_ = json.NewEncoder(w).Encode([]AgentTask{
			{ID: "qt1", CodebaseID: "cb1", Title: "first", Status: TaskPending, Priority: 5},
		})
	})

	mux.HandleFunc("/tasks/qt1/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["status"] == TaskAssigned && body["worker_id"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "worker_id required"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"task":    AgentTask{ID: "qt1", Status: body["status"], WorkerID: body["worker_id"], Result: body["result"]},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestSendMessage(t *testing.T) {
	server := fakeServer(t)
	c := New(server.URL)

	result, err := c.SendMessage(context.Background(), NewTextMessage("hi"), "", "")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if result.Task.Status != "completed" {
		t.Errorf("expected completed task, got %q", result.Task.Status)
	}
	if got := result.Message.TextContent(); got != "Echo: hi" {
		t.Errorf("expected echo reply, got %q", got)
	}
}

func TestStreamMessage(t *testing.T) {
	server := fakeServer(t)
	c := New(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.StreamMessage(ctx, NewTextMessage("hi"), "", "")
	if err != nil {
		t.Fatalf("StreamMessage failed: %v", err)
	}

	var statuses []string
	var finals int
	for event := range events {
		statuses = append(statuses, event.Task.Status)
		if event.Final {
			finals++
		}
	}
	if len(statuses) != 2 || statuses[0] != "working" || statuses[1] != "completed" {
		t.Errorf("unexpected event sequence: %v", statuses)
	}
	if finals != 1 {
		t.Errorf("expected exactly one final event, got %d", finals)
	}
}

func TestGetTaskRPCError(t *testing.T) {
	server := fakeServer(t)
	c := New(server.URL)

	_, err := c.GetTask(context.Background(), "missing")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32001 {
		t.Errorf("expected code -32001, got %d", rpcErr.Code)
	}
}

func TestWorkerFlow(t *testing.T) {
	server := fakeServer(t)
	c := New(server.URL)
	ctx := context.Background()

	worker, err := c.RegisterWorker(ctx, WorkerRegistration{Name: "w", Hostname: "h"})
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if worker.ID == "" {
		t.Fatal("expected server-assigned worker id")
	}

	tasks, err := c.PendingTasks(ctx, "", worker.ID)
	if err != nil {
		t.Fatalf("PendingTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "qt1" {
		t.Fatalf("unexpected pending tasks: %+v", tasks)
	}

	claimed, err := c.ClaimTask(ctx, "qt1", worker.ID)
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if claimed.Status != TaskAssigned {
		t.Errorf("expected assigned, got %q", claimed.Status)
	}

	done, err := c.CompleteTask(ctx, "qt1", worker.ID, "ok")
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if done.Status != TaskCompleted || done.Result != "ok" {
		t.Errorf("unexpected completion record: %+v", done)
	}
}

func TestRESTErrorDetail(t *testing.T) {
	server := fakeServer(t)
	c := New(server.URL)

	_, err := c.ClaimTask(context.Background(), "qt1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || !strings.Contains(apiErr.Detail, "worker_id") {
		t.Errorf("unexpected API error: %+v", apiErr)
	}
}
