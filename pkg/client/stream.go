package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// streamScanBuffer bounds one SSE line; data frames carry full task
// snapshots, so lines can grow well past bufio's default.
const streamScanBuffer = 1024 * 1024

// StreamMessage performs message/stream and delivers every task event
// on the returned channel. The channel closes after the final event,
// on context cancellation, or when the server ends the stream.
func (c *Client) StreamMessage(ctx context.Context, message *Message, taskID, skillID string) (<-chan *TaskStatusUpdateEvent, error) {
	params := map[string]interface{}{"message": message}
	if taskID != "" {
		params["task_id"] = taskID
	}
	if skillID != "" {
		params["skill_id"] = skillID
	}
	return c.stream(ctx, "message/stream", params)
}

// ResubscribeTask re-attaches to an existing task's event stream. A
// task that already ended yields exactly one final snapshot event.
func (c *Client) ResubscribeTask(ctx context.Context, taskID string) (<-chan *TaskStatusUpdateEvent, error) {
	return c.stream(ctx, "tasks/resubscribe", map[string]string{"task_id": taskID})
}

func (c *Client) stream(ctx context.Context, method string, params interface{}) (<-chan *TaskStatusUpdateEvent, error) {
	body, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Streams outlive any fixed request timeout; the context is the
	// only bound.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		defer func() { _ = resp.Body.Close() }()
		var envelope jsonrpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("server returned %d without a stream", resp.StatusCode)
		}
		if envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, fmt.Errorf("server returned %d without a stream", resp.StatusCode)
	}

	events := make(chan *TaskStatusUpdateEvent)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), streamScanBuffer)

		for scanner.Scan() {
			line := scanner.Text()
			// Heartbeats arrive as comment lines; skip them along
			// with the blank frame separators.
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var frame streamFrame
			if err := json.Unmarshal([]byte(line[len("data: "):]), &frame); err != nil {
				continue
			}
			if frame.Result.Event == nil {
				continue
			}

			select {
			case events <- frame.Result.Event:
			case <-ctx.Done():
				return
			}
			if frame.Result.Event.Final {
				return
			}
		}
	}()
	return events, nil
}
