package client

import (
	"context"
	"net/http"
	"net/url"
)

// RegisterWorker announces a worker and returns the server's record,
// including the assigned ID when the registration carried none.
func (c *Client) RegisterWorker(ctx context.Context, reg WorkerRegistration) (*Worker, error) {
	var resp struct {
		Worker *Worker `json:"worker"`
	}
	if err := c.postJSON(ctx, http.MethodPost, "/workers/register", reg, &resp); err != nil {
		return nil, err
	}
	return resp.Worker, nil
}

// Heartbeat refreshes the worker's last_seen.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.postJSON(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/heartbeat", nil, nil)
}

// UnregisterWorker removes the worker; its in-flight tasks return to
// the queue.
func (c *Client) UnregisterWorker(ctx context.Context, workerID string) error {
	return c.postJSON(ctx, http.MethodPost, "/workers/"+url.PathEscape(workerID)+"/unregister", nil, nil)
}

// ListWorkers lists registered workers with staleness flags.
func (c *Client) ListWorkers(ctx context.Context) ([]*Worker, error) {
	var workers []*Worker
	if err := c.getJSON(ctx, "/workers", &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// PendingTasks polls claimable tasks. Passing the worker ID refreshes
// the worker's last_seen on the server.
func (c *Client) PendingTasks(ctx context.Context, codebaseID, workerID string) ([]*AgentTask, error) {
	query := url.Values{"status": {TaskPending}}
	if codebaseID != "" {
		query.Set("codebase_id", codebaseID)
	}
	if workerID != "" {
		query.Set("worker_id", workerID)
	}
	var tasks []*AgentTask
	if err := c.getJSON(ctx, "/tasks?"+query.Encode(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListAgentTasks lists queue tasks. Empty filter values match
// everything.
func (c *Client) ListAgentTasks(ctx context.Context, codebaseID, status string) ([]*AgentTask, error) {
	query := url.Values{}
	if codebaseID != "" {
		query.Set("codebase_id", codebaseID)
	}
	if status != "" {
		query.Set("status", status)
	}
	path := "/tasks"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var tasks []*AgentTask
	if err := c.getJSON(ctx, path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetAgentTask fetches one queue task.
func (c *Client) GetAgentTask(ctx context.Context, taskID string) (*AgentTask, error) {
	var task AgentTask
	if err := c.getJSON(ctx, "/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateAgentTaskStatus reports a task transition on behalf of a worker.
func (c *Client) UpdateAgentTaskStatus(ctx context.Context, taskID, status, workerID, result, errMsg string) (*AgentTask, error) {
	body := map[string]string{
		"status":    status,
		"worker_id": workerID,
	}
	if result != "" {
		body["result"] = result
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	var resp struct {
		Task *AgentTask `json:"task"`
	}
	if err := c.postJSON(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskID)+"/status", body, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// ClaimTask moves a pending task to assigned. Exactly one concurrent
// claimer succeeds; the rest receive a conflict APIError.
func (c *Client) ClaimTask(ctx context.Context, taskID, workerID string) (*AgentTask, error) {
	return c.UpdateAgentTaskStatus(ctx, taskID, TaskAssigned, workerID, "", "")
}

// StartTask moves a claimed task to running.
func (c *Client) StartTask(ctx context.Context, taskID, workerID string) (*AgentTask, error) {
	return c.UpdateAgentTaskStatus(ctx, taskID, TaskRunning, workerID, "", "")
}

// CompleteTask reports success with the result text.
func (c *Client) CompleteTask(ctx context.Context, taskID, workerID, result string) (*AgentTask, error) {
	return c.UpdateAgentTaskStatus(ctx, taskID, TaskCompleted, workerID, result, "")
}

// FailTask reports failure with the error text.
func (c *Client) FailTask(ctx context.Context, taskID, workerID, errMsg string) (*AgentTask, error) {
	return c.UpdateAgentTaskStatus(ctx, taskID, TaskFailed, workerID, "", errMsg)
}

// PostOutput streams an execution output chunk to task observers.
func (c *Client) PostOutput(ctx context.Context, taskID, workerID, output string) error {
	body := map[string]string{"worker_id": workerID, "output": output}
	return c.postJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/output", body, nil)
}

// CancelAgentTask cancels a queue task still pending or assigned.
func (c *Client) CancelAgentTask(ctx context.Context, taskID string) (*AgentTask, error) {
	var resp struct {
		Task *AgentTask `json:"task"`
	}
	if err := c.postJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// RegisterCodebase creates a work target. watchInterval of 0 keeps the
// server default.
func (c *Client) RegisterCodebase(ctx context.Context, name, path string, watchInterval int) (*Codebase, error) {
	body := map[string]interface{}{"name": name, "path": path}
	if watchInterval > 0 {
		body["watch_interval"] = watchInterval
	}
	var resp struct {
		Codebase *Codebase `json:"codebase"`
	}
	if err := c.postJSON(ctx, http.MethodPost, "/codebases", body, &resp); err != nil {
		return nil, err
	}
	return resp.Codebase, nil
}

// ListCodebases lists registered work targets.
func (c *Client) ListCodebases(ctx context.Context) ([]*Codebase, error) {
	var codebases []*Codebase
	if err := c.getJSON(ctx, "/codebases", &codebases); err != nil {
		return nil, err
	}
	return codebases, nil
}

// EnqueueTask adds a work item to a codebase's queue.
func (c *Client) EnqueueTask(ctx context.Context, codebaseID, title, prompt string, priority int) (*AgentTask, error) {
	body := map[string]interface{}{"title": title, "prompt": prompt, "priority": priority}
	var resp struct {
		Task *AgentTask `json:"task"`
	}
	if err := c.postJSON(ctx, http.MethodPost, "/codebases/"+url.PathEscape(codebaseID)+"/tasks", body, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}
