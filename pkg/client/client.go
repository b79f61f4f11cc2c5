// Package client is the HTTP client workers use against the control plane's
// dispatcher and runtime endpoints.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/models"
)

// Client wraps the control-plane RPC surface.
type Client struct {
	http *resty.Client
}

// New builds a client against the server base URL.
func New(serverURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(serverURL).
			SetTimeout(30 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func rpcError(op string, resp *resty.Response, body *errorBody) error {
	msg := body.Error
	if msg == "" {
		msg = resp.Status()
	}
	return fmt.Errorf("%s failed: %s", op, msg)
}

// GetTaskRequest identifies the notification being claimed.
type GetTaskRequest struct {
	ExecutionID int64  `json:"execution_id"`
	NodeID      string `json:"node_id"`
	WorkerID    string `json:"worker_id"`
}

// GetTask exchanges a claimed notification for the full task spec. A nil
// spec with nil error means the task is gone and should be acked away.
func (c *Client) GetTask(ctx context.Context, req GetTaskRequest) (*dispatch.TaskSpec, error) {
	var (
		spec   dispatch.TaskSpec
		errOut errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&spec).
		SetError(&errOut).
		Post("/api/v1/dispatch/task")
	if err != nil {
		return nil, fmt.Errorf("get task failed: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, rpcError("get task", resp, &errOut)
	}
	return &spec, nil
}

// EmitEvent appends one event through the dispatcher.
func (c *Client) EmitEvent(ctx context.Context, ev *models.Event) (int64, error) {
	var (
		out struct {
			EventID int64 `json:"event_id"`
		}
		errOut errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(ev).
		SetResult(&out).
		SetError(&errOut).
		Post("/api/v1/dispatch/events")
	if err != nil {
		return 0, fmt.Errorf("emit event failed: %w", err)
	}
	if resp.IsError() {
		return 0, rpcError("emit event", resp, &errOut)
	}
	return out.EventID, nil
}

// HeartbeatRequest extends one task lease.
type HeartbeatRequest struct {
	ExecutionID int64  `json:"execution_id"`
	NodeID      string `json:"node_id"`
	WorkerID    string `json:"worker_id"`
}

// Heartbeat extends the task lease. lost=true means the lease is gone and
// the worker must abandon the task.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (deadline time.Time, lost bool, err error) {
	var (
		out struct {
			Deadline time.Time `json:"deadline"`
		}
		errOut errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errOut).
		Post("/api/v1/dispatch/heartbeat")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("heartbeat failed: %w", err)
	}
	if resp.StatusCode() == 404 {
		return time.Time{}, true, nil
	}
	if resp.IsError() {
		return time.Time{}, false, rpcError("heartbeat", resp, &errOut)
	}
	return out.Deadline, false, nil
}

// PutResultRequest carries a payload into the result store.
type PutResultRequest struct {
	ExecutionID    int64              `json:"execution_id"`
	Name           string             `json:"name"`
	Scope          models.ResultScope `json:"scope"`
	Payload        []byte             `json:"payload"`
	IterationIndex *int               `json:"iteration_index,omitempty"`
	Page           *int               `json:"page,omitempty"`
	Cursor         string             `json:"cursor,omitempty"`
	Batch          string             `json:"batch,omitempty"`
	Fields         json.RawMessage    `json:"fields,omitempty"`
}

// PutResultResponse returns the logical reference for the stored payload.
type PutResultResponse struct {
	Ref  models.ResultRef `json:"ref"`
	URI  string           `json:"uri"`
	Tier string           `json:"tier"`
}

// PutResult stores a payload and returns its reference.
func (c *Client) PutResult(ctx context.Context, req PutResultRequest) (*PutResultResponse, error) {
	var (
		out    PutResultResponse
		errOut errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errOut).
		Post("/api/v1/dispatch/results")
	if err != nil {
		return nil, fmt.Errorf("put result failed: %w", err)
	}
	if resp.IsError() {
		return nil, rpcError("put result", resp, &errOut)
	}
	return &out, nil
}

// RegisterRuntimeRequest announces a worker pool to the control plane.
type RegisterRuntimeRequest struct {
	Kind         models.RuntimeKind `json:"kind"`
	Name         string             `json:"name"`
	Pool         string             `json:"pool,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Capacity     int                `json:"capacity"`
}

// RegisterRuntime registers this process and returns its runtime id.
func (c *Client) RegisterRuntime(ctx context.Context, req RegisterRuntimeRequest) (int64, error) {
	var (
		out struct {
			RuntimeID int64 `json:"runtime_id"`
		}
		errOut errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errOut).
		Post("/api/v1/runtimes/register")
	if err != nil {
		return 0, fmt.Errorf("register runtime failed: %w", err)
	}
	if resp.IsError() {
		return 0, rpcError("register runtime", resp, &errOut)
	}
	return out.RuntimeID, nil
}

// RuntimeHeartbeat refreshes this runtime's liveness record.
func (c *Client) RuntimeHeartbeat(ctx context.Context, runtimeID int64) error {
	var errOut errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]int64{"runtime_id": runtimeID}).
		SetError(&errOut).
		Post("/api/v1/runtimes/heartbeat")
	if err != nil {
		return fmt.Errorf("runtime heartbeat failed: %w", err)
	}
	if resp.IsError() {
		return rpcError("runtime heartbeat", resp, &errOut)
	}
	return nil
}
