package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/playbook"
)

// finalize caches the terminal outcome on the execution row, reports to the
// parent execution, answers the gateway callback, and releases transient
// state. The row's prior status guards against repeating the side effects.
func (e *Engine) finalize(ctx context.Context, exec *models.Execution, pb *playbook.Playbook, proj *Projection) error {
	if exec.Status.Terminal() {
		return nil
	}

	if err := e.execs.Finalize(ctx, exec.ID, proj.Status, proj.Error); err != nil {
		return err
	}
	slog.Info("Execution finalized",
		"execution_id", exec.ID, "path", exec.CatalogPath,
		"status", proj.Status, "error", proj.Error)

	if exec.ParentExecutionID != nil && exec.ParentNodeID != "" {
		if err := e.reportToParent(ctx, exec, proj); err != nil {
			return err
		}
	}

	if exec.CallbackRequestID != "" {
		e.answerCallback(exec, proj)
	}

	if err := e.results.CleanupExecution(ctx, exec.ID); err != nil {
		slog.Warn("Result cleanup failed", "execution_id", exec.ID, "error", err)
	}
	if err := e.vars.CleanupExecution(ctx, exec.ID); err != nil {
		slog.Warn("Variable cleanup failed", "execution_id", exec.ID, "error", err)
	}
	return nil
}

// reportToParent closes the parent's playbook-step node with this
// execution's outcome, which wakes the parent through the append notify.
func (e *Engine) reportToParent(ctx context.Context, exec *models.Execution, proj *Projection) error {
	ev := &models.Event{
		ExecutionID:       *exec.ParentExecutionID,
		ParentExecutionID: exec.ParentExecutionID,
		NodeID:            exec.ParentNodeID,
	}
	switch proj.Status {
	case models.ExecutionCompleted:
		ev.EventType = models.EventStepCompleted
		ev.Status = string(models.NodeCompleted)
		ev.Result = proj.FinalResult
	case models.ExecutionCancelled:
		ev.EventType = models.EventStepCancelled
		ev.Status = string(models.NodeCancelled)
	default:
		ev.EventType = models.EventStepFailed
		ev.Status = string(KindToolExecution)
		ev.Error = proj.Error
	}
	if _, err := e.events.Append(ctx, ev); err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	return nil
}

// answerCallback publishes the bounded terminal summary to the gateway
// request that launched the execution. Oversized results degrade to a
// reference.
func (e *Engine) answerCallback(exec *models.Execution, proj *Projection) {
	summary := map[string]any{
		"execution_id": exec.ID,
		"status":       proj.Status,
	}
	if proj.Error != "" {
		summary["error"] = proj.Error
	}
	if len(proj.FinalResult) > 0 {
		if ref := models.RefFromResult(proj.FinalResult); ref != "" {
			summary["result_ref"] = ref
		} else {
			summary["result"] = json.RawMessage(proj.FinalResult)
		}
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		slog.Warn("Failed to marshal callback", "execution_id", exec.ID, "error", err)
		return
	}
	if err := e.broker.RespondCallback(exec.CallbackRequestID, payload); err != nil {
		// Drop the result and retry with the lean summary.
		delete(summary, "result")
		if lean, marshalErr := json.Marshal(summary); marshalErr == nil {
			err = e.broker.RespondCallback(exec.CallbackRequestID, lean)
		}
		if err != nil {
			slog.Warn("Callback delivery failed",
				"execution_id", exec.ID, "request_id", exec.CallbackRequestID, "error", err)
		}
	}
}

// cancelCycle drives cooperative cancellation: cancel every live node and
// child execution, and once everything settled, seal the log.
func (e *Engine) cancelCycle(ctx context.Context, exec *models.Execution, pb *playbook.Playbook, proj *Projection) error {
	live := 0
	for _, node := range proj.Nodes {
		if node.Status.Terminal() {
			continue
		}
		live++
		_, err := e.events.Append(ctx, &models.Event{
			ExecutionID: proj.ExecutionID,
			EventType:   models.EventStepCancelled,
			NodeID:      node.NodeID,
			NodeName:    node.Name,
			Status:      string(models.NodeCancelled),
			LoopName:    node.LoopName,
			Error:       "execution cancelled",
		})
		if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
			return err
		}
		if err := e.taskLeases.Release(ctx, proj.ExecutionID, node.NodeID); err != nil {
			slog.Warn("Failed to release lease on cancel", "node_id", node.NodeID, "error", err)
		}
	}

	for _, childID := range proj.Children {
		child, err := e.execs.Get(ctx, childID)
		if err != nil || child.Status.Terminal() {
			continue
		}
		if err := e.CancelExecution(ctx, childID); err != nil {
			slog.Warn("Failed to cascade cancel", "child_execution_id", childID, "error", err)
		}
		e.Wake(childID)
	}

	if live > 0 {
		// The cancel events just appended settle on the next cycle.
		e.Wake(proj.ExecutionID)
		return nil
	}

	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventExecutionCancelled,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	e.Wake(proj.ExecutionID)
	return nil
}
