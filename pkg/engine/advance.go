package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/template"
)

// Advance runs one evaluation cycle for an execution under its exclusive
// lease: fold the log, dispatch what became ready, and finalize if the run
// reached a terminal state. Every decision derives from the log, so a crash
// mid-cycle loses nothing — the next cycle reaches the same conclusions.
func (e *Engine) Advance(ctx context.Context, executionID int64) error {
	lease, err := e.leases.Acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			slog.Warn("Failed to release execution lease", "execution_id", executionID, "error", err)
		}
	}()

	// Keep the lease alive while the cycle runs; long cycles (big loops,
	// slow result fetches) must not let the bucket TTL expire the lease.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go keepLeaseAlive(renewCtx, lease, e.cfg.LeaseTimeout/3)

	events, err := e.events.Read(ctx, executionID, 0, 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	proj := Fold(executionID, events)

	exec, err := e.execs.Get(ctx, executionID)
	if err != nil {
		return err
	}
	pb, _, err := e.catalog.LoadPlaybook(ctx, exec.CatalogID)
	if err != nil {
		return err
	}

	if proj.Status.Terminal() {
		return e.finalize(ctx, exec, pb, proj)
	}
	if proj.CancelRequested {
		return e.cancelCycle(ctx, exec, pb, proj)
	}

	env, err := e.buildEnv(ctx, proj)
	if err != nil {
		return err
	}

	if done, err := e.handleFailures(ctx, exec, pb, proj, env); err != nil || done {
		return err
	}
	if err := e.advanceLoops(ctx, pb, proj, env); err != nil {
		return err
	}
	if err := e.dispatchFrontier(ctx, pb, proj, env); err != nil {
		return err
	}
	return e.checkCompletion(ctx, exec, pb, proj)
}

type leaseRenewer interface {
	Renew(ctx context.Context) error
}

// keepLeaseAlive renews the lease on the given interval until ctx ends or a
// renewal fails, which means the lease is lost and further renewals are moot.
func keepLeaseAlive(ctx context.Context, lease leaseRenewer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				if ctx.Err() == nil {
					slog.Warn("Failed to renew execution lease", "error", err)
				}
				return
			}
		}
	}
}

// buildEnv assembles the expression environment: workload fields at the top
// level, step results under their step names, and transient variables.
func (e *Engine) buildEnv(ctx context.Context, proj *Projection) (template.Context, error) {
	env := template.Context{}

	var workload map[string]any
	if len(proj.Workload) > 0 {
		if err := json.Unmarshal(proj.Workload, &workload); err != nil {
			return nil, fmt.Errorf("corrupt workload for execution %d: %w", proj.ExecutionID, err)
		}
	}
	for k, v := range workload {
		env[k] = v
	}
	env["workload"] = workload

	allVars, err := e.vars.All(ctx, proj.ExecutionID)
	if err != nil {
		return nil, err
	}
	for name, raw := range allVars {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			env[name] = v
		}
	}

	for name, step := range proj.Steps {
		if !step.Completed() || len(step.Result) == 0 {
			continue
		}
		payload, err := e.resultPayload(ctx, step.Result)
		if err != nil {
			slog.Warn("Failed to resolve step result for env",
				"execution_id", proj.ExecutionID, "step", name, "error", err)
			continue
		}
		var v any
		if json.Unmarshal(payload, &v) == nil {
			env[name] = v
		}
	}
	return env, nil
}

// dispatchFrontier starts every step whose predecessors settled. Steps with
// no predecessors start immediately after initialization.
func (e *Engine) dispatchFrontier(ctx context.Context, pb *playbook.Playbook, proj *Projection, env template.Context) error {
	for i := range pb.Steps {
		step := &pb.Steps[i]
		if pb.Finally == step.Name {
			// The failure-path end step never joins the normal frontier.
			continue
		}
		if state, attempted := proj.Steps[step.Name]; attempted && state.Latest != nil {
			continue
		}

		ready, skip := frontierStatus(pb, proj, step.Name)
		if !ready {
			continue
		}
		if skip {
			if err := e.skipStep(ctx, proj, step, "all predecessors skipped"); err != nil {
				return err
			}
			continue
		}

		if step.When != "" {
			pass, err := e.evaluateCase(ctx, proj, step, env)
			if err != nil {
				return err
			}
			if !pass {
				if err := e.skipStep(ctx, proj, step, "condition evaluated to false"); err != nil {
					return err
				}
				continue
			}
		}

		if step.Loop != nil {
			if err := e.beginLoop(ctx, proj, step, env); err != nil {
				return err
			}
			continue
		}
		if err := e.dispatchStep(ctx, proj, step, env, 1, "", nil); err != nil {
			return err
		}
	}
	return nil
}

// frontierStatus reports whether a step's predecessors have settled, and if
// so whether the step should be skipped because no predecessor completed.
func frontierStatus(pb *playbook.Playbook, proj *Projection, name string) (ready, skip bool) {
	preds := pb.Predecessors(name)
	if len(preds) == 0 {
		return true, false
	}
	anyCompleted := false
	for _, pred := range preds {
		state, ok := proj.Steps[pred]
		if !ok || state.Latest == nil || !state.Terminal() {
			return false, false
		}
		if state.Completed() {
			anyCompleted = true
		}
	}
	return true, !anyCompleted
}

// evaluateCase records the condition outcome as a case.evaluated event and
// returns it. Evaluation errors fail the step as input validation.
func (e *Engine) evaluateCase(ctx context.Context, proj *Projection, step *playbook.Step, env template.Context) (bool, error) {
	pass, evalErr := template.EvalBool(step.When, env)

	caseCtx, _ := json.Marshal(map[string]any{
		"condition": step.When,
		"result":    pass && evalErr == nil,
	})
	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventCaseEvaluated,
		NodeName:    step.Name,
		Context:     caseCtx,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return false, err
	}

	if evalErr != nil {
		nodeID := ident.NewNodeID(step.Name, 1)
		return false, e.failStep(ctx, proj.ExecutionID, nodeID, step.Name,
			NewStepError(KindInputValidation, "condition %q: %v", step.When, evalErr))
	}
	return pass, nil
}

func (e *Engine) skipStep(ctx context.Context, proj *Projection, step *playbook.Step, reason string) error {
	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventStepSkipped,
		NodeID:      ident.NewNodeID(step.Name, 1),
		NodeName:    step.Name,
		Status:      string(models.NodeSkipped),
		Error:       reason,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	return nil
}

// dispatchStep renders the step's inputs, persists the dispatch, and hands
// the task to the broker. Loop iterations pass their binding through env and
// carry loopName and index.
func (e *Engine) dispatchStep(ctx context.Context, proj *Projection, step *playbook.Step, env template.Context, attempt int, loopName string, index *int) error {
	nodeID := ident.NewNodeID(step.Name, attempt)

	if step.Tool.Playbook != nil {
		return e.dispatchChild(ctx, proj, step, env, nodeID)
	}

	inputs, err := template.RenderInputs(step.Inputs, env)
	if err != nil {
		return e.failStep(ctx, proj.ExecutionID, nodeID, step.Name,
			NewStepError(KindInputValidation, "failed to render inputs: %v", err))
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	deadline := time.Now().UTC().Add(e.cfg.LeaseTimeout)

	spec := dispatch.TaskSpec{
		ExecutionID:  proj.ExecutionID,
		NodeID:       nodeID,
		NodeName:     step.Name,
		Attempt:      attempt,
		Kind:         step.Kind,
		Tool:         step.Tool,
		Inputs:       inputs,
		Sink:         step.Sink,
		Timeout:      timeout,
		Deadline:     deadline,
		LoopName:     loopName,
		CurrentIndex: index,
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal task spec: %w", err)
	}

	started := &models.Event{
		ExecutionID:  proj.ExecutionID,
		EventType:    models.EventStepStarted,
		NodeID:       nodeID,
		NodeName:     step.Name,
		NodeType:     step.Kind,
		Status:       string(models.NodeRunning),
		LoopName:     loopName,
		CurrentIndex: index,
	}
	if _, err := e.events.Append(ctx, started); err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}

	dispatched := &models.Event{
		ExecutionID:  proj.ExecutionID,
		EventType:    models.EventStepDispatched,
		NodeID:       nodeID,
		NodeName:     step.Name,
		NodeType:     step.Kind,
		LoopName:     loopName,
		CurrentIndex: index,
		Context:      specJSON,
	}
	if _, err := e.events.Append(ctx, dispatched); err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}

	if err := e.taskLeases.Create(ctx, dispatch.TaskLease{
		ExecutionID: proj.ExecutionID,
		NodeID:      nodeID,
		NodeName:    step.Name,
		Attempt:     attempt,
		Deadline:    deadline,
	}); err != nil {
		return err
	}

	pool := step.Pool
	if pool == "" {
		pool = "default"
	}
	note := dispatch.Notification{
		ExecutionID: proj.ExecutionID,
		NodeID:      nodeID,
		NodeName:    step.Name,
		Attempt:     attempt,
		Pool:        pool,
		Kind:        step.Kind,
		Deadline:    deadline,
	}
	payload, err := note.Marshal()
	if err != nil {
		return e.failStep(ctx, proj.ExecutionID, nodeID, step.Name, Classify(err))
	}
	if err := e.broker.PublishTask(ctx, pool, step.Kind, payload); err != nil {
		// The task lease will expire and the retry path takes over.
		slog.Warn("Task publish failed, leaving to supervisor",
			"execution_id", proj.ExecutionID, "node", step.Name, "error", err)
	}

	if loopName != "" {
		e.loops.OnDispatch(ctx, proj.ExecutionID, loopName)
	}
	slog.Debug("Dispatched step",
		"execution_id", proj.ExecutionID, "step", step.Name,
		"node_id", nodeID, "attempt", attempt, "pool", pool)
	return nil
}

// dispatchChild launches a sub-playbook as its own execution. The parent's
// node finishes when the child finalizes and reports back into this log.
func (e *Engine) dispatchChild(ctx context.Context, proj *Projection, step *playbook.Step, env template.Context, nodeID string) error {
	inputs, err := template.RenderInputs(step.Inputs, env)
	if err != nil {
		return e.failStep(ctx, proj.ExecutionID, nodeID, step.Name,
			NewStepError(KindInputValidation, "failed to render child workload: %v", err))
	}
	childWorkload, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal child workload: %w", err)
	}

	started := &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventStepStarted,
		NodeID:      nodeID,
		NodeName:    step.Name,
		NodeType:    step.Kind,
		Status:      string(models.NodeRunning),
	}
	if _, err := e.events.Append(ctx, started); err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}

	parentID := proj.ExecutionID
	child, err := e.StartExecution(ctx, StartRequest{
		Path:              step.Tool.Playbook.Path,
		Version:           step.Tool.Playbook.Version,
		Workload:          childWorkload,
		ParentExecutionID: &parentID,
		ParentNodeID:      nodeID,
	})
	if err != nil {
		return e.failStep(ctx, proj.ExecutionID, nodeID, step.Name, Classify(err))
	}

	linkCtx, _ := json.Marshal(map[string]int64{"child_execution_id": child.ID})
	dispatched := &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventStepDispatched,
		NodeID:      nodeID,
		NodeName:    step.Name,
		NodeType:    step.Kind,
		Context:     linkCtx,
	}
	if _, err := e.events.Append(ctx, dispatched); err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	return nil
}

// failStep records a terminal failure for a node.
func (e *Engine) failStep(ctx context.Context, executionID int64, nodeID, stepName string, stepErr *StepError) error {
	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   models.EventStepFailed,
		NodeID:      nodeID,
		NodeName:    stepName,
		Status:      string(stepErr.Kind),
		Error:       stepErr.Message,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	return nil
}

// handleFailures decides what a failed step means: another attempt after
// backoff, or execution failure via the finally path. Returns done=true when
// the cycle should stop here.
func (e *Engine) handleFailures(ctx context.Context, exec *models.Execution, pb *playbook.Playbook, proj *Projection, env template.Context) (bool, error) {
	now := time.Now().UTC()
	for i := range pb.Steps {
		step := &pb.Steps[i]
		state, ok := proj.Steps[step.Name]
		if !ok || state.Latest == nil || state.Latest.Status != models.NodeFailed {
			continue
		}
		node := state.Latest

		// Loop iterations retry inside the loop advance; a failed loop node
		// is already out of attempts and fails the execution below.
		if step.Loop == nil && retryPermitted(step.Retry, node.Attempt, node.FailKind) {
			backoff := retryBackoff(step.Retry, node.Attempt)
			due := node.EndedAt.Add(backoff)
			if now.Before(due) {
				e.WakeAfter(proj.ExecutionID, due.Sub(now))
				continue
			}
			slog.Info("Retrying failed step",
				"execution_id", proj.ExecutionID, "step", step.Name,
				"attempt", node.Attempt+1, "kind", node.FailKind)
			if err := e.dispatchStep(ctx, proj, step, env, node.Attempt+1, "", nil); err != nil {
				return false, err
			}
			continue
		}

		// Attempts exhausted: route through finally or fail the execution.
		return true, e.failExecution(ctx, exec, pb, proj, env,
			fmt.Sprintf("step %q failed: %s", step.Name, node.Error))
	}
	return false, nil
}

// failExecution runs the failure path: schedule the finally step once, and
// once it settles (or absent one, immediately) append playbook.failed.
func (e *Engine) failExecution(ctx context.Context, exec *models.Execution, pb *playbook.Playbook, proj *Projection, env template.Context, reason string) error {
	if pb.Finally != "" {
		final := pb.Step(pb.Finally)
		state := proj.Steps[pb.Finally]
		switch {
		case state == nil || state.Latest == nil:
			env["error"] = reason
			return e.dispatchStep(ctx, proj, final, env, 1, "", nil)
		case !state.Terminal():
			return nil // finally still running
		}
	}

	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventPlaybookFailed,
		Error:       reason,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	e.Wake(proj.ExecutionID) // next cycle finalizes
	return nil
}

// retryPermitted reports whether the policy allows another attempt after the
// given one failed with kind. Kinds that are deterministic by default are
// retried only when the policy's retry_on list names them explicitly.
func retryPermitted(policy *playbook.RetryPolicy, attempt int, kind ErrorKind) bool {
	if policy == nil || !policy.Retries(attempt, string(kind)) {
		return false
	}
	if len(policy.RetryOn) > 0 {
		return true
	}
	return kind.Retryable()
}

// retryBackoff computes capped exponential backoff with jitter for the
// given failed attempt number.
func retryBackoff(policy *playbook.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	limit := policy.CapBackoff
	if limit <= 0 {
		limit = time.Minute
	}
	backoff := base << (attempt - 1)
	if backoff > limit || backoff <= 0 {
		backoff = limit
	}
	// Up to 25% jitter keeps retry storms from synchronizing.
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	return backoff + jitter
}

// checkCompletion appends playbook.completed once every step settled
// successfully. The execution result aggregates the results of leaf steps.
func (e *Engine) checkCompletion(ctx context.Context, exec *models.Execution, pb *playbook.Playbook, proj *Projection) error {
	for i := range pb.Steps {
		step := &pb.Steps[i]
		if pb.Finally == step.Name {
			continue
		}
		state, ok := proj.Steps[step.Name]
		if !ok || state.Latest == nil || !state.Terminal() {
			return nil
		}
		if state.Latest.Status == models.NodeFailed {
			return nil // failure path owns this execution
		}
	}

	result, err := e.executionResult(ctx, pb, proj)
	if err != nil {
		return err
	}
	_, err = e.events.Append(ctx, &models.Event{
		ExecutionID: proj.ExecutionID,
		EventType:   models.EventPlaybookCompleted,
		Result:      result,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	e.Wake(proj.ExecutionID)
	return nil
}

// executionResult collects the results of leaf steps (steps with no next
// edges). A single leaf's result stands alone; multiple leaves are keyed by
// step name.
func (e *Engine) executionResult(ctx context.Context, pb *playbook.Playbook, proj *Projection) (json.RawMessage, error) {
	var leaves []string
	for i := range pb.Steps {
		if len(pb.Steps[i].Next) == 0 && pb.Steps[i].Name != pb.Finally {
			leaves = append(leaves, pb.Steps[i].Name)
		}
	}
	sort.Strings(leaves)

	collected := make(map[string]json.RawMessage, len(leaves))
	for _, name := range leaves {
		state := proj.Steps[name]
		if state == nil || !state.Completed() || len(state.Result) == 0 {
			continue
		}
		collected[name] = state.Result
	}
	if len(collected) == 0 {
		return json.RawMessage("null"), nil
	}
	if len(collected) == 1 {
		for _, r := range collected {
			return r, nil
		}
	}
	return json.Marshal(collected)
}
