package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/playbook"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/template"
)

// beginLoop starts a fan-out step: render the collection, open the result
// manifest, record loop.started, and let the loop advance dispatch the
// first batch. An empty collection completes immediately with an empty
// aggregate.
func (e *Engine) beginLoop(ctx context.Context, proj *Projection, step *playbook.Step, env template.Context) error {
	collection, err := e.renderCollection(step, env)
	if err != nil {
		return e.failStep(ctx, proj.ExecutionID, ident.NewNodeID(step.Name, 1), step.Name,
			NewStepError(KindInputValidation, "failed to render loop collection: %v", err))
	}

	loopNodeID := ident.NewNodeID(step.Name, 1)

	strategy := models.CombineStrategy(step.Loop.Strategy)
	if strategy == "" {
		strategy = models.CombineAppend
	}
	manifest, err := e.results.OpenManifest(ctx, proj.ExecutionID, step.Name, strategy, step.Loop.ConcatPath)
	if err != nil {
		return err
	}

	concurrency := step.Loop.Concurrency
	if step.Loop.Mode != playbook.LoopAsync {
		concurrency = 1
	}
	startCtx, _ := json.Marshal(loopStartContext{
		Size:        len(collection),
		Mode:        string(step.Loop.Mode),
		Concurrency: concurrency,
		ManifestID:  manifest.ID,
	})
	if err := e.appendLoopEvent(ctx, proj.ExecutionID, models.EventLoopStarted, loopNodeID, step.Name, startCtx, nil); err != nil {
		return err
	}

	if len(collection) == 0 {
		// Zero iterations: close the manifest empty and complete in place, so
		// loop.started always carries a resolvable manifest id.
		if err := e.results.CloseManifest(ctx, manifest.ID); err != nil {
			return err
		}
		empty := json.RawMessage("[]")
		return e.appendLoopEvent(ctx, proj.ExecutionID, models.EventLoopCompleted, loopNodeID, step.Name, nil, empty)
	}

	if err := e.loops.Init(ctx, proj.ExecutionID, step.Name, len(collection)); err != nil {
		slog.Warn("Failed to init loop counter", "loop", step.Name, "error", err)
	}

	// The dispatch itself happens on the next cycle's advanceLoops, folded
	// from the loop.started event just appended.
	e.Wake(proj.ExecutionID)
	return nil
}

// advanceLoops dispatches due iterations and completes or fails settled
// loops, driven entirely by the projection.
func (e *Engine) advanceLoops(ctx context.Context, pb *playbook.Playbook, proj *Projection, env template.Context) error {
	for name, loopState := range proj.Loops {
		if loopState.Done {
			continue
		}
		step := pb.Step(name)
		if step == nil || step.Loop == nil {
			return fmt.Errorf("loop state for unknown step %q", name)
		}
		if err := e.advanceLoop(ctx, proj, step, loopState, env); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) advanceLoop(ctx context.Context, proj *Projection, step *playbook.Step, loopState *LoopState, env template.Context) error {
	iterations := proj.IterationNodes(step.Name)

	// Per-index attempt bookkeeping for retries.
	attempts := make(map[int]int)
	latest := make(map[int]*NodeState)
	for _, node := range iterations {
		if node.Index == nil {
			continue
		}
		idx := *node.Index
		attempts[idx]++
		if cur, ok := latest[idx]; !ok || node.Attempt > cur.Attempt || node.NodeID > cur.NodeID {
			latest[idx] = node
		}
	}

	settled := 0
	now := time.Now().UTC()
	for idx, node := range latest {
		if node.Status == models.NodeCompleted {
			settled++
			continue
		}
		if node.Status != models.NodeFailed {
			continue
		}
		if retryPermitted(step.Retry, attempts[idx], node.FailKind) {
			backoff := retryBackoff(step.Retry, attempts[idx])
			due := node.EndedAt.Add(backoff)
			if now.Before(due) {
				e.WakeAfter(proj.ExecutionID, due.Sub(now))
				continue
			}
			if err := e.dispatchIteration(ctx, proj, step, env, idx, attempts[idx]+1); err != nil {
				return err
			}
			continue
		}
		// Iteration out of attempts: the whole loop fails.
		loopNode := proj.Steps[step.Name].Latest
		nodeID := ""
		if loopNode != nil {
			nodeID = loopNode.NodeID
		}
		return e.failStep(ctx, proj.ExecutionID, nodeID, step.Name,
			NewStepError(node.FailKind, "iteration %d failed: %s", idx, node.Error))
	}

	// Dispatch the next batch within the concurrency bound.
	concurrency := loopState.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	inFlight := len(latest) - settledOrFailed(latest)
	next := len(attempts) // indices dispatched so far (0-based, dense)
	for next < loopState.Size && inFlight < concurrency {
		if err := e.dispatchIteration(ctx, proj, step, env, next, 1); err != nil {
			return err
		}
		next++
		inFlight++
	}

	if settled == loopState.Size {
		return e.completeLoop(ctx, proj, step, loopState, latest)
	}
	return nil
}

func settledOrFailed(latest map[int]*NodeState) int {
	n := 0
	for _, node := range latest {
		if node.Status.Terminal() {
			n++
		}
	}
	return n
}

// dispatchIteration dispatches one element of the collection with its
// binding in scope.
func (e *Engine) dispatchIteration(ctx context.Context, proj *Projection, step *playbook.Step, env template.Context, index, attempt int) error {
	collection, err := e.renderCollection(step, env)
	if err != nil {
		return fmt.Errorf("failed to re-render loop collection: %w", err)
	}
	if index >= len(collection) {
		return fmt.Errorf("loop %q index %d out of range (collection shrank to %d)",
			step.Name, index, len(collection))
	}

	iterEnv := template.Context{}
	for k, v := range env {
		iterEnv[k] = v
	}
	iterEnv[step.Loop.Element] = collection[index]
	iterEnv["loop_index"] = index

	idx := index
	return e.dispatchStep(ctx, proj, step, iterEnv, attempt, step.Name, &idx)
}

// completeLoop materializes the manifest from the iteration results in
// index order, stores the aggregate, and appends loop.completed.
func (e *Engine) completeLoop(ctx context.Context, proj *Projection, step *playbook.Step, loopState *LoopState, latest map[int]*NodeState) error {
	indices := make([]int, 0, len(latest))
	for idx := range latest {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		node := latest[idx]
		refURI := models.RefFromResult(node.Result)
		size := int64(len(node.Result))
		if refURI == "" {
			// Inline iteration result: park it in the store so the manifest
			// can reference it.
			ref, err := e.results.Put(ctx, resultstore.PutRequest{
				ExecutionID:    proj.ExecutionID,
				Name:           step.Name,
				Scope:          models.ScopeExecution,
				Payload:        node.Result,
				IterationIndex: &idx,
			})
			if err != nil {
				return err
			}
			refURI = ref.URI()
			size = ref.Size
		}
		if err := e.results.PutPart(ctx, loopState.ManifestID, models.ManifestPart{
			PartIndex: idx,
			RefURI:    refURI,
			Size:      size,
		}); err != nil {
			return err
		}
	}

	if err := e.results.CloseManifest(ctx, loopState.ManifestID); err != nil {
		return err
	}
	manifest, err := e.results.LoadManifest(ctx, loopState.ManifestID)
	if err != nil {
		return err
	}
	aggregate, err := e.results.Combine(ctx, manifest)
	if err != nil {
		return err
	}

	ref, err := e.results.Put(ctx, resultstore.PutRequest{
		ExecutionID: proj.ExecutionID,
		Name:        step.Name,
		Scope:       models.ScopeExecution,
		Payload:     aggregate,
	})
	if err != nil {
		return err
	}
	var result json.RawMessage
	if ref.Tier == models.TierInline {
		result = aggregate
	} else {
		result, _ = json.Marshal(models.ResultEnvelope{Ref: ref.URI()})
	}

	loopNode := proj.Steps[step.Name].Latest
	nodeID := ""
	if loopNode != nil {
		nodeID = loopNode.NodeID
	}
	if err := e.appendLoopEvent(ctx, proj.ExecutionID, models.EventLoopCompleted, nodeID, step.Name, nil, result); err != nil {
		return err
	}
	if err := e.loops.Delete(ctx, proj.ExecutionID, step.Name); err != nil {
		slog.Warn("Failed to delete loop counter", "loop", step.Name, "error", err)
	}
	slog.Info("Loop completed",
		"execution_id", proj.ExecutionID, "loop", step.Name,
		"size", loopState.Size, "aggregate_bytes", len(aggregate))
	e.Wake(proj.ExecutionID)
	return nil
}

func (e *Engine) renderCollection(step *playbook.Step, env template.Context) ([]any, error) {
	rendered, err := template.Render(step.Loop.Collection, env)
	if err != nil {
		return nil, err
	}
	collection, ok := rendered.([]any)
	if !ok {
		return nil, fmt.Errorf("loop collection is %T, not an array", rendered)
	}
	return collection, nil
}

func (e *Engine) appendLoopEvent(ctx context.Context, executionID int64, eventType models.EventType, nodeID, stepName string, eventCtx, result json.RawMessage) error {
	_, err := e.events.Append(ctx, &models.Event{
		ExecutionID: executionID,
		EventType:   eventType,
		NodeID:      nodeID,
		NodeName:    stepName,
		Context:     eventCtx,
		Result:      result,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateEvent) {
		return err
	}
	return nil
}
