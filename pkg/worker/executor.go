package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/models"
)

// Executor runs one tool kind. Implementations must respect ctx: the worker
// cancels it at the task timeout.
type Executor interface {
	Execute(ctx context.Context, spec *dispatch.TaskSpec) (json.RawMessage, error)
}

// Registry maps tool kinds to executors.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a tool kind.
func (r *Registry) Register(kind string, exec Executor) {
	r.executors[kind] = exec
}

// Kinds lists the registered tool kinds, the worker's capabilities.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Lookup resolves the executor for a kind.
func (r *Registry) Lookup(kind string) (Executor, error) {
	exec, ok := r.executors[kind]
	if !ok {
		return nil, &ExecError{
			Kind:    models.KindUnsupportedTool,
			Message: fmt.Sprintf("no executor for tool kind %q", kind),
		}
	}
	return exec, nil
}

// ExecError is a classified execution failure.
type ExecError struct {
	Kind    models.ErrorKind
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// classify maps an executor error to its failure kind.
func classify(ctx context.Context, err error) *ExecError {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExecError{Kind: models.KindTaskTimeout, Message: err.Error()}
	}
	return &ExecError{Kind: models.KindToolExecution, Message: err.Error()}
}
