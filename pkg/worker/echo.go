package worker

import (
	"context"
	"encoding/json"

	"github.com/noetl/noetl/pkg/dispatch"
)

// EchoExecutor returns the task's rendered inputs as its result. Tests and
// dry runs use it to exercise the full dispatch path with no side effects.
type EchoExecutor struct{}

// NewEchoExecutor builds the echo executor.
func NewEchoExecutor() *EchoExecutor {
	return &EchoExecutor{}
}

// Execute reflects the inputs back.
func (e *EchoExecutor) Execute(_ context.Context, spec *dispatch.TaskSpec) (json.RawMessage, error) {
	if spec.Inputs == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(spec.Inputs)
}
