// Package playbook defines the normalized step graph the engine consumes.
// Parsing and static validation of the authoring DSL happen upstream; this
// package only loads the already-normalized form and checks its shape.
package playbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Playbook is an ordered list of steps forming a directed graph via Next
// edges. Step order is the tie-break for dispatch, not an execution order.
type Playbook struct {
	Path     string         `yaml:"path" json:"path"`
	Steps    []Step         `yaml:"steps" json:"steps"`
	Finally  string         `yaml:"finally,omitempty" json:"finally,omitempty"` // end step scheduled on failure, with error context
	Timeout  time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Workload map[string]any `yaml:"workload,omitempty" json:"workload,omitempty"` // declared defaults, merged under the submitted workload
}

// Step is one unit of work.
type Step struct {
	Name    string         `yaml:"name" json:"name"`
	Kind    string         `yaml:"kind" json:"kind"` // tool kind: http, postgres, echo, playbook, ...
	Tool    ToolSpec       `yaml:"tool,omitempty" json:"tool,omitempty"`
	Inputs  map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"` // templated; rendered at dispatch
	Next    []string       `yaml:"next,omitempty" json:"next,omitempty"`
	When    string         `yaml:"when,omitempty" json:"when,omitempty"` // expr condition; false => skipped
	Loop    *LoopSpec      `yaml:"loop,omitempty" json:"loop,omitempty"`
	Retry   *RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	Sink    *SinkSpec      `yaml:"sink,omitempty" json:"sink,omitempty"`
	Pool    string         `yaml:"pool,omitempty" json:"pool,omitempty"` // worker pool; default pool when empty
	Timeout time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ToolSpec is the tagged tool configuration. Exactly one variant is set,
// matching the step kind. The engine holds only the declaration; execution
// is polymorphic over the worker's executor registry.
type ToolSpec struct {
	HTTP     *HTTPTool     `yaml:"http,omitempty" json:"http,omitempty"`
	Postgres *PostgresTool `yaml:"postgres,omitempty" json:"postgres,omitempty"`
	Echo     *EchoTool     `yaml:"echo,omitempty" json:"echo,omitempty"`
	Playbook *SubPlaybook  `yaml:"playbook,omitempty" json:"playbook,omitempty"`
}

// HTTPTool performs a single HTTP request.
type HTTPTool struct {
	Method  string            `yaml:"method" json:"method"`
	URL     string            `yaml:"url" json:"url"` // templated
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    any               `yaml:"body,omitempty" json:"body,omitempty"`
	// Keychain entry whose payload is injected as a bearer token.
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// PostgresTool runs a SQL statement. Usable as a step body or a sink.
type PostgresTool struct {
	DSN        string `yaml:"dsn,omitempty" json:"dsn,omitempty"` // templated; empty = engine database
	Statement  string `yaml:"statement" json:"statement"`
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// EchoTool returns its rendered inputs unchanged. Used by tests and dry runs.
type EchoTool struct{}

// SubPlaybook runs another catalog entry as a child execution.
type SubPlaybook struct {
	Path    string `yaml:"path" json:"path"`
	Version int    `yaml:"version,omitempty" json:"version,omitempty"` // 0 = latest
}

// LoopMode selects sequential or bounded-concurrency fan-out.
type LoopMode string

// Loop modes.
const (
	LoopSequential LoopMode = "sequential"
	LoopAsync      LoopMode = "async"
)

// LoopSpec fans a step body out over a collection.
type LoopSpec struct {
	Collection  any             `yaml:"collection" json:"collection"` // literal array or template string
	Element     string          `yaml:"element" json:"element"`       // variable name bound per iteration
	Mode        LoopMode        `yaml:"mode,omitempty" json:"mode,omitempty"`
	Concurrency int             `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Strategy    string          `yaml:"strategy,omitempty" json:"strategy,omitempty"`     // manifest combine strategy; default append
	ConcatPath  string          `yaml:"concat_path,omitempty" json:"concat_path,omitempty"`
}

// RetryPolicy governs re-dispatch after retriable failures.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	RetryOn     []string      `yaml:"retry_on,omitempty" json:"retry_on,omitempty"` // error kinds; empty = all retriable kinds
	BaseBackoff time.Duration `yaml:"base_backoff,omitempty" json:"base_backoff,omitempty"`
	CapBackoff  time.Duration `yaml:"cap_backoff,omitempty" json:"cap_backoff,omitempty"`
}

// Retries reports whether the policy permits another attempt after the given
// (1-based) attempt number failed with kind.
func (p *RetryPolicy) Retries(attempt int, kind string) bool {
	if p == nil || attempt >= p.MaxAttempts {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// SinkSpec routes a step's result bytes to a storage action after success.
// The sink target is itself a tool; only a summary reaches the event log.
type SinkSpec struct {
	Kind string         `yaml:"kind" json:"kind"`
	Tool ToolSpec       `yaml:"tool" json:"tool"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Load parses a normalized playbook from YAML and validates it.
func Load(content []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(content, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Validate checks referential integrity of the graph.
func (p *Playbook) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps", p.Path)
	}
	byName := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		if s.Kind == "" {
			return fmt.Errorf("step %q has no kind", s.Name)
		}
		byName[s.Name] = s
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		for _, next := range s.Next {
			if _, ok := byName[next]; !ok {
				return fmt.Errorf("step %q references unknown next step %q", s.Name, next)
			}
		}
		if s.Loop != nil {
			if s.Loop.Element == "" {
				return fmt.Errorf("loop on step %q has no element name", s.Name)
			}
			if s.Loop.Mode == "" {
				s.Loop.Mode = LoopSequential
			}
			if s.Loop.Mode == LoopAsync && s.Loop.Concurrency <= 0 {
				return fmt.Errorf("async loop on step %q needs concurrency > 0", s.Name)
			}
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			return fmt.Errorf("retry on step %q needs max_attempts >= 1", s.Name)
		}
	}
	if p.Finally != "" {
		if _, ok := byName[p.Finally]; !ok {
			return fmt.Errorf("finally step %q not found", p.Finally)
		}
	}
	return nil
}

// Step returns the step with the given name, or nil.
func (p *Playbook) Step(name string) *Step {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return &p.Steps[i]
		}
	}
	return nil
}

// Predecessors returns the names of steps with an edge into name.
func (p *Playbook) Predecessors(name string) []string {
	var preds []string
	for i := range p.Steps {
		for _, next := range p.Steps[i].Next {
			if next == name {
				preds = append(preds, p.Steps[i].Name)
			}
		}
	}
	return preds
}
