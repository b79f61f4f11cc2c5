package engine

import (
	"encoding/json"
	"time"

	"github.com/noetl/noetl/pkg/models"
)

// NodeState is the folded state of one step attempt.
type NodeState struct {
	NodeID     string
	Name       string
	Attempt    int
	LoopName   string
	Index      *int
	Status     models.NodeStatus
	Dispatched bool
	Result     json.RawMessage
	FailKind   ErrorKind
	Error      string
	StartedAt  time.Time
	EndedAt    time.Time
	// SinkPending is set between sink.started and sink.completed; the step
	// does not count as finished while its sink runs.
	SinkPending bool
}

// Terminal reports whether the node reached a final status.
func (n *NodeState) Terminal() bool {
	return n.Status.Terminal() && !n.SinkPending
}

// StepState aggregates the attempts of one step name.
type StepState struct {
	Name     string
	Attempts int
	Latest   *NodeState
	// Result is the payload of the successful attempt, or the loop's
	// aggregate for loop steps.
	Result json.RawMessage
}

// Completed reports whether the step finished successfully.
func (s *StepState) Completed() bool {
	return s.Latest != nil && s.Latest.Status == models.NodeCompleted && !s.Latest.SinkPending
}

// Skipped reports whether the step was skipped by its condition.
func (s *StepState) Skipped() bool {
	return s.Latest != nil && s.Latest.Status == models.NodeSkipped
}

// Terminal reports whether the step admits no further attempts without an
// explicit retry decision.
func (s *StepState) Terminal() bool {
	return s.Latest != nil && s.Latest.Terminal()
}

// LoopState is the folded state of one fan-out step.
type LoopState struct {
	Name        string
	Size        int
	Mode        string
	Concurrency int
	ManifestID  int64
	Dispatched  int
	Completed   int
	Failed      int
	Done        bool
}

// loopStartContext is the context payload of a loop.started event.
type loopStartContext struct {
	Size        int    `json:"size"`
	Mode        string `json:"mode"`
	Concurrency int    `json:"concurrency"`
	ManifestID  int64  `json:"manifest_id"`
}

// Projection is the deterministic fold of one execution's event log. It is
// rebuilt from scratch on every advance cycle; events after LastEventID have
// not been folded yet.
type Projection struct {
	ExecutionID     int64
	Initialized     bool
	Status          models.ExecutionStatus
	CancelRequested bool
	Error           string
	Workload        json.RawMessage
	FinalResult     json.RawMessage
	LastEventID     int64

	Steps map[string]*StepState
	Loops map[string]*LoopState
	Nodes map[string]*NodeState

	// Children maps a playbook-step node id to its child execution id.
	Children map[string]int64
}

// Fold replays events into a fresh projection. Events must be in event_id
// order; duplicates and out-of-order terminal events are ignored, matching
// the log's first-terminal-wins rule.
func Fold(executionID int64, events []models.Event) *Projection {
	p := &Projection{
		ExecutionID: executionID,
		Status:      models.ExecutionPending,
		Steps:       make(map[string]*StepState),
		Loops:       make(map[string]*LoopState),
		Nodes:       make(map[string]*NodeState),
		Children:    make(map[string]int64),
	}
	for i := range events {
		p.apply(&events[i])
	}
	return p
}

func (p *Projection) apply(ev *models.Event) {
	if ev.EventID > p.LastEventID {
		p.LastEventID = ev.EventID
	}

	switch ev.EventType {
	case models.EventPlaybookInitialized:
		p.Initialized = true
		p.Status = models.ExecutionRunning
		p.Workload = ev.Context

	case models.EventStepStarted:
		node := p.node(ev)
		node.Status = models.NodeRunning
		node.StartedAt = ev.CreatedAt

	case models.EventStepDispatched:
		p.node(ev).Dispatched = true

	case models.EventStepResult:
		// Intermediate page/batch results; the aggregate arrives with
		// step.completed.

	case models.EventStepCompleted:
		p.terminate(ev, models.NodeCompleted)

	case models.EventStepFailed:
		node := p.terminate(ev, models.NodeFailed)
		if node != nil {
			node.FailKind = ErrorKind(ev.Status)
			node.Error = ev.Error
		}

	case models.EventStepLost:
		node := p.terminate(ev, models.NodeFailed)
		if node != nil {
			node.FailKind = KindTaskLost
			node.Error = ev.Error
		}

	case models.EventStepSkipped:
		p.terminate(ev, models.NodeSkipped)

	case models.EventStepCancelled:
		p.terminate(ev, models.NodeCancelled)

	case models.EventSinkStarted:
		if node, ok := p.Nodes[ev.NodeID]; ok {
			node.SinkPending = true
		}

	case models.EventSinkCompleted:
		if node, ok := p.Nodes[ev.NodeID]; ok {
			node.SinkPending = false
		}

	case models.EventCaseEvaluated:
		// Recorded for audit; carries no projected state.

	case models.EventLoopStarted:
		var lc loopStartContext
		_ = json.Unmarshal(ev.Context, &lc)
		p.Loops[ev.NodeName] = &LoopState{
			Name:        ev.NodeName,
			Size:        lc.Size,
			Mode:        lc.Mode,
			Concurrency: lc.Concurrency,
			ManifestID:  lc.ManifestID,
		}
		step := p.step(ev.NodeName)
		step.Latest = &NodeState{
			NodeID: ev.NodeID,
			Name:   ev.NodeName,
			Status: models.NodeRunning,
		}
		p.Nodes[ev.NodeID] = step.Latest

	case models.EventLoopCompleted:
		if loop, ok := p.Loops[ev.NodeName]; ok {
			loop.Done = true
		}
		step := p.step(ev.NodeName)
		if step.Latest != nil && !step.Latest.Status.Terminal() {
			step.Latest.Status = models.NodeCompleted
			step.Latest.Result = ev.Result
			step.Result = ev.Result
		}

	case models.EventExecutionCancelRequested:
		p.CancelRequested = true

	case models.EventExecutionCancelled:
		p.Status = models.ExecutionCancelled

	case models.EventPlaybookCompleted, models.EventExecutionCompleted:
		if !p.Status.Terminal() {
			p.Status = models.ExecutionCompleted
			p.FinalResult = ev.Result
		}

	case models.EventPlaybookFailed, models.EventExecutionFailed:
		if !p.Status.Terminal() {
			p.Status = models.ExecutionFailed
			p.Error = ev.Error
		}
	}

	// Child execution linkage rides on step.dispatched for playbook steps.
	if ev.EventType == models.EventStepDispatched && ev.Context != nil {
		var link struct {
			ChildExecutionID int64 `json:"child_execution_id"`
		}
		if json.Unmarshal(ev.Context, &link) == nil && link.ChildExecutionID != 0 {
			p.Children[ev.NodeID] = link.ChildExecutionID
		}
	}
}

// node returns (creating if needed) the state for the event's node attempt.
// Later events for a known node may omit the step name (the parent report of
// a child execution carries only the node id); the name recorded at
// step.started stands.
func (p *Projection) node(ev *models.Event) *NodeState {
	if node, ok := p.Nodes[ev.NodeID]; ok {
		return node
	}
	node := &NodeState{
		NodeID:   ev.NodeID,
		Name:     ev.NodeName,
		LoopName: ev.LoopName,
		Index:    ev.CurrentIndex,
	}
	p.Nodes[ev.NodeID] = node

	if ev.LoopName == "" {
		if ev.NodeName != "" {
			step := p.step(ev.NodeName)
			step.Attempts++
			node.Attempt = step.Attempts
			step.Latest = node
		}
	} else if loop, ok := p.Loops[ev.LoopName]; ok {
		loop.Dispatched++
	}
	return node
}

// terminate applies a terminal status to the event's node, honoring
// first-terminal-wins. It returns nil when the node already had an outcome.
func (p *Projection) terminate(ev *models.Event, status models.NodeStatus) *NodeState {
	node := p.node(ev)
	if node.Status.Terminal() {
		return nil
	}
	node.Status = status
	node.EndedAt = ev.CreatedAt
	node.Result = ev.Result

	if node.LoopName != "" {
		if loop, ok := p.Loops[node.LoopName]; ok {
			switch status {
			case models.NodeCompleted:
				loop.Completed++
			case models.NodeFailed:
				loop.Failed++
			}
		}
		return node
	}

	if status == models.NodeCompleted && node.Name != "" {
		p.step(node.Name).Result = ev.Result
	}
	return node
}

func (p *Projection) step(name string) *StepState {
	if step, ok := p.Steps[name]; ok {
		return step
	}
	step := &StepState{Name: name}
	p.Steps[name] = step
	return step
}

// IterationNodes returns the node states of a loop's iterations, unordered.
func (p *Projection) IterationNodes(loopName string) []*NodeState {
	var nodes []*NodeState
	for _, node := range p.Nodes {
		if node.LoopName == loopName {
			nodes = append(nodes, node)
		}
	}
	return nodes
}
