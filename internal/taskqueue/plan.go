package taskqueue

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/task"
)

// PlanEntry is one task of a plan together with the IDs of the tasks that
// must finish before it is enqueued.
type PlanEntry struct {
	task.Task `yaml:",inline"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// OutcomeSkipped marks a plan task that never ran because a dependency did
// not finish.
const OutcomeSkipped = "skipped"

// PlanOutcome is the final state of one plan task.
type PlanOutcome struct {
	ID       string        `json:"id"`
	Category task.Category `json:"category"`
	Stage    task.Stage    `json:"stage,omitempty"`
	// Status is a task.Status value or OutcomeSkipped.
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts,omitempty"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

type nodeState int

const (
	nodeBlocked nodeState = iota
	nodeReleased
	nodeDone
	nodeFailed
	nodeSkipped
)

type planNode struct {
	entry      PlanEntry
	state      nodeState
	dependents []string
	final      *task.Task
}

// Plan releases tasks in dependency order. Tasks with no unfinished
// dependencies are released together; a task whose dependency fails or is
// cancelled is skipped along with everything downstream of it. A Plan is
// not safe for concurrent use.
type Plan struct {
	nodes map[string]*planNode
	order []string // topological, dependency levels in file order
}

// NewPlan validates entries and orders them. Entries without an ID get a
// generated one. Unknown dependencies, duplicate IDs and cycles are
// rejected.
func NewPlan(entries []PlanEntry) (*Plan, error) {
	if len(entries) == 0 {
		return nil, errors.NewValidationError("plan has no tasks")
	}

	p := &Plan{nodes: make(map[string]*planNode, len(entries))}
	var fileOrder []string
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, dup := p.nodes[e.ID]; dup {
			return nil, errors.NewValidationError("duplicate task id").WithField("id").WithValue(e.ID)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i+1, e.ID, err)
		}
		e.Task = *e.Clone()
		e.DependsOn = slices.Clone(e.DependsOn)
		p.nodes[e.ID] = &planNode{entry: e}
		fileOrder = append(fileOrder, e.ID)
	}

	for _, id := range fileOrder {
		n := p.nodes[id]
		for _, dep := range n.entry.DependsOn {
			d, ok := p.nodes[dep]
			if !ok {
				return nil, errors.NewValidationError("unknown dependency").
					WithField(id + ".depends_on").WithValue(dep)
			}
			if dep == id {
				return nil, errors.NewValidationError("task depends on itself").WithValue(id)
			}
			d.dependents = append(d.dependents, id)
		}
	}

	order, err := levelOrder(p.nodes, fileOrder)
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

// levelOrder sorts IDs by dependency level, keeping file order within a
// level.
func levelOrder(nodes map[string]*planNode, fileOrder []string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = len(n.entry.DependsOn)
	}

	var level []string
	for _, id := range fileOrder {
		if inDegree[id] == 0 {
			level = append(level, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(level) > 0 {
		order = append(order, level...)
		var next []string
		for _, id := range level {
			for _, dep := range nodes[id].dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		slices.SortStableFunc(next, func(a, b string) int {
			return slices.Index(fileOrder, a) - slices.Index(fileOrder, b)
		})
		level = next
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for _, id := range fileOrder {
			if inDegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, errors.NewValidationError("dependency cycle").WithField("depends_on").WithValue(cyclic)
	}
	return order, nil
}

// Len returns the number of tasks in the plan.
func (p *Plan) Len() int { return len(p.nodes) }

// Ready releases every blocked task whose dependencies are all done. Each
// released task receives its dependencies' outputs: their artifact paths
// are appended to Context.Artifacts and their results are stored in
// Context.PreviousStageOutput keyed by dependency category.
func (p *Plan) Ready() []*task.Task {
	var out []*task.Task
	for _, id := range p.order {
		n := p.nodes[id]
		if n.state != nodeBlocked || !p.depsDone(n) {
			continue
		}
		n.state = nodeReleased
		out = append(out, p.withInputs(n))
	}
	return out
}

func (p *Plan) depsDone(n *planNode) bool {
	for _, dep := range n.entry.DependsOn {
		if p.nodes[dep].state != nodeDone {
			return false
		}
	}
	return true
}

func (p *Plan) withInputs(n *planNode) *task.Task {
	t := n.entry.Clone()
	for _, dep := range n.entry.DependsOn {
		d := p.nodes[dep]
		if d.final == nil || d.final.Result == nil {
			continue
		}
		r := d.final.Result
		paths := r.ArtifactPaths()
		if t.Context.PreviousStageOutput == nil {
			t.Context.PreviousStageOutput = make(map[string]any)
		}
		out := map[string]any{
			"task_id":    d.entry.ID,
			"stage":      string(d.entry.Stage),
			"next_stage": string(r.NextStage),
			"output":     r.Output,
			"artifacts":  paths,
		}
		maps.Copy(out, r.Metadata)
		t.Context.PreviousStageOutput[string(d.entry.Category)] = out
		for _, path := range paths {
			if !slices.Contains(t.Context.Artifacts, path) {
				t.Context.Artifacts = append(t.Context.Artifacts, path)
			}
		}
	}
	return t
}

// Settle records the terminal snapshot of a released task and returns the
// IDs of the tasks skipped because of it.
func (p *Plan) Settle(t *task.Task) []string {
	n, ok := p.nodes[t.ID]
	if !ok || n.state != nodeReleased {
		return nil
	}
	n.final = t.Clone()
	if t.Status == task.StatusDone {
		n.state = nodeDone
		return nil
	}
	n.state = nodeFailed

	var skipped []string
	stack := slices.Clone(n.dependents)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d := p.nodes[id]
		if d.state != nodeBlocked {
			continue
		}
		d.state = nodeSkipped
		skipped = append(skipped, id)
		stack = append(stack, d.dependents...)
	}
	slices.Sort(skipped)
	return skipped
}

// Done reports whether every task has settled or been skipped.
func (p *Plan) Done() bool {
	for _, n := range p.nodes {
		if n.state == nodeBlocked || n.state == nodeReleased {
			return false
		}
	}
	return true
}

// Outcomes returns the state of every task in dependency order.
func (p *Plan) Outcomes() []PlanOutcome {
	out := make([]PlanOutcome, 0, len(p.order))
	for _, id := range p.order {
		n := p.nodes[id]
		o := PlanOutcome{ID: id, Category: n.entry.Category, Stage: n.entry.Stage}
		switch n.state {
		case nodeSkipped:
			o.Status = OutcomeSkipped
		case nodeDone, nodeFailed:
			o.Status = string(n.final.Status)
			o.Attempts = n.final.Attempt
			o.Error = n.final.Error
			if n.final.Result != nil {
				o.Artifacts = n.final.Result.ArtifactPaths()
			}
		default:
			o.Status = string(task.StatusPending)
		}
		out = append(out, o)
	}
	return out
}

// Failed reports whether any task failed, was cancelled or was skipped.
func (p *Plan) Failed() bool {
	for _, n := range p.nodes {
		if n.state == nodeFailed || n.state == nodeSkipped {
			return true
		}
	}
	return false
}

// RunPlan enqueues p's tasks on d as their dependencies finish and blocks
// until the plan is done or ctx ends. The dispatcher must be started.
func RunPlan(ctx context.Context, d *Dispatcher, p *Plan) ([]PlanOutcome, error) {
	inflight := make(map[string]bool)

	for !p.Done() {
		for _, t := range p.Ready() {
			snap, err := d.Enqueue(ctx, t)
			if err != nil {
				t.Status = task.StatusFailed
				t.Error = err.Error()
				p.Settle(t)
				continue
			}
			inflight[snap.ID] = true
		}
		if len(inflight) == 0 {
			continue
		}

		ids := slices.Sorted(maps.Keys(inflight))
		settled, err := d.WaitAny(ctx, ids)
		if err != nil {
			return p.Outcomes(), err
		}
		for _, t := range settled {
			delete(inflight, t.ID)
			p.Settle(t)
		}
		for _, id := range ids {
			if _, ok := d.Task(id); ok || !inflight[id] {
				continue
			}
			delete(inflight, id)
			p.Settle(&task.Task{ID: id, Status: task.StatusFailed, Error: "task is no longer tracked"})
		}
	}
	return p.Outcomes(), nil
}
