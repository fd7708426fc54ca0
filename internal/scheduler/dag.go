package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

type nodeStatus int

const (
	nodePending nodeStatus = iota
	nodeReady
	nodeSucceeded
	nodeFailed
)

// node is one task in the arena. Edges are stored as indices into DAG.nodes.
type node struct {
	task       *Task
	deps       []int // tasks this one depends on
	dependents []int // tasks depending on this one
}

// DAG is the validated dependency graph of one run, plus the progress
// bookkeeping used to compute ready sets as tasks finish.
//
// DAG is not safe for concurrent use; the owning Run serializes access under
// the same lock that records terminal transitions.
type DAG struct {
	nodes []node
	index map[string]int // task name -> node index
	order []int          // topological order
	pos   []int          // node index -> position in order

	inScope   []bool
	remaining []int // outstanding dependencies per in-scope node
	status    []nodeStatus
}

// Build validates tasks and returns their graph. It fails with an error
// wrapping ErrUnknownDependency if a dependency name has no matching task and
// with a *CycleError if the dependency relation is not acyclic.
func Build(tasks []*Task) (*DAG, error) {
	d := &DAG{
		nodes: make([]node, 0, len(tasks)),
		index: make(map[string]int, len(tasks)),
	}

	for _, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("%w: nil task", ErrInvalidTask)
		}
		if t.Name == "" {
			return nil, fmt.Errorf("%w: empty task name", ErrInvalidTask)
		}
		if _, exists := d.index[t.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name)
		}
		d.index[t.Name] = len(d.nodes)
		d.nodes = append(d.nodes, node{task: t})
	}

	// Resolve dependency names before looking for cycles so a typo is not
	// reported as something else.
	for i := range d.nodes {
		seen := make(map[int]bool, len(d.nodes[i].task.DependsOn))
		for _, depName := range d.nodes[i].task.DependsOn {
			j, ok := d.index[depName]
			if !ok {
				return nil, &UnknownDependencyError{Task: d.nodes[i].task.Name, Dependency: depName}
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			d.nodes[i].deps = append(d.nodes[i].deps, j)
			d.nodes[j].dependents = append(d.nodes[j].dependents, i)
		}
	}

	if path := d.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}

	if err := d.sort(); err != nil {
		return nil, err
	}

	d.inScope = make([]bool, len(d.nodes))
	d.remaining = make([]int, len(d.nodes))
	d.status = make([]nodeStatus, len(d.nodes))
	return d, nil
}

// findCycle runs a depth-first traversal along dependency edges. A node met
// again while still in progress closes a cycle; the returned path names it.
func (d *DAG) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)

	mark := make([]int, len(d.nodes))
	var stack []int
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		mark[i] = inProgress
		stack = append(stack, i)
		for _, j := range d.nodes[i].deps {
			switch mark[j] {
			case unvisited:
				if visit(j) {
					return true
				}
			case inProgress:
				start := len(stack) - 1
				for stack[start] != j {
					start--
				}
				for _, k := range stack[start:] {
					cycle = append(cycle, d.nodes[k].task.Name)
				}
				cycle = append(cycle, d.nodes[j].task.Name)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		mark[i] = done
		return false
	}

	for i := range d.nodes {
		if mark[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}

// sort computes the topological order with gammazero/toposort.
func (d *DAG) sort() error {
	if len(d.nodes) == 0 {
		return nil
	}

	var edges []toposort.Edge
	for _, n := range d.nodes {
		if len(n.deps) == 0 {
			// Root task - edge from nil keeps it in the output
			edges = append(edges, toposort.Edge{nil, n.task.Name})
			continue
		}
		for _, j := range n.deps {
			edges = append(edges, toposort.Edge{d.nodes[j].task.Name, n.task.Name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}

	d.order = make([]int, 0, len(d.nodes))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		d.order = append(d.order, d.index[v.(string)])
	}
	if len(d.order) != len(d.nodes) {
		return fmt.Errorf("topological sort returned %d of %d tasks", len(d.order), len(d.nodes))
	}

	d.pos = make([]int, len(d.nodes))
	for p, i := range d.order {
		d.pos[i] = p
	}
	return nil
}

// Len returns the number of tasks in the graph.
func (d *DAG) Len() int { return len(d.nodes) }

// Index returns the arena index of the named task.
func (d *DAG) Index(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// Task returns the task stored at index i.
func (d *DAG) Task(i int) *Task { return d.nodes[i].task }

// Order returns task names in topological order: every task appears after all
// of its dependencies.
func (d *DAG) Order() []string {
	names := make([]string, len(d.order))
	for p, i := range d.order {
		names[p] = d.nodes[i].task.Name
	}
	return names
}

// Activate selects the tasks that take part in the run. With names, the named
// tasks are selected; otherwise autoOnly selects auto-start tasks and !autoOnly
// selects everything. Dependencies of selected tasks are always pulled in,
// including ones excluded from auto start.
func (d *DAG) Activate(autoOnly bool, names []string) error {
	var roots []int
	switch {
	case len(names) > 0:
		for _, name := range names {
			i, ok := d.index[name]
			if !ok {
				return &UnknownTaskError{Name: name}
			}
			roots = append(roots, i)
		}
	case autoOnly:
		for i, n := range d.nodes {
			if n.task.IsAutoStart() {
				roots = append(roots, i)
			}
		}
	default:
		for i := range d.nodes {
			roots = append(roots, i)
		}
	}

	d.activate(roots)
	return nil
}

// ActivateMatching selects the tasks for which match returns true, plus
// their transitive dependencies. An empty selection is valid.
func (d *DAG) ActivateMatching(match func(*Task) bool) {
	var roots []int
	for i, n := range d.nodes {
		if match(n.task) {
			roots = append(roots, i)
		}
	}
	d.activate(roots)
}

func (d *DAG) activate(roots []int) {
	for i := range d.inScope {
		d.inScope[i] = false
	}
	stack := roots
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.inScope[i] {
			continue
		}
		d.inScope[i] = true
		stack = append(stack, d.nodes[i].deps...)
	}

	for i, n := range d.nodes {
		d.remaining[i] = len(n.deps)
		d.status[i] = nodePending
	}
}

// InScope reports whether task i was selected by Activate.
func (d *DAG) InScope(i int) bool { return d.inScope[i] }

// InitialReadySet marks and returns the selected tasks without dependencies.
func (d *DAG) InitialReadySet() []int {
	var ready []int
	for _, i := range d.order {
		if d.inScope[i] && d.status[i] == nodePending && d.remaining[i] == 0 {
			d.status[i] = nodeReady
			ready = append(ready, i)
		}
	}
	return ready
}

// OnTaskSucceeded records success of task i and returns the tasks whose last
// outstanding dependency it was.
func (d *DAG) OnTaskSucceeded(i int) []int {
	d.status[i] = nodeSucceeded
	var ready []int
	for _, j := range d.nodes[i].dependents {
		if !d.inScope[j] {
			continue
		}
		d.remaining[j]--
		if d.remaining[j] == 0 && d.status[j] == nodePending {
			d.status[j] = nodeReady
			ready = append(ready, j)
		}
	}
	d.byOrder(ready)
	return ready
}

// OnTaskFailed records failure of task i and returns every pending task that
// transitively depends on it. Those tasks are marked failed in the same pass.
func (d *DAG) OnTaskFailed(i int) []int {
	d.status[i] = nodeFailed
	var failed []int
	queue := append([]int(nil), d.nodes[i].dependents...)
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		if !d.inScope[j] || d.status[j] != nodePending {
			continue
		}
		d.status[j] = nodeFailed
		failed = append(failed, j)
		queue = append(queue, d.nodes[j].dependents...)
	}
	d.byOrder(failed)
	return failed
}

// MarkFailed records a terminal failure for i without propagation. Used when
// the run deadline sweeps every outstanding task at once.
func (d *DAG) MarkFailed(i int) {
	d.status[i] = nodeFailed
}

func (d *DAG) byOrder(idx []int) {
	sort.Slice(idx, func(a, b int) bool { return d.pos[idx[a]] < d.pos[idx[b]] })
}
