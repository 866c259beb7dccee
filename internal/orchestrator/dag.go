package orchestrator

import (
	"sync"

	"github.com/apex-build/buildforge/internal/registry"
)

// nodeState mirrors the DAG node lifecycle that decides when a stage may
// start (spec §4.3 "Ordering"): pending -> running -> done/failed/skipped.
type nodeState int

const (
	nodePending nodeState = iota
	nodeRunning
	nodeDone
	nodeFailed
	nodeSkipped
)

// stageDAG tracks per-build stage readiness derived from the registry's
// already-validated, already-acyclic dependency graph (grounded on
// itsneelabh-gomind's WorkflowDAG ready-node/mark-node machinery, adapted to
// reuse registry.Registry.Dependencies instead of re-deriving a node graph
// from a YAML workflow definition).
type stageDAG struct {
	mu    sync.Mutex
	reg   *registry.Registry
	state map[string]nodeState
	order []string // deterministic iteration order for ReadyNodes
}

func newStageDAG(reg *registry.Registry, stageIDs []string) *stageDAG {
	d := &stageDAG{
		reg:   reg,
		state: make(map[string]nodeState, len(stageIDs)),
		order: append([]string(nil), stageIDs...),
	}
	for _, id := range stageIDs {
		d.state[id] = nodePending
	}
	return d
}

// ReadyNodes returns pending stage ids whose dependencies have all reached a
// successful terminal status, in deterministic declaration order.
func (d *stageDAG) ReadyNodes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ready []string
	for _, id := range d.order {
		if d.state[id] != nodePending {
			continue
		}
		if d.allDependenciesSatisfied(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (d *stageDAG) allDependenciesSatisfied(id string) bool {
	for _, dep := range d.reg.Dependencies(id) {
		if d.state[dep] != nodeDone {
			return false
		}
	}
	return true
}

func (d *stageDAG) MarkRunning(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[id] = nodeRunning
}

func (d *stageDAG) MarkDone(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[id] = nodeDone
}

// MarkFailed records id as failed and skips every stage that transitively
// depends on it, so they never surface as ready (spec §4.3 "downstream
// stages only start after the stage reaches a terminal success status").
func (d *stageDAG) MarkFailed(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[id] = nodeFailed
	d.skipDependentsLocked()
}

func (d *stageDAG) skipDependentsLocked() {
	for changed := true; changed; {
		changed = false
		for _, id := range d.order {
			if d.state[id] != nodePending {
				continue
			}
			for _, dep := range d.reg.Dependencies(id) {
				if d.state[dep] == nodeFailed || d.state[dep] == nodeSkipped {
					d.state[id] = nodeSkipped
					changed = true
					break
				}
			}
		}
	}
}

// IsComplete reports whether every node has reached a terminal state.
func (d *stageDAG) IsComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.state {
		if s == nodePending || s == nodeRunning {
			return false
		}
	}
	return true
}

func (d *stageDAG) HasRunningNodes() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.state {
		if s == nodeRunning {
			return true
		}
	}
	return false
}

// Skipped reports whether id was skipped because a dependency failed.
func (d *stageDAG) Skipped(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[id] == nodeSkipped
}
