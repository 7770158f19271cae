// Package executor runs a validated plan over the blackboard: hedged
// solver calls under the global rate limiter, a per-node improvement loop
// gated by QA, dependency-aware scheduling with bypass-and-rewire, token
// budget enforcement, and the homeostat/stability feedback loops.
package executor

import (
	"sort"
	"sync"

	"reasonerd/internal/types"
)

// Blackboard is the shared artifact surface for one run. Artifacts are
// write-once: a node task publishes its artifact exactly once and every
// later reader sees it immutable.
type Blackboard struct {
	mu        sync.RWMutex
	artifacts map[string]*types.Artifact
}

// NewBlackboard returns an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{artifacts: map[string]*types.Artifact{}}
}

// Put publishes an artifact. Publishing twice under the same node name is
// a *types.BlackboardError.
func (b *Blackboard) Put(a *types.Artifact) error {
	if a == nil || a.Node == "" {
		return &types.BlackboardError{Op: "put: artifact missing node name"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.artifacts[a.Node]; exists {
		return &types.BlackboardError{Op: "put: duplicate artifact for node " + a.Node}
	}
	b.artifacts[a.Node] = a
	return nil
}

// Get returns the artifact for a node, if published.
func (b *Blackboard) Get(name string) (*types.Artifact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.artifacts[name]
	return a, ok
}

// Has reports whether the node has published.
func (b *Blackboard) Has(name string) bool {
	_, ok := b.Get(name)
	return ok
}

// Names returns the published node names, sorted.
func (b *Blackboard) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.artifacts))
	for name := range b.artifacts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of published artifacts.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.artifacts)
}

// Snapshot returns a shallow copy of the artifact map.
func (b *Blackboard) Snapshot() map[string]*types.Artifact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*types.Artifact, len(b.artifacts))
	for name, a := range b.artifacts {
		out[name] = a
	}
	return out
}
