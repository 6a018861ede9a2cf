// Package lineage records parent/child edges between packets.
package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/mnemo/pkg/storage"
)

// Store is the subset of storage.Store the tracker needs.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	AddLineageEdges(ctx context.Context, edges []storage.LineageEdge) error
	ListParents(ctx context.Context, childID string) ([]storage.LineageEdge, error)
}

// Result reports how each parent id of a packet was handled.
type Result struct {
	// Resolved parents exist and are linked.
	Resolved []string `json:"resolved"`
	// Dangling parents are not stored; they are reported, not linked.
	Dangling []string `json:"dangling"`
	// Rejected parents would close a cycle and are not linked.
	Rejected []string `json:"rejected,omitempty"`
}

// Warnings renders dangling and rejected parents as run warnings.
func (r *Result) Warnings() []string {
	var out []string
	for _, id := range r.Dangling {
		out = append(out, fmt.Sprintf("lineage: parent %s not found", id))
	}
	for _, id := range r.Rejected {
		out = append(out, fmt.Sprintf("lineage: parent %s would create a cycle", id))
	}
	return out
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxAncestorDepth enables the cycle guard: a parent whose ancestors,
// walked up to depth levels, include the child is rejected. Zero disables it.
func WithMaxAncestorDepth(depth int) Option {
	return func(t *Tracker) {
		t.maxDepth = depth
	}
}

// WithClock overrides the time source for edge timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker resolves parent ids against the store and writes lineage edges.
type Tracker struct {
	store    Store
	maxDepth int
	now      func() time.Time
}

// NewTracker creates a lineage tracker.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Link checks each parent of childID and writes edges for those that exist.
// Dangling parents never block the write. An error means the store could
// not be read or written; no edges may have been written in that case.
func (t *Tracker) Link(ctx context.Context, childID string, parentIDs []string) (*Result, error) {
	res := &Result{Resolved: []string{}, Dangling: []string{}}
	if len(parentIDs) == 0 {
		return res, nil
	}

	edges := make([]storage.LineageEdge, 0, len(parentIDs))
	seen := make(map[string]struct{}, len(parentIDs))
	now := t.now()

	for _, parentID := range parentIDs {
		if _, dup := seen[parentID]; dup {
			continue
		}
		seen[parentID] = struct{}{}

		ok, err := t.store.Exists(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("lineage: check parent %s: %w", parentID, err)
		}
		if !ok {
			res.Dangling = append(res.Dangling, parentID)
			continue
		}

		if t.maxDepth > 0 {
			cyclic, err := t.reaches(ctx, parentID, childID)
			if err != nil {
				return nil, fmt.Errorf("lineage: walk ancestors of %s: %w", parentID, err)
			}
			if cyclic {
				res.Rejected = append(res.Rejected, parentID)
				continue
			}
		}

		res.Resolved = append(res.Resolved, parentID)
		edges = append(edges, storage.LineageEdge{ChildID: childID, ParentID: parentID, CreatedAt: now})
	}

	if len(edges) > 0 {
		if err := t.store.AddLineageEdges(ctx, edges); err != nil {
			return nil, fmt.Errorf("lineage: write edges: %w", err)
		}
	}
	return res, nil
}

// reaches walks the ancestors of start breadth-first, up to maxDepth levels,
// and reports whether target is among them.
func (t *Tracker) reaches(ctx context.Context, start, target string) (bool, error) {
	frontier := []string{start}
	visited := map[string]struct{}{start: {}}

	for depth := 0; depth < t.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			parents, err := t.store.ListParents(ctx, id)
			if err != nil {
				return false, err
			}
			for _, e := range parents {
				if e.ParentID == target {
					return true, nil
				}
				if _, ok := visited[e.ParentID]; ok {
					continue
				}
				visited[e.ParentID] = struct{}{}
				next = append(next, e.ParentID)
			}
		}
		frontier = next
	}
	return false, nil
}
