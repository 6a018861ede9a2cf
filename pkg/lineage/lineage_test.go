package lineage

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/storage"
	"github.com/goclaw/mnemo/pkg/storage/memory"
)

func seed(t *testing.T, store storage.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		env := &packet.Envelope{ID: id, Type: "note", Status: packet.StatusStored, CreatedAt: time.Now()}
		env.ContentHash = packet.ContentHash(env)
		if _, err := store.WritePacket(context.Background(), env, storage.NewMemoryEvent(env)); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func TestTracker_ResolvedAndDangling(t *testing.T) {
	store := memory.NewMemoryStorage()
	seed(t, store, "p1", "child")
	tr := NewTracker(store)
	ctx := context.Background()

	res, err := tr.Link(ctx, "child", []string{"p1", "ghost"})
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if !slices.Equal(res.Resolved, []string{"p1"}) {
		t.Errorf("Expected resolved [p1], got %v", res.Resolved)
	}
	if !slices.Equal(res.Dangling, []string{"ghost"}) {
		t.Errorf("Expected dangling [ghost], got %v", res.Dangling)
	}
	if len(res.Warnings()) != 1 {
		t.Errorf("Expected 1 warning, got %v", res.Warnings())
	}

	edges, _ := store.ListParents(ctx, "child")
	if len(edges) != 1 || edges[0].ParentID != "p1" {
		t.Errorf("Expected one edge to p1, got %+v", edges)
	}
	children, _ := store.ListChildren(ctx, "p1")
	if len(children) != 1 || children[0].ChildID != "child" {
		t.Errorf("Expected child edge from p1, got %+v", children)
	}
}

func TestTracker_NoParents(t *testing.T) {
	tr := NewTracker(memory.NewMemoryStorage())
	res, err := tr.Link(context.Background(), "child", nil)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if len(res.Resolved) != 0 || len(res.Dangling) != 0 {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestTracker_Idempotent(t *testing.T) {
	store := memory.NewMemoryStorage()
	seed(t, store, "p1", "child")
	tr := NewTracker(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tr.Link(ctx, "child", []string{"p1", "p1"}); err != nil {
			t.Fatalf("Link failed: %v", err)
		}
	}
	edges, _ := store.ListParents(ctx, "child")
	if len(edges) != 1 {
		t.Errorf("Expected 1 edge after replays, got %d", len(edges))
	}
}

func TestTracker_CycleGuard(t *testing.T) {
	store := memory.NewMemoryStorage()
	seed(t, store, "a", "b", "c")
	ctx := context.Background()

	// c -> b -> a
	_ = store.AddLineageEdges(ctx, []storage.LineageEdge{
		{ChildID: "b", ParentID: "a"},
		{ChildID: "c", ParentID: "b"},
	})

	t.Run("disabled", func(t *testing.T) {
		res, err := NewTracker(store).Link(ctx, "a", []string{"c"})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Rejected) != 0 {
			t.Errorf("Guard disabled but rejected %v", res.Rejected)
		}
	})

	store2 := memory.NewMemoryStorage()
	seed(t, store2, "a", "b", "c")
	_ = store2.AddLineageEdges(ctx, []storage.LineageEdge{
		{ChildID: "b", ParentID: "a"},
		{ChildID: "c", ParentID: "b"},
	})

	t.Run("enabled", func(t *testing.T) {
		res, err := NewTracker(store2, WithMaxAncestorDepth(4)).Link(ctx, "a", []string{"c"})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(res.Rejected, []string{"c"}) {
			t.Errorf("Expected c rejected, got %+v", res)
		}
		parents, _ := store2.ListParents(ctx, "a")
		if len(parents) != 0 {
			t.Errorf("Rejected parent must not be linked, got %+v", parents)
		}
	})

	t.Run("too shallow", func(t *testing.T) {
		store3 := memory.NewMemoryStorage()
		seed(t, store3, "a", "b", "c")
		_ = store3.AddLineageEdges(ctx, []storage.LineageEdge{
			{ChildID: "b", ParentID: "a"},
			{ChildID: "c", ParentID: "b"},
		})
		res, err := NewTracker(store3, WithMaxAncestorDepth(1)).Link(ctx, "a", []string{"c"})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Rejected) != 0 {
			t.Errorf("Depth 1 cannot see a from c, got %+v", res)
		}
	})
}

type failingStore struct {
	*memory.MemoryStorage
	existsErr error
	addErr    error
}

func (f *failingStore) Exists(ctx context.Context, id string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.MemoryStorage.Exists(ctx, id)
}

func (f *failingStore) AddLineageEdges(ctx context.Context, edges []storage.LineageEdge) error {
	if f.addErr != nil {
		return f.addErr
	}
	return f.MemoryStorage.AddLineageEdges(ctx, edges)
}

func TestTracker_StoreErrors(t *testing.T) {
	boom := errors.New("boom")
	base := memory.NewMemoryStorage()
	seed(t, base, "p1")

	_, err := NewTracker(&failingStore{MemoryStorage: base, existsErr: boom}).Link(context.Background(), "child", []string{"p1"})
	if !errors.Is(err, boom) {
		t.Errorf("Expected exists error, got %v", err)
	}

	_, err = NewTracker(&failingStore{MemoryStorage: base, addErr: boom}).Link(context.Background(), "child", []string{"p1"})
	if !errors.Is(err, boom) {
		t.Errorf("Expected write error, got %v", err)
	}
}
