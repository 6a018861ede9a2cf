package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
)

// StoreTestSuite defines a test suite that can be run against any Store implementation.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs all store tests against the provided implementation.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("PacketWriteAndRead", s.TestPacketWriteAndRead)
	t.Run("IdempotentWrite", s.TestIdempotentWrite)
	t.Run("ConflictLeavesOriginal", s.TestConflictLeavesOriginal)
	t.Run("StatusMonotonic", s.TestStatusMonotonic)
	t.Run("EventsListFilter", s.TestEventsListFilter)
	t.Run("InsightsAppendDedupe", s.TestInsightsAppendDedupe)
	t.Run("LineageEdges", s.TestLineageEdges)
	t.Run("EmbeddingByHash", s.TestEmbeddingByHash)
	t.Run("Checkpoints", s.TestCheckpoints)
	t.Run("ConcurrentWrites", s.TestConcurrentWrites)
	t.Run("ClosedStoreUnavailable", s.TestClosedStoreUnavailable)
	t.Run("NotFound", s.TestNotFound)
}

var suiteEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testEnvelope(id, typ string, created time.Time) *packet.Envelope {
	env := &packet.Envelope{
		ID:         id,
		Type:       typ,
		Payload:    map[string]any{"text": "hello " + id},
		Agent:      "agent-1",
		Confidence: 0.8,
		Tags:       []string{"type:" + typ},
		Status:     packet.StatusStored,
		Source:     packet.SourceAPI,
		CreatedAt:  created,
	}
	env.ContentHash = packet.ContentHash(env)
	return env
}

func write(t *testing.T, store Store, env *packet.Envelope) *WriteResult {
	t.Helper()
	res, err := store.WritePacket(context.Background(), env, NewMemoryEvent(env))
	if err != nil {
		t.Fatalf("WritePacket(%s) failed: %v", env.ID, err)
	}
	return res
}

// TestPacketWriteAndRead tests that a written packet and its event read back.
func (s *StoreTestSuite) TestPacketWriteAndRead(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	env := testEnvelope("pkt-1", "note", suiteEpoch)
	res := write(t, store, env)
	if res.Outcome != WriteCreated {
		t.Fatalf("Expected outcome created, got %s", res.Outcome)
	}

	got, err := store.GetPacket(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("GetPacket failed: %v", err)
	}
	if got.Type != "note" || got.ContentHash != env.ContentHash {
		t.Errorf("Unexpected packet: %+v", got)
	}
	if got.Payload["text"] != "hello pkt-1" {
		t.Errorf("Expected payload text, got %v", got.Payload["text"])
	}
	if !got.CreatedAt.Equal(env.CreatedAt) {
		t.Errorf("Expected created_at %v, got %v", env.CreatedAt, got.CreatedAt)
	}

	ok, err := store.Exists(ctx, "pkt-1")
	if err != nil || !ok {
		t.Errorf("Expected Exists true, got %v (%v)", ok, err)
	}

	evt, err := store.GetEvent(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if evt.ID != "evt-pkt-1" || evt.PacketID != "pkt-1" || evt.Type != "note" {
		t.Errorf("Unexpected event: %+v", evt)
	}
}

// TestIdempotentWrite tests that rewriting identical content is a no-op.
func (s *StoreTestSuite) TestIdempotentWrite(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	env := testEnvelope("pkt-1", "note", suiteEpoch)
	write(t, store, env)
	if err := store.UpdateStatus(ctx, "pkt-1", packet.StatusEmbedded); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	again := testEnvelope("pkt-1", "note", suiteEpoch.Add(time.Minute))
	res := write(t, store, again)
	if res.Outcome != WriteDuplicate {
		t.Fatalf("Expected outcome duplicate, got %s", res.Outcome)
	}
	if res.Stored.Status != packet.StatusEmbedded {
		t.Errorf("Expected stored status embedded, got %s", res.Stored.Status)
	}
	if !res.Stored.CreatedAt.Equal(suiteEpoch) {
		t.Errorf("Duplicate write must not replace the stored packet")
	}

	_, total, err := store.ListEvents(ctx, &EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 event, got %d", total)
	}
}

// TestConflictLeavesOriginal tests that different content under a stored id is rejected.
func (s *StoreTestSuite) TestConflictLeavesOriginal(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	original := testEnvelope("pkt-1", "note", suiteEpoch)
	write(t, store, original)

	changed := testEnvelope("pkt-1", "note", suiteEpoch)
	changed.Payload = map[string]any{"text": "something else"}
	changed.ContentHash = packet.ContentHash(changed)

	_, err := store.WritePacket(ctx, changed, NewMemoryEvent(changed))
	if !IsConflict(err) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}

	got, err := store.GetPacket(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("GetPacket failed: %v", err)
	}
	if got.ContentHash != original.ContentHash {
		t.Errorf("Stored packet was modified by a conflicting write")
	}
}

// TestStatusMonotonic tests that status updates follow the lifecycle.
func (s *StoreTestSuite) TestStatusMonotonic(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	write(t, store, testEnvelope("pkt-1", "note", suiteEpoch))

	if err := store.UpdateStatus(ctx, "pkt-1", packet.StatusPartial); err != nil {
		t.Fatalf("stored -> partial failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, "pkt-1", packet.StatusEmbedded); err != nil {
		t.Fatalf("partial -> embedded failed: %v", err)
	}
	err := store.UpdateStatus(ctx, "pkt-1", packet.StatusPending)
	if err == nil {
		t.Fatal("Expected error moving back to pending")
	}
	var transition *StatusTransitionError
	if err := store.UpdateStatus(ctx, "pkt-1", packet.StatusPartial); !errors.As(err, &transition) {
		t.Fatalf("Expected StatusTransitionError for embedded -> partial, got %v", err)
	}
	got, _ := store.GetPacket(ctx, "pkt-1")
	if got.Status != packet.StatusEmbedded {
		t.Errorf("Expected status embedded, got %s", got.Status)
	}
}

// TestEventsListFilter tests event filtering and pagination.
func (s *StoreTestSuite) TestEventsListFilter(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	for i, typ := range []string{"note", "task", "note", "note", "task"} {
		env := testEnvelope("pkt-"+string(rune('a'+i)), typ, suiteEpoch.Add(time.Duration(i)*time.Second))
		write(t, store, env)
	}

	notes, total, err := store.ListEvents(ctx, &EventFilter{Type: "note"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 3 || len(notes) != 3 {
		t.Fatalf("Expected 3 notes, got %d (total %d)", len(notes), total)
	}
	for i := 1; i < len(notes); i++ {
		if notes[i].Timestamp.Before(notes[i-1].Timestamp) {
			t.Errorf("Events not ordered by timestamp")
		}
	}

	page, total, err := store.ListEvents(ctx, &EventFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("Expected page of 2 from 5, got %d (total %d)", len(page), total)
	}
	if page[0].PacketID != "pkt-c" {
		t.Errorf("Expected pkt-c first on page, got %s", page[0].PacketID)
	}

	recent, _, err := store.ListEvents(ctx, &EventFilter{Since: suiteEpoch.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("Expected 2 recent events, got %d", len(recent))
	}
}

// TestInsightsAppendDedupe tests that facts are deduplicated by id.
func (s *StoreTestSuite) TestInsightsAppendDedupe(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	write(t, store, testEnvelope("pkt-1", "note", suiteEpoch))
	facts := []insight.Fact{
		{ID: insight.FactID("pkt-1", "a", "is", "b"), Subject: "a", Predicate: "is", Object: "b", SourcePacketID: "pkt-1"},
		{ID: insight.FactID("pkt-1", "a", "has", "c"), Subject: "a", Predicate: "has", Object: "c", SourcePacketID: "pkt-1"},
	}

	added, err := store.AppendInsights(ctx, "pkt-1", facts)
	if err != nil {
		t.Fatalf("AppendInsights failed: %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 added, got %d", added)
	}

	added, err = store.AppendInsights(ctx, "pkt-1", facts)
	if err != nil {
		t.Fatalf("AppendInsights failed: %v", err)
	}
	if added != 0 {
		t.Errorf("Expected 0 added on replay, got %d", added)
	}

	stored, err := store.ListInsights(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("ListInsights failed: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("Expected 2 facts, got %d", len(stored))
	}

	none, err := store.ListInsights(ctx, "pkt-unknown")
	if err != nil {
		t.Fatalf("ListInsights failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no facts, got %d", len(none))
	}
}

// TestLineageEdges tests edge storage in both directions.
func (s *StoreTestSuite) TestLineageEdges(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	edges := []LineageEdge{
		{ChildID: "child", ParentID: "p1", CreatedAt: suiteEpoch},
		{ChildID: "child", ParentID: "p2", CreatedAt: suiteEpoch},
	}
	if err := store.AddLineageEdges(ctx, edges); err != nil {
		t.Fatalf("AddLineageEdges failed: %v", err)
	}
	if err := store.AddLineageEdges(ctx, edges[:1]); err != nil {
		t.Fatalf("AddLineageEdges replay failed: %v", err)
	}

	parents, err := store.ListParents(ctx, "child")
	if err != nil {
		t.Fatalf("ListParents failed: %v", err)
	}
	if len(parents) != 2 || parents[0].ParentID != "p1" || parents[1].ParentID != "p2" {
		t.Errorf("Unexpected parents: %+v", parents)
	}

	children, err := store.ListChildren(ctx, "p1")
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(children) != 1 || children[0].ChildID != "child" {
		t.Errorf("Unexpected children: %+v", children)
	}
}

// TestEmbeddingByHash tests embedding lookup by packet and by text hash.
func (s *StoreTestSuite) TestEmbeddingByHash(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	emb := &Embedding{
		PacketID:  "pkt-1",
		TextHash:  "hash-1",
		Vector:    []float32{0.1, 0.2, 0.3},
		Model:     "hash-v1",
		CreatedAt: suiteEpoch,
	}
	if err := store.PutEmbedding(ctx, emb); err != nil {
		t.Fatalf("PutEmbedding failed: %v", err)
	}

	got, err := store.GetEmbedding(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("GetEmbedding failed: %v", err)
	}
	if len(got.Vector) != 3 || got.Vector[2] != 0.3 {
		t.Errorf("Unexpected vector: %v", got.Vector)
	}

	found, err := store.FindEmbeddingByHash(ctx, "hash-1", suiteEpoch.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindEmbeddingByHash failed: %v", err)
	}
	if found.PacketID != "pkt-1" {
		t.Errorf("Expected pkt-1, got %s", found.PacketID)
	}

	if _, err := store.FindEmbeddingByHash(ctx, "hash-1", suiteEpoch.Add(time.Hour)); !IsNotFound(err) {
		t.Errorf("Expected NotFoundError outside the window, got %v", err)
	}
	if _, err := store.FindEmbeddingByHash(ctx, "hash-missing", time.Time{}); !IsNotFound(err) {
		t.Errorf("Expected NotFoundError for unknown hash, got %v", err)
	}
}

// TestCheckpoints tests that checkpoints accumulate in start order.
func (s *StoreTestSuite) TestCheckpoints(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	for i, replay := range []bool{false, true} {
		cp := &Checkpoint{
			RunID:       "run-" + string(rune('1'+i)),
			PacketID:    "pkt-1",
			Replay:      replay,
			FinalStatus: packet.StatusEmbedded,
			Stages: []StageOutcome{
				{Stage: "persist", Outcome: OutcomeOK},
				{Stage: "embed", Outcome: OutcomeOK},
			},
			StartedAt:  suiteEpoch.Add(time.Duration(i) * time.Second),
			FinishedAt: suiteEpoch.Add(time.Duration(i)*time.Second + time.Millisecond),
		}
		if err := store.AppendCheckpoint(ctx, cp); err != nil {
			t.Fatalf("AppendCheckpoint failed: %v", err)
		}
	}

	cps, err := store.ListCheckpoints(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("Expected 2 checkpoints, got %d", len(cps))
	}
	if cps[0].RunID != "run-1" || cps[1].RunID != "run-2" || !cps[1].Replay {
		t.Errorf("Unexpected checkpoints: %+v %+v", cps[0], cps[1])
	}
	if len(cps[0].Stages) != 2 {
		t.Errorf("Expected 2 stages, got %d", len(cps[0].Stages))
	}
}

// TestConcurrentWrites tests that concurrent writers of one id create it once.
func (s *StoreTestSuite) TestConcurrentWrites(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := testEnvelope("pkt-1", "note", suiteEpoch)
			res, err := store.WritePacket(ctx, env, NewMemoryEvent(env))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Outcome == WriteCreated {
				created++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("Concurrent writes failed: %v", errs)
	}
	if created != 1 {
		t.Errorf("Expected exactly 1 created outcome, got %d", created)
	}
	_, total, _ := store.ListEvents(ctx, &EventFilter{})
	if total != 1 {
		t.Errorf("Expected 1 event, got %d", total)
	}
}

// TestClosedStoreUnavailable tests that a closed store reports unavailability.
func (s *StoreTestSuite) TestClosedStoreUnavailable(t *testing.T) {
	store := s.NewStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	env := testEnvelope("pkt-1", "note", suiteEpoch)
	_, err := store.WritePacket(context.Background(), env, NewMemoryEvent(env))
	if !IsUnavailable(err) {
		t.Errorf("Expected UnavailableError, got %v", err)
	}
	if err := store.Ping(context.Background()); !IsUnavailable(err) {
		t.Errorf("Expected Ping to report UnavailableError, got %v", err)
	}
}

// TestNotFound tests lookups of unknown ids.
func (s *StoreTestSuite) TestNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetPacket(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetPacket: expected NotFoundError, got %v", err)
	}
	if _, err := store.GetEvent(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetEvent: expected NotFoundError, got %v", err)
	}
	if _, err := store.GetEmbedding(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetEmbedding: expected NotFoundError, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "missing", packet.StatusEmbedded); !IsNotFound(err) {
		t.Errorf("UpdateStatus: expected NotFoundError, got %v", err)
	}
	ok, err := store.Exists(ctx, "missing")
	if err != nil || ok {
		t.Errorf("Exists: expected false, got %v (%v)", ok, err)
	}
}
