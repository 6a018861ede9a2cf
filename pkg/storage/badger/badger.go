// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goclaw/mnemo/pkg/insight"
	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	InMemory          bool
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	ConflictRetries   int
}

// BadgerStorage implements storage.Store using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

var _ storage.Store = (*BadgerStorage)(nil)

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.UnavailableError{Op: "open", Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

// Key generation functions
func packetKey(id string) []byte {
	return []byte("pkt:" + id)
}

func eventKey(packetID string) []byte {
	return []byte("evt:" + packetID)
}

// eventIndexKey orders events by time; the zero-padded nanos sort lexically.
func eventIndexKey(ts time.Time, packetID string) []byte {
	return []byte(fmt.Sprintf("evtidx:%020d:%s", ts.UnixNano(), packetID))
}

func factKey(packetID, factID string) []byte {
	return []byte(fmt.Sprintf("fact:%s:%s", packetID, factID))
}

func factPrefix(packetID string) []byte {
	return []byte(fmt.Sprintf("fact:%s:", packetID))
}

func parentEdgeKey(childID, parentID string) []byte {
	return []byte(fmt.Sprintf("lin:p:%s:%s", childID, parentID))
}

func childEdgeKey(parentID, childID string) []byte {
	return []byte(fmt.Sprintf("lin:c:%s:%s", parentID, childID))
}

func embeddingKey(packetID string) []byte {
	return []byte("emb:pkt:" + packetID)
}

func embeddingHashKey(hash string) []byte {
	return []byte("emb:hash:" + hash)
}

func checkpointKey(packetID string, ts time.Time, runID string) []byte {
	return []byte(fmt.Sprintf("cp:%s:%020d:%s", packetID, ts.UnixNano(), runID))
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// classify maps badger errors to storage errors. Typed storage errors pass
// through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound   *storage.NotFoundError
		conflict   *storage.ConflictError
		serial     *storage.SerializationError
		transition *storage.StatusTransitionError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &conflict),
		errors.As(err, &serial), errors.As(err, &transition):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &storage.UnavailableError{Op: op, Cause: err}
	}
}

// update runs fn in a read-write transaction, retrying badger conflicts.
func (b *BadgerStorage) update(op string, fn func(txn *badger.Txn) error) error {
	if b.db.IsClosed() {
		return &storage.UnavailableError{Op: op, Cause: storage.ErrClosed}
	}
	var err error
	for attempt := 0; attempt <= b.config.ConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return classify(op, err)
}

func (b *BadgerStorage) view(op string, fn func(txn *badger.Txn) error) error {
	if b.db.IsClosed() {
		return &storage.UnavailableError{Op: op, Cause: storage.ErrClosed}
	}
	return classify(op, b.db.View(fn))
}

func getJSON(txn *badger.Txn, key []byte, entity, id string, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &storage.NotFoundError{EntityType: entity, ID: id}
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return deserialize(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// WritePacket stores the envelope, its event and the event index entry in
// one transaction.
func (b *BadgerStorage) WritePacket(ctx context.Context, env *packet.Envelope, evt *storage.MemoryEvent) (*storage.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result *storage.WriteResult
	err := b.update("write packet", func(txn *badger.Txn) error {
		var stored *packet.Envelope
		var existing packet.Envelope
		err := getJSON(txn, packetKey(env.ID), "packet", env.ID, &existing)
		switch {
		case err == nil:
			stored = &existing
		case storage.IsNotFound(err):
		default:
			return err
		}

		outcome, err := storage.CheckWrite(stored, env)
		if err != nil {
			return err
		}
		if outcome == storage.WriteDuplicate {
			result = &storage.WriteResult{Outcome: outcome, Stored: stored}
			return nil
		}

		if err := setJSON(txn, packetKey(env.ID), env); err != nil {
			return err
		}
		if err := setJSON(txn, eventKey(env.ID), evt); err != nil {
			return err
		}
		if err := txn.Set(eventIndexKey(evt.Timestamp, env.ID), []byte{}); err != nil {
			return err
		}
		result = &storage.WriteResult{Outcome: storage.WriteCreated, Stored: env.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetPacket retrieves a packet by id.
func (b *BadgerStorage) GetPacket(ctx context.Context, id string) (*packet.Envelope, error) {
	var env packet.Envelope
	err := b.view("get packet", func(txn *badger.Txn) error {
		return getJSON(txn, packetKey(id), "packet", id, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Exists reports whether a packet is stored.
func (b *BadgerStorage) Exists(ctx context.Context, id string) (bool, error) {
	found := false
	err := b.view("exists", func(txn *badger.Txn) error {
		_, err := txn.Get(packetKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// UpdateStatus moves a packet to status if the transition is allowed.
func (b *BadgerStorage) UpdateStatus(ctx context.Context, id string, status packet.Status) error {
	return b.update("update status", func(txn *badger.Txn) error {
		var env packet.Envelope
		if err := getJSON(txn, packetKey(id), "packet", id, &env); err != nil {
			return err
		}
		if !env.Status.CanTransitionTo(status) {
			return &storage.StatusTransitionError{PacketID: id, From: env.Status, To: status}
		}
		if env.Status == status {
			return nil
		}
		env.Status = status
		return setJSON(txn, packetKey(id), &env)
	})
}

// GetEvent retrieves the event of a packet.
func (b *BadgerStorage) GetEvent(ctx context.Context, packetID string) (*storage.MemoryEvent, error) {
	var evt storage.MemoryEvent
	err := b.view("get event", func(txn *badger.Txn) error {
		return getJSON(txn, eventKey(packetID), "event", packetID, &evt)
	})
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// ListEvents walks the time index and returns matching events in order.
func (b *BadgerStorage) ListEvents(ctx context.Context, filter *storage.EventFilter) ([]*storage.MemoryEvent, int, error) {
	var matched []*storage.MemoryEvent

	err := b.view("list events", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("evtidx:")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			// evtidx:{nanos}:{packetID}
			parts := strings.SplitN(string(it.Item().Key()), ":", 3)
			if len(parts) != 3 {
				continue
			}
			var evt storage.MemoryEvent
			if err := getJSON(txn, eventKey(parts[2]), "event", parts[2], &evt); err != nil {
				continue
			}
			if filter.Match(&evt) {
				matched = append(matched, &evt)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	total := len(matched)
	start, end := filter.Paginate(total)
	return matched[start:end], total, nil
}

// AppendInsights appends facts not already stored for the packet.
func (b *BadgerStorage) AppendInsights(ctx context.Context, packetID string, facts []insight.Fact) (int, error) {
	added := 0
	err := b.update("append insights", func(txn *badger.Txn) error {
		added = 0
		for i := range facts {
			key := factKey(packetID, facts[i].ID)
			if _, err := txn.Get(key); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := setJSON(txn, key, &facts[i]); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// ListInsights lists the facts of a packet ordered by id.
func (b *BadgerStorage) ListInsights(ctx context.Context, packetID string) ([]insight.Fact, error) {
	facts := []insight.Fact{}
	err := b.view("list insights", func(txn *badger.Txn) error {
		return iterate(txn, factPrefix(packetID), func(val []byte) error {
			var f insight.Fact
			if err := deserialize(val, &f); err != nil {
				return err
			}
			facts = append(facts, f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return facts, nil
}

// AddLineageEdges stores both directions of every edge, ignoring ones already present.
func (b *BadgerStorage) AddLineageEdges(ctx context.Context, edges []storage.LineageEdge) error {
	if len(edges) == 0 {
		return nil
	}
	return b.update("add lineage edges", func(txn *badger.Txn) error {
		for i := range edges {
			e := &edges[i]
			pk := parentEdgeKey(e.ChildID, e.ParentID)
			if _, err := txn.Get(pk); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := setJSON(txn, pk, e); err != nil {
				return err
			}
			if err := setJSON(txn, childEdgeKey(e.ParentID, e.ChildID), e); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListParents lists the edges from childID to its parents.
func (b *BadgerStorage) ListParents(ctx context.Context, childID string) ([]storage.LineageEdge, error) {
	return b.listEdges("list parents", []byte(fmt.Sprintf("lin:p:%s:", childID)))
}

// ListChildren lists the edges from parentID to its children.
func (b *BadgerStorage) ListChildren(ctx context.Context, parentID string) ([]storage.LineageEdge, error) {
	return b.listEdges("list children", []byte(fmt.Sprintf("lin:c:%s:", parentID)))
}

func (b *BadgerStorage) listEdges(op string, prefix []byte) ([]storage.LineageEdge, error) {
	edges := []storage.LineageEdge{}
	err := b.view(op, func(txn *badger.Txn) error {
		return iterate(txn, prefix, func(val []byte) error {
			var e storage.LineageEdge
			if err := deserialize(val, &e); err != nil {
				return err
			}
			edges = append(edges, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// PutEmbedding stores the embedding of a packet and points its text hash at it.
func (b *BadgerStorage) PutEmbedding(ctx context.Context, emb *storage.Embedding) error {
	return b.update("put embedding", func(txn *badger.Txn) error {
		if err := setJSON(txn, embeddingKey(emb.PacketID), emb); err != nil {
			return err
		}
		if emb.TextHash == "" {
			return nil
		}
		return txn.Set(embeddingHashKey(emb.TextHash), []byte(emb.PacketID))
	})
}

// GetEmbedding retrieves the embedding of a packet.
func (b *BadgerStorage) GetEmbedding(ctx context.Context, packetID string) (*storage.Embedding, error) {
	var emb storage.Embedding
	err := b.view("get embedding", func(txn *badger.Txn) error {
		return getJSON(txn, embeddingKey(packetID), "embedding", packetID, &emb)
	})
	if err != nil {
		return nil, err
	}
	return &emb, nil
}

// FindEmbeddingByHash returns the latest embedding for textHash created at
// or after since.
func (b *BadgerStorage) FindEmbeddingByHash(ctx context.Context, textHash string, since time.Time) (*storage.Embedding, error) {
	var emb storage.Embedding
	err := b.view("find embedding", func(txn *badger.Txn) error {
		item, err := txn.Get(embeddingHashKey(textHash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "embedding", ID: textHash}
			}
			return err
		}
		packetID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := getJSON(txn, embeddingKey(string(packetID)), "embedding", textHash, &emb); err != nil {
			return err
		}
		if emb.TextHash != textHash || emb.CreatedAt.Before(since) {
			return &storage.NotFoundError{EntityType: "embedding", ID: textHash}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &emb, nil
}

// AppendCheckpoint appends a run checkpoint.
func (b *BadgerStorage) AppendCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	return b.update("append checkpoint", func(txn *badger.Txn) error {
		return setJSON(txn, checkpointKey(cp.PacketID, cp.StartedAt, cp.RunID), cp)
	})
}

// ListCheckpoints lists the checkpoints of a packet ordered by start time.
func (b *BadgerStorage) ListCheckpoints(ctx context.Context, packetID string) ([]*storage.Checkpoint, error) {
	cps := []*storage.Checkpoint{}
	err := b.view("list checkpoints", func(txn *badger.Txn) error {
		return iterate(txn, []byte(fmt.Sprintf("cp:%s:", packetID)), func(val []byte) error {
			var cp storage.Checkpoint
			if err := deserialize(val, &cp); err != nil {
				return err
			}
			cps = append(cps, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].StartedAt.Before(cps[j].StartedAt) })
	return cps, nil
}

// Ping reports whether the database accepts reads.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	return b.view("ping", func(txn *badger.Txn) error { return nil })
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	if !b.config.InMemory {
		// GC is best-effort; ErrNoRewrite just means nothing to collect.
		_ = b.db.RunValueLogGC(0.5)
	}
	return b.db.Close()
}

func iterate(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
