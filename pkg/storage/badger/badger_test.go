package badger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/goclaw/mnemo/pkg/packet"
	"github.com/goclaw/mnemo/pkg/storage"
)

func newTestStorage(t *testing.T) *BadgerStorage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	config := &Config{
		Path:              tmpDir,
		SyncWrites:        false,
		ValueLogFileSize:  1 << 20,
		NumVersionsToKeep: 1,
		ConflictRetries:   32,
	}

	db, err := NewBadgerStorage(config)
	if err != nil {
		t.Fatalf("Failed to create BadgerStorage: %v", err)
	}
	return db
}

// TestBadgerStorageSuite runs the full store test suite against BadgerStorage.
func TestBadgerStorageSuite(t *testing.T) {
	suite := &storage.StoreTestSuite{
		NewStore: func(t *testing.T) storage.Store {
			return newTestStorage(t)
		},
	}

	suite.RunAllTests(t)
}

func TestBadgerStorage_Persistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-persist-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()
	config := &Config{Path: tmpDir, ValueLogFileSize: 1 << 20, NumVersionsToKeep: 1}

	env := &packet.Envelope{
		ID:         "pkt-1",
		Type:       "note",
		Payload:    map[string]any{"text": "hello"},
		Confidence: 0.8,
		Tags:       []string{"type:note"},
		Status:     packet.StatusStored,
		CreatedAt:  time.Now().UTC(),
	}
	env.ContentHash = packet.ContentHash(env)

	// First session: write data
	{
		db, err := NewBadgerStorage(config)
		if err != nil {
			t.Fatalf("Failed to create BadgerStorage: %v", err)
		}
		if _, err := db.WritePacket(ctx, env, storage.NewMemoryEvent(env)); err != nil {
			t.Fatalf("WritePacket failed: %v", err)
		}
		if err := db.UpdateStatus(ctx, "pkt-1", packet.StatusEmbedded); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		db.Close()
	}

	// Second session: data survives the reopen
	{
		db, err := NewBadgerStorage(config)
		if err != nil {
			t.Fatalf("Failed to reopen BadgerStorage: %v", err)
		}
		defer db.Close()

		got, err := db.GetPacket(ctx, "pkt-1")
		if err != nil {
			t.Fatalf("GetPacket failed: %v", err)
		}
		if got.Status != packet.StatusEmbedded {
			t.Errorf("Expected status embedded, got %s", got.Status)
		}
		if got.ContentHash != env.ContentHash {
			t.Errorf("Content hash changed across reopen")
		}

		res, err := db.WritePacket(ctx, env, storage.NewMemoryEvent(env))
		if err != nil {
			t.Fatalf("WritePacket replay failed: %v", err)
		}
		if res.Outcome != storage.WriteDuplicate {
			t.Errorf("Expected duplicate after reopen, got %s", res.Outcome)
		}
	}
}

func TestBadgerStorage_CloseIsIdempotent(t *testing.T) {
	db := newTestStorage(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
