package store

import (
	"errors"
	"testing"
)

func TestBadgerStore(t *testing.T) {
	testSink(t, func(t *testing.T) Sink {
		store, err := NewBadgerStore(BadgerOptions{InMemory: true})
		if err != nil {
			t.Fatalf("Failed to open badger store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestBadgerStore_Persistent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(BadgerOptions{Path: dir})
	if err != nil {
		t.Fatalf("Failed to open badger store: %v", err)
	}
	if err := store.Put("run-1", "phi000", createTestRecord(0)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = NewBadgerStore(BadgerOptions{Path: dir})
	if err != nil {
		t.Fatalf("Failed to reopen badger store: %v", err)
	}
	defer store.Close()

	if _, err := store.Get("run-1", "phi000"); err != nil {
		t.Fatalf("Record lost after reopen: %v", err)
	}
	if err := store.Put("run-1", "phi000", createTestRecord(0)); !errors.Is(err, ErrExists) {
		t.Errorf("Expected ErrExists after reopen, got %v", err)
	}
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	if _, err := NewBadgerStore(BadgerOptions{}); err == nil {
		t.Fatal("Expected error without path")
	}
}
