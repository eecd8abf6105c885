package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Sink interface on an embedded BadgerDB.
// Keys are laid out as runs/<runID>/<key>; the manifest lives under the
// reserved key "manifest".
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM, for tests.
	InMemory bool
	// SyncWrites fsyncs every transaction.
	SyncWrites bool
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		bo = badger.DefaultOptions(opts.Path)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.Default()})

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// badgerLogger routes BadgerDB's internal logging through slog. Info output
// is demoted to debug; badger is chatty on open and close.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func runPrefix(runID string) []byte {
	return []byte("runs/" + runID + "/")
}

func badgerKey(runID, key string) []byte {
	return append(runPrefix(runID), key...)
}

// Put stores a record unless the key already exists.
func (bs *BadgerStore) Put(runID, key string, rec *Record) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	stored, err := prepare(key, rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	k := badgerKey(runID, key)
	err = bs.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return &ExistsError{RunID: runID, Key: key}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, data)
	})
	if err != nil {
		if errors.Is(err, ErrExists) {
			return err
		}
		return fmt.Errorf("failed to store record: %w", err)
	}

	slog.Debug("Record saved", "runID", runID, "key", key, "bytes", len(data))
	return nil
}

// Get retrieves a record.
func (bs *BadgerStore) Get(runID, key string) (*Record, error) {
	var rec Record
	if err := bs.getJSON(runID, key, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (bs *BadgerStore) getJSON(runID, key string, v any) error {
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(runID, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &NotFoundError{RunID: runID, Key: key}
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", runID, key, err)
	}
	return nil
}

// Keys lists the record keys of a run.
func (bs *BadgerStore) Keys(runID string) ([]string, error) {
	prefix := runPrefix(runID)
	keys := []string{}
	found := false

	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			found = true
			key := string(it.Item().Key()[len(prefix):])
			if key != KeyManifest {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	if !found {
		return nil, &NotFoundError{RunID: runID}
	}
	sort.Strings(keys)
	return keys, nil
}

// PutManifest writes or replaces the run manifest.
func (bs *BadgerStore) PutManifest(runID string, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest cannot be nil")
	}
	if m.RunID != runID {
		return &ValidationError{Field: "RunID", Reason: "does not match " + runID}
	}
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	err = bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(runID, KeyManifest), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	slog.Debug("Manifest saved", "runID", runID, "status", m.Status)
	return nil
}

// GetManifest retrieves the run manifest.
func (bs *BadgerStore) GetManifest(runID string) (*Manifest, error) {
	var m Manifest
	if err := bs.getJSON(runID, KeyManifest, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRuns returns metadata for all runs with a manifest.
func (bs *BadgerStore) ListRuns() ([]RunInfo, error) {
	prefix := []byte("runs/")
	suffix := "/" + KeyManifest
	infos := []RunInfo{}

	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), suffix) {
				continue
			}
			var m Manifest
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
				slog.Warn("Failed to load manifest for listing", "key", string(item.Key()), "error", err)
				continue
			}
			infos = append(infos, m.ToInfo())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	slog.Debug("Listed runs", "count", len(infos))
	return infos, nil
}

// DeleteRun removes every key of the run.
func (bs *BadgerStore) DeleteRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	prefix := runPrefix(runID)
	var keys [][]byte
	err := bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan run: %w", err)
	}
	if len(keys) == 0 {
		return &NotFoundError{RunID: runID}
	}

	wb := bs.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	slog.Debug("Run deleted", "runID", runID)
	return nil
}

// Close closes the database.
func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}
