// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings persists edit tracking settings in BadgerDB.
//
// The only setting today is the set of previously tracked source keys,
// stored as a sorted JSON list under TrackedSourcesKey. Store implements
// tracking.SourceStore.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// TrackedSourcesKey is the settings key of the previously tracked sources.
const TrackedSourcesKey = "EditTrackingTools/tracked_sources"

// maxConflictRetries bounds read-modify-write retries on ErrConflict.
const maxConflictRetries = 3

// Config holds configuration for a settings Store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's own log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a store at path.
//
// Description:
//
//	Returns a Config with:
//	- SyncWrites enabled, since a lost write forgets a tracked source
//	- 10-minute GC interval
//	- 50% discard ratio threshold
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed tracking.SourceStore.
//
// Thread Safety:
//
//	Safe for concurrent use. Writers inside one process are serialized;
//	BadgerDB conflict detection covers the rest.
type Store struct {
	db       *badger.DB
	gc       *gcRunner
	logger   *slog.Logger
	path     string
	inMemory bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Open creates and opens a settings store.
//
// Description:
//
//	Opens a BadgerDB database at cfg.Path, or in memory if cfg.InMemory
//	is true. Creates the directory if it doesn't exist and starts value
//	log GC when cfg.GCInterval is positive.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is invalid or the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("settings: path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create settings directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   logger,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		s.gc.start()
	}
	return s, nil
}

// OpenInMemory opens a store that forgets everything on Close.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Path returns the database path, or empty string for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// InMemory returns true if this is an in-memory store.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// Contains reports whether sourceKey was ever tracked.
func (s *Store) Contains(sourceKey string) (bool, error) {
	keys, err := s.List()
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(keys, sourceKey)
	return i < len(keys) && keys[i] == sourceKey, nil
}

// List returns the previously tracked source keys, sorted.
func (s *Store) List() ([]string, error) {
	var keys []string
	err := s.withReadTxn(context.Background(), func(txn *badger.Txn) error {
		var err error
		keys, err = readSources(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Add records sourceKey. Adding a present key is a no-op.
//
// Description:
//
//	Reads the list, inserts the key in order and writes it back in one
//	transaction. The list only ever grows.
//
// Outputs:
//
//	error - Non-nil if the transaction could not be committed.
func (s *Store) Add(sourceKey string) error {
	if sourceKey == "" {
		return errors.New("settings: empty source key")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.withTxn(context.Background(), func(txn *badger.Txn) error {
			keys, err := readSources(txn)
			if err != nil {
				return err
			}
			i := sort.SearchStrings(keys, sourceKey)
			if i < len(keys) && keys[i] == sourceKey {
				return nil
			}
			keys = append(keys, "")
			copy(keys[i+1:], keys[i:])
			keys[i] = sourceKey
			return writeSources(txn, keys)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug("settings write conflict, retrying", slog.Int("attempt", attempt+1))
	}
	if err != nil {
		return fmt.Errorf("add tracked source: %w", err)
	}
	return nil
}

// Close stops GC and closes the database. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func readSources(txn *badger.Txn) ([]string, error) {
	item, err := txn.Get([]byte(TrackedSourcesKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TrackedSourcesKey, err)
	}
	var keys []string
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &keys)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", TrackedSourcesKey, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func writeSources(txn *badger.Txn, keys []string) error {
	val, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode %s: %w", TrackedSourcesKey, err)
	}
	return txn.Set([]byte(TrackedSourcesKey), val)
}

// withTxn executes fn within a read-write transaction and commits if fn
// returns nil.
func (s *Store) withTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *Store) withReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}
