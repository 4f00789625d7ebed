// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/AleutianAI/chatstream/services/llm/datatypes"
)

// keyPrefix namespaces message keys so Clear can drop them in one call.
const keyPrefix = "msg/"

// =============================================================================
// Configuration
// =============================================================================

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write. Default true for on-disk stores.
	SyncWrites bool

	// TTL expires messages after this long. Zero keeps them forever.
	TTL time.Duration

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable settings for an on-disk store.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for a throwaway in-memory store.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
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

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore is a MessageStore persisted in BadgerDB.
//
// Description:
//
//	Messages are CBOR-encoded under "msg/<id>". When a TTL is configured
//	each write carries it, so old threads age out without a sweeper and a
//	context walk treats an expired ancestor as chain end.
//
// Thread Safety: Safe for concurrent use; every operation runs in its own
// BadgerDB transaction.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadgerStore opens (or creates) a BadgerDB-backed store.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory is set.
//
// # Outputs
//
//   - *BadgerStore: Open store. Call Close when done.
//   - error: Non-nil if the directory or database cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &BadgerStore{db: db, ttl: cfg.TTL, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// GetMessageByID implements MessageStore.
func (s *BadgerStore) GetMessageByID(ctx context.Context, id string) (datatypes.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Message{}, false, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.Message{}, false, nil
	}
	if err != nil {
		return datatypes.Message{}, false, fmt.Errorf("get message %s: %w", id, err)
	}

	var msg datatypes.Message
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return datatypes.Message{}, false, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, true, nil
}

// UpsertMessage implements MessageStore.
func (s *BadgerStore) UpsertMessage(ctx context.Context, msg datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(messageKey(msg.ID), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("put message %s: %w", msg.ID, err)
	}
	return nil
}

// Clear implements MessageStore.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return fmt.Errorf("drop messages: %w", err)
	}
	return nil
}

// Close stops value log GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

// runGC periodically rewrites value log files until Close.
func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func messageKey(id string) []byte {
	return []byte(keyPrefix + id)
}
