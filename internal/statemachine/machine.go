// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statemachine applies metadata commands deterministically.
//
// All mutations go through Apply, which holds a single apply lock across
// sequence assignment, the durable batch, the index update and the event
// publish. Reads take the index read lock and never see a partial batch.
package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metaEmbed/internal/codec"
	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/memory"
	"metaEmbed/internal/store"
	"metaEmbed/internal/watch"
	"metaEmbed/pkg/metrics"

	"go.uber.org/zap"
)

// Options configures a Machine.
type Options struct {
	Limits          kvstore.Limits
	WatchBufferSize int
	MaxWatches      int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	// Clock is used by reads to filter expired keys. Defaults to time.Now.
	Clock func() time.Time
}

// Machine is the metadata state machine.
type Machine struct {
	applyMu sync.Mutex

	mu       sync.RWMutex
	index    *memory.Index
	sequence uint64

	store  store.Store
	hub    *watch.Hub
	limits kvstore.Limits
	clock  func() time.Time
	halted error

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New loads the current contents of st into memory and returns a machine
// ready to apply commands.
func New(st store.Store, opts Options) (*Machine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Limits == (kvstore.Limits{}) {
		opts.Limits = kvstore.DefaultLimits()
	}

	m := &Machine{
		index:   memory.NewIndex(),
		store:   st,
		limits:  opts.Limits,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if err := m.load(); err != nil {
		return nil, err
	}

	m.hub = watch.NewHub(opts.WatchBufferSize, m.sequence,
		watch.WithLogger(opts.Logger),
		watch.WithMetrics(opts.Metrics),
		watch.WithMaxSubscriptions(opts.MaxWatches))

	m.logger.Info("state machine loaded",
		zap.Uint64("sequence", m.sequence),
		zap.Int("keys", m.index.Len()),
		zap.String("component", "statemachine"))
	return m, nil
}

func (m *Machine) load() error {
	seq, err := m.store.Sequence()
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	it, err := m.store.Scan("", "")
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	defer it.Close()

	index := memory.NewIndex()
	for it.Next() {
		kv := it.Item()
		index.Set(kv.Key, kv.VersionedValue)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	m.mu.Lock()
	m.index = index
	m.sequence = seq
	m.mu.Unlock()
	return nil
}

// Hub returns the watch hub fed by this machine.
func (m *Machine) Hub() *watch.Hub {
	return m.hub
}

// Limits returns the configured key/value limits.
func (m *Machine) Limits() kvstore.Limits {
	return m.limits
}

// Sequence returns the last applied global sequence.
func (m *Machine) Sequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sequence
}

// Halted returns the storage error that stopped the machine, if any.
func (m *Machine) Halted() error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return m.halted
}

// Snapshot encodes the counter and every stored record, expired or not.
// Expired records leave the state only through Sweep, so a restored replica
// answers later commands exactly like its source.
func (m *Machine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w := codec.NewSnapshotWriter(m.sequence)
	m.index.Ascend("", "", func(key string, v *kvstore.VersionedValue) bool {
		w.Add(key, v)
		return true
	})
	return w.Bytes(), nil
}

// Restore replaces the whole state with a snapshot. Open subscriptions are
// closed with ErrCompacted.
func (m *Machine) Restore(data []byte) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if err := m.store.Restore(data); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	if err := m.load(); err != nil {
		return err
	}
	m.halted = nil

	seq := m.Sequence()
	m.hub.Reset(seq)
	m.logger.Info("state machine restored from snapshot",
		zap.Uint64("sequence", seq),
		zap.String("component", "statemachine"))
	return nil
}

// Close closes the hub. The store is owned by the caller.
func (m *Machine) Close() error {
	m.hub.Close()
	return nil
}

// applyContext detaches ctx from cancellation: once a command reaches the
// store it runs to completion.
func applyContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
