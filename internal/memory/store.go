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

package memory

import (
	"context"
	"fmt"
	"sync"

	"metaEmbed/internal/codec"
	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/store"
)

// Store is a volatile store.Store backed by a B-tree. Batches are atomic;
// durability ends with the process.
type Store struct {
	mu       sync.RWMutex
	index    *Index
	sequence uint64
	closed   bool
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{index: NewIndex()}
}

// ApplyBatch implements store.Store.
func (s *Store) ApplyBatch(ctx context.Context, b store.Batch) (store.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.BatchOutcome{}, kvstore.ErrClosed
	}

	// Validate every CAS against the staged view before touching the tree.
	staged := make(map[string]*kvstore.VersionedValue, len(b.Ops))
	current := func(key string) *kvstore.VersionedValue {
		if v, ok := staged[key]; ok {
			return v
		}
		return s.index.Get(key)
	}

	var out store.BatchOutcome
	for _, op := range b.Ops {
		switch op.Type {
		case store.OpPut:
			staged[op.Key] = op.Value
			out.Puts++
		case store.OpDelete:
			staged[op.Key] = nil
			out.Deletes++
		case store.OpCompareAndSwap:
			if err := checkCAS(op, current(op.Key)); err != nil {
				return store.BatchOutcome{}, err
			}
			staged[op.Key] = op.Value
			if op.Value == nil {
				out.Deletes++
			} else {
				out.Puts++
			}
		default:
			return store.BatchOutcome{}, fmt.Errorf("%w: unknown batch op %d", kvstore.ErrInvalid, op.Type)
		}
	}

	for key, v := range staged {
		if v == nil {
			s.index.Delete(key)
			continue
		}
		s.index.Set(key, v.Clone())
	}
	if b.Sequence > s.sequence {
		s.sequence = b.Sequence
	}
	out.Sequence = s.sequence
	return out, nil
}

func checkCAS(op store.BatchOp, cur *kvstore.VersionedValue) error {
	if op.Expected == 0 {
		if cur != nil {
			return fmt.Errorf("%w: cas %q expected absent, found sequence %d", kvstore.ErrConflict, op.Key, cur.Sequence)
		}
		return nil
	}
	if cur == nil {
		return fmt.Errorf("%w: cas %q expected sequence %d, key absent", kvstore.ErrConflict, op.Key, op.Expected)
	}
	if cur.Sequence != op.Expected {
		return fmt.Errorf("%w: cas %q expected sequence %d, found %d", kvstore.ErrConflict, op.Key, op.Expected, cur.Sequence)
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(key string) (*kvstore.VersionedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Get(key).Clone(), nil
}

// Scan implements store.Store. The iterator reads a point-in-time clone.
func (s *Store) Scan(prefix, cursor string) (store.Iterator, error) {
	s.mu.RLock()
	snap := s.index.Clone()
	s.mu.RUnlock()

	var items []kvstore.KeyValue
	snap.Ascend(prefix, cursor, func(key string, v *kvstore.VersionedValue) bool {
		items = append(items, kvstore.KeyValue{Key: key, VersionedValue: v.Clone()})
		return true
	})
	return store.NewSliceIterator(items), nil
}

// Sequence implements store.Store.
func (s *Store) Sequence() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence, nil
}

// Snapshot implements store.Store.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := codec.NewSnapshotWriter(s.sequence)
	s.index.Ascend("", "", func(key string, v *kvstore.VersionedValue) bool {
		w.Add(key, v)
		return true
	})
	return w.Bytes(), nil
}

// Restore implements store.Store.
func (s *Store) Restore(data []byte) error {
	snap, err := codec.DecodeSnapshot(data)
	if err != nil {
		return err
	}

	index := NewIndex()
	for _, r := range snap.Records {
		index.Set(r.Key, r.VersionedValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.sequence = snap.Sequence
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
