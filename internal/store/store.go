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

// Package store defines the durable store contract used by the state
// machine. Implementations live in internal/memory and internal/rocksdb.
package store

import (
	"context"

	"metaEmbed/internal/kvstore"
)

// OpType is the kind of a batch operation.
type OpType uint8

const (
	OpPut OpType = iota + 1
	OpDelete
	// OpCompareAndSwap writes Value (or deletes the key when Value is nil)
	// only if the stored sequence equals Expected. Expected == 0 means the
	// key must be absent.
	OpCompareAndSwap
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCompareAndSwap:
		return "cas"
	default:
		return "unknown"
	}
}

// BatchOp is one operation of an atomic batch.
type BatchOp struct {
	Type     OpType
	Key      string
	Value    *kvstore.VersionedValue
	Expected uint64
}

// Put returns a put operation.
func Put(key string, v *kvstore.VersionedValue) BatchOp {
	return BatchOp{Type: OpPut, Key: key, Value: v}
}

// Del returns a delete operation.
func Del(key string) BatchOp {
	return BatchOp{Type: OpDelete, Key: key}
}

// CAS returns a compare-and-swap operation. A nil v deletes the key.
func CAS(key string, expected uint64, v *kvstore.VersionedValue) BatchOp {
	return BatchOp{Type: OpCompareAndSwap, Key: key, Value: v, Expected: expected}
}

// Batch is applied atomically. Sequence is the value of the global counter
// after the batch and is persisted together with the data.
type Batch struct {
	Ops      []BatchOp
	Sequence uint64
}

// BatchOutcome reports what a successful batch did.
type BatchOutcome struct {
	Puts     int
	Deletes  int
	Sequence uint64
}

// Iterator is a finite ordered cursor over (key, value) pairs. Callers must
// Close it.
type Iterator interface {
	Next() bool
	Item() kvstore.KeyValue
	Err() error
	Close() error
}

// Store is a durable key/value store with atomic batches.
type Store interface {
	// ApplyBatch applies all ops atomically and durably. A failed CAS fails
	// the whole batch with kvstore.ErrConflict and leaves no effects.
	ApplyBatch(ctx context.Context, b Batch) (BatchOutcome, error)

	// Get returns the stored value or nil when absent. Expiry is not
	// evaluated here.
	Get(key string) (*kvstore.VersionedValue, error)

	// Scan iterates keys under prefix in ascending order, strictly after
	// cursor when cursor is non-empty.
	Scan(prefix, cursor string) (Iterator, error)

	// Sequence returns the persisted global counter.
	Sequence() (uint64, error)

	// Snapshot encodes the counter and every record.
	Snapshot() ([]byte, error)

	// Restore atomically replaces the whole contents with a snapshot.
	Restore(data []byte) error

	Close() error
}

// SliceIterator iterates over a pre-built slice.
type SliceIterator struct {
	items []kvstore.KeyValue
	pos   int
}

// NewSliceIterator wraps items, which must already be ordered.
func NewSliceIterator(items []kvstore.KeyValue) *SliceIterator {
	return &SliceIterator{items: items, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Item() kvstore.KeyValue { return it.items[it.pos] }
func (it *SliceIterator) Err() error             { return nil }
func (it *SliceIterator) Close() error           { return nil }

// Collect drains up to limit items (limit <= 0 means all) from it and
// closes it.
func Collect(it Iterator, limit int) ([]kvstore.KeyValue, error) {
	defer it.Close()
	var out []kvstore.KeyValue
	for it.Next() {
		out = append(out, it.Item())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}
