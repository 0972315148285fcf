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

// Package storetest holds the behaviour suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) store.Store

// Run executes the whole suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetDelete", func(t *testing.T) { testPutGetDelete(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("CASFailureIsAtomic", func(t *testing.T) { testCASAtomic(t, newStore(t)) })
	t.Run("CASSeesEarlierOpsInBatch", func(t *testing.T) { testCASStaged(t, newStore(t)) })
	t.Run("ScanPrefixAndCursor", func(t *testing.T) { testScan(t, newStore(t)) })
	t.Run("SnapshotRestore", func(t *testing.T) { testSnapshotRestore(t, newStore(t), newStore(t)) })
	t.Run("RestoreReplacesContents", func(t *testing.T) { testRestoreReplaces(t, newStore(t)) })
}

func val(v string, seq uint64) *kvstore.VersionedValue {
	return &kvstore.VersionedValue{Value: []byte(v), Sequence: seq}
}

func testPutGetDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	out, err := s.ApplyBatch(ctx, store.Batch{
		Ops:      []store.BatchOp{store.Put("a", val("1", 1)), store.Put("b", val("2", 2))},
		Sequence: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Puts)
	assert.Equal(t, uint64(2), out.Sequence)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, val("1", 1).Equal(got))

	seq, err := s.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	out, err = s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.Del("a")}, Sequence: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Deletes)

	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Nil(t, got)

	missing, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.CAS("k", 0, val("v1", 1))}, Sequence: 1})
	require.NoError(t, err)

	_, err = s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.CAS("k", 0, val("dup", 2))}, Sequence: 2})
	assert.True(t, errors.Is(err, kvstore.ErrConflict), "got %v", err)

	_, err = s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.CAS("k", 1, val("v2", 2))}, Sequence: 2})
	require.NoError(t, err)

	_, err = s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.CAS("k", 2, nil)}, Sequence: 3})
	require.NoError(t, err)

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testCASAtomic(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.Put("x", val("x", 1))}, Sequence: 1})
	require.NoError(t, err)

	_, err = s.ApplyBatch(ctx, store.Batch{
		Ops: []store.BatchOp{
			store.Put("y", val("y", 2)),
			store.CAS("x", 7, val("x2", 3)),
		},
		Sequence: 3,
	})
	require.True(t, errors.Is(err, kvstore.ErrConflict), "got %v", err)

	y, err := s.Get("y")
	require.NoError(t, err)
	assert.Nil(t, y, "partial batch must not be visible")

	seq, err := s.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func testCASStaged(t *testing.T, s store.Store) {
	defer s.Close()

	_, err := s.ApplyBatch(context.Background(), store.Batch{
		Ops: []store.BatchOp{
			store.Put("k", val("a", 1)),
			store.CAS("k", 1, val("b", 2)),
		},
		Sequence: 2,
	})
	require.NoError(t, err)

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, val("b", 2).Equal(got))
}

func testScan(t *testing.T, s store.Store) {
	defer s.Close()

	var ops []store.BatchOp
	for i := 0; i < 10; i++ {
		ops = append(ops, store.Put(fmt.Sprintf("p/%02d", i), val(fmt.Sprint(i), uint64(i+1))))
	}
	ops = append(ops, store.Put("q/0", val("q", 11)), store.Put("o", val("o", 12)))
	_, err := s.ApplyBatch(context.Background(), store.Batch{Ops: ops, Sequence: 12})
	require.NoError(t, err)

	it, err := s.Scan("p/", "")
	require.NoError(t, err)
	all, err := store.Collect(it, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, kv := range all {
		assert.Equal(t, fmt.Sprintf("p/%02d", i), kv.Key)
	}

	it, err = s.Scan("p/", "p/03")
	require.NoError(t, err)
	page, err := store.Collect(it, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "p/04", page[0].Key)
	assert.Equal(t, "p/06", page[2].Key)

	it, err = s.Scan("", "")
	require.NoError(t, err)
	everything, err := store.Collect(it, 0)
	require.NoError(t, err)
	assert.Len(t, everything, 12)
	assert.Equal(t, "o", everything[0].Key)
}

func testSnapshotRestore(t *testing.T, src, dst store.Store) {
	defer src.Close()
	defer dst.Close()
	ctx := context.Background()

	_, err := src.ApplyBatch(ctx, store.Batch{
		Ops:      []store.BatchOp{store.Put("a", val("1", 4)), store.Put("b", val("2", 5))},
		Sequence: 5,
	})
	require.NoError(t, err)

	data, err := src.Snapshot()
	require.NoError(t, err)
	require.NoError(t, dst.Restore(data))

	seq, err := dst.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	for _, key := range []string{"a", "b"} {
		want, err := src.Get(key)
		require.NoError(t, err)
		got, err := dst.Get(key)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), key)
	}

	again, err := dst.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func testRestoreReplaces(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.Put("old", val("x", 1))}, Sequence: 1})
	require.NoError(t, err)
	first, err := s.Snapshot()
	require.NoError(t, err)

	_, err = s.ApplyBatch(ctx, store.Batch{Ops: []store.BatchOp{store.Put("new", val("y", 2))}, Sequence: 2})
	require.NoError(t, err)

	require.NoError(t, s.Restore(first))

	got, err := s.Get("new")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.Get("old")
	require.NoError(t, err)
	assert.NotNil(t, got)

	seq, err := s.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}
