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

package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/memory"
	"metaEmbed/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// faultyStore fails ApplyBatch with err while err is set.
type faultyStore struct {
	*memory.Store
	mu  sync.Mutex
	err error
}

func (s *faultyStore) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *faultyStore) ApplyBatch(ctx context.Context, b store.Batch) (store.BatchOutcome, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return store.BatchOutcome{}, err
	}
	return s.Store.ApplyBatch(ctx, b)
}

func newMachine(t *testing.T, st store.Store, clock *fakeClock) *Machine {
	t.Helper()
	if st == nil {
		st = memory.NewStore()
	}
	opts := Options{Logger: zaptest.NewLogger(t), WatchBufferSize: 64}
	if clock != nil {
		opts.Clock = clock.Now
	}
	m, err := New(st, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func upsert(key, value string, match kvstore.MatchSeq) kvstore.Command {
	cmd := kvstore.Upsert(key, []byte(value), match)
	cmd.Now = epoch
	return cmd
}

func del(key string, match kvstore.MatchSeq) kvstore.Command {
	cmd := kvstore.Delete(key, match)
	cmd.Now = epoch
	return cmd
}

func TestUpsertAndDeleteWithExpectations(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	out, err := m.Apply(ctx, upsert("a/1", "x", kvstore.MatchExact(0)))
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Nil(t, out.Results[0].Prev)
	assert.Equal(t, uint64(1), out.Results[0].Current.Sequence)

	_, err = m.Apply(ctx, upsert("a/1", "y", kvstore.MatchExact(0)))
	assert.ErrorIs(t, err, kvstore.ErrConflict)

	out, err = m.Apply(ctx, upsert("a/1", "y", kvstore.MatchExact(1)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.Sequence)
	assert.Equal(t, "x", string(out.Results[0].Prev.Value))

	_, err = m.Apply(ctx, del("a/1", kvstore.MatchExact(1)))
	assert.ErrorIs(t, err, kvstore.ErrConflict)

	_, err = m.Apply(ctx, upsert("a/2", "z", kvstore.MatchExact(5)))
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	out, err = m.Apply(ctx, del("a/1", kvstore.MatchExact(2)))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.Sequence)
	require.Len(t, out.Events, 1)
	assert.True(t, out.Events[0].IsDelete())

	v, err := m.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, uint64(3), m.Sequence())
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	out, err := m.Apply(ctx, upsert("k", "v1", kvstore.MatchAny()))
	require.NoError(t, err)

	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "v1", string(v.Value))
	assert.Equal(t, out.Sequence, v.Sequence)

	// Returned values are copies.
	v.Value[0] = 'X'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(again.Value))
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	out, err := m.Apply(ctx, del("missing", kvstore.MatchAny()))
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.Equal(t, uint64(0), m.Sequence())

	_, err = m.Apply(ctx, del("missing", kvstore.MatchExact(3)))
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestTransactionBranches(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	_, err := m.Apply(ctx, upsert("lock", "owner-a", kvstore.MatchAny()))
	require.NoError(t, err)

	stale := kvstore.Txn(kvstore.TxnRequest{
		Conditions: []kvstore.Condition{{Key: "lock", Match: kvstore.MatchExact(7)}},
		Then:       []kvstore.Command{kvstore.Upsert("lock", []byte("owner-b"), kvstore.MatchAny())},
	})
	stale.Now = epoch
	out, err := m.Apply(ctx, stale)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Empty(t, out.Events)
	assert.Equal(t, uint64(1), m.Sequence())
	assert.Equal(t, uint64(1), m.Hub().Stats().Last)

	swap := kvstore.Txn(kvstore.TxnRequest{
		Conditions: []kvstore.Condition{{Key: "lock", Match: kvstore.MatchExact(1)}},
		Then: []kvstore.Command{
			kvstore.Upsert("lock", []byte("owner-b"), kvstore.MatchAny()),
			kvstore.Upsert("audit/1", []byte("handover"), kvstore.MatchExact(0)),
		},
		Else: []kvstore.Command{kvstore.Delete("lock", kvstore.MatchAny())},
	})
	swap.Now = epoch
	out, err = m.Apply(ctx, swap)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	require.Len(t, out.Events, 2)
	assert.Equal(t, uint64(2), out.Events[0].Sequence)
	assert.Equal(t, uint64(3), out.Events[1].Sequence)
	assert.Equal(t, uint64(3), out.Sequence)
}

func TestTransactionFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	cmd := kvstore.Txn(kvstore.TxnRequest{
		Then: []kvstore.Command{
			kvstore.Upsert("x", []byte("1"), kvstore.MatchAny()),
			kvstore.Upsert("y", []byte("2"), kvstore.MatchExact(9)),
		},
	})
	cmd.Now = epoch
	_, err := m.Apply(ctx, cmd)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	v, err := m.Get(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, uint64(0), m.Sequence())
}

func TestTransactionValidation(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	nested := kvstore.Txn(kvstore.TxnRequest{
		Then: []kvstore.Command{kvstore.Txn(kvstore.TxnRequest{})},
	})
	_, err := m.Apply(ctx, nested)
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	_, err = m.Apply(ctx, kvstore.Command{Kind: kvstore.CommandTxn})
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	big := kvstore.TxnRequest{}
	for i := 0; i <= m.Limits().MaxTxnOps; i++ {
		big.Then = append(big.Then, kvstore.Delete("k", kvstore.MatchAny()))
	}
	_, err = m.Apply(ctx, kvstore.Txn(big))
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	_, err = m.Apply(ctx, upsert("", "v", kvstore.MatchAny()))
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	_, err = m.Apply(ctx, kvstore.Command{Kind: 99})
	assert.ErrorIs(t, err, kvstore.ErrInvalid)
}

func TestEventsArePublishedInOrder(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	sub, err := m.Hub().Subscribe("jobs/", 0)
	require.NoError(t, err)
	defer sub.Close()

	_, err = m.Apply(ctx, upsert("jobs/1", "a", kvstore.MatchAny()))
	require.NoError(t, err)
	_, err = m.Apply(ctx, upsert("other", "b", kvstore.MatchAny()))
	require.NoError(t, err)
	_, err = m.Apply(ctx, del("jobs/1", kvstore.MatchAny()))
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ev, err := sub.Next(wctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Nil(t, ev.Prev)

	ev, err = sub.Next(wctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.True(t, ev.IsDelete())
	assert.Equal(t, "a", string(ev.Prev.Value))
}

func TestScanPaging(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)

	for _, k := range []string{"p/a", "p/b", "p/c", "q/a"} {
		_, err := m.Apply(ctx, upsert(k, k, kvstore.MatchAny()))
		require.NoError(t, err)
	}

	page, err := m.Scan(ctx, "p/", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "p/b", page.NextCursor)

	page, err = m.Scan(ctx, "p/", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "p/c", page.Items[0].Key)
	assert.Empty(t, page.NextCursor)

	_, err = m.Scan(ctx, "p/", "q/a", 2)
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	vals, err := m.MGet(ctx, []string{"p/a", "nope", "q/a"})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	assert.NotNil(t, vals[0])
	assert.Nil(t, vals[1])
	assert.Equal(t, "q/a", string(vals[2].Value))
}

func TestExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	m := newMachine(t, nil, clock)

	cmd := upsert("session/1", "alive", kvstore.MatchAny())
	cmd.ExpireAt = epoch.Add(time.Second)
	_, err := m.Apply(ctx, cmd)
	require.NoError(t, err)
	_, err = m.Apply(ctx, upsert("config", "keep", kvstore.MatchAny()))
	require.NoError(t, err)

	v, err := m.Get(ctx, "session/1")
	require.NoError(t, err)
	require.NotNil(t, v)

	clock.Set(epoch.Add(2 * time.Second))
	v, err = m.Get(ctx, "session/1")
	require.NoError(t, err)
	assert.Nil(t, v)

	items, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// An expired key counts as absent for expectations.
	late := upsert("session/1", "again", kvstore.MatchExact(0))
	late.Now = epoch.Add(2 * time.Second)
	out, err := m.Apply(ctx, late)
	require.NoError(t, err)
	assert.Nil(t, out.Results[0].Prev)

	expiring := upsert("session/2", "short", kvstore.MatchAny())
	expiring.ExpireAt = epoch.Add(3 * time.Second)
	_, err = m.Apply(ctx, expiring)
	require.NoError(t, err)

	seq := m.Sequence()
	sweep := kvstore.Sweep()
	sweep.Now = epoch.Add(5 * time.Second)
	out, err = m.Apply(ctx, sweep)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Swept)
	assert.Empty(t, out.Events)
	assert.Equal(t, seq, m.Sequence())
}

func TestSnapshotsAreDeterministic(t *testing.T) {
	ctx := context.Background()
	a := newMachine(t, nil, nil)
	b := newMachine(t, nil, nil)

	short := upsert("tmp", "gone", kvstore.MatchAny())
	short.ExpireAt = epoch.Add(time.Millisecond)
	later := upsert("z", "last", kvstore.MatchAny())
	later.Now = epoch.Add(time.Second)

	cmds := []kvstore.Command{
		upsert("a", "1", kvstore.MatchAny()),
		upsert("b", "2", kvstore.MatchExact(0)),
		short,
		del("a", kvstore.MatchAny()),
		upsert("b", "3", kvstore.MatchExact(2)),
		later,
	}
	for _, cmd := range cmds {
		_, err := a.Apply(ctx, cmd)
		require.NoError(t, err)
		_, err = b.Apply(ctx, cmd)
		require.NoError(t, err)
	}

	sa, err := a.Snapshot()
	require.NoError(t, err)
	sb, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

func TestRejectedCommandIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m, err := New(memory.NewStore(), Options{
		Logger: zap.New(core),
		Limits: kvstore.Limits{MaxKeySize: 64, MaxValueSize: 2048, MaxTxnOps: 8},
	})
	require.NoError(t, err)
	defer m.Close()

	cmd := kvstore.Upsert("big", make([]byte, 4096), kvstore.MatchAny())
	cmd.Now = epoch
	_, err = m.Apply(context.Background(), cmd)
	require.ErrorIs(t, err, kvstore.ErrInvalid)

	entries := logs.FilterMessage("command rejected").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "upsert", fields["op"])
	assert.Equal(t, "big", fields["key"])
	assert.Equal(t, int64(4096), fields["value_size"])
	assert.Equal(t, "statemachine", fields["component"])
}

func TestScanWithoutLimitIsPaged(t *testing.T) {
	ctx := context.Background()
	m := newMachine(t, nil, nil)
	for i := 0; i <= DefaultScanLimit; i++ {
		_, err := m.Apply(ctx, upsert(fmt.Sprintf("k/%05d", i), "v", kvstore.MatchAny()))
		require.NoError(t, err)
	}

	page, err := m.Scan(ctx, "k/", "", 0)
	require.NoError(t, err)
	require.Len(t, page.Items, DefaultScanLimit)
	assert.Equal(t, fmt.Sprintf("k/%05d", DefaultScanLimit-1), page.NextCursor)

	page, err = m.Scan(ctx, "k/", page.NextCursor, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)
}

func TestRestoredReplicaKeepsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	src := newMachine(t, nil, nil)

	k := upsert("k", "v", kvstore.MatchAny())
	k.ExpireAt = epoch.Add(2 * time.Second)
	_, err := src.Apply(ctx, k)
	require.NoError(t, err)
	z := upsert("z", "v", kvstore.MatchAny())
	z.Now = epoch.Add(3 * time.Second)
	_, err = src.Apply(ctx, z)
	require.NoError(t, err)

	snap, err := src.Snapshot()
	require.NoError(t, err)
	dst := newMachine(t, nil, nil)
	require.NoError(t, dst.Restore(snap))

	// Stamped before k expired, applied after a later command.
	early := upsert("k", "again", kvstore.MatchExact(0))
	early.Now = epoch.Add(time.Second)
	_, srcErr := src.Apply(ctx, early)
	_, dstErr := dst.Apply(ctx, early)
	assert.ErrorIs(t, srcErr, kvstore.ErrConflict)
	assert.ErrorIs(t, dstErr, kvstore.ErrConflict)

	again, err := dst.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap, again)
}

func TestRestoreReplacesState(t *testing.T) {
	ctx := context.Background()
	src := newMachine(t, nil, nil)
	for _, k := range []string{"a", "b", "c"} {
		_, err := src.Apply(ctx, upsert(k, k, kvstore.MatchAny()))
		require.NoError(t, err)
	}
	snap, err := src.Snapshot()
	require.NoError(t, err)

	dst := newMachine(t, nil, nil)
	_, err = dst.Apply(ctx, upsert("stale", "x", kvstore.MatchAny()))
	require.NoError(t, err)
	sub, err := dst.Hub().Subscribe("", 0)
	require.NoError(t, err)

	require.NoError(t, dst.Restore(snap))
	assert.Equal(t, uint64(3), dst.Sequence())

	v, err := dst.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = dst.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, uint64(2), v.Sequence)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = sub.Next(wctx)
	if err == nil {
		// The buffered pre-restore event may still be delivered first.
		_, err = sub.Next(wctx)
	}
	assert.ErrorIs(t, err, kvstore.ErrCompacted)

	out, err := dst.Apply(ctx, upsert("d", "d", kvstore.MatchAny()))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), out.Sequence)
}

func TestResourceExhaustedLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	st := &faultyStore{Store: memory.NewStore()}
	m := newMachine(t, st, nil)

	_, err := m.Apply(ctx, upsert("a", "1", kvstore.MatchAny()))
	require.NoError(t, err)

	st.fail(store.Wrap("apply_batch", syscall.ENOSPC))
	_, err = m.Apply(ctx, upsert("b", "2", kvstore.MatchAny()))
	require.ErrorIs(t, err, kvstore.ErrResourceExhausted)
	assert.True(t, kvstore.IsRetryable(err))
	assert.Equal(t, uint64(1), m.Sequence())
	assert.NoError(t, m.Halted())

	st.fail(nil)
	out, err := m.Apply(ctx, upsert("b", "2", kvstore.MatchAny()))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.Sequence)
}

func TestIOFailureHaltsMachine(t *testing.T) {
	ctx := context.Background()
	st := &faultyStore{Store: memory.NewStore()}
	m := newMachine(t, st, nil)

	st.fail(store.Wrap("apply_batch", errors.New("checksum mismatch")))
	_, err := m.Apply(ctx, upsert("a", "1", kvstore.MatchAny()))
	require.ErrorIs(t, err, kvstore.ErrFatal)
	assert.ErrorIs(t, err, kvstore.ErrIO)
	require.Error(t, m.Halted())

	st.fail(nil)
	_, err = m.Apply(ctx, upsert("a", "1", kvstore.MatchAny()))
	assert.ErrorIs(t, err, kvstore.ErrFatal)

	// Reads keep working.
	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestReloadFromStore(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	m := newMachine(t, st, nil)
	_, err := m.Apply(ctx, upsert("a", "1", kvstore.MatchAny()))
	require.NoError(t, err)
	_, err = m.Apply(ctx, upsert("b", "2", kvstore.MatchAny()))
	require.NoError(t, err)

	again := newMachine(t, st, nil)
	assert.Equal(t, uint64(2), again.Sequence())
	v, err := again.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "2", string(v.Value))
}
