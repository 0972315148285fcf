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

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/memory"
	"metaEmbed/internal/statemachine"
	"metaEmbed/pkg/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, clock *testClock, opts ...Option) *Service {
	t.Helper()
	if clock == nil {
		clock = &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	}
	sm, err := statemachine.New(memory.NewStore(), statemachine.Options{
		Logger: zaptest.NewLogger(t),
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now)}, opts...)
	svc := New(sm, NewDirect(sm), opts...)
	t.Cleanup(func() {
		svc.Close()
		sm.Close()
	})
	return svc
}

func TestUpsertGetDelete(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)

	v, err := svc.Upsert(ctx, "a/1", []byte("x"), kvstore.WithExpectedSequence(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Sequence)

	_, err = svc.Upsert(ctx, "a/1", []byte("y"), kvstore.WithExpectedSequence(0))
	assert.ErrorIs(t, err, kvstore.ErrConflict)

	v, err = svc.Upsert(ctx, "a/1", []byte("y"), kvstore.WithExpectedSequence(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Sequence)

	got, err := svc.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "y", string(got.Value))

	prev, err := svc.Delete(ctx, "a/1")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, uint64(2), prev.Sequence)

	prev, err = svc.Delete(ctx, "a/1")
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, uint64(3), svc.Sequence())
}

func TestTTLIsStampedFromClock(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := newService(t, clock)

	v, err := svc.Upsert(ctx, "lease/1", []byte("n1"), kvstore.WithTTL(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(10*time.Second), v.ExpireAt)

	_, err = svc.Upsert(ctx, "lease/2", []byte("n2"), kvstore.WithExpireAt(clock.Now()))
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	clock.Advance(11 * time.Second)
	got, err := svc.Get(ctx, "lease/1")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransactionAndWatch(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil)

	stream, err := svc.Watch(ctx, "cfg/", 0)
	require.NoError(t, err)
	defer stream.Close()

	out, err := svc.Transaction(ctx, kvstore.TxnRequest{
		Conditions: []kvstore.Condition{{Key: "cfg/leader", Match: kvstore.MatchExact(0)}},
		Then: []kvstore.Command{
			kvstore.Upsert("cfg/leader", []byte("n1"), kvstore.MatchAny()),
			kvstore.Upsert("cfg/term", []byte("1"), kvstore.MatchAny()),
		},
	})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, want := range []string{"cfg/leader", "cfg/term"} {
		ev, err := stream.Next(wctx)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Key)
	}

	_, err = svc.Watch(ctx, "", 100)
	assert.ErrorIs(t, err, kvstore.ErrInvalid)

	require.NoError(t, stream.Close())
	_, err = stream.Next(wctx)
	assert.ErrorIs(t, err, kvstore.ErrClosed)
}

func TestWatchFromCurrentAfterReopen(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	open := func() *Service {
		sm, err := statemachine.New(st, statemachine.Options{Logger: zaptest.NewLogger(t)})
		require.NoError(t, err)
		svc := New(sm, NewDirect(sm), WithLogger(zaptest.NewLogger(t)))
		t.Cleanup(func() {
			svc.Close()
			sm.Close()
		})
		return svc
	}

	first := open()
	_, err := first.Upsert(ctx, "a/1", []byte("x"))
	require.NoError(t, err)

	svc := open()
	_, err = svc.Watch(ctx, "a/", 0)
	assert.ErrorIs(t, err, kvstore.ErrCompacted)

	stream, err := svc.Watch(ctx, "a/", kvstore.WatchFromCurrent)
	require.NoError(t, err)
	defer stream.Close()

	_, err = svc.Upsert(ctx, "a/2", []byte("y"))
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ev, err := stream.Next(wctx)
	require.NoError(t, err)
	assert.Equal(t, "a/2", ev.Key)
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestWriteLimiterRejectsBurst(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := newService(t, nil, WithWriteLimit(0.001, 2), WithMetrics(m))

	_, err := svc.Upsert(ctx, "a", nil)
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, "b", nil)
	require.NoError(t, err)

	_, err = svc.Upsert(ctx, "c", nil)
	require.ErrorIs(t, err, kvstore.ErrResourceExhausted)
	assert.True(t, kvstore.IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitHits.WithLabelValues("upsert")))

	// Reads are never limited.
	_, err = svc.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestDirectExecutorHonoursCancellationBeforeAdmission(t *testing.T) {
	svc := newService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Upsert(ctx, "a", []byte("1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), svc.Sequence())

	require.NoError(t, svc.Close())
	_, err = svc.Upsert(context.Background(), "a", []byte("1"))
	assert.ErrorIs(t, err, kvstore.ErrClosed)
}

func TestBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := memory.NewStore()
	sm, err := statemachine.New(st, statemachine.Options{Clock: clock.Now})
	require.NoError(t, err)
	defer sm.Close()
	svc := New(sm, NewDirect(sm), WithClock(clock.Now), WithSweepInterval(10*time.Millisecond))
	defer svc.Close()

	_, err = svc.Upsert(ctx, "tmp", []byte("x"), kvstore.WithTTL(time.Second))
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool {
		v, err := st.Get("tmp")
		return err == nil && v == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInstrumentedRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	api := Instrument(newService(t, nil), m)

	_, err := api.Upsert(ctx, "k", []byte("v"))
	require.NoError(t, err)
	_, err = api.Upsert(ctx, "k", []byte("v"), kvstore.WithExpectedSequence(9))
	require.Error(t, err)
	_, err = api.Get(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("upsert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("upsert", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("get", "ok")))

	svc := newService(t, nil)
	assert.Same(t, svc, Instrument(svc, nil))
}
