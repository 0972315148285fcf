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

package embed

import (
	"context"
	"sync"
	"testing"
	"time"

	"metaEmbed/internal/catalog"
	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/raft"
	"metaEmbed/pkg/config"
	"metaEmbed/pkg/health"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
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

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Engine = config.EngineMemory
	cfg.Expiry.Disable = true
	return cfg
}

func raftConfig(id uint64, peers []uint64) *config.Config {
	cfg := memoryConfig()
	cfg.Mode = config.ModeRaft
	cfg.Raft.NodeID = id
	cfg.Raft.Peers = peers
	cfg.Raft.TickInterval = 10 * time.Millisecond
	cfg.Raft.SnapDir = ""
	return cfg
}

func open(t *testing.T, cfg *config.Config, opts ...Option) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := Open(ctx, cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestOpenEmbeddedMemory(t *testing.T) {
	ctx := context.Background()
	s := open(t, memoryConfig())
	defer s.Close()

	stream, err := s.Watch(ctx, "svc/", 0)
	require.NoError(t, err)
	defer stream.Close()

	v, err := s.Upsert(ctx, "svc/a", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Sequence)

	out, err := s.Transaction(ctx, kvstore.TxnRequest{
		Conditions: []kvstore.Condition{{Key: "svc/a", Match: kvstore.MatchExact(1)}},
		Then:       []kvstore.Command{kvstore.Upsert("svc/b", []byte("2"), kvstore.MatchAny())},
	})
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, uint64(2), s.Sequence())

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, key := range []string{"svc/a", "svc/b"} {
		ev, err := stream.Next(wctx)
		require.NoError(t, err)
		assert.Equal(t, key, ev.Key)
	}

	_, ok := s.RaftStatus()
	assert.False(t, ok)

	n, err := testutil.GatherAndCount(s.Registry(), "metaembed_api_request_total")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestOpenWithCatalog(t *testing.T) {
	ctx := context.Background()
	s := open(t, memoryConfig())
	defer s.Close()

	type table struct {
		Engine string `json:"engine"`
	}
	tables := catalog.New[table](s, "db1", "tables")
	_, err := tables.Add(ctx, "t1", table{Engine: "fuse"})
	require.NoError(t, err)

	rec, err := tables.Get(ctx, "t1", kvstore.MatchAny())
	require.NoError(t, err)
	assert.Equal(t, "fuse", rec.Value.Engine)
}

func TestOpenRocksDBPersists(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Expiry.Disable = true

	s := open(t, cfg)
	_, err := s.Upsert(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "b", []byte("2"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, cfg)
	defer s.Close()
	assert.Equal(t, uint64(3), s.Sequence())

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = s.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, []byte("2"), v.Value)
	assert.Equal(t, uint64(2), v.Sequence)
}

func TestOpenTTLAndSweep(t *testing.T) {
	ctx := context.Background()
	clk := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := open(t, memoryConfig(), WithClock(clk.Now))
	defer s.Close()

	_, err := s.Upsert(ctx, "lease/1", []byte("x"), kvstore.WithTTL(time.Minute))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	v, err := s.Get(ctx, "lease/1")
	require.NoError(t, err)
	assert.Nil(t, v)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), s.Sequence())
}

func TestOpenWriteLimit(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Limits.WriteQPS = 0.001
	cfg.Limits.WriteBurst = 1
	s := open(t, cfg)
	defer s.Close()

	_, err := s.Upsert(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "a", []byte("2"))
	assert.ErrorIs(t, err, kvstore.ErrResourceExhausted)

	// Reads are not limited.
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mode = "cluster"
	_, err := Open(context.Background(), cfg, WithLogger(zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, kvstore.ErrInvalid)
}

func TestOpenRaftSingleNode(t *testing.T) {
	ctx := context.Background()
	cfg := raftConfig(1, []uint64{1})
	cfg.Storage.Engine = config.EngineRocksDB
	cfg.Storage.DataDir = t.TempDir()

	s := open(t, cfg)
	st, ok := s.RaftStatus()
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Leader)

	for _, k := range []string{"x", "y", "z"} {
		_, err := s.Upsert(ctx, k, []byte(k))
		require.NoError(t, err)
	}
	snapshot, err := s.Snapshot()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, cfg)
	defer s.Close()
	// The raft log is replayed into the state machine.
	require.Eventually(t, func() bool { return s.Sequence() == 3 }, 5*time.Second, 10*time.Millisecond)
	again, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshot, again)

	v, err := s.Upsert(ctx, "w", []byte("w"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v.Sequence)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	s := open(t, memoryConfig())
	defer s.Close()
	_, err := s.Upsert(ctx, "a", []byte("1"))
	require.NoError(t, err)

	report := s.Health(ctx)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, uint64(1), report.Sequence)
	require.Contains(t, report.Checks, "state_machine")
	assert.NotContains(t, report.Checks, "raft")
	assert.NotContains(t, report.Checks, "disk")

	r := open(t, raftConfig(1, []uint64{1}))
	defer r.Close()
	report = r.Health(ctx)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, "leader", report.Checks["raft"].Message)
}

func TestOpenRaftMemorySnapDir(t *testing.T) {
	ctx := context.Background()
	cfg := raftConfig(1, []uint64{1})
	cfg.Raft.SnapDir = t.TempDir()

	s := open(t, cfg)
	for _, k := range []string{"a", "b"} {
		_, err := s.Upsert(ctx, k, []byte(k))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Close took a final snapshot; the memory engine is rebuilt from it.
	s = open(t, cfg)
	defer s.Close()
	assert.Equal(t, uint64(2), s.Sequence())
	v, err := s.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, []byte("b"), v.Value)
}

func TestOpenRaftSharedNetwork(t *testing.T) {
	ctx := context.Background()
	peers := []uint64{1, 2, 3}
	network := raft.NewLocalNetwork(zaptest.NewLogger(t))

	var stores []*Store
	for _, id := range peers {
		s := open(t, raftConfig(id, peers), WithNetwork(network))
		defer s.Close()
		stores = append(stores, s)
	}

	require.Eventually(t, func() bool {
		var lead uint64
		for _, s := range stores {
			st, _ := s.RaftStatus()
			if st.Leader == 0 || (lead != 0 && st.Leader != lead) {
				return false
			}
			lead = st.Leader
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	for i, s := range stores {
		_, err := s.Upsert(ctx, "k", []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, s := range stores {
			if s.Sequence() != 3 {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	for _, s := range stores {
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, []byte("c"), v.Value)
		assert.Equal(t, uint64(3), v.Sequence)
	}
}
