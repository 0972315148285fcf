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

package rocksdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"
)

func openTestRaftLog(t *testing.T, dir string) *RaftLog {
	t.Helper()
	cfg := DefaultOptimizationConfig()
	cfg.BlockCache.Size = 8 << 20
	l, err := OpenRaftLog(dir, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func entries(from, to, term uint64) []raftpb.Entry {
	var ents []raftpb.Entry
	for i := from; i <= to; i++ {
		ents = append(ents, raftpb.Entry{Index: i, Term: term, Data: []byte{byte(i)}})
	}
	return ents
}

func TestRaftLog_Empty(t *testing.T) {
	l := openTestRaftLog(t, filepath.Join(t.TempDir(), "raft"))
	defer l.Close()

	empty, err := l.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	first, _ := l.FirstIndex()
	last, _ := l.LastIndex()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(0), last)

	term, err := l.Term(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)
}

func TestRaftLog_AppendAndEntries(t *testing.T) {
	l := openTestRaftLog(t, filepath.Join(t.TempDir(), "raft"))
	defer l.Close()

	require.NoError(t, l.Append(entries(1, 5, 1)))

	ents, err := l.Entries(2, 5, 1<<20)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	assert.Equal(t, uint64(2), ents[0].Index)
	assert.Equal(t, []byte{4}, ents[2].Data)

	// maxSize still yields one entry.
	ents, err = l.Entries(1, 6, 1)
	require.NoError(t, err)
	assert.Len(t, ents, 1)

	_, err = l.Entries(1, 7, 1<<20)
	assert.Error(t, err)

	// A conflicting append replaces the suffix.
	require.NoError(t, l.Append(entries(3, 4, 2)))
	last, _ := l.LastIndex()
	assert.Equal(t, uint64(4), last)
	term, err := l.Term(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
	_, err = l.Term(5)
	assert.ErrorIs(t, err, raft.ErrUnavailable)

	// A gap is refused.
	assert.Error(t, l.Append(entries(9, 9, 2)))
}

func TestRaftLog_SnapshotAndCompact(t *testing.T) {
	l := openTestRaftLog(t, filepath.Join(t.TempDir(), "raft"))
	defer l.Close()

	require.NoError(t, l.Append(entries(1, 10, 3)))
	cs := &raftpb.ConfState{Voters: []uint64{1, 2, 3}}

	snap, err := l.CreateSnapshot(6, cs, []byte("state@6"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Metadata.Term)

	_, err = l.CreateSnapshot(5, cs, nil)
	assert.ErrorIs(t, err, raft.ErrSnapOutOfDate)

	require.NoError(t, l.Compact(4))
	assert.ErrorIs(t, l.Compact(4), raft.ErrCompacted)

	first, _ := l.FirstIndex()
	assert.Equal(t, uint64(5), first)
	term, err := l.Term(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
	_, err = l.Term(3)
	assert.ErrorIs(t, err, raft.ErrCompacted)
	_, err = l.Entries(4, 6, 1<<20)
	assert.ErrorIs(t, err, raft.ErrCompacted)

	_, gotCS, err := l.InitialState()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, gotCS.Voters)
}

func TestRaftLog_ApplySnapshot(t *testing.T) {
	l := openTestRaftLog(t, filepath.Join(t.TempDir(), "raft"))
	defer l.Close()

	require.NoError(t, l.Append(entries(1, 3, 1)))
	snap := raftpb.Snapshot{
		Data: []byte("leader state"),
		Metadata: raftpb.SnapshotMetadata{
			Index:     20,
			Term:      4,
			ConfState: raftpb.ConfState{Voters: []uint64{1}},
		},
	}
	require.NoError(t, l.ApplySnapshot(snap))
	assert.ErrorIs(t, l.ApplySnapshot(snap), raft.ErrSnapOutOfDate)

	first, _ := l.FirstIndex()
	last, _ := l.LastIndex()
	assert.Equal(t, uint64(21), first)
	assert.Equal(t, uint64(20), last)

	require.NoError(t, l.Append(entries(21, 22, 4)))
	ents, err := l.Entries(21, 23, 1<<20)
	require.NoError(t, err)
	assert.Len(t, ents, 2)
}

func TestRaftLog_Reopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "raft")
	l := openTestRaftLog(t, dir)

	require.NoError(t, l.Append(entries(1, 8, 2)))
	require.NoError(t, l.SetHardState(raftpb.HardState{Term: 2, Vote: 1, Commit: 7}))
	_, err := l.CreateSnapshot(5, &raftpb.ConfState{Voters: []uint64{1}}, []byte("s5"))
	require.NoError(t, err)
	require.NoError(t, l.Compact(3))
	require.NoError(t, l.Close())

	l = openTestRaftLog(t, dir)
	defer l.Close()

	empty, err := l.Empty()
	require.NoError(t, err)
	assert.False(t, empty)

	hs, cs, err := l.InitialState()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), hs.Commit)
	assert.Equal(t, []uint64{1}, cs.Voters)

	first, _ := l.FirstIndex()
	last, _ := l.LastIndex()
	assert.Equal(t, uint64(4), first)
	assert.Equal(t, uint64(8), last)

	snap, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), snap.Metadata.Index)
	assert.Equal(t, []byte("s5"), snap.Data)

	ents, err := l.Entries(4, 9, 1<<20)
	require.NoError(t, err)
	assert.Len(t, ents, 5)
}
