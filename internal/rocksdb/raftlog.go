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
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
	"go.etcd.io/etcd/client/pkg/v3/fileutil"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// Raft log layout, in a database of its own
//
//	log/<big-endian index> -> raftpb.Entry
//	hard_state             -> raftpb.HardState
//	snapshot               -> raftpb.Snapshot (latest)
//	dummy                  -> index, term of the entry before the first one
//	last_index             -> big-endian uint64
const (
	raftLogPrefix = "log/"
	hardStateKey  = "hard_state"
	snapshotKey   = "snapshot"
	dummyKey      = "dummy"
	lastIndexKey  = "last_index"
)

var raftLogPrefixEnd = []byte("log0") // '/' + 1

// RaftLog is a durable raft.Storage on RocksDB. It has the same semantics
// as raft.MemoryStorage: entries up to and including the dummy index have
// been compacted away, and the dummy term answers Term(dummy).
type RaftLog struct {
	db   *grocksdb.DB
	opts *grocksdb.Options
	bbto *grocksdb.BlockBasedTableOptions
	wo   *grocksdb.WriteOptions
	ro   *grocksdb.ReadOptions

	mu         sync.RWMutex
	dummyIndex uint64
	dummyTerm  uint64
	lastIndex  uint64
	snapshot   raftpb.Snapshot
	closed     bool

	logger *zap.Logger
}

var _ raft.Storage = (*RaftLog)(nil)

// OpenRaftLog opens (creating if missing) a raft log at path. Writes are
// always synced regardless of cfg.WAL.Sync.
func OpenRaftLog(path string, cfg OptimizationConfig, logger *zap.Logger) (*RaftLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fileutil.TouchDirAll(logger, path); err != nil {
		return nil, fmt.Errorf("create raft log dir %s: %w", path, err)
	}

	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	bbto := cfg.ApplyDBOptions(opts)

	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		bbto.Destroy()
		opts.Destroy()
		return nil, fmt.Errorf("open raft log at %s: %w", path, err)
	}

	wo := grocksdb.NewDefaultWriteOptions()
	wo.SetSync(true)

	l := &RaftLog{
		db:     db,
		opts:   opts,
		bbto:   bbto,
		wo:     wo,
		ro:     grocksdb.NewDefaultReadOptions(),
		logger: logger,
	}
	if err := l.load(); err != nil {
		l.Close()
		return nil, err
	}

	logger.Info("opened raft log",
		zap.String("path", path),
		zap.Uint64("first_index", l.dummyIndex+1),
		zap.Uint64("last_index", l.lastIndex),
		zap.Uint64("snapshot_index", l.snapshot.Metadata.Index),
		zap.String("component", "raft-storage"))
	return l, nil
}

func (l *RaftLog) load() error {
	data, err := l.get([]byte(snapshotKey))
	if err != nil {
		return err
	}
	if data != nil {
		if err := l.snapshot.Unmarshal(data); err != nil {
			return fmt.Errorf("decode raft snapshot: %w", err)
		}
	}

	if data, err = l.get([]byte(dummyKey)); err != nil {
		return err
	}
	if len(data) == 16 {
		l.dummyIndex = binary.BigEndian.Uint64(data[:8])
		l.dummyTerm = binary.BigEndian.Uint64(data[8:])
	} else if data != nil {
		return fmt.Errorf("raft log dummy record has %d bytes", len(data))
	}

	if data, err = l.get([]byte(lastIndexKey)); err != nil {
		return err
	}
	l.lastIndex = l.dummyIndex
	if data != nil {
		if l.lastIndex, err = decodeSequence(data); err != nil {
			return err
		}
	}
	return nil
}

func (l *RaftLog) get(key []byte) ([]byte, error) {
	v, err := l.db.GetBytes(l.ro, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func logKey(index uint64) []byte {
	b := make([]byte, len(raftLogPrefix)+8)
	copy(b, raftLogPrefix)
	binary.BigEndian.PutUint64(b[len(raftLogPrefix):], index)
	return b
}

func encodeDummy(index, term uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], index)
	binary.BigEndian.PutUint64(b[8:], term)
	return b
}

// InitialState implements raft.Storage.
func (l *RaftLog) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var hs raftpb.HardState
	data, err := l.get([]byte(hardStateKey))
	if err != nil {
		return hs, raftpb.ConfState{}, err
	}
	if data != nil {
		if err := hs.Unmarshal(data); err != nil {
			return hs, raftpb.ConfState{}, fmt.Errorf("decode hard state: %w", err)
		}
	}
	return hs, l.snapshot.Metadata.ConfState, nil
}

// Entries implements raft.Storage. At least one entry is returned when the
// range is non-empty, even if it exceeds maxSize.
func (l *RaftLog) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lo <= l.dummyIndex {
		return nil, raft.ErrCompacted
	}
	if hi > l.lastIndex+1 {
		return nil, fmt.Errorf("entries [%d, %d) out of bound, last index %d", lo, hi, l.lastIndex)
	}
	if lo == hi {
		return nil, nil
	}

	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	ro.SetIterateUpperBound(logKey(hi))
	it := l.db.NewIterator(ro)
	defer it.Close()

	ents := make([]raftpb.Entry, 0, hi-lo)
	var size uint64
	next := lo
	for it.Seek(logKey(lo)); it.Valid(); it.Next() {
		v := it.Value()
		var ent raftpb.Entry
		err := ent.Unmarshal(v.Data())
		v.Free()
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", next, err)
		}
		if ent.Index != next {
			return nil, raft.ErrUnavailable
		}
		size += uint64(ent.Size())
		if len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, ent)
		next++
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	if len(ents) == 0 {
		return nil, raft.ErrUnavailable
	}
	return ents, nil
}

// Term implements raft.Storage.
func (l *RaftLog) Term(i uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.term(i)
}

func (l *RaftLog) term(i uint64) (uint64, error) {
	if i < l.dummyIndex {
		return 0, raft.ErrCompacted
	}
	if i == l.dummyIndex {
		return l.dummyTerm, nil
	}
	if i > l.lastIndex {
		return 0, raft.ErrUnavailable
	}
	data, err := l.get(logKey(i))
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, raft.ErrUnavailable
	}
	var ent raftpb.Entry
	if err := ent.Unmarshal(data); err != nil {
		return 0, fmt.Errorf("decode entry %d: %w", i, err)
	}
	return ent.Term, nil
}

// LastIndex implements raft.Storage.
func (l *RaftLog) LastIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex, nil
}

// FirstIndex implements raft.Storage.
func (l *RaftLog) FirstIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dummyIndex + 1, nil
}

// Snapshot implements raft.Storage.
func (l *RaftLog) Snapshot() (raftpb.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot, nil
}

// Append persists entries, replacing any conflicting suffix.
func (l *RaftLog) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	first := l.dummyIndex + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	// 截掉已压缩的部分
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}
	if entries[0].Index > l.lastIndex+1 {
		return fmt.Errorf("missing log entry [last: %d, append at: %d]", l.lastIndex, entries[0].Index)
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	if entries[0].Index <= l.lastIndex {
		wb.DeleteRange(logKey(entries[0].Index), logKey(l.lastIndex+1))
	}
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("encode entry %d: %w", entries[i].Index, err)
		}
		wb.Put(logKey(entries[i].Index), data)
	}
	newLast := entries[len(entries)-1].Index
	wb.Put([]byte(lastIndexKey), encodeSequence(newLast))

	if err := l.db.Write(l.wo, wb); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	l.lastIndex = newLast
	return nil
}

// SetHardState persists the hard state.
func (l *RaftLog) SetHardState(st raftpb.HardState) error {
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("encode hard state: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(l.wo, []byte(hardStateKey), data)
}

// CreateSnapshot records a snapshot of the state at index i. The log is
// not compacted; call Compact for that.
func (l *RaftLog) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i <= l.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	if i > l.lastIndex {
		return raftpb.Snapshot{}, fmt.Errorf("snapshot %d is out of bound, last index %d", i, l.lastIndex)
	}
	term, err := l.term(i)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	snap := raftpb.Snapshot{
		Data:     data,
		Metadata: raftpb.SnapshotMetadata{Index: i, Term: term},
	}
	if cs != nil {
		snap.Metadata.ConfState = *cs
	}
	encoded, err := snap.Marshal()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := l.db.Put(l.wo, []byte(snapshotKey), encoded); err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	l.snapshot = snap
	return snap, nil
}

// ApplySnapshot replaces the whole log with snap.
func (l *RaftLog) ApplySnapshot(snap raftpb.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if snap.Metadata.Index <= l.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}
	encoded, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()
	wb.DeleteRange([]byte(raftLogPrefix), raftLogPrefixEnd)
	wb.Put([]byte(snapshotKey), encoded)
	wb.Put([]byte(dummyKey), encodeDummy(snap.Metadata.Index, snap.Metadata.Term))
	wb.Put([]byte(lastIndexKey), encodeSequence(snap.Metadata.Index))
	if err := l.db.Write(l.wo, wb); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}

	l.snapshot = snap
	l.dummyIndex = snap.Metadata.Index
	l.dummyTerm = snap.Metadata.Term
	l.lastIndex = snap.Metadata.Index
	return nil
}

// Compact discards entries up to and including compactIndex.
func (l *RaftLog) Compact(compactIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if compactIndex <= l.dummyIndex {
		return raft.ErrCompacted
	}
	if compactIndex > l.lastIndex {
		return fmt.Errorf("compact %d is out of bound, last index %d", compactIndex, l.lastIndex)
	}
	term, err := l.term(compactIndex)
	if err != nil {
		return err
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()
	wb.DeleteRange(logKey(l.dummyIndex+1), logKey(compactIndex+1))
	wb.Put([]byte(dummyKey), encodeDummy(compactIndex, term))
	if err := l.db.Write(l.wo, wb); err != nil {
		return fmt.Errorf("compact raft log: %w", err)
	}

	l.dummyIndex = compactIndex
	l.dummyTerm = term
	l.logger.Debug("compacted raft log",
		zap.Uint64("compact_index", compactIndex),
		zap.String("component", "raft-storage"))
	return nil
}

// Empty reports whether nothing has ever been persisted.
func (l *RaftLog) Empty() (bool, error) {
	hs, _, err := l.InitialState()
	if err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return raft.IsEmptyHardState(hs) && raft.IsEmptySnap(l.snapshot) && l.lastIndex == 0, nil
}

// Close releases the database.
func (l *RaftLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.wo.Destroy()
	l.ro.Destroy()
	l.db.Close()
	l.bbto.Destroy()
	l.opts.Destroy()
	return nil
}
