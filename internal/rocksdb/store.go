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

// Package rocksdb implements store.Store on top of RocksDB.
package rocksdb

import (
	"context"
	"fmt"
	"sync"

	"metaEmbed/internal/codec"
	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/store"

	"github.com/linxGnu/grocksdb"
	"go.etcd.io/etcd/client/pkg/v3/fileutil"
	"go.uber.org/zap"
)

// Store is a durable store.Store. Every batch is a single RocksDB
// WriteBatch carrying the data and the global counter.
type Store struct {
	// mu serializes batches so CAS checks and the write are atomic.
	mu     sync.Mutex
	db     *grocksdb.DB
	opts   *grocksdb.Options
	bbto   *grocksdb.BlockBasedTableOptions
	wo     *grocksdb.WriteOptions
	ro     *grocksdb.ReadOptions
	cfg    OptimizationConfig
	path   string
	closed bool

	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if missing) the database at path.
func Open(path string, cfg OptimizationConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fileutil.TouchDirAll(logger, path); err != nil {
		return nil, store.Wrap("open", fmt.Errorf("create data dir %s: %w", path, err))
	}

	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	bbto := cfg.ApplyDBOptions(opts)

	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		bbto.Destroy()
		opts.Destroy()
		return nil, store.Wrap("open", fmt.Errorf("open RocksDB at %s: %w", path, err))
	}

	wo := grocksdb.NewDefaultWriteOptions()
	cfg.ApplyWriteOptions(wo)
	ro := grocksdb.NewDefaultReadOptions()
	cfg.ApplyReadOptions(ro)

	s := &Store{
		db:     db,
		opts:   opts,
		bbto:   bbto,
		wo:     wo,
		ro:     ro,
		cfg:    cfg,
		path:   path,
		logger: logger,
	}

	seq, err := s.Sequence()
	if err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("opened rocksdb store",
		zap.String("path", path),
		zap.Uint64("sequence", seq),
		zap.Bool("sync", cfg.WAL.Sync),
		zap.String("component", "storage-rocksdb"))
	return s, nil
}

// ApplyBatch implements store.Store.
func (s *Store) ApplyBatch(ctx context.Context, b store.Batch) (store.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.BatchOutcome{}, kvstore.ErrClosed
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	// CAS checks must see earlier ops of the same batch.
	staged := make(map[string]*kvstore.VersionedValue, len(b.Ops))
	current := func(key string) (*kvstore.VersionedValue, error) {
		if v, ok := staged[key]; ok {
			return v, nil
		}
		return s.get(s.ro, key)
	}

	var out store.BatchOutcome
	for _, op := range b.Ops {
		switch op.Type {
		case store.OpPut:
			wb.Put(dataKey(op.Key), codec.EncodeValue(op.Value))
			staged[op.Key] = op.Value
			out.Puts++
		case store.OpDelete:
			wb.Delete(dataKey(op.Key))
			staged[op.Key] = nil
			out.Deletes++
		case store.OpCompareAndSwap:
			cur, err := current(op.Key)
			if err != nil {
				return store.BatchOutcome{}, err
			}
			if err := checkCAS(op, cur); err != nil {
				return store.BatchOutcome{}, err
			}
			if op.Value == nil {
				wb.Delete(dataKey(op.Key))
				out.Deletes++
			} else {
				wb.Put(dataKey(op.Key), codec.EncodeValue(op.Value))
				out.Puts++
			}
			staged[op.Key] = op.Value
		default:
			return store.BatchOutcome{}, fmt.Errorf("%w: unknown batch op %d", kvstore.ErrInvalid, op.Type)
		}
	}

	prev, err := s.Sequence()
	if err != nil {
		return store.BatchOutcome{}, err
	}
	out.Sequence = prev
	if b.Sequence > prev {
		wb.Put([]byte(metaSeqKey), encodeSequence(b.Sequence))
		out.Sequence = b.Sequence
	}

	if err := s.db.Write(s.wo, wb); err != nil {
		err = store.Wrap("write", err)
		s.logger.Error("batch write failed",
			zap.Int("ops", len(b.Ops)),
			zap.Error(err),
			zap.String("component", "storage-rocksdb"))
		return store.BatchOutcome{}, err
	}
	return out, nil
}

func checkCAS(op store.BatchOp, cur *kvstore.VersionedValue) error {
	switch {
	case op.Expected == 0 && cur != nil:
		return fmt.Errorf("%w: cas %q expected absent, found sequence %d", kvstore.ErrConflict, op.Key, cur.Sequence)
	case op.Expected != 0 && cur == nil:
		return fmt.Errorf("%w: cas %q expected sequence %d, key absent", kvstore.ErrConflict, op.Key, op.Expected)
	case op.Expected != 0 && cur.Sequence != op.Expected:
		return fmt.Errorf("%w: cas %q expected sequence %d, found %d", kvstore.ErrConflict, op.Key, op.Expected, cur.Sequence)
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(key string) (*kvstore.VersionedValue, error) {
	return s.get(s.ro, key)
}

func (s *Store) get(ro *grocksdb.ReadOptions, key string) (*kvstore.VersionedValue, error) {
	data, err := s.db.Get(ro, dataKey(key))
	if err != nil {
		return nil, store.Wrap("get", err)
	}
	defer data.Free()

	if !data.Exists() {
		return nil, nil
	}
	return codec.DecodeValue(data.Data())
}

// Sequence implements store.Store.
func (s *Store) Sequence() (uint64, error) {
	data, err := s.db.Get(s.ro, []byte(metaSeqKey))
	if err != nil {
		return 0, store.Wrap("get", err)
	}
	defer data.Free()
	return decodeSequence(data.Data())
}

// Scan implements store.Store. The iterator reads from a RocksDB snapshot
// taken at call time.
func (s *Store) Scan(prefix, cursor string) (store.Iterator, error) {
	snap := s.db.NewSnapshot()
	ro := grocksdb.NewDefaultReadOptions()
	ro.SetSnapshot(snap)
	s.cfg.ApplyReadOptions(ro)

	it := s.db.NewIterator(ro)
	seekKey := dataKey(prefix)
	if cursor > prefix {
		seekKey = dataKey(cursor)
	}
	it.Seek(seekKey)

	return &iterator{
		db:     s.db,
		snap:   snap,
		ro:     ro,
		it:     it,
		prefix: dataKey(prefix),
		cursor: cursor,
		first:  true,
	}, nil
}

type iterator struct {
	db     *grocksdb.DB
	snap   *grocksdb.Snapshot
	ro     *grocksdb.ReadOptions
	it     *grocksdb.Iterator
	prefix []byte
	cursor string
	first  bool
	item   kvstore.KeyValue
	err    error
	closed bool
}

func (i *iterator) Next() bool {
	if i.closed || i.err != nil {
		return false
	}
	if !i.first {
		i.it.Next()
	}
	i.first = false

	for i.it.ValidForPrefix(i.prefix) {
		k := i.it.Key()
		key := userKey(k.Data())
		k.Free()
		if i.cursor != "" && key <= i.cursor {
			i.it.Next()
			continue
		}

		v := i.it.Value()
		val, err := codec.DecodeValue(v.Data())
		v.Free()
		if err != nil {
			i.err = fmt.Errorf("scan %q: %w", key, err)
			return false
		}
		i.item = kvstore.KeyValue{Key: key, VersionedValue: val}
		return true
	}
	if err := i.it.Err(); err != nil {
		i.err = store.Wrap("scan", err)
	}
	return false
}

func (i *iterator) Item() kvstore.KeyValue { return i.item }
func (i *iterator) Err() error             { return i.err }

func (i *iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.it.Close()
	i.ro.Destroy()
	i.db.ReleaseSnapshot(i.snap)
	return nil
}

// Snapshot implements store.Store.
func (s *Store) Snapshot() ([]byte, error) {
	snap := s.db.NewSnapshot()
	defer s.db.ReleaseSnapshot(snap)
	ro := grocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	ro.SetSnapshot(snap)

	seqData, err := s.db.Get(ro, []byte(metaSeqKey))
	if err != nil {
		return nil, store.Wrap("snapshot", err)
	}
	seq, err := decodeSequence(seqData.Data())
	seqData.Free()
	if err != nil {
		return nil, err
	}

	w := codec.NewSnapshotWriter(seq)
	it := s.db.NewIterator(ro)
	defer it.Close()
	for it.Seek(dataPrefixBytes); it.ValidForPrefix(dataPrefixBytes); it.Next() {
		k := it.Key()
		v := it.Value()
		val, err := codec.DecodeValue(v.Data())
		key := userKey(k.Data())
		k.Free()
		v.Free()
		if err != nil {
			return nil, fmt.Errorf("snapshot %q: %w", key, err)
		}
		w.Add(key, val)
	}
	if err := it.Err(); err != nil {
		return nil, store.Wrap("snapshot", err)
	}
	return w.Bytes(), nil
}

// Restore implements store.Store. Existing records are range-deleted in the
// same WriteBatch that loads the snapshot.
func (s *Store) Restore(data []byte) error {
	snap, err := codec.DecodeSnapshot(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kvstore.ErrClosed
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	wb.DeleteRange(dataPrefixBytes, dataPrefixEnd)
	for _, r := range snap.Records {
		wb.Put(dataKey(r.Key), codec.EncodeValue(r.VersionedValue))
	}
	wb.Put([]byte(metaSeqKey), encodeSequence(snap.Sequence))

	if err := s.db.Write(s.wo, wb); err != nil {
		return store.Wrap("restore", err)
	}

	s.logger.Info("restored rocksdb store from snapshot",
		zap.Int("records", len(snap.Records)),
		zap.Uint64("sequence", snap.Sequence),
		zap.String("component", "storage-rocksdb"))
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.wo.Destroy()
	s.ro.Destroy()
	s.db.Close()
	s.bbto.Destroy()
	s.opts.Destroy()
	return nil
}
