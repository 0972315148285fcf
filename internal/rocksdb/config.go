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
	"metaEmbed/pkg/config"

	"github.com/linxGnu/grocksdb"
)

// OptimizationConfig holds the engine tuning applied when opening the store
type OptimizationConfig struct {
	WAL        WALConfig
	BlockCache BlockCacheConfig
	Compaction CompactionConfig

	MaxOpenFiles int
	UseFsync     bool
	BytesPerSync uint64
}

// WALConfig configures Write-Ahead Log behavior
type WALConfig struct {
	// Sync controls whether every batch is fsynced before ApplyBatch returns.
	// The state machine requires true; false is only useful for benchmarks.
	Sync bool

	// MaxTotalSize is the maximum total size of all WAL files (bytes)
	MaxTotalSize uint64
}

// BlockCacheConfig configures the LRU block cache and bloom filter
type BlockCacheConfig struct {
	Size                  uint64
	BloomFilterBitsPerKey int
	BloomFilter           bool
}

// CompactionConfig configures memtables and level-0 triggers
type CompactionConfig struct {
	WriteBufferSize                uint64
	MaxWriteBufferNumber           int
	MinWriteBufferNumberToMerge    int
	MaxBackgroundJobs              int
	Level0FileNumCompactionTrigger int
	Level0SlowdownWritesTrigger    int
	Level0StopWritesTrigger        int
}

// DefaultOptimizationConfig returns production-ready settings
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		WAL: WALConfig{
			Sync:         true,
			MaxTotalSize: 512 * 1024 * 1024, // 512MB total WAL size
		},
		BlockCache: BlockCacheConfig{
			Size:                  256 * 1024 * 1024,
			BloomFilterBitsPerKey: 10,
			BloomFilter:           true,
		},
		Compaction: CompactionConfig{
			WriteBufferSize:                64 * 1024 * 1024,
			MaxWriteBufferNumber:           3,
			MinWriteBufferNumberToMerge:    1,
			MaxBackgroundJobs:              4,
			Level0FileNumCompactionTrigger: 4,
			Level0SlowdownWritesTrigger:    20,
			Level0StopWritesTrigger:        36,
		},
		MaxOpenFiles: 10000,
		BytesPerSync: 1048576,
	}
}

// OptimizationConfigFrom maps the rocksdb section of the service config.
func OptimizationConfigFrom(c config.RocksDBConfig) OptimizationConfig {
	return OptimizationConfig{
		WAL: WALConfig{
			Sync:         !c.DisableWALSync,
			MaxTotalSize: c.MaxTotalWalSize,
		},
		BlockCache: BlockCacheConfig{
			Size:                  c.BlockCacheSize,
			BloomFilterBitsPerKey: c.BloomFilterBitsPerKey,
			BloomFilter:           !c.DisableBlockBasedBloomFilter,
		},
		Compaction: CompactionConfig{
			WriteBufferSize:                c.WriteBufferSize,
			MaxWriteBufferNumber:           c.MaxWriteBufferNumber,
			MinWriteBufferNumberToMerge:    c.MinWriteBufferNumberToMerge,
			MaxBackgroundJobs:              c.MaxBackgroundJobs,
			Level0FileNumCompactionTrigger: c.Level0FileNumCompactionTrigger,
			Level0SlowdownWritesTrigger:    c.Level0SlowdownWritesTrigger,
			Level0StopWritesTrigger:        c.Level0StopWritesTrigger,
		},
		MaxOpenFiles: c.MaxOpenFiles,
		UseFsync:     c.UseFsync,
		BytesPerSync: c.BytesPerSync,
	}
}

// ApplyDBOptions applies optimization settings to RocksDB DBOptions.
// The returned table options must be destroyed after the DB is opened.
func (c *OptimizationConfig) ApplyDBOptions(opts *grocksdb.Options) *grocksdb.BlockBasedTableOptions {
	if c.WAL.MaxTotalSize > 0 {
		opts.SetMaxTotalWalSize(c.WAL.MaxTotalSize)
	}

	cc := c.Compaction
	if cc.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundJobs(cc.MaxBackgroundJobs)
	}
	if cc.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(cc.WriteBufferSize)
	}
	if cc.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(cc.MaxWriteBufferNumber)
	}
	if cc.MinWriteBufferNumberToMerge > 0 {
		opts.SetMinWriteBufferNumberToMerge(cc.MinWriteBufferNumberToMerge)
	}
	if cc.Level0FileNumCompactionTrigger > 0 {
		opts.SetLevel0FileNumCompactionTrigger(cc.Level0FileNumCompactionTrigger)
	}
	if cc.Level0SlowdownWritesTrigger > 0 {
		opts.SetLevel0SlowdownWritesTrigger(cc.Level0SlowdownWritesTrigger)
	}
	if cc.Level0StopWritesTrigger > 0 {
		opts.SetLevel0StopWritesTrigger(cc.Level0StopWritesTrigger)
	}
	if c.MaxOpenFiles != 0 {
		opts.SetMaxOpenFiles(c.MaxOpenFiles)
	}
	if c.BytesPerSync > 0 {
		opts.SetBytesPerSync(c.BytesPerSync)
	}
	opts.SetUseFsync(c.UseFsync)

	opts.SetCompression(grocksdb.SnappyCompression)

	bbto := grocksdb.NewDefaultBlockBasedTableOptions()
	if c.BlockCache.Size > 0 {
		bbto.SetBlockCache(grocksdb.NewLRUCache(c.BlockCache.Size))
		bbto.SetCacheIndexAndFilterBlocks(true)
		bbto.SetPinL0FilterAndIndexBlocksInCache(true)
	}
	if c.BlockCache.BloomFilter && c.BlockCache.BloomFilterBitsPerKey > 0 {
		bbto.SetFilterPolicy(grocksdb.NewBloomFilter(float64(c.BlockCache.BloomFilterBitsPerKey)))
	}
	opts.SetBlockBasedTableFactory(bbto)
	return bbto
}

// ApplyWriteOptions applies optimization settings to RocksDB WriteOptions
func (c *OptimizationConfig) ApplyWriteOptions(wo *grocksdb.WriteOptions) {
	wo.SetSync(c.WAL.Sync)
}

// ApplyReadOptions applies optimization settings to RocksDB ReadOptions
func (c *OptimizationConfig) ApplyReadOptions(ro *grocksdb.ReadOptions) {
	ro.SetFillCache(true)
}
