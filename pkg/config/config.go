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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution modes
const (
	ModeEmbedded = "embedded" // commands applied in the caller's goroutine
	ModeRaft     = "raft"     // commands replicated through a raft group
)

// Storage engines
const (
	EngineMemory  = "memory"
	EngineRocksDB = "rocksdb"
)

// Config unified configuration structure
type Config struct {
	Mode       string           `yaml:"mode"` // Default embedded
	Storage    StorageConfig    `yaml:"storage"`
	Limits     LimitsConfig     `yaml:"limits"`
	Watch      WatchConfig      `yaml:"watch"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	Raft       RaftConfig       `yaml:"raft"`
	RocksDB    RocksDBConfig    `yaml:"rocksdb"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// StorageConfig durable store configuration
type StorageConfig struct {
	Engine  string `yaml:"engine"`   // Default rocksdb
	DataDir string `yaml:"data_dir"` // Default ./data
}

// LimitsConfig request limits
type LimitsConfig struct {
	MaxKeySize   int     `yaml:"max_key_size"`   // Default 4KB
	MaxValueSize int     `yaml:"max_value_size"` // Default 1.5MB
	MaxTxnOps    int     `yaml:"max_txn_ops"`    // Default 128
	WriteQPS     float64 `yaml:"write_qps"`      // Default 0 (no limit)
	WriteBurst   int     `yaml:"write_burst"`    // Default 0 (= write_qps)
}

// WatchConfig watch hub configuration
type WatchConfig struct {
	BufferSize       int `yaml:"buffer_size"`       // Default 1024 events
	MaxSubscriptions int `yaml:"max_subscriptions"` // Default 10000
}

// ExpiryConfig TTL sweep configuration
type ExpiryConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // Default 1m
	Disable       bool          `yaml:"disable"`        // Disable the background sweep
}

// RaftConfig Raft consensus configuration, used when mode is raft
type RaftConfig struct {
	NodeID uint64   `yaml:"node_id"` // Required in raft mode
	Peers  []uint64 `yaml:"peers"`   // Default [node_id]

	// Tick configuration
	TickInterval  time.Duration `yaml:"tick_interval"`  // Default 100ms
	ElectionTick  int           `yaml:"election_tick"`  // Default 10 (= 1s)
	HeartbeatTick int           `yaml:"heartbeat_tick"` // Default 1 (= 100ms)

	// Message flow
	MaxSizePerMsg   uint64 `yaml:"max_size_per_msg"`  // Default 4MB
	MaxInflightMsgs int    `yaml:"max_inflight_msgs"` // Default 1024

	DisablePreVote     bool `yaml:"disable_pre_vote"`
	DisableCheckQuorum bool `yaml:"disable_check_quorum"`

	// Snapshots
	SnapshotCount          uint64 `yaml:"snapshot_count"`            // Default 10000 applied entries
	SnapshotCatchUpEntries uint64 `yaml:"snapshot_catch_up_entries"` // Default 5000
	SnapDir                string `yaml:"snap_dir"`                  // Memory engine only; empty keeps snapshots in memory

	Batch RaftBatchConfig `yaml:"batch"`
}

// RaftBatchConfig batch proposal configuration
// Low load: small batch + short timeout = low latency
// High load: large batch + long timeout = high throughput
type RaftBatchConfig struct {
	Enable        bool          `yaml:"enable"`          // Default false
	MinBatchSize  int           `yaml:"min_batch_size"`  // Default 1
	MaxBatchSize  int           `yaml:"max_batch_size"`  // Default 256
	MaxBatchBytes int           `yaml:"max_batch_bytes"` // Default 4MB
	MinTimeout    time.Duration `yaml:"min_timeout"`     // Default 5ms
	MaxTimeout    time.Duration `yaml:"max_timeout"`     // Default 20ms
	LoadThreshold float64       `yaml:"load_threshold"`  // Default 0.7
}

// RocksDBConfig RocksDB performance configuration
type RocksDBConfig struct {
	// WAL
	DisableWALSync  bool   `yaml:"disable_wal_sync"`   // Default false: every batch is fsynced
	MaxTotalWalSize uint64 `yaml:"max_total_wal_size"` // Default 0 (engine default)

	// Block Cache configuration (affects read performance)
	BlockCacheSize uint64 `yaml:"block_cache_size"` // Default 256MB

	// Write Buffer configuration (affects write performance)
	WriteBufferSize             uint64 `yaml:"write_buffer_size"`                // Default 64MB
	MaxWriteBufferNumber        int    `yaml:"max_write_buffer_number"`          // Default 3
	MinWriteBufferNumberToMerge int    `yaml:"min_write_buffer_number_to_merge"` // Default 1

	// Compaction configuration
	MaxBackgroundJobs              int `yaml:"max_background_jobs"`                // Default 4
	Level0FileNumCompactionTrigger int `yaml:"level0_file_num_compaction_trigger"` // Default 4
	Level0SlowdownWritesTrigger    int `yaml:"level0_slowdown_writes_trigger"`     // Default 20
	Level0StopWritesTrigger        int `yaml:"level0_stop_writes_trigger"`         // Default 36

	// Bloom Filter configuration
	BloomFilterBitsPerKey        int  `yaml:"bloom_filter_bits_per_key"`       // Default 10
	DisableBlockBasedBloomFilter bool `yaml:"disable_block_based_bloom_filter"`

	// Other optimizations
	MaxOpenFiles int    `yaml:"max_open_files"` // Default 10000
	UseFsync     bool   `yaml:"use_fsync"`      // Default false (use fdatasync)
	BytesPerSync uint64 `yaml:"bytes_per_sync"` // Default 1MB
}

// LogConfig log configuration
type LogConfig struct {
	Level            string         `yaml:"level"`              // Default info
	Encoding         string         `yaml:"encoding"`           // Default json
	OutputPaths      []string       `yaml:"output_paths"`       // Default ["stdout"]
	ErrorOutputPaths []string       `yaml:"error_output_paths"` // Default ["stderr"]
	Rotation         RotationConfig `yaml:"rotation"`
}

// RotationConfig file output rotation
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`  // Default 100
	MaxBackups int  `yaml:"max_backups"`  // Default 10
	MaxAgeDays int  `yaml:"max_age_days"` // Default 30
	Compress   bool `yaml:"compress"`
}

// MonitoringConfig monitoring configuration
type MonitoringConfig struct {
	EnablePrometheus bool   `yaml:"enable_prometheus"` // Default false
	Address          string `yaml:"address"`           // Default :9090
}

// DefaultConfig returns a configuration with recommended default values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig loads configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, then
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigOrDefault loads path, or uses defaults when path is empty or
// does not exist
func LoadConfigOrDefault(path string) (*Config, error) {
	if path != "" {
		cfg, err := LoadConfig(path)
		if err == nil {
			return cfg, nil
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	cfg.OverrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEmbedded
	}

	// Storage defaults
	if c.Storage.Engine == "" {
		c.Storage.Engine = EngineRocksDB
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}

	// Limits defaults
	if c.Limits.MaxKeySize == 0 {
		c.Limits.MaxKeySize = 4096
	}
	if c.Limits.MaxValueSize == 0 {
		c.Limits.MaxValueSize = 1572864 // 1.5MB
	}
	if c.Limits.MaxTxnOps == 0 {
		c.Limits.MaxTxnOps = 128
	}

	// Watch defaults
	if c.Watch.BufferSize == 0 {
		c.Watch.BufferSize = 1024
	}
	if c.Watch.MaxSubscriptions == 0 {
		c.Watch.MaxSubscriptions = 10000
	}

	if c.Expiry.SweepInterval == 0 {
		c.Expiry.SweepInterval = time.Minute
	}

	// Raft defaults (etcd defaults)
	if len(c.Raft.Peers) == 0 && c.Raft.NodeID != 0 {
		c.Raft.Peers = []uint64{c.Raft.NodeID}
	}
	if c.Raft.TickInterval == 0 {
		c.Raft.TickInterval = 100 * time.Millisecond
	}
	if c.Raft.ElectionTick == 0 {
		c.Raft.ElectionTick = 10
	}
	if c.Raft.HeartbeatTick == 0 {
		c.Raft.HeartbeatTick = 1
	}
	if c.Raft.MaxSizePerMsg == 0 {
		c.Raft.MaxSizePerMsg = 4 * 1024 * 1024
	}
	if c.Raft.MaxInflightMsgs == 0 {
		c.Raft.MaxInflightMsgs = 1024
	}
	if c.Raft.SnapshotCount == 0 {
		c.Raft.SnapshotCount = 10000
	}
	if c.Raft.SnapshotCatchUpEntries == 0 {
		c.Raft.SnapshotCatchUpEntries = 5000
	}

	// Batch proposal defaults (reference: TiKV)
	if c.Raft.Batch.MinBatchSize == 0 {
		c.Raft.Batch.MinBatchSize = 1
	}
	if c.Raft.Batch.MaxBatchSize == 0 {
		c.Raft.Batch.MaxBatchSize = 256
	}
	if c.Raft.Batch.MaxBatchBytes == 0 {
		c.Raft.Batch.MaxBatchBytes = 4 * 1024 * 1024
	}
	if c.Raft.Batch.MinTimeout == 0 {
		c.Raft.Batch.MinTimeout = 5 * time.Millisecond
	}
	if c.Raft.Batch.MaxTimeout == 0 {
		c.Raft.Batch.MaxTimeout = 20 * time.Millisecond
	}
	if c.Raft.Batch.LoadThreshold == 0 {
		c.Raft.Batch.LoadThreshold = 0.7
	}

	// RocksDB defaults (based on RocksDB official recommendations)
	if c.RocksDB.BlockCacheSize == 0 {
		c.RocksDB.BlockCacheSize = 268435456 // 256MB
	}
	if c.RocksDB.WriteBufferSize == 0 {
		c.RocksDB.WriteBufferSize = 67108864 // 64MB
	}
	if c.RocksDB.MaxWriteBufferNumber == 0 {
		c.RocksDB.MaxWriteBufferNumber = 3
	}
	if c.RocksDB.MinWriteBufferNumberToMerge == 0 {
		c.RocksDB.MinWriteBufferNumberToMerge = 1
	}
	if c.RocksDB.MaxBackgroundJobs == 0 {
		c.RocksDB.MaxBackgroundJobs = 4
	}
	if c.RocksDB.Level0FileNumCompactionTrigger == 0 {
		c.RocksDB.Level0FileNumCompactionTrigger = 4
	}
	if c.RocksDB.Level0SlowdownWritesTrigger == 0 {
		c.RocksDB.Level0SlowdownWritesTrigger = 20
	}
	if c.RocksDB.Level0StopWritesTrigger == 0 {
		c.RocksDB.Level0StopWritesTrigger = 36
	}
	if c.RocksDB.BloomFilterBitsPerKey == 0 {
		c.RocksDB.BloomFilterBitsPerKey = 10
	}
	if c.RocksDB.MaxOpenFiles == 0 {
		c.RocksDB.MaxOpenFiles = 10000
	}
	if c.RocksDB.BytesPerSync == 0 {
		c.RocksDB.BytesPerSync = 1048576 // 1MB
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stdout"}
	}
	if len(c.Log.ErrorOutputPaths) == 0 {
		c.Log.ErrorOutputPaths = []string{"stderr"}
	}
	if c.Log.Rotation.MaxSizeMB == 0 {
		c.Log.Rotation.MaxSizeMB = 100
	}
	if c.Log.Rotation.MaxBackups == 0 {
		c.Log.Rotation.MaxBackups = 10
	}
	if c.Log.Rotation.MaxAgeDays == 0 {
		c.Log.Rotation.MaxAgeDays = 30
	}

	if c.Monitoring.Address == "" {
		c.Monitoring.Address = ":9090"
	}
}

// OverrideFromEnv overrides configuration from METAEMBED_* environment
// variables
func (c *Config) OverrideFromEnv() {
	if mode := os.Getenv("METAEMBED_MODE"); mode != "" {
		c.Mode = mode
	}
	if engine := os.Getenv("METAEMBED_STORAGE_ENGINE"); engine != "" {
		c.Storage.Engine = engine
	}
	if dir := os.Getenv("METAEMBED_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if nodeID := os.Getenv("METAEMBED_NODE_ID"); nodeID != "" {
		if id, err := strconv.ParseUint(nodeID, 10, 64); err == nil {
			c.Raft.NodeID = id
			if len(c.Raft.Peers) == 0 {
				c.Raft.Peers = []uint64{id}
			}
		}
	}
	if qps := os.Getenv("METAEMBED_WRITE_QPS"); qps != "" {
		if v, err := strconv.ParseFloat(qps, 64); err == nil {
			c.Limits.WriteQPS = v
		}
	}

	// Log configuration
	if logLevel := os.Getenv("METAEMBED_LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
	if logEncoding := os.Getenv("METAEMBED_LOG_ENCODING"); logEncoding != "" {
		c.Log.Encoding = logEncoding
	}

	if addr := os.Getenv("METAEMBED_METRICS_ADDRESS"); addr != "" {
		c.Monitoring.EnablePrometheus = true
		c.Monitoring.Address = addr
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mode != ModeEmbedded && c.Mode != ModeRaft {
		return fmt.Errorf("mode must be either '%s' or '%s'", ModeEmbedded, ModeRaft)
	}

	switch c.Storage.Engine {
	case EngineMemory:
	case EngineRocksDB:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the rocksdb engine")
		}
	default:
		return fmt.Errorf("storage.engine must be either '%s' or '%s'", EngineMemory, EngineRocksDB)
	}

	// Validate resource limits
	if c.Limits.MaxKeySize <= 0 {
		return fmt.Errorf("limits.max_key_size must be > 0")
	}
	if c.Limits.MaxValueSize <= 0 {
		return fmt.Errorf("limits.max_value_size must be > 0")
	}
	if c.Limits.MaxTxnOps <= 0 {
		return fmt.Errorf("limits.max_txn_ops must be > 0")
	}
	if c.Limits.WriteQPS < 0 || c.Limits.WriteBurst < 0 {
		return fmt.Errorf("limits.write_qps and limits.write_burst must be >= 0")
	}

	if c.Watch.BufferSize <= 0 {
		return fmt.Errorf("watch.buffer_size must be > 0")
	}
	if c.Watch.MaxSubscriptions < 0 {
		return fmt.Errorf("watch.max_subscriptions must be >= 0")
	}
	if c.Expiry.SweepInterval < 0 {
		return fmt.Errorf("expiry.sweep_interval must be >= 0")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"error": true, "dpanic": true, "panic": true, "fatal": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error, dpanic, panic, fatal")
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding must be either 'json' or 'console'")
	}

	if c.Mode == ModeRaft {
		if err := c.Raft.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *RaftConfig) validate() error {
	if r.NodeID == 0 {
		return fmt.Errorf("raft.node_id is required and must be non-zero")
	}
	found := false
	for _, p := range r.Peers {
		if p == 0 {
			return fmt.Errorf("raft.peers must not contain 0")
		}
		if p == r.NodeID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("raft.peers must include raft.node_id %d", r.NodeID)
	}
	if r.TickInterval <= 0 {
		return fmt.Errorf("raft.tick_interval must be > 0")
	}
	if r.HeartbeatTick <= 0 {
		return fmt.Errorf("raft.heartbeat_tick must be > 0")
	}
	if r.ElectionTick <= r.HeartbeatTick {
		return fmt.Errorf("raft.election_tick must be > raft.heartbeat_tick")
	}
	if r.MaxInflightMsgs <= 0 {
		return fmt.Errorf("raft.max_inflight_msgs must be > 0")
	}

	// Validate batch proposal configuration
	if r.Batch.Enable {
		if r.Batch.MinBatchSize <= 0 || r.Batch.MaxBatchSize <= 0 {
			return fmt.Errorf("raft.batch batch sizes must be > 0")
		}
		if r.Batch.MinBatchSize > r.Batch.MaxBatchSize {
			return fmt.Errorf("raft.batch.min_batch_size must be <= max_batch_size")
		}
		if r.Batch.MinTimeout <= 0 || r.Batch.MinTimeout > r.Batch.MaxTimeout {
			return fmt.Errorf("raft.batch timeouts must satisfy 0 < min_timeout <= max_timeout")
		}
		if r.Batch.LoadThreshold < 0 || r.Batch.LoadThreshold > 1 {
			return fmt.Errorf("raft.batch.load_threshold must be between 0.0 and 1.0")
		}
	}
	return nil
}
