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

// Package embed opens a complete metadata store inside the calling
// process: durable store, state machine, watch hub, executor and API.
package embed

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"metaEmbed/internal/batch"
	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/memory"
	"metaEmbed/internal/raft"
	"metaEmbed/internal/rocksdb"
	"metaEmbed/internal/service"
	"metaEmbed/internal/statemachine"
	"metaEmbed/internal/store"
	"metaEmbed/pkg/config"
	"metaEmbed/pkg/health"
	"metaEmbed/pkg/log"
	"metaEmbed/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Store is an opened metadata store. It implements kvstore.API.
type Store struct {
	kvstore.API

	cfg      *config.Config
	logger   *zap.Logger
	ownedLog *log.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	msrv     *metrics.MetricsServer
	health   *health.Monitor

	backend store.Store
	raftLog *rocksdb.RaftLog
	sm      *statemachine.Machine
	svc     *service.Service
	node    *raft.Node

	closeOnce sync.Once
	closeErr  error
}

var _ kvstore.API = (*Store)(nil)

type options struct {
	logger   *zap.Logger
	network  *raft.LocalNetwork
	registry *prometheus.Registry
	clock    func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithLogger uses l instead of building a logger from cfg.Log.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNetwork joins the replica to an in-process raft network shared with
// other stores. Only used in raft mode.
func WithNetwork(n *raft.LocalNetwork) Option {
	return func(o *options) { o.network = n }
}

// WithRegistry registers metrics on r instead of a private registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithClock overrides the wall clock used for TTLs and expiry filtering.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Open builds a store from cfg. In raft mode the rocksdb engine keeps the
// raft log in <data_dir>/raft; the memory engine persists only snapshots,
// and only when raft.snap_dir is set. With a single peer Open waits until
// the replica has elected itself or ctx is done.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Store, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", kvstore.ErrInvalid, err)
	}

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{cfg: cfg, registry: o.registry}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if o.logger != nil {
		s.logger = o.logger
	} else {
		s.ownedLog, err = log.NewLogger(log.FromConfig(cfg.Log))
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		s.logger = s.ownedLog.Zap()
	}
	s.logger = s.logger.With(log.Mode(cfg.Mode))

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)

	if s.backend, err = openBackend(cfg, s.logger); err != nil {
		return nil, err
	}

	s.sm, err = statemachine.New(s.backend, statemachine.Options{
		Limits: kvstore.Limits{
			MaxKeySize:   cfg.Limits.MaxKeySize,
			MaxValueSize: cfg.Limits.MaxValueSize,
			MaxTxnOps:    cfg.Limits.MaxTxnOps,
		},
		WatchBufferSize: cfg.Watch.BufferSize,
		MaxWatches:      cfg.Watch.MaxSubscriptions,
		Logger:          s.logger,
		Metrics:         s.metrics,
		Clock:           o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("load state machine: %w", err)
	}

	var exec service.Executor
	switch cfg.Mode {
	case config.ModeRaft:
		if s.node, err = s.startRaft(ctx, o.network); err != nil {
			return nil, err
		}
		exec = s.node
	default:
		exec = service.NewDirect(s.sm)
	}

	svcOpts := []service.Option{
		service.WithLogger(s.logger),
		service.WithMetrics(s.metrics),
		service.WithWriteLimit(cfg.Limits.WriteQPS, cfg.Limits.WriteBurst),
		service.WithClock(o.clock),
	}
	if !cfg.Expiry.Disable {
		svcOpts = append(svcOpts, service.WithSweepInterval(cfg.Expiry.SweepInterval))
	}
	s.svc = service.New(s.sm, exec, svcOpts...)
	s.API = service.Instrument(s.svc, s.metrics)

	s.health = s.newHealthMonitor()
	if cfg.Monitoring.EnablePrometheus {
		s.msrv = metrics.ServeMetrics(cfg.Monitoring.Address, s.registry, s.logger)
		s.msrv.SetHealth(s.health)
		s.msrv.Handle("/readiness", s.health.ReadinessHandler())
		s.msrv.Handle("/liveness", s.health.LivenessHandler())
	}

	s.logger.Info("metadata store opened",
		log.String("engine", cfg.Storage.Engine),
		log.Sequence(s.sm.Sequence()),
		log.Component("embed"))
	return s, nil
}

func openBackend(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Storage.Engine {
	case config.EngineMemory:
		return memory.NewStore(), nil
	case config.EngineRocksDB:
		path := filepath.Join(cfg.Storage.DataDir, "kv")
		st, err := rocksdb.Open(path, rocksdb.OptimizationConfigFrom(cfg.RocksDB), logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: unknown storage engine %q", kvstore.ErrInvalid, cfg.Storage.Engine)
}

func (s *Store) startRaft(ctx context.Context, network *raft.LocalNetwork) (*raft.Node, error) {
	rc := s.cfg.Raft
	if network == nil {
		network = raft.NewLocalNetwork(s.logger)
	}

	nc := raft.Config{
		ID:                     rc.NodeID,
		Peers:                  rc.Peers,
		TickInterval:           rc.TickInterval,
		ElectionTick:           rc.ElectionTick,
		HeartbeatTick:          rc.HeartbeatTick,
		MaxSizePerMsg:          rc.MaxSizePerMsg,
		MaxInflightMsgs:        rc.MaxInflightMsgs,
		PreVote:                !rc.DisablePreVote,
		CheckQuorum:            !rc.DisableCheckQuorum,
		SnapshotCount:          rc.SnapshotCount,
		SnapshotCatchUpEntries: rc.SnapshotCatchUpEntries,
	}
	if s.cfg.Storage.Engine == config.EngineRocksDB {
		path := filepath.Join(s.cfg.Storage.DataDir, "raft")
		l, err := rocksdb.OpenRaftLog(path, rocksdb.OptimizationConfigFrom(s.cfg.RocksDB), s.logger)
		if err != nil {
			return nil, err
		}
		s.raftLog = l
		nc.Storage = l
	} else {
		nc.SnapDir = rc.SnapDir
	}
	if rc.Batch.Enable {
		nc.Batch = &batch.BatchConfig{
			MinBatchSize:  rc.Batch.MinBatchSize,
			MaxBatchSize:  rc.Batch.MaxBatchSize,
			MaxBatchBytes: rc.Batch.MaxBatchBytes,
			MinTimeout:    rc.Batch.MinTimeout,
			MaxTimeout:    rc.Batch.MaxTimeout,
			LoadThreshold: rc.Batch.LoadThreshold,
		}
	}

	node, err := raft.StartNode(nc, s.sm, network,
		raft.WithLogger(s.logger),
		raft.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("start raft node: %w", err)
	}
	if len(nc.Peers) > 1 {
		return node, nil
	}

	// A restarted replica learns its own membership only after replaying
	// the log, so keep campaigning until it leads.
	ticker := time.NewTicker(nc.TickInterval)
	defer ticker.Stop()
	for !node.IsLeader() {
		if err := node.Campaign(ctx); err != nil && ctx.Err() == nil {
			node.Close()
			return nil, fmt.Errorf("campaign: %w", err)
		}
		select {
		case <-ctx.Done():
			node.Close()
			return nil, fmt.Errorf("wait for leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return node, nil
}

func (s *Store) newHealthMonitor() *health.Monitor {
	m := health.NewMonitor(s.sm.Sequence, time.Second, s.logger)
	m.Register(health.NewFuncChecker("state_machine", func(context.Context) error {
		return s.sm.Halted()
	}))
	if s.node != nil {
		m.Register(health.NewRaftChecker("raft", func() (uint64, uint64) {
			st := s.node.Status()
			return st.ID, st.Leader
		}))
	}
	if s.cfg.Storage.Engine == config.EngineRocksDB && runtime.GOOS != "windows" {
		m.Register(health.NewDiskSpaceChecker("disk", s.cfg.Storage.DataDir, 1, 90))
	}
	return m
}

// Health runs the readiness checks: state machine not halted, raft leader
// known, and enough free space under the data directory.
func (s *Store) Health(ctx context.Context) *health.Report {
	return s.health.Check(ctx)
}

// Sweep physically removes expired keys now.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	return s.svc.Sweep(ctx)
}

// Snapshot returns a deterministic snapshot of the applied state.
func (s *Store) Snapshot() ([]byte, error) {
	return s.svc.Snapshot()
}

// RaftStatus reports the replica status; ok is false in embedded mode.
func (s *Store) RaftStatus() (st raft.Status, ok bool) {
	if s.node == nil {
		return raft.Status{}, false
	}
	return s.node.Status(), true
}

// Registry returns the registry the store's metrics are registered on.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// Config returns the effective configuration.
func (s *Store) Config() *config.Config {
	return s.cfg
}

// Close stops background work, the executor, the hub and the durable store,
// in that order. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.msrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, s.msrv.Shutdown(ctx))
			cancel()
		}
		if s.svc != nil {
			errs = append(errs, s.svc.Close())
		} else if s.node != nil {
			errs = append(errs, s.node.Close())
		}
		if s.raftLog != nil {
			errs = append(errs, s.raftLog.Close())
		}
		if s.sm != nil {
			errs = append(errs, s.sm.Close())
		}
		if s.backend != nil {
			errs = append(errs, s.backend.Close())
		}
		if s.logger != nil {
			s.logger.Info("metadata store closed", log.Component("embed"))
		}
		if s.ownedLog != nil {
			errs = append(errs, s.ownedLog.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
