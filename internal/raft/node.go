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

// Package raft replicates metadata commands through an etcd raft group.
// Every replica applies committed entries to its own state machine; the
// replica that proposed a command answers the caller.
package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/fileutil"
	"go.etcd.io/etcd/server/v3/etcdserver/api/snap"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"metaEmbed/internal/batch"
	"metaEmbed/internal/codec"
	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/statemachine"
	"metaEmbed/pkg/log"
	"metaEmbed/pkg/metrics"
)

// Config configures one replica.
type Config struct {
	ID    uint64
	Peers []uint64

	TickInterval    time.Duration
	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	PreVote         bool
	CheckQuorum     bool

	// SnapshotCount applied entries trigger a snapshot; 0 disables.
	SnapshotCount uint64
	// SnapshotCatchUpEntries entries are kept behind a snapshot for slow
	// followers.
	SnapshotCatchUpEntries uint64
	// SnapDir persists snapshots with etcd's snapshotter when non-empty.
	// Ignored when Storage is set.
	SnapDir string

	// Storage is a durable raft log. Nil keeps the log in memory.
	Storage LogStorage

	// Batch enables proposal batching when non-nil.
	Batch *batch.BatchConfig
}

// DefaultConfig returns a config for replica id in a group of peers.
func DefaultConfig(id uint64, peers []uint64) Config {
	return Config{
		ID:                     id,
		Peers:                  peers,
		TickInterval:           100 * time.Millisecond,
		ElectionTick:           10,
		HeartbeatTick:          1,
		MaxSizePerMsg:          1 << 20,
		MaxInflightMsgs:        256,
		PreVote:                true,
		CheckQuorum:            true,
		SnapshotCount:          10000,
		SnapshotCatchUpEntries: 5000,
	}
}

// LogStorage is the raft log a replica appends to. raft.MemoryStorage and
// rocksdb.RaftLog implement it.
type LogStorage interface {
	raft.Storage
	Append(entries []raftpb.Entry) error
	SetHardState(st raftpb.HardState) error
	ApplySnapshot(snap raftpb.Snapshot) error
	CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	Compact(compactIndex uint64) error
}

// Status is a point-in-time view of the replica.
type Status struct {
	ID            uint64
	Leader        uint64
	Term          uint64
	AppliedIndex  uint64
	SnapshotIndex uint64
}

type result struct {
	out *kvstore.Outcome
	err error
}

// Node is a service.Executor backed by raft.
type Node struct {
	cfg       Config
	sm        *statemachine.Machine
	transport Transport
	network   *LocalNetwork

	node        raft.Node
	storage     LogStorage
	snapshotter *snap.Snapshotter

	// Owned by the Ready loop.
	confState     raftpb.ConfState
	appliedIndex  atomic.Uint64
	snapshotIndex atomic.Uint64

	leader atomic.Uint64
	term   atomic.Uint64

	inbox    chan raftpb.Message
	proposeC chan []byte
	batcher  *batch.ProposalBatcher

	waitMu  sync.Mutex
	waiters map[uint64]chan result
	nextID  atomic.Uint64
	boot    []byte

	stopc    chan struct{}
	donec    chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	wg       sync.WaitGroup

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// StartNode starts a replica that applies to sm and talks through net.
func StartNode(cfg Config, sm *statemachine.Machine, net *LocalNetwork, opts ...Option) (*Node, error) {
	if cfg.ID == 0 {
		return nil, fmt.Errorf("%w: raft node id must be non-zero", kvstore.ErrInvalid)
	}
	if len(cfg.Peers) == 0 {
		cfg.Peers = []uint64{cfg.ID}
	}
	def := DefaultConfig(cfg.ID, cfg.Peers)
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = def.HeartbeatTick
	}
	if cfg.ElectionTick <= cfg.HeartbeatTick {
		cfg.ElectionTick = 10 * cfg.HeartbeatTick
	}
	if cfg.MaxInflightMsgs <= 0 {
		cfg.MaxInflightMsgs = def.MaxInflightMsgs
	}

	n := &Node{
		cfg:       cfg,
		sm:        sm,
		network:   net,
		transport: net.Endpoint(cfg.ID),
		inbox:     make(chan raftpb.Message, 4096),
		proposeC:  make(chan []byte, 256),
		waiters:   make(map[uint64]chan result),
		boot:      newBootID(),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	n.logger = n.logger.With(log.NodeID(cfg.ID))
	if cfg.Storage != nil {
		n.storage = cfg.Storage
	} else {
		n.storage = raft.NewMemoryStorage()
	}

	restored, err := n.recover()
	if err != nil {
		return nil, err
	}

	c := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         n.storage,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		PreVote:         cfg.PreVote,
		CheckQuorum:     cfg.CheckQuorum,
		Logger:          newRaftLogger(n.logger),
	}
	if restored {
		c.Applied = n.appliedIndex.Load()
		n.node = raft.RestartNode(c)
	} else {
		peers := make([]raft.Peer, len(cfg.Peers))
		for i, id := range cfg.Peers {
			peers[i] = raft.Peer{ID: id}
		}
		n.node = raft.StartNode(c, peers)
	}

	net.attach(cfg.ID, n.inbox)

	if cfg.Batch != nil {
		n.batcher = batch.NewProposalBatcher(*cfg.Batch, n.proposeC, n.logger)
		n.batcher.Start(context.Background())
		n.wg.Add(1)
		go n.proposeBatches()
	}

	n.wg.Add(1)
	go n.receive()
	go n.serveChannels()

	n.logger.Info("raft node started",
		zap.Uint64s("peers", cfg.Peers),
		zap.Bool("restored", restored),
		zap.Bool("batching", cfg.Batch != nil),
		zap.String("component", "raft"))
	return n, nil
}

// recover loads the newest persisted snapshot into the state machine and
// raft storage. Without one the state machine starts empty, since the
// group replays everything from index 1.
func (n *Node) recover() (bool, error) {
	if n.cfg.Storage != nil {
		return n.recoverFromLog()
	}
	if n.cfg.SnapDir != "" {
		if err := fileutil.TouchDirAll(n.logger, n.cfg.SnapDir); err != nil {
			return false, fmt.Errorf("create snapshot dir: %w", err)
		}
		n.snapshotter = snap.New(n.logger, n.cfg.SnapDir)

		snapshot, err := n.snapshotter.Load()
		if err != nil && !errors.Is(err, snap.ErrNoSnapshot) {
			return false, fmt.Errorf("load snapshot: %w", err)
		}
		if snapshot != nil && !raft.IsEmptySnap(*snapshot) {
			if err := n.storage.ApplySnapshot(*snapshot); err != nil {
				return false, fmt.Errorf("apply snapshot to raft storage: %w", err)
			}
			if err := n.storage.SetHardState(raftpb.HardState{
				Term:   snapshot.Metadata.Term,
				Commit: snapshot.Metadata.Index,
			}); err != nil {
				return false, err
			}
			if err := n.sm.Restore(snapshot.Data); err != nil {
				return false, fmt.Errorf("restore state machine: %w", err)
			}
			n.confState = snapshot.Metadata.ConfState
			n.appliedIndex.Store(snapshot.Metadata.Index)
			n.snapshotIndex.Store(snapshot.Metadata.Index)
			n.logger.Info("recovered from snapshot",
				zap.Uint64("index", snapshot.Metadata.Index),
				zap.Uint64("term", snapshot.Metadata.Term),
				zap.Uint64("sequence", n.sm.Sequence()),
				zap.String("component", "raft"))
			return true, nil
		}
	}

	return false, n.resetStateMachine()
}

// recoverFromLog restores the state machine from the durable log's
// snapshot. Raft then replays the committed entries that follow it.
func (n *Node) recoverFromLog() (bool, error) {
	hs, _, err := n.storage.InitialState()
	if err != nil {
		return false, fmt.Errorf("load raft state: %w", err)
	}
	snapshot, err := n.storage.Snapshot()
	if err != nil {
		return false, fmt.Errorf("load raft snapshot: %w", err)
	}
	last, err := n.storage.LastIndex()
	if err != nil {
		return false, err
	}
	if raft.IsEmptyHardState(hs) && raft.IsEmptySnap(snapshot) && last == 0 {
		return false, n.resetStateMachine()
	}

	if raft.IsEmptySnap(snapshot) {
		if err := n.resetStateMachine(); err != nil {
			return false, err
		}
	} else {
		if err := n.sm.Restore(snapshot.Data); err != nil {
			return false, fmt.Errorf("restore state machine: %w", err)
		}
		n.confState = snapshot.Metadata.ConfState
		n.appliedIndex.Store(snapshot.Metadata.Index)
		n.snapshotIndex.Store(snapshot.Metadata.Index)
	}
	n.logger.Info("recovered from raft log",
		zap.Uint64("snapshot_index", snapshot.Metadata.Index),
		zap.Uint64("last_index", last),
		zap.Uint64("commit", hs.Commit),
		zap.String("component", "raft"))
	return true, nil
}

func (n *Node) resetStateMachine() error {
	if n.sm.Sequence() == 0 {
		return nil
	}
	n.logger.Warn("discarding local state not covered by the raft log",
		zap.Uint64("sequence", n.sm.Sequence()),
		zap.String("component", "raft"))
	if err := n.sm.Restore(codec.NewSnapshotWriter(0).Bytes()); err != nil {
		return fmt.Errorf("reset state machine: %w", err)
	}
	return nil
}

// Execute implements service.Executor.
func (n *Node) Execute(ctx context.Context, cmd kvstore.Command) (*kvstore.Outcome, error) {
	if n.stopped.Load() {
		return nil, kvstore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := n.nextID.Add(1)
	data := envelope{Origin: n.cfg.ID, Boot: n.boot, ID: id, Command: codec.EncodeCommand(cmd)}.marshal()
	ch := n.register(id)

	if n.batcher != nil {
		select {
		case n.proposeC <- data:
		case <-ctx.Done():
			n.cancel(id)
			return nil, ctx.Err()
		case <-n.stopc:
			n.cancel(id)
			return nil, kvstore.ErrClosed
		}
	} else if err := n.node.Propose(ctx, data); err != nil {
		n.cancel(id)
		n.metrics.RecordRaftProposal(true)
		return nil, proposalError(err)
	}
	n.metrics.RecordRaftProposal(false)

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		// The entry may still commit and apply; only the answer is lost.
		n.cancel(id)
		return nil, ctx.Err()
	case <-n.stopc:
		n.cancel(id)
		return nil, kvstore.ErrClosed
	}
}

func proposalError(err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return fmt.Errorf("%w: %w", kvstore.ErrResourceExhausted, err)
	case errors.Is(err, raft.ErrStopped):
		return kvstore.ErrClosed
	default:
		return err
	}
}

func (n *Node) register(id uint64) chan result {
	ch := make(chan result, 1)
	n.waitMu.Lock()
	n.waiters[id] = ch
	n.waitMu.Unlock()
	return ch
}

func (n *Node) cancel(id uint64) {
	n.waitMu.Lock()
	delete(n.waiters, id)
	n.waitMu.Unlock()
}

func (n *Node) trigger(id uint64, r result) {
	n.waitMu.Lock()
	ch, ok := n.waiters[id]
	delete(n.waiters, id)
	n.waitMu.Unlock()
	if ok {
		ch <- r
	}
}

// proposeBatches forwards batcher output to raft. A dropped batch fails
// every local waiter in it.
func (n *Node) proposeBatches() {
	defer n.wg.Done()
	for data := range n.batcher.ProposeC() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.TickInterval*time.Duration(n.cfg.ElectionTick+1))
		err := n.node.Propose(ctx, data)
		cancel()
		if err != nil {
			n.metrics.RecordRaftProposal(true)
			n.failBatch(data, proposalError(err))
		}
	}
}

func (n *Node) failBatch(data []byte, err error) {
	proposals, derr := batch.DecodeBatch(data)
	if derr != nil {
		return
	}
	for _, p := range proposals {
		env, derr := unmarshalEnvelope(p)
		if derr == nil && env.proposedBy(n.cfg.ID, n.boot) {
			n.trigger(env.ID, result{err: err})
		}
	}
}

// receive steps inbound messages into raft.
func (n *Node) receive() {
	defer n.wg.Done()
	for {
		select {
		case m := <-n.inbox:
			if err := n.node.Step(context.Background(), m); err != nil && !errors.Is(err, raft.ErrStopped) {
				n.logger.Debug("step failed", zap.Error(err), zap.String("component", "raft"))
			}
		case <-n.stopc:
			return
		}
	}
}

func (n *Node) serveChannels() {
	defer close(n.donec)

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.node.Tick()

		case rd := <-n.node.Ready():
			if rd.SoftState != nil {
				n.observeLeader(rd.SoftState.Lead)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				n.term.Store(rd.HardState.Term)
			}

			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := n.applySnapshot(rd.Snapshot); err != nil {
					n.logger.Error("failed to apply raft snapshot",
						zap.Error(err),
						zap.Uint64("index", rd.Snapshot.Metadata.Index),
						zap.String("component", "raft"))
					n.shutdown()
					return
				}
			}
			if err := n.storage.Append(rd.Entries); err != nil {
				n.logger.Error("failed to append entries", zap.Error(err), zap.String("component", "raft"))
				n.shutdown()
				return
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					n.logger.Error("failed to save hard state", zap.Error(err), zap.String("component", "raft"))
					n.shutdown()
					return
				}
			}

			n.transport.Send(n.processMessages(rd.Messages))

			n.publishEntries(n.entriesToApply(rd.CommittedEntries))
			n.maybeTriggerSnapshot(false)
			n.node.Advance()

		case <-n.stopc:
			n.maybeTriggerSnapshot(true)
			n.shutdown()
			return
		}
	}
}

func (n *Node) observeLeader(lead uint64) {
	if old := n.leader.Swap(lead); old != lead {
		n.metrics.RecordRaftLeaderChange()
		n.logger.Info("raft leader changed",
			zap.Uint64("leader", lead),
			zap.Uint64("previous", old),
			zap.String("component", "raft"))
	}
}

func (n *Node) applySnapshot(s raftpb.Snapshot) error {
	if s.Metadata.Index <= n.appliedIndex.Load() {
		return nil
	}
	if err := n.storage.ApplySnapshot(s); err != nil {
		return err
	}
	if n.snapshotter != nil {
		if err := n.snapshotter.SaveSnap(s); err != nil {
			return err
		}
	}
	if err := n.sm.Restore(s.Data); err != nil {
		return err
	}
	n.confState = s.Metadata.ConfState
	n.appliedIndex.Store(s.Metadata.Index)
	n.snapshotIndex.Store(s.Metadata.Index)
	n.metrics.RecordRaftApplied(s.Metadata.Index)
	n.logger.Info("applied snapshot from leader",
		zap.Uint64("index", s.Metadata.Index),
		zap.Uint64("sequence", n.sm.Sequence()),
		zap.String("component", "raft"))
	return nil
}

func (n *Node) entriesToApply(ents []raftpb.Entry) []raftpb.Entry {
	if len(ents) == 0 {
		return nil
	}
	applied := n.appliedIndex.Load()
	first := ents[0].Index
	if first > applied+1 {
		n.logger.Panic("committed entry is ahead of applied index",
			zap.Uint64("first", first),
			zap.Uint64("applied", applied),
			zap.String("component", "raft"))
	}
	if applied-first+1 < uint64(len(ents)) {
		return ents[applied-first+1:]
	}
	return nil
}

// publishEntries applies committed entries in order.
func (n *Node) publishEntries(ents []raftpb.Entry) {
	for i := range ents {
		switch ents[i].Type {
		case raftpb.EntryNormal:
			if len(ents[i].Data) > 0 {
				n.applyEntry(ents[i])
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ents[i].Data); err != nil {
				n.logger.Panic("bad conf change entry", zap.Error(err), zap.String("component", "raft"))
			}
			n.confState = *n.node.ApplyConfChange(cc)
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(ents[i].Data); err != nil {
				n.logger.Panic("bad conf change entry", zap.Error(err), zap.String("component", "raft"))
			}
			n.confState = *n.node.ApplyConfChange(cc)
		}
		n.appliedIndex.Store(ents[i].Index)
	}
	if len(ents) > 0 {
		n.metrics.RecordRaftApplied(ents[len(ents)-1].Index)
	}
}

func (n *Node) applyEntry(ent raftpb.Entry) {
	proposals, err := batch.DecodeBatch(ent.Data)
	if err != nil {
		n.logger.Error("failed to decode entry",
			zap.Error(err),
			zap.Uint64("index", ent.Index),
			zap.String("component", "raft"))
		return
	}
	for _, p := range proposals {
		env, err := unmarshalEnvelope(p)
		if err != nil {
			n.logger.Error("failed to decode proposal",
				zap.Error(err),
				zap.Uint64("index", ent.Index),
				zap.String("component", "raft"))
			continue
		}
		var r result
		cmd, err := codec.DecodeCommand(env.Command)
		if err != nil {
			r.err = fmt.Errorf("%w: %w", kvstore.ErrInvalid, err)
		} else {
			r.out, r.err = n.sm.Apply(context.Background(), cmd)
		}
		if errors.Is(r.err, kvstore.ErrFatal) {
			n.logger.Error("replica state machine halted",
				zap.Error(r.err),
				zap.Uint64("index", ent.Index),
				zap.String("component", "raft"))
		}
		if env.proposedBy(n.cfg.ID, n.boot) {
			n.trigger(env.ID, r)
		}
	}
}

func (n *Node) maybeTriggerSnapshot(force bool) {
	applied := n.appliedIndex.Load()
	last := n.snapshotIndex.Load()
	if applied <= last {
		return
	}
	if !force && (n.cfg.SnapshotCount == 0 || applied-last <= n.cfg.SnapshotCount) {
		return
	}
	if force && n.snapshotter == nil {
		return
	}

	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("failed to snapshot state machine", zap.Error(err), zap.String("component", "raft"))
		return
	}
	s, err := n.storage.CreateSnapshot(applied, &n.confState, data)
	if err != nil {
		if !errors.Is(err, raft.ErrSnapOutOfDate) {
			n.logger.Error("failed to create snapshot", zap.Error(err), zap.String("component", "raft"))
		}
		return
	}
	if n.snapshotter != nil {
		if err := n.snapshotter.SaveSnap(s); err != nil {
			n.logger.Error("failed to save snapshot", zap.Error(err), zap.String("component", "raft"))
			return
		}
	}

	compactIndex := uint64(1)
	if applied > n.cfg.SnapshotCatchUpEntries {
		compactIndex = applied - n.cfg.SnapshotCatchUpEntries
	}
	if err := n.storage.Compact(compactIndex); err != nil && !errors.Is(err, raft.ErrCompacted) {
		n.logger.Error("failed to compact raft log", zap.Error(err), zap.String("component", "raft"))
	}

	n.snapshotIndex.Store(applied)
	n.metrics.RecordRaftSnapshot()
	n.logger.Info("raft snapshot taken",
		zap.Uint64("index", applied),
		zap.Uint64("compact_index", compactIndex),
		zap.Int("bytes", len(data)),
		zap.String("component", "raft"))
}

// processMessages stamps the current conf state on outgoing snapshots.
func (n *Node) processMessages(ms []raftpb.Message) []raftpb.Message {
	for i := range ms {
		if ms[i].Type == raftpb.MsgSnap {
			ms[i].Snapshot.Metadata.ConfState = n.confState
		}
	}
	return ms
}

// shutdown runs on the Ready loop goroutine.
func (n *Node) shutdown() {
	n.stopped.Store(true)
	n.stopOnce.Do(func() { close(n.stopc) })
	n.network.detach(n.cfg.ID)
	n.node.Stop()
}

// Campaign asks this replica to start an election.
func (n *Node) Campaign(ctx context.Context) error {
	return n.node.Campaign(ctx)
}

// Status returns the replica status.
func (n *Node) Status() Status {
	return Status{
		ID:            n.cfg.ID,
		Leader:        n.leader.Load(),
		Term:          n.term.Load(),
		AppliedIndex:  n.appliedIndex.Load(),
		SnapshotIndex: n.snapshotIndex.Load(),
	}
}

// IsLeader reports whether this replica currently leads.
func (n *Node) IsLeader() bool {
	return n.leader.Load() == n.cfg.ID
}

// Close stops the replica, taking a final snapshot when a snapshot dir is
// configured. Pending callers receive ErrClosed.
func (n *Node) Close() error {
	n.stopped.Store(true)
	n.stopOnce.Do(func() { close(n.stopc) })
	<-n.donec
	if n.batcher != nil {
		n.batcher.Stop()
	}
	n.wg.Wait()

	n.waitMu.Lock()
	for id, ch := range n.waiters {
		ch <- result{err: kvstore.ErrClosed}
		delete(n.waiters, id)
	}
	n.waitMu.Unlock()

	n.logger.Info("raft node stopped",
		zap.Uint64("applied_index", n.appliedIndex.Load()),
		zap.String("component", "raft"))
	return nil
}
