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

package raft

import (
	"sync"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// Transport delivers raft messages to peers. Send must not block the
// caller; raft tolerates dropped messages.
type Transport interface {
	Send(msgs []raftpb.Message)
}

// LocalNetwork connects replicas living in the same process.
type LocalNetwork struct {
	mu       sync.RWMutex
	inboxes  map[uint64]chan raftpb.Message
	isolated map[uint64]bool
	logger   *zap.Logger
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork(logger *zap.Logger) *LocalNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalNetwork{
		inboxes:  make(map[uint64]chan raftpb.Message),
		isolated: make(map[uint64]bool),
		logger:   logger,
	}
}

// Endpoint returns the transport used by replica id.
func (n *LocalNetwork) Endpoint(id uint64) Transport {
	return &localEndpoint{net: n, from: id}
}

// attach registers the inbox of a running replica.
func (n *LocalNetwork) attach(id uint64, inbox chan raftpb.Message) {
	n.mu.Lock()
	n.inboxes[id] = inbox
	n.mu.Unlock()
}

func (n *LocalNetwork) detach(id uint64) {
	n.mu.Lock()
	delete(n.inboxes, id)
	n.mu.Unlock()
}

// Isolate drops all traffic to and from id until Heal.
func (n *LocalNetwork) Isolate(id uint64) {
	n.mu.Lock()
	n.isolated[id] = true
	n.mu.Unlock()
}

// Heal reconnects every isolated replica.
func (n *LocalNetwork) Heal() {
	n.mu.Lock()
	n.isolated = make(map[uint64]bool)
	n.mu.Unlock()
}

type localEndpoint struct {
	net  *LocalNetwork
	from uint64
}

func (e *localEndpoint) Send(msgs []raftpb.Message) {
	e.net.mu.RLock()
	defer e.net.mu.RUnlock()

	for _, m := range msgs {
		if e.net.isolated[e.from] || e.net.isolated[m.To] {
			continue
		}
		inbox, ok := e.net.inboxes[m.To]
		if !ok {
			continue
		}
		select {
		case inbox <- m:
		default:
			e.net.logger.Debug("dropped raft message, inbox full",
				zap.Uint64("from", m.From),
				zap.Uint64("to", m.To),
				zap.String("type", m.Type.String()),
				zap.String("component", "raft-transport"))
		}
	}
}
