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

package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/store"
	"metaEmbed/pkg/log"

	"go.uber.org/zap"
)

// plan accumulates the effects of one command before they are committed.
type plan struct {
	m        *Machine
	now      time.Time
	sequence uint64
	// staged holds physical values written by this plan; nil means deleted.
	staged  map[string]*kvstore.VersionedValue
	ops     []store.BatchOp
	events  []kvstore.ChangeEvent
	results []kvstore.OpResult
	swept   int
}

func (m *Machine) newPlan(now time.Time) *plan {
	return &plan{
		m:        m,
		now:      now,
		sequence: m.sequence,
		staged:   make(map[string]*kvstore.VersionedValue),
	}
}

// physical returns the stored value including expired ones.
func (p *plan) physical(key string) *kvstore.VersionedValue {
	if v, ok := p.staged[key]; ok {
		return v
	}
	return p.m.index.Get(key)
}

// live returns the logical value: nil when absent or expired.
func (p *plan) live(key string) *kvstore.VersionedValue {
	v := p.physical(key)
	if v == nil || v.Expired(p.now) {
		return nil
	}
	return v
}

func (p *plan) upsert(cmd kvstore.Command) error {
	cur := p.live(cmd.Key)
	if err := cmd.Match.Check(cur); err != nil {
		return fmt.Errorf("upsert %q: %w", cmd.Key, err)
	}

	p.sequence++
	next := &kvstore.VersionedValue{
		Value:    cmd.Value,
		Sequence: p.sequence,
		ExpireAt: cmd.ExpireAt,
	}
	if next.Value == nil {
		next.Value = []byte{}
	}

	if cmd.Match.IsAny() {
		p.ops = append(p.ops, store.Put(cmd.Key, next))
	} else {
		p.ops = append(p.ops, store.CAS(cmd.Key, physicalSeq(p.physical(cmd.Key)), next))
	}
	p.staged[cmd.Key] = next
	p.record(cmd.Key, cur, next)
	return nil
}

func (p *plan) delete(cmd kvstore.Command) error {
	cur := p.live(cmd.Key)
	if err := cmd.Match.Check(cur); err != nil {
		return fmt.Errorf("delete %q: %w", cmd.Key, err)
	}
	if cur == nil {
		return nil
	}

	p.sequence++
	if cmd.Match.IsAny() {
		p.ops = append(p.ops, store.Del(cmd.Key))
	} else {
		p.ops = append(p.ops, store.CAS(cmd.Key, cur.Sequence, nil))
	}
	p.staged[cmd.Key] = nil
	p.record(cmd.Key, cur, nil)
	return nil
}

func (p *plan) record(key string, prev, cur *kvstore.VersionedValue) {
	p.results = append(p.results, kvstore.OpResult{Key: key, Prev: prev.Clone(), Current: cur.Clone()})
	p.events = append(p.events, kvstore.ChangeEvent{
		Key:      key,
		Prev:     prev.Clone(),
		Current:  cur.Clone(),
		Sequence: p.sequence,
	})
}

// txn evaluates conditions and applies the chosen branch. It reports
// whether the conditions held.
func (p *plan) txn(req *kvstore.TxnRequest) (bool, error) {
	ok := true
	for _, c := range req.Conditions {
		if err := c.Match.Check(p.live(c.Key)); err != nil {
			ok = false
			break
		}
	}

	branch := req.Else
	if ok {
		branch = req.Then
	}
	for i, op := range branch {
		var err error
		switch op.Kind {
		case kvstore.CommandUpsert:
			err = p.upsert(op)
		case kvstore.CommandDelete:
			err = p.delete(op)
		}
		if err != nil {
			return ok, fmt.Errorf("txn op %d: %w", i, err)
		}
	}
	return ok, nil
}

// sweep removes every key that is expired at now. It consumes no sequence
// and emits no events.
func (p *plan) sweep() {
	p.m.index.Ascend("", "", func(key string, v *kvstore.VersionedValue) bool {
		if v.Expired(p.now) {
			p.ops = append(p.ops, store.Del(key))
			p.staged[key] = nil
			p.swept++
		}
		return true
	})
}

func physicalSeq(v *kvstore.VersionedValue) uint64 {
	if v == nil {
		return 0
	}
	return v.Sequence
}

// Apply applies one command. The returned outcome lists every mutation in
// sequence order; the same events have been published to the hub before
// Apply returns.
//
// Commands are applied exactly as given: cmd.Now is the only clock used
// for expiry decisions.
func (m *Machine) Apply(ctx context.Context, cmd kvstore.Command) (*kvstore.Outcome, error) {
	if err := m.validate(cmd); err != nil {
		m.logger.Debug("command rejected",
			log.Op(cmd.Kind.String()),
			log.Key(cmd.Key),
			log.Value(cmd.Value),
			log.Err(err),
			log.Component("statemachine"))
		m.metrics.RecordApply(cmd.Kind.String(), "invalid", m.Sequence(), m.indexLen())
		return nil, err
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if m.halted != nil {
		return nil, fmt.Errorf("%w: %w", kvstore.ErrFatal, m.halted)
	}

	m.mu.RLock()
	p := m.newPlan(cmd.Now)
	out := &kvstore.Outcome{Kind: cmd.Kind, Succeeded: true}
	var err error
	switch cmd.Kind {
	case kvstore.CommandUpsert:
		err = p.upsert(cmd)
	case kvstore.CommandDelete:
		err = p.delete(cmd)
	case kvstore.CommandTxn:
		out.Succeeded, err = p.txn(cmd.Txn)
	case kvstore.CommandSweep:
		p.sweep()
	}
	m.mu.RUnlock()

	if err != nil {
		m.metrics.RecordApply(cmd.Kind.String(), kvstore.Code(err), m.Sequence(), m.indexLen())
		return nil, err
	}

	if len(p.ops) > 0 {
		if err := m.commit(applyContext(ctx), p); err != nil {
			return nil, err
		}
	}

	m.hub.Publish(p.events...)

	out.Results = p.results
	out.Events = p.events
	out.Sequence = p.sequence
	out.Swept = p.swept
	m.metrics.RecordApply(cmd.Kind.String(), "ok", p.sequence, m.indexLen())
	m.metrics.RecordSweep(p.swept)
	return out, nil
}

// commit writes the plan to the store and then to the index. Caller holds
// applyMu.
func (m *Machine) commit(ctx context.Context, p *plan) error {
	start := time.Now()
	_, err := m.store.ApplyBatch(ctx, store.Batch{Ops: p.ops, Sequence: p.sequence})
	if err != nil {
		m.metrics.RecordStorageOperation("apply_batch", "error", time.Since(start))
		return m.storeFailure(err)
	}
	m.metrics.RecordStorageOperation("apply_batch", "ok", time.Since(start))

	m.mu.Lock()
	for key, v := range p.staged {
		if v == nil {
			m.index.Delete(key)
			continue
		}
		m.index.Set(key, v)
	}
	m.sequence = p.sequence
	m.mu.Unlock()
	return nil
}

// storeFailure classifies a store error. Resource exhaustion leaves the
// machine usable; anything else halts it. Caller holds applyMu.
func (m *Machine) storeFailure(err error) error {
	var se *store.Error
	if errors.As(err, &se) {
		m.metrics.RecordStorageError("apply_batch", se.Kind.String())
	}

	switch {
	case errors.Is(err, kvstore.ErrResourceExhausted):
		m.logger.Warn("store rejected batch",
			zap.Error(err),
			zap.String("component", "statemachine"))
		return fmt.Errorf("apply: %w", err)
	case errors.Is(err, kvstore.ErrConflict):
		// The index and the store disagree about a key; nothing is trusted
		// after that.
		m.halt(err)
		return fmt.Errorf("%w: store conflict: %w", kvstore.ErrFatal, err)
	default:
		m.halt(err)
		return fmt.Errorf("%w: %w", kvstore.ErrFatal, err)
	}
}

func (m *Machine) halt(err error) {
	m.halted = err
	m.metrics.RecordHalt()
	m.logger.Error("state machine halted after storage failure",
		zap.Error(err),
		zap.Uint64("sequence", m.Sequence()),
		zap.String("component", "statemachine"))
}

func (m *Machine) validate(cmd kvstore.Command) error {
	switch cmd.Kind {
	case kvstore.CommandUpsert:
		if err := m.limits.ValidateKey(cmd.Key); err != nil {
			return err
		}
		return m.limits.ValidateValue(cmd.Value)
	case kvstore.CommandDelete:
		return m.limits.ValidateKey(cmd.Key)
	case kvstore.CommandTxn:
		if cmd.Txn == nil {
			return fmt.Errorf("%w: transaction without body", kvstore.ErrInvalid)
		}
		n := len(cmd.Txn.Conditions) + len(cmd.Txn.Then) + len(cmd.Txn.Else)
		if m.limits.MaxTxnOps > 0 && n > m.limits.MaxTxnOps {
			return fmt.Errorf("%w: transaction has %d parts, limit %d", kvstore.ErrInvalid, n, m.limits.MaxTxnOps)
		}
		for _, c := range cmd.Txn.Conditions {
			if err := m.limits.ValidateKey(c.Key); err != nil {
				return err
			}
			if c.Match.Kind > kvstore.MatchGEKind {
				return fmt.Errorf("%w: condition on %q has unknown match kind", kvstore.ErrInvalid, c.Key)
			}
		}
		for _, branch := range [][]kvstore.Command{cmd.Txn.Then, cmd.Txn.Else} {
			for _, op := range branch {
				if op.Kind != kvstore.CommandUpsert && op.Kind != kvstore.CommandDelete {
					return fmt.Errorf("%w: %s not allowed inside a transaction", kvstore.ErrInvalid, op.Kind)
				}
				if err := m.validate(op); err != nil {
					return err
				}
			}
		}
		return nil
	case kvstore.CommandSweep:
		return nil
	default:
		return fmt.Errorf("%w: unknown command kind %d", kvstore.ErrInvalid, cmd.Kind)
	}
}

func (m *Machine) indexLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.Len()
}
