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

// Package watch fans change events out to prefix subscriptions.
//
// The hub keeps one bounded ring of events in global sequence order. Each
// subscription is a cursor into the ring. Publishing never blocks: when the
// ring is full the oldest event is evicted, and any subscription that still
// needed it is closed with an *OverflowError.
package watch

import (
	"fmt"
	"sort"
	"sync"

	"metaEmbed/internal/kvstore"
	"metaEmbed/pkg/log"
	"metaEmbed/pkg/metrics"

	"go.uber.org/zap"
)

// DefaultBufferSize is the ring capacity used when none is configured.
const DefaultBufferSize = 1024

// OverflowError closes a subscription that fell behind the ring.
//
// Delivered is the last sequence the subscriber received (or its start
// sequence). ResumeFrom is the oldest sequence a new subscription will
// accept; events in (Delivered, ResumeFrom] are no longer retained, so a
// consumer that needs completeness must re-read state before resuming.
type OverflowError struct {
	Delivered  uint64
	ResumeFrom uint64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("watch overflow: delivered up to %d, resume from %d", e.Delivered, e.ResumeFrom)
}

func (e *OverflowError) Is(target error) bool { return target == kvstore.ErrOverflow }

// CompactedError rejects a subscription whose start sequence is older than
// the ring.
type CompactedError struct {
	Requested uint64
	Oldest    uint64
}

func (e *CompactedError) Error() string {
	return fmt.Sprintf("watch from %d: events up to %d have been evicted", e.Requested, e.Oldest)
}

func (e *CompactedError) Is(target error) bool { return target == kvstore.ErrCompacted }

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithMaxSubscriptions caps concurrent subscriptions (0 = unlimited).
func WithMaxSubscriptions(n int) Option {
	return func(h *Hub) { h.maxSubs = n }
}

// Hub is the subscription registry and event ring.
type Hub struct {
	mu sync.Mutex

	ring []kvstore.ChangeEvent
	// head is the absolute position of the next event to publish; the ring
	// holds positions [head-count, head).
	head  uint64
	count int
	// floor is the sequence below or at which events are no longer
	// retained. Every event with sequence > floor is in the ring.
	floor uint64
	// last is the sequence of the newest published event, or floor.
	last uint64

	subs    map[uint64]*Subscription
	nextID  uint64
	maxSubs int
	closed  bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub whose ring holds capacity events. startSequence is
// the current global sequence; subscriptions may start at or after it.
func NewHub(capacity int, startSequence uint64, opts ...Option) *Hub {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	h := &Hub{
		ring:  make([]kvstore.ChangeEvent, capacity),
		floor: startSequence,
		last:  startSequence,
		subs:  make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Publish appends events, which must carry strictly increasing sequences
// greater than any published before. It never blocks on subscribers.
func (h *Hub) Publish(events ...kvstore.ChangeEvent) {
	if len(events) == 0 {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	var overflowed []*Subscription
	for _, ev := range events {
		if ev.Sequence <= h.last {
			h.logger.Warn("dropping out-of-order watch event",
				log.Key(ev.Key),
				log.Sequence(ev.Sequence),
				log.Uint64("last", h.last),
				zap.String("component", "watch"))
			continue
		}
		if h.count == len(h.ring) {
			overflowed = append(overflowed, h.evictOldest()...)
		}
		h.ring[h.head%uint64(len(h.ring))] = ev
		h.head++
		h.count++
		h.last = ev.Sequence
	}
	buffered := h.count

	waiters := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		waiters = append(waiters, s)
	}
	h.mu.Unlock()

	for _, s := range overflowed {
		s.finish()
	}
	for _, s := range waiters {
		s.wake()
	}
	h.metrics.RecordWatchPublished(len(events), buffered)
}

// evictOldest drops the oldest event. Subscriptions whose cursor still
// points at it either skip it (prefix mismatch) or overflow. Caller holds mu.
func (h *Hub) evictOldest() []*Subscription {
	pos := h.head - uint64(h.count)
	ev := h.ring[pos%uint64(len(h.ring))]
	h.ring[pos%uint64(len(h.ring))] = kvstore.ChangeEvent{}
	h.count--
	h.floor = ev.Sequence

	var overflowed []*Subscription
	for id, s := range h.subs {
		if s.cursor > pos {
			continue
		}
		if !kvstore.HasPrefix(ev.Key, s.prefix) {
			s.cursor = pos + 1
			continue
		}
		s.err = &OverflowError{Delivered: s.delivered, ResumeFrom: h.floor}
		delete(h.subs, id)
		overflowed = append(overflowed, s)
		h.logger.Warn("watch subscription overflowed",
			log.SubscriptionID(id),
			zap.String("prefix", s.prefix),
			zap.Uint64("delivered", s.delivered),
			zap.Uint64("resume_from", h.floor),
			zap.String("component", "watch"))
		h.metrics.RecordWatchClosed("overflow")
	}
	return overflowed
}

// Subscribe opens a subscription to events under prefix with sequence
// greater than fromSequence. kvstore.WatchFromCurrent starts after the last
// published event.
func (h *Hub) Subscribe(prefix string, fromSequence uint64) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, kvstore.ErrClosed
	}
	if fromSequence == kvstore.WatchFromCurrent {
		fromSequence = h.last
	}
	if h.maxSubs > 0 && len(h.subs) >= h.maxSubs {
		return nil, fmt.Errorf("%w: %d active subscriptions", kvstore.ErrResourceExhausted, len(h.subs))
	}
	if fromSequence > h.last {
		return nil, fmt.Errorf("%w: watch from %d is ahead of current sequence %d", kvstore.ErrInvalid, fromSequence, h.last)
	}
	if fromSequence < h.floor {
		return nil, &CompactedError{Requested: fromSequence, Oldest: h.floor}
	}

	h.nextID++
	s := &Subscription{
		hub:       h,
		id:        h.nextID,
		prefix:    prefix,
		cursor:    h.positionAfter(fromSequence),
		delivered: fromSequence,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.subs[s.id] = s
	h.metrics.RecordWatchCreated()

	h.logger.Debug("watch subscription created",
		log.SubscriptionID(s.id),
		zap.String("prefix", prefix),
		zap.Uint64("from_sequence", fromSequence),
		zap.String("component", "watch"))
	return s, nil
}

// positionAfter returns the ring position of the first event with sequence
// greater than seq. Caller holds mu.
func (h *Hub) positionAfter(seq uint64) uint64 {
	oldest := h.head - uint64(h.count)
	n := sort.Search(h.count, func(i int) bool {
		return h.at(oldest+uint64(i)).Sequence > seq
	})
	return oldest + uint64(n)
}

func (h *Hub) at(pos uint64) kvstore.ChangeEvent {
	return h.ring[pos%uint64(len(h.ring))]
}

// next returns the first event at or after the subscription cursor that
// matches its prefix. Caller holds mu.
func (h *Hub) next(s *Subscription) (kvstore.ChangeEvent, bool) {
	for s.cursor < h.head {
		ev := h.at(s.cursor)
		s.cursor++
		if kvstore.HasPrefix(ev.Key, s.prefix) {
			s.delivered = ev.Sequence
			return ev, true
		}
	}
	return kvstore.ChangeEvent{}, false
}

// Reset drops every buffered event and closes all subscriptions with
// ErrCompacted. Used after the state is replaced by a snapshot.
func (h *Hub) Reset(sequence uint64) {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	for i := range h.ring {
		h.ring[i] = kvstore.ChangeEvent{}
	}
	h.count = 0
	h.floor = sequence
	h.last = sequence
	for _, s := range subs {
		s.err = &CompactedError{Requested: s.delivered, Oldest: sequence}
		h.metrics.RecordWatchClosed("reset")
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Close closes the hub and every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	for _, s := range subs {
		s.err = kvstore.ErrClosed
		h.metrics.RecordWatchClosed("shutdown")
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Stats describes the hub state.
type Stats struct {
	Subscriptions int
	Buffered      int
	Capacity      int
	Floor         uint64
	Last          uint64
}

// Stats returns a point-in-time view of the hub.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Subscriptions: len(h.subs),
		Buffered:      h.count,
		Capacity:      len(h.ring),
		Floor:         h.floor,
		Last:          h.last,
	}
}
