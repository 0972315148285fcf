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

package watch

import (
	"context"
	"sync"

	"metaEmbed/internal/kvstore"
)

// Subscription is an ordered, gap-free stream of events under a prefix.
// It is Active until Close, an overflow or a hub reset; afterwards Next
// returns the terminal error.
type Subscription struct {
	hub    *Hub
	id     uint64
	prefix string

	// guarded by hub.mu
	cursor    uint64
	delivered uint64
	err       error

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

var _ kvstore.Stream = (*Subscription)(nil)

// ID returns the hub-assigned identifier.
func (s *Subscription) ID() uint64 { return s.id }

// Prefix returns the watched key prefix.
func (s *Subscription) Prefix() string { return s.prefix }

// Next blocks until the next matching event, a terminal error, or ctx is
// done.
func (s *Subscription) Next(ctx context.Context) (kvstore.ChangeEvent, error) {
	h := s.hub
	for {
		h.mu.Lock()
		if s.err != nil {
			err := s.err
			h.mu.Unlock()
			return kvstore.ChangeEvent{}, err
		}
		ev, ok := h.next(s)
		h.mu.Unlock()
		if ok {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return kvstore.ChangeEvent{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Delivered returns the sequence of the last event handed to the consumer.
func (s *Subscription) Delivered() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.delivered
}

// Err returns the terminal error, or nil while active.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close detaches the subscription. It is idempotent.
func (s *Subscription) Close() error {
	h := s.hub
	h.mu.Lock()
	if s.err != nil {
		h.mu.Unlock()
		return nil
	}
	s.err = kvstore.ErrClosed
	if h.subs != nil {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()

	h.metrics.RecordWatchClosed("cancel")
	s.finish()
	return nil
}

// Events pumps the subscription into a channel until ctx is done or the
// subscription ends; Err reports why it ended.
func (s *Subscription) Events(ctx context.Context) <-chan kvstore.ChangeEvent {
	ch := make(chan kvstore.ChangeEvent)
	go func() {
		defer close(ch)
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
