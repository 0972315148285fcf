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

// Package service exposes the metadata API on top of a state machine and an
// executor. Reads are served from the local state machine; writes become
// commands handed to the executor.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"metaEmbed/internal/kvstore"
	"metaEmbed/internal/statemachine"
	"metaEmbed/pkg/log"
	"metaEmbed/pkg/metrics"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithWriteLimit limits mutating calls to qps with the given burst.
func WithWriteLimit(qps float64, burst int) Option {
	return func(s *Service) { s.writeQPS, s.writeBurst = qps, burst }
}

// WithSweepInterval submits a Sweep command every d. Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) { s.sweepInterval = d }
}

// WithClock overrides the clock used to stamp commands.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.clock = now }
}

// Service implements kvstore.API.
type Service struct {
	sm   *statemachine.Machine
	exec Executor

	limiter       *WriteLimiter
	writeQPS      float64
	writeBurst    int
	sweepInterval time.Duration
	clock         func() time.Time

	logger  *zap.Logger
	metrics *metrics.Metrics

	stopC     chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ kvstore.API = (*Service)(nil)

// New creates a service. The executor must apply commands to sm.
func New(sm *statemachine.Machine, exec Executor, opts ...Option) *Service {
	s := &Service{
		sm:    sm,
		exec:  exec,
		clock: time.Now,
		stopC: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.limiter = NewWriteLimiter(s.writeQPS, s.writeBurst, s.logger, s.metrics)

	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

// Get implements kvstore.API.
func (s *Service) Get(ctx context.Context, key string) (*kvstore.VersionedValue, error) {
	return s.sm.Get(ctx, key)
}

// MGet implements kvstore.API.
func (s *Service) MGet(ctx context.Context, keys []string) ([]*kvstore.VersionedValue, error) {
	return s.sm.MGet(ctx, keys)
}

// List implements kvstore.API.
func (s *Service) List(ctx context.Context, prefix string) ([]kvstore.KeyValue, error) {
	return s.sm.List(ctx, prefix)
}

// Scan implements kvstore.API.
func (s *Service) Scan(ctx context.Context, prefix, cursor string, limit int) (kvstore.Page, error) {
	return s.sm.Scan(ctx, prefix, cursor, limit)
}

// Upsert implements kvstore.API. It returns the stored value.
func (s *Service) Upsert(ctx context.Context, key string, value []byte, opts ...kvstore.WriteOption) (*kvstore.VersionedValue, error) {
	if err := s.limiter.Admit("upsert"); err != nil {
		return nil, err
	}
	o := kvstore.ApplyWriteOptions(opts)
	now := s.clock()

	cmd := kvstore.Upsert(key, value, o.Match)
	cmd.ExpireAt = o.ResolveExpireAt(now)
	if !cmd.ExpireAt.IsZero() && !cmd.ExpireAt.After(now) {
		return nil, fmt.Errorf("%w: expiry %s is not in the future", kvstore.ErrInvalid, cmd.ExpireAt)
	}
	cmd.Now = now

	out, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Results[0].Current, nil
}

// Delete implements kvstore.API. It returns the removed value, or nil when
// the key was already absent.
func (s *Service) Delete(ctx context.Context, key string, opts ...kvstore.WriteOption) (*kvstore.VersionedValue, error) {
	if err := s.limiter.Admit("delete"); err != nil {
		return nil, err
	}
	o := kvstore.ApplyWriteOptions(opts)

	cmd := kvstore.Delete(key, o.Match)
	cmd.Now = s.clock()

	out, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, nil
	}
	return out.Results[0].Prev, nil
}

// Transaction implements kvstore.API. A false condition is reported via
// Outcome.Succeeded, not as an error.
func (s *Service) Transaction(ctx context.Context, req kvstore.TxnRequest) (*kvstore.Outcome, error) {
	if err := s.limiter.Admit("txn"); err != nil {
		return nil, err
	}
	cmd := kvstore.Txn(req)
	cmd.Now = s.clock()
	return s.exec.Execute(ctx, cmd)
}

// Watch implements kvstore.API.
func (s *Service) Watch(ctx context.Context, prefix string, fromSequence uint64) (kvstore.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := s.sm.Hub().Subscribe(prefix, fromSequence)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Sequence implements kvstore.API.
func (s *Service) Sequence() uint64 {
	return s.sm.Sequence()
}

// Snapshot returns the state machine snapshot.
func (s *Service) Snapshot() ([]byte, error) {
	return s.sm.Snapshot()
}

// Sweep removes expired keys now.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cmd := kvstore.Sweep()
	cmd.Now = s.clock()
	out, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return out.Swept, nil
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.C:
			start := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), s.sweepInterval)
			n, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("expiry sweep failed",
					zap.Error(err),
					zap.String("component", "service"))
				continue
			}
			if n > 0 {
				s.logger.Debug("expired keys swept",
					zap.Int("count", n),
					log.Duration("elapsed", time.Since(start)),
					zap.String("component", "service"))
			}
		}
	}
}

// Close stops the sweeper and the executor. The state machine is owned by
// the caller.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopC)
		s.wg.Wait()
		err = s.exec.Close()
	})
	return err
}
