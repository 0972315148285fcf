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

package service

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"metaEmbed/internal/kvstore"
	"metaEmbed/pkg/log"
	"metaEmbed/pkg/metrics"
)

// WriteLimiter implements token bucket admission for mutating calls.
// Uses golang.org/x/time/rate; a nil limiter admits everything.
type WriteLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewWriteLimiter creates a write limiter.
// qps: sustained writes per second; burst: bucket size.
// Returns nil when qps <= 0, which disables limiting.
func NewWriteLimiter(qps float64, burst int, logger *zap.Logger, m *metrics.Metrics) *WriteLimiter {
	if qps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(qps)
		if burst < 1 {
			burst = 1
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteLimiter{
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		logger:  logger,
		metrics: m,
	}
}

// Admit takes one token or fails with ErrResourceExhausted.
func (l *WriteLimiter) Admit(op string) error {
	if l == nil {
		return nil
	}
	if !l.limiter.Allow() {
		l.logger.Warn("write rate limit exceeded",
			log.Op(op),
			zap.String("component", "service"))
		l.metrics.RecordRateLimitHit(op)
		return fmt.Errorf("%w: write rate limit exceeded for %s", kvstore.ErrResourceExhausted, op)
	}
	return nil
}
