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
	"context"
	"time"

	"metaEmbed/internal/kvstore"
	"metaEmbed/pkg/metrics"
)

// Instrumented records latency and outcome of every call on the wrapped API.
type Instrumented struct {
	next    kvstore.API
	metrics *metrics.Metrics
}

var _ kvstore.API = (*Instrumented)(nil)

// Instrument wraps api. A nil metrics returns api unchanged.
func Instrument(api kvstore.API, m *metrics.Metrics) kvstore.API {
	if m == nil {
		return api
	}
	return &Instrumented{next: api, metrics: m}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.metrics.RecordRequest(op, kvstore.Code(err), time.Since(start))
}

func (i *Instrumented) Get(ctx context.Context, key string) (*kvstore.VersionedValue, error) {
	start := time.Now()
	v, err := i.next.Get(ctx, key)
	i.observe("get", start, err)
	return v, err
}

func (i *Instrumented) MGet(ctx context.Context, keys []string) ([]*kvstore.VersionedValue, error) {
	start := time.Now()
	vs, err := i.next.MGet(ctx, keys)
	i.observe("mget", start, err)
	return vs, err
}

func (i *Instrumented) List(ctx context.Context, prefix string) ([]kvstore.KeyValue, error) {
	start := time.Now()
	kvs, err := i.next.List(ctx, prefix)
	i.observe("list", start, err)
	return kvs, err
}

func (i *Instrumented) Scan(ctx context.Context, prefix, cursor string, limit int) (kvstore.Page, error) {
	start := time.Now()
	page, err := i.next.Scan(ctx, prefix, cursor, limit)
	i.observe("scan", start, err)
	return page, err
}

func (i *Instrumented) Upsert(ctx context.Context, key string, value []byte, opts ...kvstore.WriteOption) (*kvstore.VersionedValue, error) {
	start := time.Now()
	v, err := i.next.Upsert(ctx, key, value, opts...)
	i.observe("upsert", start, err)
	return v, err
}

func (i *Instrumented) Delete(ctx context.Context, key string, opts ...kvstore.WriteOption) (*kvstore.VersionedValue, error) {
	start := time.Now()
	v, err := i.next.Delete(ctx, key, opts...)
	i.observe("delete", start, err)
	return v, err
}

func (i *Instrumented) Transaction(ctx context.Context, req kvstore.TxnRequest) (*kvstore.Outcome, error) {
	start := time.Now()
	out, err := i.next.Transaction(ctx, req)
	i.observe("txn", start, err)
	return out, err
}

func (i *Instrumented) Watch(ctx context.Context, prefix string, fromSequence uint64) (kvstore.Stream, error) {
	start := time.Now()
	st, err := i.next.Watch(ctx, prefix, fromSequence)
	i.observe("watch", start, err)
	return st, err
}

func (i *Instrumented) Sequence() uint64 {
	return i.next.Sequence()
}
