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

package kvstore

import (
	"context"
	"math"
	"time"
)

// WatchFromCurrent 作为 Watch 的 fromSequence 时，从当前已应用的序列号开始订阅
const WatchFromCurrent uint64 = math.MaxUint64

// API 元数据服务对外契约，嵌入式与 Raft 两种执行方式共用
type API interface {
	// Get 返回 key 的当前值；key 不存在或已过期时返回 (nil, nil)
	Get(ctx context.Context, key string) (*VersionedValue, error)

	// MGet 批量读取，结果与 keys 一一对应，缺失位置为 nil
	MGet(ctx context.Context, keys []string) ([]*VersionedValue, error)

	// List 返回前缀下全部存活的 key（调用时刻的快照）
	List(ctx context.Context, prefix string) ([]KeyValue, error)

	// Scan 分页读取，cursor 为上一页最后一个 key（不包含）；
	// limit <= 0 时每页最多 statemachine.DefaultScanLimit（1000）条，不限数量请用 List
	Scan(ctx context.Context, prefix, cursor string, limit int) (Page, error)

	// Upsert 写入并返回新值
	Upsert(ctx context.Context, key string, value []byte, opts ...WriteOption) (*VersionedValue, error)

	// Delete 删除 key，返回被删除的值；key 不存在且无期望时为 no-op，返回 (nil, nil)
	Delete(ctx context.Context, key string, opts ...WriteOption) (*VersionedValue, error)

	// Transaction 原子条件事务
	Transaction(ctx context.Context, req TxnRequest) (*Outcome, error)

	// Watch 订阅前缀下序列号大于 fromSequence 的事件
	// fromSequence 早于保留的最旧事件时返回 ErrCompacted（重启后 0 即如此），
	// 只关心新事件时传 WatchFromCurrent
	Watch(ctx context.Context, prefix string, fromSequence uint64) (Stream, error)

	// Sequence 当前已应用的全局序列号
	Sequence() uint64
}

// Page Scan 的分页结果
type Page struct {
	Items      []KeyValue
	NextCursor string // 为空表示没有更多数据
}

// Stream 有序事件流
type Stream interface {
	// Next 阻塞直到下一个事件到达或 ctx 取消
	Next(ctx context.Context) (ChangeEvent, error)

	// Close 关闭订阅，之后 Next 返回 ErrClosed
	Close() error
}

// WriteOption 写操作选项
type WriteOption func(*WriteOptions)

// WriteOptions 写操作选项集合
type WriteOptions struct {
	Match    MatchSeq
	TTL      time.Duration
	ExpireAt time.Time
}

// WithMatch sets the sequence expectation.
func WithMatch(m MatchSeq) WriteOption {
	return func(o *WriteOptions) { o.Match = m }
}

// WithExpectedSequence is shorthand for WithMatch(MatchExact(seq)).
func WithExpectedSequence(seq uint64) WriteOption {
	return WithMatch(MatchExact(seq))
}

// WithTTL expires the value ttl after the write is proposed.
func WithTTL(ttl time.Duration) WriteOption {
	return func(o *WriteOptions) { o.TTL = ttl }
}

// WithExpireAt expires the value at an absolute time.
func WithExpireAt(t time.Time) WriteOption {
	return func(o *WriteOptions) { o.ExpireAt = t }
}

// ApplyWriteOptions folds opts into a WriteOptions value.
func ApplyWriteOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ResolveExpireAt converts TTL to an absolute expiry relative to now.
func (o WriteOptions) ResolveExpireAt(now time.Time) time.Time {
	if !o.ExpireAt.IsZero() {
		return o.ExpireAt
	}
	if o.TTL > 0 {
		return now.Add(o.TTL)
	}
	return time.Time{}
}
