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
	"errors"
)

// 错误分类。所有错误经 %w 包装后返回，调用方使用 errors.Is 判断。
var (
	// ErrConflict 序列号期望不满足（可恢复：重新读取后重试）
	ErrConflict = errors.New("kvstore: sequence conflict")
	// ErrNotFound 期望 key 存在但 key 不存在
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrInvalid 非法请求（空 key、超长 key/value、嵌套事务等）
	ErrInvalid = errors.New("kvstore: invalid request")
	// ErrOverflow watch 订阅落后于环形缓冲区，需要从 resume 序列号重新订阅
	ErrOverflow = errors.New("kvstore: watch subscription overflowed")
	// ErrCompacted 请求的起始序列号早于保留的最旧事件
	ErrCompacted = errors.New("kvstore: requested sequence has been compacted")
	// ErrResourceExhausted 资源耗尽（磁盘满、写入限流），可退避重试
	ErrResourceExhausted = errors.New("kvstore: resource exhausted")
	// ErrIO 底层存储 I/O 失败
	ErrIO = errors.New("kvstore: storage i/o failure")
	// ErrFatal 存储失败后状态机拒绝继续变更
	ErrFatal = errors.New("kvstore: state machine halted after storage failure")
	// ErrClosed 组件已关闭
	ErrClosed = errors.New("kvstore: closed")
	// ErrAlreadyExists 新建时 key 已存在（catalog 使用）
	ErrAlreadyExists = errors.New("kvstore: key already exists")
)

// IsRetryable reports whether the caller may retry err after backoff or a
// fresh read.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrResourceExhausted)
}

// Code 返回错误的稳定分类名，用于指标标签和日志
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrCompacted):
		return "compacted"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
