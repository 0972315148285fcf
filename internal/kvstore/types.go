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
	"bytes"
	"time"
)

// VersionedValue 带全局序列号的值
type VersionedValue struct {
	Value    []byte    // 值
	Sequence uint64    // 写入时分配的全局序列号
	ExpireAt time.Time // 过期时间（零值表示永不过期）
}

// Expired reports whether the value is logically absent at now.
func (v *VersionedValue) Expired(now time.Time) bool {
	if v == nil || v.ExpireAt.IsZero() {
		return false
	}
	return !v.ExpireAt.After(now)
}

// Clone 深拷贝，避免调用方修改内部状态
func (v *VersionedValue) Clone() *VersionedValue {
	if v == nil {
		return nil
	}
	c := *v
	c.Value = bytes.Clone(v.Value)
	return &c
}

// Equal compares value bytes, sequence and expiry.
func (v *VersionedValue) Equal(o *VersionedValue) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Sequence == o.Sequence &&
		bytes.Equal(v.Value, o.Value) &&
		v.ExpireAt.Equal(o.ExpireAt)
}

// KeyValue 键值对（List/Scan 的结果元素）
type KeyValue struct {
	Key string
	*VersionedValue
}

// ChangeEvent 每个已应用的变更恰好产生一个事件
type ChangeEvent struct {
	Key      string
	Prev     *VersionedValue // 变更前的值（新建时为 nil）
	Current  *VersionedValue // 变更后的值（删除时为 nil）
	Sequence uint64
}

// IsDelete reports whether the event removed the key.
func (e ChangeEvent) IsDelete() bool {
	return e.Current == nil
}

// CommandKind 命令类型
type CommandKind uint8

const (
	CommandUpsert CommandKind = iota + 1
	CommandDelete
	CommandTxn
	CommandSweep
)

func (k CommandKind) String() string {
	switch k {
	case CommandUpsert:
		return "upsert"
	case CommandDelete:
		return "delete"
	case CommandTxn:
		return "txn"
	case CommandSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// Command 状态机命令，是日志条目的唯一载荷
//
// Now 是提案方的时钟，状态机在应用过期判断时只使用该值，保证重放确定性。
type Command struct {
	Kind     CommandKind
	Key      string
	Value    []byte
	Match    MatchSeq
	ExpireAt time.Time
	Txn      *TxnRequest
	Now      time.Time
}

// Condition 事务条件：key 当前序列号需满足 Match
type Condition struct {
	Key   string
	Match MatchSeq
}

// TxnRequest 事务：条件全部满足执行 Then，否则执行 Else
type TxnRequest struct {
	Conditions []Condition
	Then       []Command
	Else       []Command
}

// OpResult 单个变更的结果
type OpResult struct {
	Key     string
	Prev    *VersionedValue
	Current *VersionedValue
}

// Outcome 命令应用结果
type Outcome struct {
	Kind      CommandKind
	Succeeded bool       // 事务条件是否全部满足；非事务命令恒为 true
	Results   []OpResult // 产生变更的操作（no-op 不出现）
	Events    []ChangeEvent
	Sequence  uint64 // 应用后的全局序列号
	Swept     int    // Sweep 物理删除的 key 数
}

// Upsert 构造 upsert 命令
func Upsert(key string, value []byte, match MatchSeq) Command {
	return Command{Kind: CommandUpsert, Key: key, Value: value, Match: match}
}

// Delete 构造 delete 命令
func Delete(key string, match MatchSeq) Command {
	return Command{Kind: CommandDelete, Key: key, Match: match}
}

// Txn 构造事务命令
func Txn(req TxnRequest) Command {
	return Command{Kind: CommandTxn, Txn: &req}
}

// Sweep 构造过期清理命令
func Sweep() Command {
	return Command{Kind: CommandSweep}
}
