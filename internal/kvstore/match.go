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

import "fmt"

// MatchKind 序列号期望类型
type MatchKind uint8

const (
	MatchAnyKind   MatchKind = iota // 无期望
	MatchExactKind                  // 等于 Seq；Seq == 0 表示期望 key 不存在
	MatchGEKind                     // 大于等于 Seq
)

// MatchSeq 乐观并发条件
type MatchSeq struct {
	Kind MatchKind
	Seq  uint64
}

// MatchAny matches any state, including an absent key.
func MatchAny() MatchSeq { return MatchSeq{} }

// MatchExact matches a key whose sequence equals seq. MatchExact(0) matches
// only an absent key.
func MatchExact(seq uint64) MatchSeq { return MatchSeq{Kind: MatchExactKind, Seq: seq} }

// MatchGE matches a key whose sequence is at least seq.
func MatchGE(seq uint64) MatchSeq { return MatchSeq{Kind: MatchGEKind, Seq: seq} }

// IsAny reports whether m carries no expectation.
func (m MatchSeq) IsAny() bool {
	return m.Kind == MatchAnyKind
}

// RequiresPresence reports whether m can only match an existing key.
func (m MatchSeq) RequiresPresence() bool {
	return m.Kind != MatchAnyKind && m.Seq > 0
}

// Check evaluates m against the current value (nil when absent).
// It returns nil, ErrNotFound or ErrConflict.
func (m MatchSeq) Check(cur *VersionedValue) error {
	switch m.Kind {
	case MatchAnyKind:
		return nil
	case MatchExactKind:
		if cur == nil {
			if m.Seq == 0 {
				return nil
			}
			return fmt.Errorf("%w: expected sequence %d", ErrNotFound, m.Seq)
		}
		if cur.Sequence != m.Seq {
			return fmt.Errorf("%w: expected sequence %d, current %d", ErrConflict, m.Seq, cur.Sequence)
		}
		return nil
	case MatchGEKind:
		if m.Seq == 0 {
			return nil
		}
		if cur == nil {
			return fmt.Errorf("%w: expected sequence >= %d", ErrNotFound, m.Seq)
		}
		if cur.Sequence < m.Seq {
			return fmt.Errorf("%w: expected sequence >= %d, current %d", ErrConflict, m.Seq, cur.Sequence)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown match kind %d", ErrInvalid, m.Kind)
	}
}

func (m MatchSeq) String() string {
	switch m.Kind {
	case MatchAnyKind:
		return "any"
	case MatchExactKind:
		return fmt.Sprintf("==%d", m.Seq)
	case MatchGEKind:
		return fmt.Sprintf(">=%d", m.Seq)
	default:
		return "invalid"
	}
}
