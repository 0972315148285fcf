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
	"fmt"
	"strings"
)

// Separator 层级 key 的分隔符
const Separator = "/"

// Limits 校验 key/value 大小
type Limits struct {
	MaxKeySize   int
	MaxValueSize int
	MaxTxnOps    int
}

// DefaultLimits matches the defaults in pkg/config.
func DefaultLimits() Limits {
	return Limits{
		MaxKeySize:   4096,
		MaxValueSize: 1572864,
		MaxTxnOps:    128,
	}
}

// ValidateKey rejects empty and oversized keys.
func (l Limits) ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalid)
	}
	if l.MaxKeySize > 0 && len(key) > l.MaxKeySize {
		return fmt.Errorf("%w: key size %d exceeds limit %d", ErrInvalid, len(key), l.MaxKeySize)
	}
	return nil
}

// ValidateValue rejects oversized values.
func (l Limits) ValidateValue(value []byte) error {
	if l.MaxValueSize > 0 && len(value) > l.MaxValueSize {
		return fmt.Errorf("%w: value size %d exceeds limit %d", ErrInvalid, len(value), l.MaxValueSize)
	}
	return nil
}

// Join 拼接层级 key，段内的 "/" 与 "%" 会被转义
//
//	Join("tenant", "db/1") == "tenant/db%2f1"
func Join(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = EscapeSegment(s)
	}
	return strings.Join(escaped, Separator)
}

// Split is the inverse of Join.
func Split(key string) []string {
	parts := strings.Split(key, Separator)
	for i, p := range parts {
		parts[i] = UnescapeSegment(p)
	}
	return parts
}

var segmentReplacer = strings.NewReplacer("%", "%25", "/", "%2f")
var segmentUnreplacer = strings.NewReplacer("%2f", "/", "%25", "%")

// EscapeSegment escapes a single key segment.
func EscapeSegment(s string) string {
	return segmentReplacer.Replace(s)
}

// UnescapeSegment reverses EscapeSegment.
func UnescapeSegment(s string) string {
	return segmentUnreplacer.Replace(s)
}

// PrefixEnd 返回前缀范围的上界（不包含），全 0xff 前缀返回空串表示无上界
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// HasPrefix 前缀匹配，空前缀匹配全部
func HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
