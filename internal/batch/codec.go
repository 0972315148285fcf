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

package batch

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// batchMagic 批量帧首字节。单个提案原样传输，首字节不会是该值
// （提案由 protobuf 编码，首字节总是字段 tag）
const batchMagic byte = 0xB7

const fieldProposal protowire.Number = 1

// ErrEmpty 空提案或空数据
var ErrEmpty = errors.New("batch: empty proposals")

// EncodeBatch 将多个提案编码为一个 raft entry
// 单个提案直接返回原始字节
func EncodeBatch(proposals [][]byte) ([]byte, error) {
	if len(proposals) == 0 {
		return nil, ErrEmpty
	}
	if len(proposals) == 1 {
		return proposals[0], nil
	}

	size := 1
	for _, p := range proposals {
		size += protowire.SizeTag(fieldProposal) + protowire.SizeBytes(len(p))
	}
	b := make([]byte, 1, size)
	b[0] = batchMagic
	for _, p := range proposals {
		b = protowire.AppendTag(b, fieldProposal, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b, nil
}

// DecodeBatch 解码批量帧，单个提案返回单元素列表
// 返回的切片引用 data，调用方不得修改
func DecodeBatch(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if data[0] != batchMagic {
		return [][]byte{data}, nil
	}

	var out [][]byte
	b := data[1:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("batch: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldProposal || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("batch: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		p, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("batch: bad proposal: %w", protowire.ParseError(n))
		}
		out = append(out, p)
		b = b[n:]
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// IsBatchProposal 检查数据是否为批量帧
func IsBatchProposal(data []byte) bool {
	return len(data) > 0 && data[0] == batchMagic
}
