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

package rocksdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"metaEmbed/internal/codec"
	"metaEmbed/internal/kvstore"
)

// Key layout
//
//	kv/<user key>   -> codec.EncodeValue(VersionedValue)
//	meta/sequence   -> big-endian uint64 global counter
const (
	dataPrefix  = "kv/"
	metaSeqKey  = "meta/sequence"
	seqEncodedN = 8
)

var (
	dataPrefixBytes = []byte(dataPrefix)
	dataPrefixEnd   = []byte(kvstore.PrefixEnd(dataPrefix))
)

// bufferPool reuses byte buffers for key encoding
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 64*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// dataKey returns the engine key for a user key. The result is a fresh
// slice that may be retained by the caller.
func dataKey(key string) []byte {
	buf := getBuffer()
	defer putBuffer(buf)
	buf.Grow(len(dataPrefix) + len(key))
	buf.WriteString(dataPrefix)
	buf.WriteString(key)
	return bytes.Clone(buf.Bytes())
}

// userKey strips the data prefix from an engine key.
func userKey(engineKey []byte) string {
	return string(engineKey[len(dataPrefix):])
}

func encodeSequence(seq uint64) []byte {
	b := make([]byte, seqEncodedN)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSequence(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != seqEncodedN {
		return 0, fmt.Errorf("%w: sequence record has %d bytes", codec.ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
