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

// Package codec encodes commands, stored records and snapshots in protobuf
// wire format. Field numbers are part of the persisted format and must not
// be reused.
package codec

import (
	"errors"
	"fmt"
	"time"

	"metaEmbed/internal/kvstore"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorrupt is returned when a buffer cannot be decoded.
var ErrCorrupt = errors.New("codec: corrupt data")

const commandMagic byte = 0xC1

// VersionedValue fields
const (
	fieldValueBytes    protowire.Number = 1
	fieldValueSequence protowire.Number = 2
	fieldValueExpireAt protowire.Number = 3
)

// Command fields
const (
	fieldCmdKind      protowire.Number = 1
	fieldCmdKey       protowire.Number = 2
	fieldCmdValue     protowire.Number = 3
	fieldCmdMatchKind protowire.Number = 4
	fieldCmdMatchSeq  protowire.Number = 5
	fieldCmdExpireAt  protowire.Number = 6
	fieldCmdNow       protowire.Number = 7
	fieldCmdTxn       protowire.Number = 8
)

// TxnRequest fields
const (
	fieldTxnCondition protowire.Number = 1
	fieldTxnThen      protowire.Number = 2
	fieldTxnElse      protowire.Number = 3
)

// Condition fields
const (
	fieldCondKey       protowire.Number = 1
	fieldCondMatchKind protowire.Number = 2
	fieldCondMatchSeq  protowire.Number = 3
)

// Snapshot fields
const (
	fieldSnapSequence protowire.Number = 1
	fieldSnapRecord   protowire.Number = 2
)

// Record fields
const (
	fieldRecordKey   protowire.Number = 1
	fieldRecordValue protowire.Number = 2
)

// EncodeValue encodes a stored VersionedValue.
func EncodeValue(v *kvstore.VersionedValue) []byte {
	return appendValue(nil, v)
}

func appendValue(b []byte, v *kvstore.VersionedValue) []byte {
	if len(v.Value) > 0 {
		b = protowire.AppendTag(b, fieldValueBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, v.Value)
	}
	b = protowire.AppendTag(b, fieldValueSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, v.Sequence)
	b = appendTime(b, fieldValueExpireAt, v.ExpireAt)
	return b
}

// DecodeValue decodes a buffer produced by EncodeValue.
func DecodeValue(b []byte) (*kvstore.VersionedValue, error) {
	v := &kvstore.VersionedValue{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldValueBytes:
			val, n := consumeBytes(b, typ)
			if n < 0 {
				return n, nil
			}
			v.Value = append([]byte{}, val...)
			return n, nil
		case fieldValueSequence:
			seq, n := consumeVarint(b, typ)
			v.Sequence = seq
			return n, nil
		case fieldValueExpireAt:
			t, n := consumeTime(b, typ)
			v.ExpireAt = t
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// EncodeCommand encodes a command as a log entry payload.
func EncodeCommand(cmd kvstore.Command) []byte {
	b := []byte{commandMagic}
	return appendCommand(b, cmd)
}

func appendCommand(b []byte, cmd kvstore.Command) []byte {
	b = protowire.AppendTag(b, fieldCmdKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Kind))
	if cmd.Key != "" {
		b = protowire.AppendTag(b, fieldCmdKey, protowire.BytesType)
		b = protowire.AppendString(b, cmd.Key)
	}
	if cmd.Value != nil {
		b = protowire.AppendTag(b, fieldCmdValue, protowire.BytesType)
		b = protowire.AppendBytes(b, cmd.Value)
	}
	if !cmd.Match.IsAny() {
		b = protowire.AppendTag(b, fieldCmdMatchKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cmd.Match.Kind))
		b = protowire.AppendTag(b, fieldCmdMatchSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, cmd.Match.Seq)
	}
	b = appendTime(b, fieldCmdExpireAt, cmd.ExpireAt)
	b = appendTime(b, fieldCmdNow, cmd.Now)
	if cmd.Txn != nil {
		b = protowire.AppendTag(b, fieldCmdTxn, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTxn(nil, cmd.Txn))
	}
	return b
}

func appendTxn(b []byte, txn *kvstore.TxnRequest) []byte {
	for _, c := range txn.Conditions {
		var cb []byte
		cb = protowire.AppendTag(cb, fieldCondKey, protowire.BytesType)
		cb = protowire.AppendString(cb, c.Key)
		cb = protowire.AppendTag(cb, fieldCondMatchKind, protowire.VarintType)
		cb = protowire.AppendVarint(cb, uint64(c.Match.Kind))
		cb = protowire.AppendTag(cb, fieldCondMatchSeq, protowire.VarintType)
		cb = protowire.AppendVarint(cb, c.Match.Seq)
		b = protowire.AppendTag(b, fieldTxnCondition, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	for _, op := range txn.Then {
		b = protowire.AppendTag(b, fieldTxnThen, protowire.BytesType)
		b = protowire.AppendBytes(b, appendCommand(nil, op))
	}
	for _, op := range txn.Else {
		b = protowire.AppendTag(b, fieldTxnElse, protowire.BytesType)
		b = protowire.AppendBytes(b, appendCommand(nil, op))
	}
	return b
}

// DecodeCommand decodes a buffer produced by EncodeCommand.
func DecodeCommand(b []byte) (kvstore.Command, error) {
	if len(b) == 0 || b[0] != commandMagic {
		return kvstore.Command{}, fmt.Errorf("decode command: %w: missing header", ErrCorrupt)
	}
	cmd, err := decodeCommand(b[1:])
	if err != nil {
		return kvstore.Command{}, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

func decodeCommand(b []byte) (kvstore.Command, error) {
	var cmd kvstore.Command
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldCmdKind:
			v, n := consumeVarint(b, typ)
			cmd.Kind = kvstore.CommandKind(v)
			return n, nil
		case fieldCmdKey:
			v, n := consumeBytes(b, typ)
			cmd.Key = string(v)
			return n, nil
		case fieldCmdValue:
			v, n := consumeBytes(b, typ)
			if n >= 0 {
				cmd.Value = append([]byte{}, v...)
			}
			return n, nil
		case fieldCmdMatchKind:
			v, n := consumeVarint(b, typ)
			cmd.Match.Kind = kvstore.MatchKind(v)
			return n, nil
		case fieldCmdMatchSeq:
			v, n := consumeVarint(b, typ)
			cmd.Match.Seq = v
			return n, nil
		case fieldCmdExpireAt:
			t, n := consumeTime(b, typ)
			cmd.ExpireAt = t
			return n, nil
		case fieldCmdNow:
			t, n := consumeTime(b, typ)
			cmd.Now = t
			return n, nil
		case fieldCmdTxn:
			v, n := consumeBytes(b, typ)
			if n < 0 {
				return n, nil
			}
			txn, err := decodeTxn(v)
			if err != nil {
				return 0, err
			}
			cmd.Txn = txn
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	return cmd, err
}

func decodeTxn(b []byte) (*kvstore.TxnRequest, error) {
	txn := &kvstore.TxnRequest{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTxnCondition:
			v, n := consumeBytes(b, typ)
			if n < 0 {
				return n, nil
			}
			cond, err := decodeCondition(v)
			if err != nil {
				return 0, err
			}
			txn.Conditions = append(txn.Conditions, cond)
			return n, nil
		case fieldTxnThen, fieldTxnElse:
			v, n := consumeBytes(b, typ)
			if n < 0 {
				return n, nil
			}
			op, err := decodeCommand(v)
			if err != nil {
				return 0, err
			}
			if num == fieldTxnThen {
				txn.Then = append(txn.Then, op)
			} else {
				txn.Else = append(txn.Else, op)
			}
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	return txn, err
}

func decodeCondition(b []byte) (kvstore.Condition, error) {
	var c kvstore.Condition
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldCondKey:
			v, n := consumeBytes(b, typ)
			c.Key = string(v)
			return n, nil
		case fieldCondMatchKind:
			v, n := consumeVarint(b, typ)
			c.Match.Kind = kvstore.MatchKind(v)
			return n, nil
		case fieldCondMatchSeq:
			v, n := consumeVarint(b, typ)
			c.Match.Seq = v
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	return c, err
}

// Snapshot is the decoded form of a full store snapshot.
type Snapshot struct {
	Sequence uint64
	Records  []kvstore.KeyValue
}

// SnapshotWriter builds a snapshot incrementally so backends can stream
// records from an iterator.
type SnapshotWriter struct {
	buf []byte
}

// NewSnapshotWriter starts a snapshot at the given counter value.
func NewSnapshotWriter(sequence uint64) *SnapshotWriter {
	w := &SnapshotWriter{}
	w.buf = protowire.AppendTag(w.buf, fieldSnapSequence, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, sequence)
	return w
}

// Add appends one record.
func (w *SnapshotWriter) Add(key string, v *kvstore.VersionedValue) {
	var rb []byte
	rb = protowire.AppendTag(rb, fieldRecordKey, protowire.BytesType)
	rb = protowire.AppendString(rb, key)
	rb = protowire.AppendTag(rb, fieldRecordValue, protowire.BytesType)
	rb = protowire.AppendBytes(rb, appendValue(nil, v))
	w.buf = protowire.AppendTag(w.buf, fieldSnapRecord, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, rb)
}

// Bytes returns the encoded snapshot.
func (w *SnapshotWriter) Bytes() []byte {
	return w.buf
}

// EncodeSnapshot encodes s in one call.
func EncodeSnapshot(s *Snapshot) []byte {
	w := NewSnapshotWriter(s.Sequence)
	for _, r := range s.Records {
		w.Add(r.Key, r.VersionedValue)
	}
	return w.Bytes()
}

// DecodeSnapshot decodes a buffer produced by SnapshotWriter.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldSnapSequence:
			v, n := consumeVarint(b, typ)
			s.Sequence = v
			return n, nil
		case fieldSnapRecord:
			v, n := consumeBytes(b, typ)
			if n < 0 {
				return n, nil
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return 0, err
			}
			s.Records = append(s.Records, rec)
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func decodeRecord(b []byte) (kvstore.KeyValue, error) {
	var kv kvstore.KeyValue
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRecordKey:
			v, n := consumeBytes(b, typ)
			kv.Key = string(v)
			return n, nil
		case fieldRecordValue:
			v, n := consumeBytes(b, typ)
			if n < 0 {
				return n, nil
			}
			val, err := DecodeValue(v)
			if err != nil {
				return 0, err
			}
			kv.VersionedValue = val
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	if err == nil && kv.VersionedValue == nil {
		err = fmt.Errorf("%w: record %q without value", ErrCorrupt, kv.Key)
	}
	return kv, err
}

// walk iterates over the fields of a message. fn returns the number of
// bytes it consumed from the field payload, or a negative protowire error.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, -1
	}
	return protowire.ConsumeVarint(b)
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int) {
	if typ != protowire.BytesType {
		return nil, -1
	}
	return protowire.ConsumeBytes(b)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func consumeTime(b []byte, typ protowire.Type) (time.Time, int) {
	v, n := consumeVarint(b, typ)
	if n < 0 {
		return time.Time{}, n
	}
	return time.Unix(0, protowire.DecodeZigZag(v)).UTC(), n
}
