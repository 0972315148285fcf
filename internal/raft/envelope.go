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

package raft

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"google.golang.org/protobuf/encoding/protowire"

	"metaEmbed/internal/codec"
)

const (
	fieldOrigin  protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldCommand protowire.Number = 3
	fieldBoot    protowire.Number = 4
)

// envelope carries an encoded command plus the proposer identity so that
// only the proposing replica answers its waiter. Boot identifies the process
// lifetime of the proposer: IDs restart at 1 on every start, and entries
// proposed before a restart may commit after it.
type envelope struct {
	Origin  uint64
	Boot    []byte
	ID      uint64
	Command []byte
}

func newBootID() []byte {
	id := uuid.New()
	return id[:]
}

// proposedBy reports whether the envelope was proposed by this replica in
// its current lifetime.
func (e envelope) proposedBy(origin uint64, boot []byte) bool {
	return e.Origin == origin && bytes.Equal(e.Boot, boot)
}

func (e envelope) marshal() []byte {
	b := make([]byte, 0, 36+len(e.Command))
	b = protowire.AppendTag(b, fieldOrigin, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Origin)
	b = protowire.AppendTag(b, fieldBoot, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Boot)
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID)
	b = protowire.AppendTag(b, fieldCommand, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Command)
	return b
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: envelope tag", codec.ErrCorrupt)
		}
		b = b[n:]
		switch {
		case num == fieldOrigin && typ == protowire.VarintType:
			e.Origin, n = protowire.ConsumeVarint(b)
		case num == fieldID && typ == protowire.VarintType:
			e.ID, n = protowire.ConsumeVarint(b)
		case num == fieldCommand && typ == protowire.BytesType:
			e.Command, n = protowire.ConsumeBytes(b)
		case num == fieldBoot && typ == protowire.BytesType:
			e.Boot, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return e, fmt.Errorf("%w: envelope field %d", codec.ErrCorrupt, num)
		}
		b = b[n:]
	}
	if e.Command == nil {
		return e, fmt.Errorf("%w: envelope without command", codec.ErrCorrupt)
	}
	return e, nil
}
