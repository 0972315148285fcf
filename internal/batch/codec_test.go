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
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// TestEncodeBatch_SingleProposal single proposals are passed through unchanged
func TestEncodeBatch_SingleProposal(t *testing.T) {
	p := []byte{0x08, 0x01, 0x12, 0x01, 'x'}

	data, err := EncodeBatch([][]byte{p})
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	if !bytes.Equal(data, p) {
		t.Errorf("single proposal was wrapped: %x", data)
	}
	if IsBatchProposal(data) {
		t.Error("single proposal detected as batch")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := [][][]byte{
		{[]byte("a")},
		{[]byte("a"), []byte("bb"), []byte("ccc")},
		{{}, []byte("after-empty")},
	}
	for i, proposals := range cases {
		data, err := EncodeBatch(proposals)
		if err != nil {
			t.Fatalf("case %d: EncodeBatch failed: %v", i, err)
		}
		if IsBatchProposal(data) != (len(proposals) > 1) {
			t.Errorf("case %d: IsBatchProposal mismatch", i)
		}
		decoded, err := DecodeBatch(data)
		if err != nil {
			t.Fatalf("case %d: DecodeBatch failed: %v", i, err)
		}
		if len(decoded) != len(proposals) {
			t.Fatalf("case %d: got %d proposals, want %d", i, len(decoded), len(proposals))
		}
		for j := range proposals {
			if !bytes.Equal(decoded[j], proposals[j]) {
				t.Errorf("case %d proposal %d: got %q, want %q", i, j, decoded[j], proposals[j])
			}
		}
	}
}

func TestEncodeBatch_Empty(t *testing.T) {
	if _, err := EncodeBatch(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := DecodeBatch(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := DecodeBatch([]byte{batchMagic}); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty for bare frame header, got %v", err)
	}
}

func TestDecodeBatch_Truncated(t *testing.T) {
	data, err := EncodeBatch([][]byte{[]byte("first"), []byte("second")})
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	if _, err := DecodeBatch(data[:len(data)-3]); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestEncodeBatch_LargeBatch(t *testing.T) {
	proposals := make([][]byte, 1000)
	for i := range proposals {
		proposals[i] = []byte(fmt.Sprintf("proposal-%d", i))
	}
	data, err := EncodeBatch(proposals)
	if err != nil {
		t.Fatalf("EncodeBatch failed: %v", err)
	}
	decoded, err := DecodeBatch(data)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if len(decoded) != 1000 || string(decoded[999]) != "proposal-999" {
		t.Errorf("large batch mismatch: %d proposals", len(decoded))
	}
}
