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

package store

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"metaEmbed/internal/kvstore"

	"github.com/stretchr/testify/assert"
)

func TestWrapClassifies(t *testing.T) {
	ioErr := Wrap("write", errors.New("IO error: checksum mismatch"))
	assert.True(t, errors.Is(ioErr, kvstore.ErrIO))
	assert.False(t, errors.Is(ioErr, kvstore.ErrResourceExhausted))

	full := Wrap("write", fmt.Errorf("flush: %w", syscall.ENOSPC))
	assert.True(t, errors.Is(full, kvstore.ErrResourceExhausted))
	assert.True(t, errors.Is(full, syscall.ENOSPC))

	stall := Wrap("write", errors.New("Result incomplete: Write stall"))
	assert.True(t, errors.Is(stall, kvstore.ErrResourceExhausted))

	assert.Nil(t, Wrap("noop", nil))

	var se *Error
	assert.True(t, errors.As(Wrap("outer", ioErr), &se))
	assert.Equal(t, "write", se.Op)
}

func TestSliceIterator(t *testing.T) {
	items := []kvstore.KeyValue{
		{Key: "a", VersionedValue: &kvstore.VersionedValue{Sequence: 1}},
		{Key: "b", VersionedValue: &kvstore.VersionedValue{Sequence: 2}},
		{Key: "c", VersionedValue: &kvstore.VersionedValue{Sequence: 3}},
	}

	got, err := Collect(NewSliceIterator(items), 2)
	assert.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = Collect(NewSliceIterator(nil), 0)
	assert.NoError(t, err)
	assert.Empty(t, got)
}
