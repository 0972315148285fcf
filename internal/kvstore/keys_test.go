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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "b", PrefixEnd("a"))
	assert.Equal(t, "a0", PrefixEnd("a/"))
	assert.Equal(t, "b", PrefixEnd("a\xff"))
	assert.Equal(t, "", PrefixEnd("\xff\xff"))
	assert.Equal(t, "", PrefixEnd(""))
}

func TestJoinSplit(t *testing.T) {
	key := Join("tenant", "db/1", "50%")
	assert.Equal(t, "tenant/db%2f1/50%25", key)
	assert.Equal(t, []string{"tenant", "db/1", "50%"}, Split(key))
}

func TestLimits(t *testing.T) {
	l := Limits{MaxKeySize: 4, MaxValueSize: 8}

	require.NoError(t, l.ValidateKey("abcd"))
	assert.True(t, errors.Is(l.ValidateKey(""), ErrInvalid))
	assert.True(t, errors.Is(l.ValidateKey("abcde"), ErrInvalid))

	require.NoError(t, l.ValidateValue(nil))
	require.NoError(t, l.ValidateValue([]byte(strings.Repeat("x", 8))))
	assert.True(t, errors.Is(l.ValidateValue([]byte(strings.Repeat("x", 9))), ErrInvalid))

	unlimited := Limits{}
	require.NoError(t, unlimited.ValidateKey(strings.Repeat("k", 1<<16)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflict))
	assert.True(t, IsRetryable(ErrResourceExhausted))
	assert.False(t, IsRetryable(ErrInvalid))
	assert.False(t, IsRetryable(ErrIO))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "conflict", Code(fmt.Errorf("upsert %q: %w", "k", ErrConflict)))
	assert.Equal(t, "fatal", Code(fmt.Errorf("%w: %w", ErrFatal, ErrIO)))
	assert.Equal(t, "canceled", Code(context.Canceled))
	assert.Equal(t, "unknown", Code(errors.New("boom")))
}
