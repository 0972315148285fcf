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

// Package catalog stores typed records under a key prefix, one JSON
// document per name.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"metaEmbed/internal/kvstore"
)

// Record is a decoded value and the sequence it was written at.
type Record[T any] struct {
	Name     string
	Value    T
	Sequence uint64
}

// Collection is a set of named records of type T.
type Collection[T any] struct {
	api    kvstore.API
	prefix string
}

// New returns a collection rooted at the joined segments, e.g.
// New[User](api, "tenant-1", "users").
func New[T any](api kvstore.API, segments ...string) *Collection[T] {
	return &Collection[T]{api: api, prefix: kvstore.Join(segments...) + kvstore.Separator}
}

func (c *Collection[T]) key(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty record name", kvstore.ErrInvalid)
	}
	return c.prefix + kvstore.EscapeSegment(name), nil
}

func (c *Collection[T]) decode(name string, v *kvstore.VersionedValue) (Record[T], error) {
	rec := Record[T]{Name: name, Sequence: v.Sequence}
	if err := json.Unmarshal(v.Value, &rec.Value); err != nil {
		return rec, fmt.Errorf("%w: record %q is not valid: %v", kvstore.ErrInvalid, name, err)
	}
	return rec, nil
}

// Add creates a record. It fails with ErrAlreadyExists when name is taken.
func (c *Collection[T]) Add(ctx context.Context, name string, value T) (uint64, error) {
	key, err := c.key(name)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %q: %v", kvstore.ErrInvalid, name, err)
	}
	v, err := c.api.Upsert(ctx, key, data, kvstore.WithMatch(kvstore.MatchExact(0)))
	if errors.Is(err, kvstore.ErrConflict) {
		return 0, fmt.Errorf("%w: %q", kvstore.ErrAlreadyExists, name)
	}
	if err != nil {
		return 0, err
	}
	return v.Sequence, nil
}

// Get reads a record. A non-Any match must hold against the stored
// sequence.
func (c *Collection[T]) Get(ctx context.Context, name string, match kvstore.MatchSeq) (Record[T], error) {
	key, err := c.key(name)
	if err != nil {
		return Record[T]{}, err
	}
	v, err := c.api.Get(ctx, key)
	if err != nil {
		return Record[T]{}, err
	}
	if v == nil {
		return Record[T]{}, fmt.Errorf("%w: %q", kvstore.ErrNotFound, name)
	}
	if err := match.Check(v); err != nil {
		return Record[T]{}, fmt.Errorf("get %q: %w", name, err)
	}
	return c.decode(name, v)
}

// List returns every record ordered by name.
func (c *Collection[T]) List(ctx context.Context) ([]Record[T], error) {
	kvs, err := c.api.List(ctx, c.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record[T], 0, len(kvs))
	for _, kv := range kvs {
		rec, err := c.decode(kvstore.UnescapeSegment(kv.Key[len(c.prefix):]), kv.VersionedValue)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update reads the record, applies mutate and writes it back guarded by
// the sequence it read. A concurrent writer makes it fail with
// ErrConflict.
func (c *Collection[T]) Update(ctx context.Context, name string, match kvstore.MatchSeq, mutate func(*T) error) (uint64, error) {
	rec, err := c.Get(ctx, name, match)
	if err != nil {
		return 0, err
	}
	if err := mutate(&rec.Value); err != nil {
		return 0, err
	}
	data, err := json.Marshal(rec.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %q: %v", kvstore.ErrInvalid, name, err)
	}
	key, _ := c.key(name)
	v, err := c.api.Upsert(ctx, key, data, kvstore.WithExpectedSequence(rec.Sequence))
	if err != nil {
		return 0, err
	}
	return v.Sequence, nil
}

// Drop removes a record. Dropping a missing record is ErrNotFound.
func (c *Collection[T]) Drop(ctx context.Context, name string, match kvstore.MatchSeq) error {
	key, err := c.key(name)
	if err != nil {
		return err
	}
	prev, err := c.api.Delete(ctx, key, kvstore.WithMatch(match))
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("%w: %q", kvstore.ErrNotFound, name)
	}
	return nil
}
