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

package statemachine

import (
	"context"
	"fmt"

	"metaEmbed/internal/kvstore"
)

// DefaultScanLimit is used when Scan is called without a positive limit.
const DefaultScanLimit = 1000

// Get returns the live value of key, or nil when it is absent or expired.
func (m *Machine) Get(ctx context.Context, key string) (*kvstore.VersionedValue, error) {
	if err := m.limits.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.index.Get(key)
	if v == nil || v.Expired(now) {
		return nil, nil
	}
	return v.Clone(), nil
}

// MGet reads several keys from the same point in time. The result is
// positional; missing keys are nil.
func (m *Machine) MGet(ctx context.Context, keys []string) ([]*kvstore.VersionedValue, error) {
	for _, key := range keys {
		if err := m.limits.ValidateKey(key); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*kvstore.VersionedValue, len(keys))
	for i, key := range keys {
		if v := m.index.Get(key); v != nil && !v.Expired(now) {
			out[i] = v.Clone()
		}
	}
	return out, nil
}

// List returns every live key under prefix in ascending key order.
func (m *Machine) List(ctx context.Context, prefix string) ([]kvstore.KeyValue, error) {
	page, err := m.scan(ctx, prefix, "", 0)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Scan returns up to limit live keys under prefix that sort after cursor.
// An empty NextCursor means the listing is complete.
func (m *Machine) Scan(ctx context.Context, prefix, cursor string, limit int) (kvstore.Page, error) {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	if cursor != "" && !kvstore.HasPrefix(cursor, prefix) {
		return kvstore.Page{}, fmt.Errorf("%w: cursor %q outside prefix %q", kvstore.ErrInvalid, cursor, prefix)
	}
	return m.scan(ctx, prefix, cursor, limit)
}

// scan collects items; limit 0 means unbounded.
func (m *Machine) scan(ctx context.Context, prefix, cursor string, limit int) (kvstore.Page, error) {
	if err := ctx.Err(); err != nil {
		return kvstore.Page{}, err
	}

	now := m.clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var page kvstore.Page
	more := false
	m.index.Ascend(prefix, cursor, func(key string, v *kvstore.VersionedValue) bool {
		if v.Expired(now) {
			return true
		}
		if limit > 0 && len(page.Items) == limit {
			more = true
			return false
		}
		page.Items = append(page.Items, kvstore.KeyValue{Key: key, VersionedValue: v.Clone()})
		return true
	})
	if more {
		page.NextCursor = page.Items[len(page.Items)-1].Key
	}
	return page, nil
}
