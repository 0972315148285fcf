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

package memory

import (
	"metaEmbed/internal/kvstore"

	"github.com/google/btree"
)

// entry implements btree.Item.
type entry struct {
	key   string
	value *kvstore.VersionedValue
}

// Less implements btree.Item.
func (e *entry) Less(other btree.Item) bool {
	return e.key < other.(*entry).key
}

// Index is an ordered key -> VersionedValue map. It is not safe for
// concurrent mutation; callers hold their own lock. Clone is cheap and the
// clone may be read concurrently with writes to the original.
type Index struct {
	tree *btree.BTree
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{tree: btree.New(32)}
}

// Get returns the stored value or nil.
func (idx *Index) Get(key string) *kvstore.VersionedValue {
	item := idx.tree.Get(&entry{key: key})
	if item == nil {
		return nil
	}
	return item.(*entry).value
}

// Set stores v under key, replacing any previous value.
func (idx *Index) Set(key string, v *kvstore.VersionedValue) {
	idx.tree.ReplaceOrInsert(&entry{key: key, value: v})
}

// Delete removes key and reports whether it was present.
func (idx *Index) Delete(key string) bool {
	return idx.tree.Delete(&entry{key: key}) != nil
}

// Len returns the number of keys.
func (idx *Index) Len() int {
	return idx.tree.Len()
}

// Clone returns a copy-on-write snapshot.
func (idx *Index) Clone() *Index {
	return &Index{tree: idx.tree.Clone()}
}

// Reset drops every key.
func (idx *Index) Reset() {
	idx.tree.Clear(false)
}

// Ascend calls fn for every key under prefix that sorts strictly after
// cursor, in ascending order, until fn returns false.
func (idx *Index) Ascend(prefix, cursor string, fn func(key string, v *kvstore.VersionedValue) bool) {
	start := prefix
	if cursor > start {
		start = cursor
	}
	end := kvstore.PrefixEnd(prefix)

	visit := func(item btree.Item) bool {
		e := item.(*entry)
		if cursor != "" && e.key <= cursor {
			return true
		}
		if !kvstore.HasPrefix(e.key, prefix) {
			return false
		}
		return fn(e.key, e.value)
	}

	if end == "" {
		idx.tree.AscendGreaterOrEqual(&entry{key: start}, visit)
		return
	}
	idx.tree.AscendRange(&entry{key: start}, &entry{key: end}, visit)
}
