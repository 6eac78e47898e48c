// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package virt is the resource virtualizer: it decides, for every
// write, whether a file handle can keep sharing its lookup table
// entry or must be handed a private, split-off copy first, and it
// materializes read-only archived content into a writable staging
// file when a file is opened for writing (or first written or
// truncated through a handle that had not done so yet).
package virt

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
)

// StreamSource is the narrow slice of archive.Handle the virtualizer
// needs: just enough to fault a stream's bytes in on first write.
type StreamSource interface {
	OpenStream(ctx context.Context, hash tree.Hash) (io.ReaderAt, int64, error)
}

// Table is the in-memory lookup table: every LookupEntry currently
// known to this mount, keyed by content hash. A stream whose Hash is
// the zero value is empty; opening it uses a shared entry under the
// zero key.
type Table struct {
	mu      sync.Mutex
	entries map[tree.Hash]*restable.LookupEntry
}

func NewTable() *Table {
	return &Table{entries: make(map[tree.Hash]*restable.LookupEntry)}
}

func (t *Table) Get(h tree.Hash) (*restable.LookupEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	return e, ok
}

// GetOrCreate returns the entry for h, creating an empty one of the
// given size if this is the first time it's been referenced this
// session (e.g. the first open() of a stream that's only ever existed
// in the archive).
func (t *Table) GetOrCreate(h tree.Hash, size int64) *restable.LookupEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		e = restable.NewLookupEntry(h, size)
		t.entries[h] = e
	}
	return e
}

// Insert registers a brand new entry under its own fresh hash, used
// when a private split-off copy is created and hasn't been rehashed
// yet (so it's keyed by a placeholder identity until commit).
func (t *Table) Insert(h tree.Hash, e *restable.LookupEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[h] = e
}

// Remove drops h from the table once its last reference and last open
// handle are both gone.
func (t *Table) Remove(h tree.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, h)
}

func (t *Table) Rekey(oldHash, newHash tree.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[oldHash]
	if !ok {
		return fmt.Errorf("rekey: no entry for old hash")
	}
	delete(t.entries, oldHash)
	e.Hash = newHash
	t.entries[newHash] = e
	return nil
}

// Dedupe folds loser into survivor: survivor absorbs loser's owners and
// reference count, and loser is dropped from the table entirely. Used
// by the commit engine when two independently staged entries rehash to
// the same content hash, including the in-session case where neither
// side is in the archive yet.
func (t *Table) Dedupe(oldHash tree.Hash, survivor *restable.LookupEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	loser, ok := t.entries[oldHash]
	if !ok {
		return fmt.Errorf("dedupe: no entry for old hash")
	}
	delete(t.entries, oldHash)
	if loser == survivor {
		t.entries[survivor.Hash] = survivor
		return nil
	}

	survivor.MergeFrom(loser)
	return nil
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// PopulateTable walks a freshly loaded tree and primes table with one
// entry per distinct hash, counting a reference for every name and
// stream slot that names it, so RefCount reflects the archive's own
// sharing (hard-link peers included) before the first operation runs.
func PopulateTable(root *tree.Dentry, table *Table) {
	for _, s := range root.Streams() {
		if s.Hash.IsZero() {
			continue
		}
		e := table.GetOrCreate(s.Hash, s.Size)
		e.Lock()
		e.AddOwner(root.LinkGroupID())
		e.Unlock()
	}
	for _, child := range root.Children() {
		PopulateTable(child, table)
	}
}

func (t *Table) All() map[tree.Hash]*restable.LookupEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[tree.Hash]*restable.LookupEntry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}
