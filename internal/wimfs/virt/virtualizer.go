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

package virt

import (
	"context"
	"fmt"

	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/staging"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/metrics"
)

// Virtualizer lazily upgrades read-only archived streams to writable
// staging files, and splits a shared entry into a private copy the
// moment a write would otherwise leak across hard-link groups.
type Virtualizer struct {
	src     StreamSource
	staging *staging.Store
	table   *Table
}

func New(src StreamSource, store *staging.Store, table *Table) *Virtualizer {
	return &Virtualizer{src: src, staging: store, table: table}
}

// Materialize ensures entry has a writable staging file backing it,
// copying its bytes out of the archive on first use. Safe to call on
// an entry that's already resident; it's then a no-op. The caller
// must hold entry's lock.
func (v *Virtualizer) Materialize(ctx context.Context, entry *restable.LookupEntry) error {
	if entry.IsResident() {
		return nil
	}

	// A zero hash means the stream has never had content anywhere, not
	// in the archive and not on disk: there is nothing to extract, just
	// an empty staging file to create.
	if entry.Hash.IsZero() {
		f, path, err := v.staging.Create()
		if err != nil {
			return fmt.Errorf("materializing empty stream: %w", err)
		}
		f.Close()
		entry.StagingPath = path
		metrics.Materializations.Inc()
		return nil
	}

	r, size, err := v.src.OpenStream(ctx, entry.Hash)
	if err != nil {
		return fmt.Errorf("reading archived stream: %w", err)
	}

	f, path, err := v.staging.CopyFrom(r, size)
	if err != nil {
		return fmt.Errorf("materializing stream: %w", err)
	}
	f.Close()

	entry.StagingPath = path
	metrics.Materializations.Inc()
	return nil
}

// PrepareWrite resolves the entry fh should actually perform its
// pending write through. If entry is already private to fh's
// hard-link group, that's entry itself (after materializing it if
// needed). If entry is also owned by some other hard-link group
// (because it started out deduplicated, or because it's still the
// single archived copy referenced by more than one file), a private
// copy is split off, re-pointed to by stream, and returned instead.
// Every handle belonging to fh's hard-link group moves with the
// split, so sibling handles opened on other names of the same file
// keep seeing the bytes being written; handles belonging to other
// groups stay behind on the old entry.
func (v *Virtualizer) PrepareWrite(ctx context.Context, stream *tree.Stream, fh *restable.FileHandle) (*restable.LookupEntry, error) {
	entry := fh.Entry

	// The all-zero hash is the shared "no content yet" entry: every
	// empty stream in the tree names it, so it can never be written
	// through. The writing group gets a fresh private staged entry,
	// referenced once per surviving name of the group (zero for a file
	// already unlinked while open, which then lives only as long as
	// its open handles).
	if entry.Hash.IsZero() {
		refs := 0
		if fh.Dentry != nil {
			fh.Dentry.Lock()
			refs = fh.Dentry.NumLinks()
			fh.Dentry.Unlock()
		}
		newEntry, err := v.NewStagedEntry(nil, fh.HardLinkGroup, refs)
		if err != nil {
			return nil, err
		}
		v.adoptGroupHandles(entry, newEntry, fh.HardLinkGroup)
		v.repoint(fh, newEntry)
		stream.Hash = newEntry.Hash
		stream.Size = newEntry.Size
		return newEntry, nil
	}

	entry.Lock()
	needsSplit := entry.SharedAcrossGroups(fh.HardLinkGroup)
	entry.Unlock()

	if !needsSplit {
		entry.Lock()
		err := v.Materialize(ctx, entry)
		entry.Unlock()
		return entry, err
	}

	newEntry, err := v.split(ctx, entry)
	if err != nil {
		return nil, err
	}

	v.adoptGroupHandles(entry, newEntry, fh.HardLinkGroup)
	v.repoint(fh, newEntry)

	stream.Hash = newEntry.Hash
	stream.Size = newEntry.Size

	metrics.HandleSplits.Inc()
	return newEntry, nil
}

// repoint covers the throwaway handles some callers construct without
// registering them in a descriptor map (ftruncate-by-path, xattr
// reads): adoptGroupHandles only sees registered handles, so an
// unregistered one is re-bound here.
func (v *Virtualizer) repoint(fh *restable.FileHandle, newEntry *restable.LookupEntry) {
	if fh.Entry == newEntry {
		return
	}
	fh.Close()
	fh.Entry = newEntry
	fh.Resync()
}

// adoptGroupHandles moves every handle owned by group from old to
// newEntry, transfers the group's slot references between the two
// entries, closes any cached fd so the next I/O reopens against the
// new staging file, and retires old once nothing references it.
func (v *Virtualizer) adoptGroupHandles(old, newEntry *restable.LookupEntry, group tree.HardLinkGroupID) {
	old.Lock()
	var moved []*restable.FileHandle
	for _, h := range old.Descriptors() {
		if h.HardLinkGroup == group {
			moved = append(moved, h)
		}
	}
	for _, h := range moved {
		old.RemoveDescriptor(h.ID)
	}
	refs := old.OwnerRefs(group)
	noRefs := old.RemoveOwnerRefs(group, refs)
	old.BumpVersion()
	numOpened := old.NumOpened
	oldHash := old.Hash
	old.Unlock()

	if noRefs && numOpened == 0 {
		v.table.Remove(oldHash)
	}

	newEntry.Lock()
	newEntry.AddOwnerRefs(group, refs)
	for _, h := range moved {
		h.Close()
		// Cannot exceed the per-stream handle cap: newEntry is always
		// freshly allocated and the moved set fit the old entry's cap.
		newEntry.AddDescriptor(h.ID, h)
		h.Entry = newEntry
		h.Resync()
	}
	newEntry.Unlock()
}

// NewStagedEntry creates a brand-new staged LTE from data, owned
// solely by group with refs slot references (one per name of the
// group that will point at it), and registers it in the table under a
// placeholder hash (rehashed at commit time like any other staged
// entry). Used for content that originates inside the daemon rather
// than as a copy-on-write of an archived stream: the symlink reparse
// target, a named stream set through the xattr interface, and the
// first write to a stream that has never had content.
func (v *Virtualizer) NewStagedEntry(data []byte, group tree.HardLinkGroupID, refs int) (*restable.LookupEntry, error) {
	f, path, err := v.staging.CopyFrom(sliceReaderAt(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("staging new content: %w", err)
	}
	f.Close()

	placeholder := placeholderHash()
	entry := restable.NewLookupEntry(placeholder, int64(len(data)))
	entry.StagingPath = path
	entry.AddOwnerRefs(group, refs)

	v.table.Insert(placeholder, entry)
	return entry, nil
}

type sliceReaderAt []byte

func (s sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s)) {
		return 0, fmt.Errorf("read past end of content")
	}
	n := copy(p, s[off:])
	return n, nil
}

// split copies entry's current bytes into a brand new staging file
// under a fresh placeholder hash, registers it in the table, and
// returns it. A resident entry is copied from its
// staging file; an archive-backed one is extracted straight into the
// new staging file, leaving the shared entry archive-backed for the
// groups that stay behind. The placeholder hash is replaced by the
// stream's real content hash at commit time, once the final bytes are
// known.
func (v *Virtualizer) split(ctx context.Context, entry *restable.LookupEntry) (*restable.LookupEntry, error) {
	entry.Lock()
	resident := entry.IsResident()
	stagingPath := entry.StagingPath
	hash := entry.Hash
	size := entry.Size
	entry.Unlock()

	var src staging.ReaderAt
	if resident {
		f, err := openStagingFile(stagingPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		src = f
	} else {
		r, archivedSize, err := v.src.OpenStream(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("reading archived stream: %w", err)
		}
		src = r
		if archivedSize < size {
			size = archivedSize
		}
	}

	f, path, err := v.staging.CopyFrom(src, size)
	if err != nil {
		return nil, fmt.Errorf("splitting shared entry: %w", err)
	}
	f.Close()

	// The splitting group's slot references are transferred onto the
	// new entry by adoptGroupHandles, so it starts with none.
	placeholder := placeholderHash()
	newEntry := restable.NewLookupEntry(placeholder, size)
	newEntry.StagingPath = path

	v.table.Insert(placeholder, newEntry)
	return newEntry, nil
}
