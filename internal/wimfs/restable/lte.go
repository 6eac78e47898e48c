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

// Package restable implements the lookup table of stream content: one
// LookupEntry per distinct hash, each carrying a descriptor vector of
// the file handles currently open against it.
package restable

import (
	"sync"

	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

// LookupEntry is one entry in the content-addressed lookup table: the
// archive's record of a single distinct stream, plus whatever is known
// about it in the current session (how many dentry streams reference
// it, how many file handles are open against it, and where its bytes
// currently live).
type LookupEntry struct {
	mu sync.Mutex

	Hash tree.Hash
	Size int64

	// RefCount is the number of tree hash slots that name this hash: a
	// dentry's primary stream or one of its ADS entries, counted once
	// per name, so two hard-linked names referencing one stream
	// contribute two. The entry is destroyed when it hits zero and
	// NumOpened is also zero.
	RefCount int

	// owners breaks RefCount down by hard-link group. A write through
	// a handle whose hard-link group is not the only key in owners
	// would be visible to an unrelated file, so the virtualizer splits
	// the entry first instead of writing through it.
	owners map[tree.HardLinkGroupID]int

	// NumOpened is the number of live FileHandles referencing this
	// entry through the descriptor vector (I2: an LTE with NumOpened >
	// 0 must not be evicted even if RefCount has dropped to zero,
	// since POSIX keeps unlinked-but-open files alive).
	NumOpened int

	// StagingPath is non-empty once the content has been materialized
	// into a writable local file. Empty means the bytes are still only
	// available by reading out of the archive (or, for a brand new
	// zero-length stream, nowhere at all).
	StagingPath string

	// version increments every time the entry is split or rewritten,
	// so a FileHandle can detect it was holding a stale reference
	// across a split and re-resolve itself.
	version uint64

	// descriptors is the sparse vector of open file handles against
	// this entry, indexed by the fd-like handle ID the kernel was
	// given at open time.
	descriptors map[uint64]*FileHandle
}

func NewLookupEntry(hash tree.Hash, size int64) *LookupEntry {
	return &LookupEntry{
		Hash:        hash,
		Size:        size,
		owners:      make(map[tree.HardLinkGroupID]int),
		descriptors: make(map[uint64]*FileHandle),
	}
}

// AddOwner records that one more tree hash slot belonging to group
// now names this entry, and bumps RefCount to match.
func (e *LookupEntry) AddOwner(group tree.HardLinkGroupID) {
	e.owners[group]++
	e.RefCount++
}

// AddOwnerRefs records n slots at once, for a hard-link group whose
// references are being transferred onto this entry in one step.
func (e *LookupEntry) AddOwnerRefs(group tree.HardLinkGroupID, n int) {
	if n <= 0 {
		return
	}
	e.owners[group] += n
	e.RefCount += n
}

// RemoveOwner undoes AddOwner. Returns true once RefCount has reached
// zero.
func (e *LookupEntry) RemoveOwner(group tree.HardLinkGroupID) (noReferences bool) {
	return e.RemoveOwnerRefs(group, 1)
}

// RemoveOwnerRefs drops n of group's slot references.
func (e *LookupEntry) RemoveOwnerRefs(group tree.HardLinkGroupID, n int) (noReferences bool) {
	if n <= 0 {
		return e.RefCount == 0
	}
	e.owners[group] -= n
	if e.owners[group] <= 0 {
		delete(e.owners, group)
	}
	e.RefCount -= n
	return e.RefCount == 0
}

// OwnerRefs reports how many tree slots group currently holds on this
// entry: the hard-link group size the share-or-split decision needs.
func (e *LookupEntry) OwnerRefs(group tree.HardLinkGroupID) int {
	return e.owners[group]
}

// SharedAcrossGroups reports whether any hard-link group other than
// except currently owns a stream pointing at this entry.
func (e *LookupEntry) SharedAcrossGroups(except tree.HardLinkGroupID) bool {
	for g := range e.owners {
		if g != except {
			return true
		}
	}
	return false
}

// Owns reports whether group already owns at least one stream
// pointing at this entry.
func (e *LookupEntry) Owns(group tree.HardLinkGroupID) bool {
	return e.owners[group] > 0
}

func (e *LookupEntry) Lock()   { e.mu.Lock() }
func (e *LookupEntry) Unlock() { e.mu.Unlock() }

func (e *LookupEntry) Version() uint64 { return e.version }

func (e *LookupEntry) BumpVersion() { e.version++ }

func (e *LookupEntry) IsResident() bool { return e.StagingPath != "" }

// MaxStreamHandles caps how many handles may be open against one
// stream at a time. The cap is per entry, not per mount: a single
// wildly popular stream failing new opens with EMFILE must not stop
// unrelated streams from being opened.
const MaxStreamHandles = 65536

// AddDescriptor inserts fh into the sparse descriptor vector under id
// and bumps NumOpened. Fails with ErrTooManyFiles once this stream
// has MaxStreamHandles open handles.
func (e *LookupEntry) AddDescriptor(id uint64, fh *FileHandle) error {
	if len(e.descriptors) >= MaxStreamHandles {
		return wimerrors.ErrTooManyFiles
	}
	e.descriptors[id] = fh
	e.NumOpened++
	return nil
}

// RemoveDescriptor deletes the handle at id and decrements NumOpened.
// Returns true if this was the last open descriptor.
func (e *LookupEntry) RemoveDescriptor(id uint64) (lastClosed bool) {
	if _, ok := e.descriptors[id]; !ok {
		return false
	}
	delete(e.descriptors, id)
	e.NumOpened--
	return e.NumOpened == 0
}

func (e *LookupEntry) Descriptor(id uint64) (*FileHandle, bool) {
	fh, ok := e.descriptors[id]
	return fh, ok
}

func (e *LookupEntry) Descriptors() map[uint64]*FileHandle {
	return e.descriptors
}

// CloseDescriptors closes the kernel fd (if any) on every file handle
// still open against this entry, without otherwise disturbing the
// descriptor vector. Used by the commit engine to quiesce staged fds
// before rehashing a resident entry's bytes.
func (e *LookupEntry) CloseDescriptors() error {
	for _, fh := range e.descriptors {
		if err := fh.Close(); err != nil {
			return err
		}
	}
	return nil
}

// MergeFrom absorbs other's owners and RefCount into e, for the commit
// engine's dedupe step: two streams staged independently during the
// same session can rehash to the same content, at which point only
// one LTE should remain and it must carry both sides' references.
// other must have no open descriptors (the commit engine only calls
// this after quiescing staged fds).
func (e *LookupEntry) MergeFrom(other *LookupEntry) {
	for group, n := range other.owners {
		e.owners[group] += n
	}
	e.RefCount += other.RefCount
	e.BumpVersion()
}

// CheckInvariants panics if this entry's bookkeeping is inconsistent.
// Called at well-defined points (end of each FS operation) rather than
// guarded by a real concurrency-protecting mutex, since dispatch in
// this filesystem is single-threaded and cooperative.
func (e *LookupEntry) CheckInvariants() {
	if e.RefCount < 0 {
		panic("negative RefCount")
	}
	if e.NumOpened < 0 {
		panic("negative NumOpened")
	}
	if len(e.descriptors) != e.NumOpened {
		panic("descriptor vector length does not match NumOpened")
	}
	sum := 0
	for _, n := range e.owners {
		sum += n
	}
	if sum != e.RefCount {
		panic("owner counts do not sum to RefCount")
	}
	if e.RefCount == 0 && e.NumOpened == 0 && e.StagingPath != "" {
		panic("entry with no references or openers still has a staging path")
	}
}
