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

package restable

import (
	"os"

	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
)

// FileHandle is one open() against a stream. It captures the
// hard-link group identity current at open time, which is what lets
// the resource virtualizer decide at write time whether this handle
// can keep sharing its entry's staging file or must split off a
// private copy: a rename(2) or unlink(2) that happens on a sibling
// name after this handle was opened must not retroactively change
// which bytes this handle sees.
type FileHandle struct {
	ID uint64

	HardLinkGroup tree.HardLinkGroupID
	StreamName    string

	Flags int

	Offset int64

	// Dentry is the directory entry this handle was opened against. It
	// is nulled out when unlink removes that directory entry (even if
	// other hard links to the same file remain)
	// while the handle is still open: the handle stays readable and
	// writable against its Entry, it just has nothing left to stamp
	// timestamps on at release time.
	Dentry *tree.Dentry

	// Entry is the LookupEntry this handle currently reads/writes
	// through. It can change across the handle's lifetime: opening for
	// write (and any later write or truncate) against a read-only
	// (archived) or shared entry materializes or splits off a writable
	// entry and repoints Entry at it.
	Entry *LookupEntry

	// entryVersion is Entry's version as of the last time this handle
	// resolved it, used to detect a split performed by another handle
	// sharing the same entry.
	entryVersion uint64

	file *os.File
}

func NewFileHandle(id uint64, group tree.HardLinkGroupID, streamName string, flags int, entry *LookupEntry) *FileHandle {
	return &FileHandle{
		ID:            id,
		HardLinkGroup: group,
		StreamName:    streamName,
		Flags:         flags,
		Entry:         entry,
		entryVersion:  entry.Version(),
	}
}

func (fh *FileHandle) File() *os.File { return fh.file }

func (fh *FileHandle) SetFile(f *os.File) { fh.file = f }

// Close closes the handle's kernel fd, if it has one, and clears it.
// Called by the commit engine to quiesce every staged descriptor
// before rehashing: once every handle's fd is closed, staging files
// can be safely reread and renamed without a concurrent writer racing
// the rehash.
func (fh *FileHandle) Close() error {
	if fh.file == nil {
		return nil
	}
	err := fh.file.Close()
	fh.file = nil
	return err
}

// Stale reports whether Entry has been split or rewritten since this
// handle last resolved it.
func (fh *FileHandle) Stale() bool {
	return fh.entryVersion != fh.Entry.Version()
}

func (fh *FileHandle) Resync() {
	fh.entryVersion = fh.Entry.Version()
}
