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

package server

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/metrics"
	"github.com/wimlibgo/wimfs/wimerrors"
)

// SyncFile and FlushFile are both no-ops against the staging file
// itself: every write already lands in the staging file synchronously
// (see virt.Virtualizer.WriteAt), so there's nothing buffered in this
// process to push out. They exist as handlers purely so fuse doesn't
// see ENOSYS and fall back to treating fsync/flush as an error.
func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fh, ok := fs.Descriptors.Get(uint64(op.Handle))
	if !ok {
		return wimerrors.ErrInvalid
	}

	entry := fh.Entry
	entry.Lock()
	lastClosed := entry.RemoveDescriptor(uint64(op.Handle))
	noRefs := entry.RefCount == 0
	entry.Unlock()

	if f := fh.File(); f != nil {
		f.Close()
	}

	// A writable open that outlived its dentry (unlink while the file
	// was still open) has nothing left to stamp; a surviving dentry
	// gets its access and write times bumped the way close(2) on a
	// dirty fd would.
	if isWritable(fh.Flags) && fh.Dentry != nil {
		d := fh.Dentry
		d.Lock()
		now := fs.Clock.Now()
		_, _, ctime := d.Times()
		d.SetTimes(now, now, ctime)
		d.Unlock()
	}

	fs.Descriptors.Release(uint64(op.Handle))
	metrics.OpenHandles.Dec()

	if lastClosed && noRefs {
		fs.Table.Remove(entry.Hash)
		if entry.StagingPath != "" {
			fs.Staging.Remove(entry.StagingPath)
		}
	}

	return nil
}
