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
	"sort"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

// dirHandle snapshots a directory's entries at OpenDir time, sorted by
// name so that successive ReadDir calls resuming at an offset see a
// stable order even if the directory is mutated between them. Entries
// created after opendir() don't show up until the next opendir, which
// is the common behavior for fuse filesystems.
type dirHandle struct {
	entries []fuseutil.Dirent
}

func newDirHandle(d *tree.Dentry) *dirHandle {
	d.Lock()
	defer d.Unlock()

	entries := make([]fuseutil.Dirent, 0, len(d.Children())+2)
	offset := fuseops.DirOffset(1)

	names := make([]string, 0, len(d.Children()))
	for name := range d.Children() {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := d.Children()[name]
		dt := fuseutil.DT_File
		if child.IsDir() {
			dt = fuseutil.DT_Directory
		}

		entries = append(entries, fuseutil.Dirent{
			Offset: offset,
			Inode:  fuseops.InodeID(0),
			Name:   name,
			Type:   dt,
		})
		offset++
	}

	return &dirHandle{entries: entries}
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}
	if !d.IsDir() {
		return wimerrors.ErrNotDir
	}

	handle := newDirHandle(d)
	id := fs.nextDirHandleID()
	fs.dirHandles[id] = handle
	op.Handle = id
	return nil
}

func (fs *FileSystem) nextDirHandleID() fuseops.HandleID {
	fs.nextDirHandle++
	return fuseops.HandleID(fs.nextDirHandle)
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	handle, ok := fs.dirHandles[op.Handle]
	if !ok {
		return wimerrors.ErrInvalid
	}

	var n int
	for _, e := range handle.entries {
		if e.Offset <= op.Offset {
			continue
		}
		written := fuseutil.WriteDirent(op.Dst[n:], e)
		if written == 0 {
			break
		}
		n += written
	}

	op.BytesRead = n
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	delete(fs.dirHandles, op.Handle)
	return nil
}
