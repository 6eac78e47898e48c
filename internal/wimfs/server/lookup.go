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
	"os"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	parent.Lock()
	child, ok := parent.Child(op.Name)
	parent.Unlock()
	if !ok {
		return wimerrors.ErrNotExist
	}

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = fs.attributesFor(child)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	op.Attributes = fs.attributesFor(d)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	d.Lock()
	if op.Mode != nil {
		d.SetMode(*op.Mode)
	}
	atime, mtime, ctime := d.Times()
	if op.Atime != nil {
		atime = *op.Atime
	}
	if op.Mtime != nil {
		mtime = *op.Mtime
	}
	ctime = fs.Clock.Now()
	d.SetTimes(atime, mtime, ctime)
	d.Unlock()

	if op.Size != nil {
		if err := fs.truncateStream(ctx, d, int64(*op.Size)); err != nil {
			return err
		}
	}

	op.Attributes = fs.attributesFor(d)
	return nil
}

// truncateStream resizes the unnamed stream of d via the virtualizer,
// opening a throwaway file handle for the duration of the call: a
// SetInodeAttributes truncation doesn't carry a file handle of its
// own, unlike ftruncate through an already-open descriptor.
func (fs *FileSystem) truncateStream(ctx context.Context, d *tree.Dentry, size int64) error {
	stream := d.Stream("")
	entry := fs.Table.GetOrCreate(stream.Hash, stream.Size)

	d.Lock()
	group := d.LinkGroupID()
	d.Unlock()

	fh := restable.NewFileHandle(0, group, "", os.O_RDWR, entry)
	fh.Dentry = d
	defer func() {
		if f := fh.File(); f != nil {
			f.Close()
		}
	}()

	return fs.Virt.Truncate(ctx, stream, fh, size)
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	if d.DecrementOpenCount(op.N) {
		delete(fs.inodes, op.Inode)
		delete(fs.inodeIDs, d)
	}

	return nil
}

// BatchForget is the kernel batching several forgets into one message;
// each entry carries its own lookup-count delta.
func (fs *FileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		d, err := fs.dentryForInode(e.Inode)
		if err != nil {
			continue
		}
		if d.DecrementOpenCount(e.N) {
			delete(fs.inodes, e.Inode)
			delete(fs.inodeIDs, d)
		}
	}
	return nil
}
