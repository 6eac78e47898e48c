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
	"errors"
	"io"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/metrics"
	"github.com/wimlibgo/wimfs/wimerrors"
)

// openFileHandle allocates a FileHandle for streamName on d, minting
// an LTE for its current hash if this is the first handle opened
// against it this session, and registers the handle in both the
// descriptor vector (for the fuseops.HandleID namespace) and the
// owning LookupEntry's own descriptor map (for split/share decisions).
//
// A writable open materializes the stream immediately: the entry the
// handle ends up bound to is guaranteed to have a staging file before
// open() returns, so a later write can never fail partway through a
// copy-out of archived bytes, and any split required by other groups
// sharing the entry happens now, while the handle's view of the bytes
// is still identical to theirs.
func (fs *FileSystem) openFileHandle(ctx context.Context, d *tree.Dentry, streamName string, flags int, writable bool) (fuseops.HandleID, error) {
	d.Lock()
	group := d.LinkGroupID()
	stream := d.Stream(streamName)
	hash, size := stream.Hash, stream.Size
	d.Unlock()

	// The entry's slot references were established when the table was
	// populated from the tree at mount time (or when the slot was first
	// staged); opening adds a descriptor, never a reference.
	entry := fs.Table.GetOrCreate(hash, size)

	fh := restable.NewFileHandle(0, group, streamName, flags, entry)
	fh.Dentry = d
	id := fs.Descriptors.Allocate(fh)

	entry.Lock()
	err := entry.AddDescriptor(id, fh)
	entry.Unlock()
	if err != nil {
		fs.Descriptors.Release(id)
		return 0, err
	}

	if writable {
		if _, err := fs.Virt.PrepareWrite(ctx, stream, fh); err != nil {
			entry.Lock()
			entry.RemoveDescriptor(id)
			entry.Unlock()
			fs.Descriptors.Release(id)
			return 0, wimerrors.ErrIO
		}
	}

	metrics.OpenHandles.Inc()
	return fuseops.HandleID(id), nil
}

// accessModeMask matches O_RDONLY/O_WRONLY/O_RDWR's low two bits,
// preserved verbatim in the low bits of the kernel's open flags:
// release uses this to decide whether an open was ever writable, since
// the kernel doesn't resend flags on release(2).
const accessModeMask = 0x3

func isWritable(flags int) bool {
	return flags&accessModeMask != 0
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	handle, err := fs.openFileHandle(ctx, d, "", int(op.OpenFlags), !op.OpenFlags.IsReadOnly())
	if err != nil {
		return err
	}
	op.Handle = handle
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fh, ok := fs.Descriptors.Get(uint64(op.Handle))
	if !ok {
		return wimerrors.ErrInvalid
	}

	n, err := fs.Virt.ReadAt(ctx, fh, op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return errnoOr(err, wimerrors.ErrIO)
	}
	return nil
}

// errnoOr surfaces err's errno if it carries one (EOVERFLOW on a read
// past end of stream, EMFILE from the handle cap) and falls back to a
// generic one otherwise, so underlying syscall failures don't leak
// arbitrary wrapped errors to the kernel bridge.
func errnoOr(err error, fallback syscall.Errno) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return fallback
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fh, ok := fs.Descriptors.Get(uint64(op.Handle))
	if !ok {
		return wimerrors.ErrInvalid
	}

	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	stream := d.Stream(fh.StreamName)
	_, werr := fs.Virt.WriteAt(ctx, stream, fh, op.Data, op.Offset)
	if werr != nil {
		return errnoOr(werr, wimerrors.ErrIO)
	}
	return nil
}
