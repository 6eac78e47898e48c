// Copyright 2015 Google Inc. All Rights Reserved.
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
	"io"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
)

// Serve reads ops off c and dispatches them to fs one at a time on the
// calling goroutine. This is the one deliberate place this module
// departs from fuseutil's stock server, which handles each op on a
// fresh goroutine ("it is safe to naively process ops concurrently
// because the kernel serializes operations the user expects to happen
// in order"). That is true, but this filesystem's lookup-table
// bookkeeping and invariant checks are not written to be safe under
// concurrent mutation from two ops at once, so operations here run
// strictly one after another.
func Serve(c *fuse.Connection, fs *FileSystem) {
	for {
		ctx, op, err := c.ReadOp()
		if err == io.EOF {
			return
		}
		if err != nil {
			panic(err)
		}

		opErr := fs.handleOp(ctx, op)
		fs.checkInvariants()
		c.Reply(ctx, opErr)
	}
}

func (fs *FileSystem) handleOp(ctx context.Context, op interface{}) error {
	switch typed := op.(type) {
	default:
		return fuse.ENOSYS

	case *fuseops.StatFSOp:
		return fs.StatFS(ctx, typed)

	case *fuseops.LookUpInodeOp:
		return fs.LookUpInode(ctx, typed)

	case *fuseops.GetInodeAttributesOp:
		return fs.GetInodeAttributes(ctx, typed)

	case *fuseops.SetInodeAttributesOp:
		return fs.SetInodeAttributes(ctx, typed)

	case *fuseops.ForgetInodeOp:
		return fs.ForgetInode(ctx, typed)

	case *fuseops.BatchForgetOp:
		return fs.BatchForget(ctx, typed)

	case *fuseops.MkDirOp:
		return fs.MkDir(ctx, typed)

	case *fuseops.MkNodeOp:
		return fs.MkNode(ctx, typed)

	case *fuseops.CreateFileOp:
		return fs.CreateFile(ctx, typed)

	case *fuseops.CreateSymlinkOp:
		return fs.CreateSymlink(ctx, typed)

	case *fuseops.CreateLinkOp:
		return fs.CreateLink(ctx, typed)

	case *fuseops.RenameOp:
		return fs.Rename(ctx, typed)

	case *fuseops.RmDirOp:
		return fs.RmDir(ctx, typed)

	case *fuseops.UnlinkOp:
		return fs.Unlink(ctx, typed)

	case *fuseops.OpenDirOp:
		return fs.OpenDir(ctx, typed)

	case *fuseops.ReadDirOp:
		return fs.ReadDir(ctx, typed)

	case *fuseops.ReleaseDirHandleOp:
		return fs.ReleaseDirHandle(ctx, typed)

	case *fuseops.OpenFileOp:
		return fs.OpenFile(ctx, typed)

	case *fuseops.ReadFileOp:
		return fs.ReadFile(ctx, typed)

	case *fuseops.ReadSymlinkOp:
		return fs.ReadSymlink(ctx, typed)

	case *fuseops.WriteFileOp:
		return fs.WriteFile(ctx, typed)

	case *fuseops.SyncFileOp:
		return fs.SyncFile(ctx, typed)

	case *fuseops.FlushFileOp:
		return fs.FlushFile(ctx, typed)

	case *fuseops.ReleaseFileHandleOp:
		return fs.ReleaseFileHandle(ctx, typed)

	case *fuseops.GetXattrOp:
		return fs.GetXattr(ctx, typed)

	case *fuseops.ListXattrOp:
		return fs.ListXattr(ctx, typed)

	case *fuseops.SetXattrOp:
		return fs.SetXattr(ctx, typed)

	case *fuseops.RemoveXattrOp:
		return fs.RemoveXattr(ctx, typed)
	}
}
