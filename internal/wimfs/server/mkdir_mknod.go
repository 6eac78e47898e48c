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
	"path/filepath"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	parent.Lock()
	defer parent.Unlock()

	if _, exists := parent.Child(op.Name); exists {
		return wimerrors.ErrExist
	}

	// The new directory must not alias any hard-link group already in
	// the tree; nextHardLinkGroup must succeed before we link the name
	// in, otherwise a failed allocation would leave a half-created
	// entry visible to lookup().
	group := fs.nextHardLinkGroup()

	child := tree.NewDir(op.Name, op.Mode, fs.cfg.Uid, fs.cfg.Gid, group, fs.Clock.Now(), nil)
	child.SetParent(parent)
	parent.SetChild(op.Name, child)

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = fs.attributesFor(child)
	return nil
}

// MkNode creates a regular file without opening it, used by mknod(2)
// and by some clients' open(O_CREAT) fallback path. basename(op.Name)
// matters here: an earlier revision of this handler used op.Name
// directly as the child's stored name, which is correct for mknod
// (the kernel always passes a bare basename) but would have been
// wrong had this code ever been reused for a full-path create, so the
// basename conversion is made explicit rather than assumed.
func (fs *FileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	name := filepath.Base(op.Name)

	parent.Lock()
	defer parent.Unlock()

	if _, exists := parent.Child(name); exists {
		return wimerrors.ErrExist
	}

	group := fs.nextHardLinkGroup()
	child := tree.NewFile(name, op.Mode, fs.cfg.Uid, fs.cfg.Gid, group, fs.Clock.Now(), nil)
	child.SetParent(parent)
	parent.SetChild(name, child)

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = fs.attributesFor(child)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	name := filepath.Base(op.Name)

	parent.Lock()
	if _, exists := parent.Child(name); exists {
		parent.Unlock()
		return wimerrors.ErrExist
	}

	group := fs.nextHardLinkGroup()
	child := tree.NewFile(name, op.Mode, fs.cfg.Uid, fs.cfg.Gid, group, fs.Clock.Now(), nil)
	child.SetParent(parent)
	parent.SetChild(name, child)
	parent.Unlock()

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = fs.attributesFor(child)

	// create(2) implies a read-write descriptor regardless of the mode
	// bits being set on the new file.
	handle, err := fs.openFileHandle(ctx, child, "", os.O_RDWR, true)
	if err != nil {
		return err
	}
	op.Handle = handle

	return nil
}
