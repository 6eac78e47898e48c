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
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	parent.Lock()
	child, ok := parent.Child(op.Name)
	if !ok {
		parent.Unlock()
		return wimerrors.ErrNotExist
	}
	if child.IsDir() {
		parent.Unlock()
		return wimerrors.ErrIsDir
	}
	parent.RemoveChild(op.Name)
	parent.Unlock()

	fs.unlinkDentry(child)
	return nil
}

// unlinkDentry removes child from its hard-link group's membership
// and drops one slot reference per stream, since each name of a group
// contributes its own reference to every backing entry. Once the last
// name is gone and no file handles remain open, the entries are
// retired; a dentry that still has open handles (POSIX's "delete on
// last close") is left reachable through the descriptor vector even
// though it is no longer reachable through the tree.
func (fs *FileSystem) unlinkDentry(child *tree.Dentry) {
	child.Lock()
	child.Unlink()
	streams := child.Streams()
	group := child.LinkGroupID()
	child.Unlock()

	for _, s := range streams {
		if s.Hash.IsZero() {
			continue
		}
		entry, ok := fs.Table.Get(s.Hash)
		if !ok {
			continue
		}
		entry.Lock()
		// Any handle still open against this entry on behalf of the
		// dentry we're removing outlives the dentry (POSIX delete-on-
		// last-close): null its back-pointer so release() knows there
		// is nothing left to stamp timestamps on.
		for _, fh := range entry.Descriptors() {
			if fh.Dentry == child {
				fh.Dentry = nil
			}
		}
		noRefs := false
		if entry.Owns(group) {
			noRefs = entry.RemoveOwner(group)
		}
		numOpened := entry.NumOpened
		hash := entry.Hash
		stagingPath := entry.StagingPath
		entry.Unlock()

		if noRefs && numOpened == 0 {
			fs.Table.Remove(hash)
			if stagingPath != "" {
				fs.Staging.Remove(stagingPath)
			}
		}
	}
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	parent.Lock()
	defer parent.Unlock()

	child, ok := parent.Child(op.Name)
	if !ok {
		return wimerrors.ErrNotExist
	}
	if !child.IsDir() {
		return wimerrors.ErrNotDir
	}

	child.Lock()
	empty := len(child.Children()) == 0
	child.Unlock()
	if !empty {
		return wimerrors.ErrNotEmpty
	}

	parent.RemoveChild(op.Name)
	return nil
}
