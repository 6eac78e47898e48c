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
	"io"
	"os"
	"path/filepath"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
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
	child := tree.NewFile(name, os.ModeSymlink|0777, fs.cfg.Uid, fs.cfg.Gid, group, fs.Clock.Now(), nil)
	child.SetParent(parent)
	parent.SetChild(name, child)

	// The link target is stored as the unnamed stream's content, the
	// way a regular file's bytes are: readlink(2) is just a read() of
	// that stream capped at its whole length, and the bytes flow
	// through the same staged-LTE path a write() would, so the commit
	// engine rehashes and dedupes them like any other stream.
	entry, err := fs.Virt.NewStagedEntry([]byte(op.Target), group, 1)
	if err != nil {
		return wimerrors.ErrIO
	}
	stream := child.Stream("")
	stream.Hash = entry.Hash
	stream.Size = entry.Size

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = fs.attributesFor(child)
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	d.Lock()
	stream := d.Stream("")
	hash, size := stream.Hash, stream.Size
	d.Unlock()

	if size == 0 {
		return nil
	}

	entry, ok := fs.Table.Get(hash)
	if !ok {
		return wimerrors.ErrInvalid
	}

	entry.Lock()
	path := entry.StagingPath
	entry.Unlock()
	if path == "" {
		return wimerrors.ErrInvalid
	}

	buf := make([]byte, size)
	f, err := os.Open(path)
	if err != nil {
		return wimerrors.ErrIO
	}
	defer f.Close()

	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return wimerrors.ErrIO
	}

	op.Target = string(buf)
	return nil
}

// CreateLink implements hard-link creation: the new name joins the
// existing dentry's hard-link group rather than creating a new inode,
// so every one of its names shares streams, mode, and ownership.
func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parent, err := fs.dentryForInode(op.Parent)
	if err != nil {
		return wimerrors.ErrStale
	}

	target, err := fs.dentryForInode(op.Target)
	if err != nil {
		return wimerrors.ErrStale
	}
	if target.IsDir() {
		return wimerrors.ErrInvalid
	}

	name := filepath.Base(op.Name)

	parent.Lock()
	defer parent.Unlock()

	if _, exists := parent.Child(name); exists {
		return wimerrors.ErrExist
	}

	child := tree.NewHardLink(name, target, nil)
	child.SetParent(parent)
	parent.SetChild(name, child)

	// The new name references every one of the target's stream slots,
	// so each backing entry gains one slot reference.
	target.Lock()
	group := target.LinkGroupID()
	for _, s := range target.Streams() {
		if s.Hash.IsZero() {
			continue
		}
		entry := fs.Table.GetOrCreate(s.Hash, s.Size)
		entry.Lock()
		entry.AddOwner(group)
		entry.Unlock()
	}
	target.Unlock()

	op.Entry.Child = fs.mintInode(child)
	op.Entry.Attributes = fs.attributesFor(child)
	return nil
}
