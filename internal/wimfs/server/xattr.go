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
	"strings"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

// Alternate data streams are exposed through the xattr interface: the
// named stream "s" on a file appears as the extended attribute
// "user.stream.s". This keeps named streams reachable from ordinary
// Unix tooling (getfattr/setfattr) without inventing path syntax the
// kernel's VFS would fight over, and each such attribute's bytes flow
// through the same lookup table, staging store and commit pipeline as
// a file's main content.
const streamXattrPrefix = "user.stream."

// setxattr(2) flag values, kernel ABI.
const (
	xattrCreate  = 0x1
	xattrReplace = 0x2
)

func streamNameForXattr(attr string) (string, bool) {
	if !strings.HasPrefix(attr, streamXattrPrefix) {
		return "", false
	}
	name := attr[len(streamXattrPrefix):]
	if name == "" {
		return "", false
	}
	return name, true
}

func (fs *FileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	name, ok := streamNameForXattr(op.Name)
	if !ok {
		return wimerrors.ErrNoData
	}

	d.Lock()
	stream, exists := d.LookupStream(name)
	group := d.LinkGroupID()
	d.Unlock()
	if !exists {
		return wimerrors.ErrNoData
	}

	op.BytesRead = int(stream.Size)
	if len(op.Dst) == 0 {
		return nil
	}
	if stream.Size > int64(len(op.Dst)) {
		return wimerrors.ErrRange
	}
	if stream.Size == 0 {
		return nil
	}

	entry := fs.Table.GetOrCreate(stream.Hash, stream.Size)
	fh := restable.NewFileHandle(0, group, name, os.O_RDONLY, entry)
	defer func() {
		if f := fh.File(); f != nil {
			f.Close()
		}
	}()

	n, rerr := fs.Virt.ReadAt(ctx, fh, op.Dst[:stream.Size], 0)
	op.BytesRead = n
	if rerr != nil && n < int(stream.Size) {
		return wimerrors.ErrIO
	}
	return nil
}

func (fs *FileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	d.Lock()
	names := make([]string, 0, len(d.Streams()))
	for name := range d.Streams() {
		if name == "" {
			continue
		}
		names = append(names, streamXattrPrefix+name)
	}
	d.Unlock()

	var needed int
	for _, n := range names {
		needed += len(n) + 1
	}

	op.BytesRead = needed
	if len(op.Dst) == 0 {
		return nil
	}
	if needed > len(op.Dst) {
		return wimerrors.ErrRange
	}

	off := 0
	for _, n := range names {
		off += copy(op.Dst[off:], n)
		op.Dst[off] = 0
		off++
	}
	return nil
}

func (fs *FileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}
	if d.IsDir() {
		return wimerrors.ErrInvalid
	}

	name, ok := streamNameForXattr(op.Name)
	if !ok {
		return wimerrors.ErrNotSupported
	}

	d.Lock()
	_, exists := d.LookupStream(name)
	group := d.LinkGroupID()
	links := d.NumLinks()
	d.Unlock()

	if exists && op.Flags&xattrCreate != 0 {
		return wimerrors.ErrExist
	}
	if !exists && op.Flags&xattrReplace != 0 {
		return wimerrors.ErrNoData
	}

	// The new stream is one slot shared by every name of the group, so
	// it starts with one reference per name.
	entry, err := fs.Virt.NewStagedEntry(op.Value, group, links)
	if err != nil {
		return wimerrors.ErrIO
	}

	d.Lock()
	stream := d.Stream(name)
	oldHash := stream.Hash
	stream.Hash = entry.Hash
	stream.Size = entry.Size
	d.Unlock()

	if exists {
		fs.releaseStreamEntry(oldHash, group, links)
	}
	return nil
}

func (fs *FileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	d, err := fs.dentryForInode(op.Inode)
	if err != nil {
		return wimerrors.ErrStale
	}

	name, ok := streamNameForXattr(op.Name)
	if !ok {
		return wimerrors.ErrNoData
	}

	d.Lock()
	stream, exists := d.LookupStream(name)
	group := d.LinkGroupID()
	links := d.NumLinks()
	var oldHash tree.Hash
	if exists {
		oldHash = stream.Hash
		d.RemoveStream(name)
	}
	d.Unlock()

	if !exists {
		return wimerrors.ErrNoData
	}

	fs.releaseStreamEntry(oldHash, group, links)
	return nil
}

// releaseStreamEntry drops refs of a hard-link group's references to
// the entry backing a detached or replaced stream (one per name of
// the group, since the slot disappears from all of them at once),
// retiring the entry and its staging file once nothing else
// references it.
func (fs *FileSystem) releaseStreamEntry(hash tree.Hash, group tree.HardLinkGroupID, refs int) {
	if hash.IsZero() {
		return
	}
	entry, ok := fs.Table.Get(hash)
	if !ok {
		return
	}

	entry.Lock()
	if held := entry.OwnerRefs(group); held < refs {
		refs = held
	}
	noRefs := entry.RemoveOwnerRefs(group, refs)
	numOpened := entry.NumOpened
	stagingPath := entry.StagingPath
	entry.Unlock()

	if noRefs && numOpened == 0 {
		fs.Table.Remove(hash)
		if stagingPath != "" {
			fs.Staging.Remove(stagingPath)
		}
	}
}
