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

// Package server wires the directory tree, lookup table, staging
// store and resource virtualizer together into the set of fuse
// operation handlers a mount actually serves, dispatched one at a
// time on a single goroutine (see Serve in dispatch.go).
package server

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/wimlibgo/wimfs/archive"
	"github.com/wimlibgo/wimfs/clock"
	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/staging"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/internal/wimfs/virt"
)

// Config carries the FileSystem's static, per-mount knobs.
type Config struct {
	Uid, Gid uint32
	FileMode uint32

	ExitOnInvariantViolation bool
}

// FileSystem implements the fuse operation handlers against one
// mounted archive. Dispatch is single-threaded: Serve (see
// dispatch.go) calls these methods one at a time on a single
// goroutine, so none of the state below needs its own lock beyond the
// per-object locks already carried by tree.Dentry and
// restable.LookupEntry (kept for invariant-checking discipline, not
// for concurrency).
type FileSystem struct {
	cfg Config

	Archive     archive.Handle
	Table       *virt.Table
	Virt        *virt.Virtualizer
	Staging     *staging.Store
	Descriptors *restable.DescriptorVector
	Clock       clock.Clock

	root *tree.Dentry

	inodes    map[fuseops.InodeID]*tree.Dentry
	inodeIDs  map[*tree.Dentry]fuseops.InodeID
	nextInode fuseops.InodeID

	dirHandles    map[fuseops.HandleID]*dirHandle
	nextDirHandle uint64
	nextGroup     uint64
}

func New(cfg Config, root *tree.Dentry, arch archive.Handle, table *virt.Table, vz *virt.Virtualizer, store *staging.Store) *FileSystem {
	fs := &FileSystem{
		cfg:         cfg,
		Archive:     arch,
		Table:       table,
		Virt:        vz,
		Staging:     store,
		Descriptors: restable.NewDescriptorVector(),
		Clock:       clock.RealClock{},
		root:        root,
		inodes:      make(map[fuseops.InodeID]*tree.Dentry),
		inodeIDs:    make(map[*tree.Dentry]fuseops.InodeID),
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		nextInode:   fuseops.RootInodeID + 1,
	}

	fs.inodes[fuseops.RootInodeID] = root
	fs.inodeIDs[root] = fuseops.RootInodeID
	root.IncrementOpenCount()

	return fs
}

// mintInode assigns d a fresh inode ID if it doesn't have one yet, and
// increments its open (lookup) count either way: every successful
// reply that hands an inode ID back to the kernel obligates us to keep
// the dentry alive until a matching ForgetInode arrives.
func (fs *FileSystem) mintInode(d *tree.Dentry) fuseops.InodeID {
	id, ok := fs.inodeIDs[d]
	if !ok {
		id = fs.nextInode
		fs.nextInode++
		fs.inodes[id] = d
		fs.inodeIDs[d] = id
	}

	d.IncrementOpenCount()
	return id
}

func (fs *FileSystem) dentryForInode(id fuseops.InodeID) (*tree.Dentry, error) {
	d, ok := fs.inodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown inode %d", id)
	}
	return d, nil
}

func (fs *FileSystem) nextHardLinkGroup() tree.HardLinkGroupID {
	return tree.HardLinkGroupID(atomic.AddUint64(&fs.nextGroup, 1))
}

func (fs *FileSystem) attributesFor(d *tree.Dentry) fuseops.InodeAttributes {
	d.Lock()
	defer d.Unlock()

	atime, mtime, ctime := d.Times()

	var size uint64
	if !d.IsDir() {
		size = uint64(d.Stream("").Size)
	}

	// Permission bits are synthesized from the mount-time policy when
	// one is configured; the archive's own security descriptors don't
	// map onto Unix mode bits.
	mode := d.Mode()
	if fs.cfg.FileMode != 0 && !d.IsDir() && mode&os.ModeSymlink == 0 {
		mode = (mode &^ os.ModePerm) | (os.FileMode(fs.cfg.FileMode) & os.ModePerm)
	}

	return fuseops.InodeAttributes{
		Size:   size,
		Nlink:  uint32(d.NumLinks()),
		Mode:   mode,
		Uid:    fs.uidOr(d),
		Gid:    fs.gidOr(d),
		Atime:  atime,
		Mtime:  mtime,
		Ctime:  ctime,
		Crtime: ctime,
	}
}

func (fs *FileSystem) uidOr(d *tree.Dentry) uint32 {
	uid, _ := d.Owner()
	if fs.cfg.Uid != 0 {
		return fs.cfg.Uid
	}
	return uid
}

func (fs *FileSystem) gidOr(d *tree.Dentry) uint32 {
	_, gid := d.Owner()
	if fs.cfg.Gid != 0 {
		return fs.cfg.Gid
	}
	return gid
}

// checkInvariants is called at well-defined points by the dispatcher
// rather than protected by a real mutex, since there is exactly one
// goroutine running fuse operations at a time. Violations are logged
// and, if configured through debug flags, fatal.
func (fs *FileSystem) checkInvariants() {
	for _, entry := range fs.Table.All() {
		func() {
			entry.Lock()
			defer entry.Unlock()
			defer func() {
				if r := recover(); r != nil {
					fs.violation(fmt.Sprintf("lookup table entry %x: %v", entry.Hash, r))
				}
			}()
			entry.CheckInvariants()
		}()
	}
}

func (fs *FileSystem) violation(msg string) {
	slog.Error("internal invariant violated", "detail", msg)
	if fs.cfg.ExitOnInvariantViolation {
		panic("invariant violation: " + msg)
	}
}
