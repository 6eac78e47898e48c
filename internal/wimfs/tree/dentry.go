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

// Package tree holds the in-memory directory tree mirrored from (and,
// at commit time, flushed back into) an archive: directory entries,
// their alternate data streams, and the hard-link group identity shared
// by entries that alias the same inode.
package tree

import (
	"os"
	"sync"
	"time"
)

// HardLinkGroupID identifies the set of dentries that are really the
// same inode under different names. A dentry with no hard links other
// than itself still gets an ID, just one nobody else shares.
type HardLinkGroupID uint64

// Dentry is a directory entry: a name, parent, and (if it's a
// directory) children. Metadata and stream list live in a
// linkGroupState shared by pointer among every dentry in the same
// hard-link group, so any of them reads and writes the same values.
type Dentry struct {
	mu sync.Mutex

	name   string
	parent *Dentry

	isDir    bool
	children map[string]*Dentry

	linkGroup *linkGroupState

	// openCount defers destruction of this Dentry's linkGroupState
	// until every fuse inode reply (lookup, mkdir, create, ...) that
	// returned it has been balanced by a forget, mirroring the kernel's
	// contract for inode lifetime.
	openCount refCount
}

// linkGroupState is the metadata and stream list shared by every
// dentry that is really the same file via hardlink(2).
type linkGroupState struct {
	id HardLinkGroupID

	mode os.FileMode
	uid  uint32
	gid  uint32

	atime time.Time
	mtime time.Time
	ctime time.Time

	// streams maps ADS name ("" for the unnamed stream) to the stream
	// record. Directories never have entries here.
	streams map[string]*Stream

	// linkedFrom is every dentry currently aliasing this group, kept
	// so unlink() can tell when the last name is gone (refcnt-style,
	// but driven off the tree rather than off open handles).
	linkedFrom map[*Dentry]struct{}
}

func newLinkGroupState(id HardLinkGroupID, mode os.FileMode) *linkGroupState {
	return &linkGroupState{
		id:         id,
		mode:       mode,
		streams:    make(map[string]*Stream),
		linkedFrom: make(map[*Dentry]struct{}),
	}
}

// NewFile creates a detached file dentry (not yet linked into any
// directory) with its own fresh hard-link group.
func NewFile(name string, mode os.FileMode, uid, gid uint32, id HardLinkGroupID, now time.Time, destroy func() error) *Dentry {
	lg := newLinkGroupState(id, mode)
	lg.uid, lg.gid = uid, gid
	lg.atime, lg.mtime, lg.ctime = now, now, now
	lg.streams[""] = &Stream{}

	d := &Dentry{name: name, linkGroup: lg, openCount: newRefCount(destroy)}
	lg.linkedFrom[d] = struct{}{}
	return d
}

// NewDir creates a detached directory dentry with its own hard-link
// group (directories are never hard-linked).
func NewDir(name string, mode os.FileMode, uid, gid uint32, id HardLinkGroupID, now time.Time, destroy func() error) *Dentry {
	lg := newLinkGroupState(id, mode|os.ModeDir)
	lg.uid, lg.gid = uid, gid
	lg.atime, lg.mtime, lg.ctime = now, now, now

	d := &Dentry{
		name:      name,
		isDir:     true,
		children:  make(map[string]*Dentry),
		linkGroup: lg,
		openCount: newRefCount(destroy),
	}
	lg.linkedFrom[d] = struct{}{}
	return d
}

// NewHardLink creates a new dentry name that aliases target's
// hard-link group. target must not be a directory.
func NewHardLink(name string, target *Dentry, destroy func() error) *Dentry {
	d := &Dentry{name: name, linkGroup: target.linkGroup, openCount: newRefCount(destroy)}
	target.linkGroup.linkedFrom[d] = struct{}{}
	return d
}

func (d *Dentry) Lock()   { d.mu.Lock() }
func (d *Dentry) Unlock() { d.mu.Unlock() }

func (d *Dentry) Name() string { return d.name }

func (d *Dentry) SetName(name string) { d.name = name }

func (d *Dentry) Parent() *Dentry { return d.parent }

func (d *Dentry) SetParent(p *Dentry) { d.parent = p }

func (d *Dentry) IsDir() bool { return d.isDir }

func (d *Dentry) LinkGroupID() HardLinkGroupID { return d.linkGroup.id }

func (d *Dentry) NumLinks() int { return len(d.linkGroup.linkedFrom) }

func (d *Dentry) Child(name string) (*Dentry, bool) {
	c, ok := d.children[name]
	return c, ok
}

func (d *Dentry) SetChild(name string, c *Dentry) {
	d.children[name] = c
}

func (d *Dentry) RemoveChild(name string) {
	delete(d.children, name)
}

func (d *Dentry) Children() map[string]*Dentry {
	return d.children
}

func (d *Dentry) Mode() os.FileMode { return d.linkGroup.mode }

func (d *Dentry) SetMode(m os.FileMode) { d.linkGroup.mode = m }

func (d *Dentry) Owner() (uid, gid uint32) { return d.linkGroup.uid, d.linkGroup.gid }

func (d *Dentry) SetOwner(uid, gid uint32) { d.linkGroup.uid, d.linkGroup.gid = uid, gid }

func (d *Dentry) Times() (atime, mtime, ctime time.Time) {
	return d.linkGroup.atime, d.linkGroup.mtime, d.linkGroup.ctime
}

func (d *Dentry) SetTimes(atime, mtime, ctime time.Time) {
	d.linkGroup.atime, d.linkGroup.mtime, d.linkGroup.ctime = atime, mtime, ctime
}

// Stream returns the named stream ("" for the default data stream),
// creating it empty if this is the first reference to a new ADS name.
func (d *Dentry) Stream(name string) *Stream {
	s, ok := d.linkGroup.streams[name]
	if !ok {
		s = &Stream{Name: name}
		d.linkGroup.streams[name] = s
	}
	return s
}

// LookupStream returns the named stream without creating it, for
// callers that must distinguish "no such stream" from "empty stream".
func (d *Dentry) LookupStream(name string) (*Stream, bool) {
	s, ok := d.linkGroup.streams[name]
	return s, ok
}

func (d *Dentry) RemoveStream(name string) {
	delete(d.linkGroup.streams, name)
}

func (d *Dentry) Streams() map[string]*Stream {
	return d.linkGroup.streams
}

// Unlink removes this dentry from its hard-link group's membership.
// Returns true once the group has no more names, meaning its streams
// are now orphaned and candidates for staging-store/LTE cleanup.
func (d *Dentry) Unlink() (groupEmpty bool) {
	delete(d.linkGroup.linkedFrom, d)
	return len(d.linkGroup.linkedFrom) == 0
}

// IncrementOpenCount and DecrementOpenCount implement the same
// deferred-destruction discipline fuse uses for inode lookup counts:
// every LookUpInode/MkDir/CreateFile reply increments, every
// ForgetInode decrements, and the dentry is only eligible for removal
// from memory once the count returns to zero.
func (d *Dentry) IncrementOpenCount() {
	d.openCount.Inc()
}

func (d *Dentry) DecrementOpenCount(n uint64) (destroyed bool) {
	return d.openCount.Dec(n)
}
