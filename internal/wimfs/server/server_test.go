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
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"
	"github.com/wimlibgo/wimfs/archive"
	"github.com/wimlibgo/wimfs/internal/wimfs/staging"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/internal/wimfs/virt"
)

type fakeArchive struct {
	streams map[tree.Hash][]byte
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{streams: make(map[tree.Hash][]byte)}
}

func (f *fakeArchive) OpenStream(ctx context.Context, h tree.Hash) (io.ReaderAt, int64, error) {
	data, ok := f.streams[h]
	if !ok {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
func (f *fakeArchive) HasStream(ctx context.Context, h tree.Hash) (bool, error) {
	_, ok := f.streams[h]
	return ok, nil
}
func (f *fakeArchive) CommitIndex(ctx context.Context, idx *archive.Index) error { return nil }
func (f *fakeArchive) WriteStream(ctx context.Context, h tree.Hash, r io.Reader, size int64) error {
	return nil
}
func (f *fakeArchive) OpenImage(ctx context.Context, imageIndex int) (*archive.Index, error) {
	return nil, nil
}
func (f *fakeArchive) Close() error { return nil }

func newTestFileSystem(t *testing.T) (*FileSystem, *fakeArchive) {
	t.Helper()

	root := tree.NewDir("/", 0755, 0, 0, 1, time.Now(), func() error { return nil })
	table := virt.NewTable()
	store, err := staging.New(t.TempDir(), uuid.New())
	require.NoError(t, err)
	arch := newFakeArchive()
	vz := virt.New(arch, store, table)

	return New(Config{FileMode: 0644}, root, arch, table, vz, store), arch
}

func TestMkDirThenLookUp(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: 0755 | os.ModeDir}
	require.NoError(t, fs.MkDir(ctx, mk))
	require.NotZero(t, mk.Entry.Child)

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, fs.LookUpInode(ctx, lookup))
	require.Equal(t, mk.Entry.Child, lookup.Entry.Child)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "a.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	write := &fuseops.WriteFileOp{Inode: create.Entry.Child, Handle: create.Handle, Offset: 0, Data: []byte("hello world")}
	require.NoError(t, fs.WriteFile(ctx, write))

	dst := make([]byte, 11)
	read := &fuseops.ReadFileOp{Inode: create.Entry.Child, Handle: create.Handle, Offset: 0, Dst: dst}
	require.NoError(t, fs.ReadFile(ctx, read))
	require.Equal(t, 11, read.BytesRead)
	require.Equal(t, "hello world", string(dst))
}

func TestCreateFileMaterializesBeforeFirstWrite(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "eager.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	fh, ok := fs.Descriptors.Get(uint64(create.Handle))
	require.True(t, ok)
	require.True(t, fh.Entry.IsResident(), "a writable open must leave the handle bound to a staged entry")
	require.False(t, fh.Entry.Hash.IsZero(), "a staged entry must not stay keyed by the shared zero hash")
}

func TestTwoEmptyFilesDoNotShareContent(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	p := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "p", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, p))
	q := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "q", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, q))

	write := &fuseops.WriteFileOp{Inode: p.Entry.Child, Handle: p.Handle, Offset: 0, Data: []byte("only p")}
	require.NoError(t, fs.WriteFile(ctx, write))

	dst := make([]byte, 6)
	read := &fuseops.ReadFileOp{Inode: q.Entry.Child, Handle: q.Handle, Offset: 0, Dst: dst}
	require.NoError(t, fs.ReadFile(ctx, read))
	require.Zero(t, read.BytesRead, "bytes written to one new file must not appear in another")
}

func TestOpenWriteSplitsSharedArchivedContent(t *testing.T) {
	fs, arch := newTestFileSystem(t)
	ctx := context.Background()

	// Two unrelated files whose streams dedupe onto one archived blob.
	content := []byte("shared 1024 bytes worth of content")
	var h tree.Hash
	h[0] = 0x42
	arch.streams[h] = content

	makeFile := func(name string, group tree.HardLinkGroupID) *tree.Dentry {
		d := tree.NewFile(name, 0644, 0, 0, group, time.Now(), nil)
		s := d.Stream("")
		s.Hash = h
		s.Size = int64(len(content))
		d.SetParent(fs.root)
		fs.root.SetChild(name, d)
		return d
	}
	makeFile("a", 100)
	makeFile("b", 200)
	virt.PopulateTable(fs.root, fs.Table)

	shared, ok := fs.Table.Get(h)
	require.True(t, ok)
	require.Equal(t, 2, shared.RefCount, "one reference per name pointing at the deduplicated entry")

	lookupA := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	require.NoError(t, fs.LookUpInode(ctx, lookupA))
	lookupB := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "b"}
	require.NoError(t, fs.LookUpInode(ctx, lookupB))

	// Hold a read-only handle on b, then write through a.
	openB := &fuseops.OpenFileOp{Inode: lookupB.Entry.Child}
	require.NoError(t, fs.OpenFile(ctx, openB))

	openA := &fuseops.OpenFileOp{Inode: lookupA.Entry.Child, OpenFlags: 1}
	require.NoError(t, fs.OpenFile(ctx, openA))

	write := &fuseops.WriteFileOp{Inode: lookupA.Entry.Child, Handle: openA.Handle, Offset: 0, Data: []byte("X")}
	require.NoError(t, fs.WriteFile(ctx, write))

	// b still reads the original bytes through its pre-existing handle.
	dst := make([]byte, len(content))
	readB := &fuseops.ReadFileOp{Inode: lookupB.Entry.Child, Handle: openB.Handle, Offset: 0, Dst: dst}
	require.NoError(t, fs.ReadFile(ctx, readB))
	require.Equal(t, len(content), readB.BytesRead)
	require.Equal(t, content, dst)

	// a reads the modified bytes.
	dstA := make([]byte, len(content))
	readA := &fuseops.ReadFileOp{Inode: lookupA.Entry.Child, Handle: openA.Handle, Offset: 0, Dst: dstA}
	require.NoError(t, fs.ReadFile(ctx, readA))
	require.Equal(t, byte('X'), dstA[0])
	require.Equal(t, content[1:], dstA[1:readA.BytesRead])

	// The split left each entry referenced by exactly one name.
	require.Equal(t, 1, shared.RefCount)
	fhA, ok := fs.Descriptors.Get(uint64(openA.Handle))
	require.True(t, ok)
	require.Equal(t, 1, fhA.Entry.RefCount)
}

func TestHardLinkPeersShareWrites(t *testing.T) {
	fs, arch := newTestFileSystem(t)
	ctx := context.Background()

	content := []byte("linked")
	var h tree.Hash
	h[0] = 0x43
	arch.streams[h] = content

	a := tree.NewFile("a", 0644, 0, 0, 300, time.Now(), nil)
	s := a.Stream("")
	s.Hash = h
	s.Size = int64(len(content))
	a.SetParent(fs.root)
	fs.root.SetChild("a", a)

	b := tree.NewHardLink("b", a, nil)
	b.SetParent(fs.root)
	fs.root.SetChild("b", b)
	virt.PopulateTable(fs.root, fs.Table)

	linked, ok := fs.Table.Get(h)
	require.True(t, ok)
	require.Equal(t, 2, linked.RefCount, "two names of one group both reference the entry")

	lookupA := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	require.NoError(t, fs.LookUpInode(ctx, lookupA))
	lookupB := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "b"}
	require.NoError(t, fs.LookUpInode(ctx, lookupB))

	openA := &fuseops.OpenFileOp{Inode: lookupA.Entry.Child, OpenFlags: 1}
	require.NoError(t, fs.OpenFile(ctx, openA))

	write := &fuseops.WriteFileOp{Inode: lookupA.Entry.Child, Handle: openA.Handle, Offset: 0, Data: []byte("Y")}
	require.NoError(t, fs.WriteFile(ctx, write))

	// A peer of the same hard-link group sees the modified bytes even
	// before any commit.
	openB := &fuseops.OpenFileOp{Inode: lookupB.Entry.Child}
	require.NoError(t, fs.OpenFile(ctx, openB))

	dst := make([]byte, len(content))
	readB := &fuseops.ReadFileOp{Inode: lookupB.Entry.Child, Handle: openB.Handle, Offset: 0, Dst: dst}
	require.NoError(t, fs.ReadFile(ctx, readB))
	require.Equal(t, byte('Y'), dst[0])

	// The sole-owner group kept the entry: no split, both references
	// intact on the materialized copy.
	require.Equal(t, 2, linked.RefCount)
	require.True(t, linked.IsResident())
}

func TestUnlinkRemovesChildAndRetiresEntry(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "gone.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	write := &fuseops.WriteFileOp{Inode: create.Entry.Child, Handle: create.Handle, Offset: 0, Data: []byte("bye")}
	require.NoError(t, fs.WriteFile(ctx, write))

	require.NoError(t, fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "gone.txt"}))

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "gone.txt"}
	require.Error(t, fs.LookUpInode(ctx, lookup))

	require.NoError(t, fs.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: create.Handle}))
	require.Equal(t, 0, fs.Table.Len())
}

func TestMkDirRejectsDuplicateName(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dup", Mode: 0755 | os.ModeDir}))
	err := fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dup", Mode: 0755 | os.ModeDir})
	require.Error(t, err)
}

func TestRenameMovesChildBetweenDirectories(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	mkA := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "a", Mode: 0755 | os.ModeDir}
	require.NoError(t, fs.MkDir(ctx, mkA))
	mkB := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "b", Mode: 0755 | os.ModeDir}
	require.NoError(t, fs.MkDir(ctx, mkB))

	create := &fuseops.CreateFileOp{Parent: mkA.Entry.Child, Name: "f.txt", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	require.NoError(t, fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: mkA.Entry.Child, OldName: "f.txt",
		NewParent: mkB.Entry.Child, NewName: "f.txt",
	}))

	lookup := &fuseops.LookUpInodeOp{Parent: mkB.Entry.Child, Name: "f.txt"}
	require.NoError(t, fs.LookUpInode(ctx, lookup))

	missing := &fuseops.LookUpInodeOp{Parent: mkA.Entry.Child, Name: "f.txt"}
	require.Error(t, fs.LookUpInode(ctx, missing))
}

func TestRenameOverEmptyDirectorySucceedsAndOverNonEmptyFails(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "x", Mode: 0755 | os.ModeDir}))
	mkY := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "y", Mode: 0755 | os.ModeDir}
	require.NoError(t, fs.MkDir(ctx, mkY))

	require.NoError(t, fs.Rename(ctx, &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "x",
		NewParent: fuseops.RootInodeID, NewName: "y",
	}))

	lookupY := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "y"}
	require.NoError(t, fs.LookUpInode(ctx, lookupY))
	require.NoError(t, fs.MkDir(ctx, &fuseops.MkDirOp{Parent: lookupY.Entry.Child, Name: "z", Mode: 0755 | os.ModeDir}))

	err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "y"})
	require.Error(t, err, "removing a non-empty directory must fail")
}

func TestSymlinkRoundTrip(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	sym := &fuseops.CreateSymlinkOp{Parent: fuseops.RootInodeID, Name: "ln", Target: "/elsewhere"}
	require.NoError(t, fs.CreateSymlink(ctx, sym))

	read := &fuseops.ReadSymlinkOp{Inode: sym.Entry.Child}
	require.NoError(t, fs.ReadSymlink(ctx, read))
	require.Equal(t, "/elsewhere", read.Target)
}

func TestNamedStreamsThroughXattrs(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "doc", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	set := &fuseops.SetXattrOp{Inode: create.Entry.Child, Name: "user.stream.author", Value: []byte("someone")}
	require.NoError(t, fs.SetXattr(ctx, set))

	// Size probe with an empty buffer, then the real read.
	probe := &fuseops.GetXattrOp{Inode: create.Entry.Child, Name: "user.stream.author"}
	require.NoError(t, fs.GetXattr(ctx, probe))
	require.Equal(t, 7, probe.BytesRead)

	get := &fuseops.GetXattrOp{Inode: create.Entry.Child, Name: "user.stream.author", Dst: make([]byte, 7)}
	require.NoError(t, fs.GetXattr(ctx, get))
	require.Equal(t, "someone", string(get.Dst[:get.BytesRead]))

	list := &fuseops.ListXattrOp{Inode: create.Entry.Child, Dst: make([]byte, 64)}
	require.NoError(t, fs.ListXattr(ctx, list))
	require.Contains(t, string(list.Dst[:list.BytesRead]), "user.stream.author")

	require.NoError(t, fs.RemoveXattr(ctx, &fuseops.RemoveXattrOp{Inode: create.Entry.Child, Name: "user.stream.author"}))
	missing := &fuseops.GetXattrOp{Inode: create.Entry.Child, Name: "user.stream.author"}
	require.Error(t, fs.GetXattr(ctx, missing))
}

func TestHardLinkSharesNamedStreams(t *testing.T) {
	fs, _ := newTestFileSystem(t)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "orig", Mode: 0644}
	require.NoError(t, fs.CreateFile(ctx, create))

	set := &fuseops.SetXattrOp{Inode: create.Entry.Child, Name: "user.stream.tag", Value: []byte("v1")}
	require.NoError(t, fs.SetXattr(ctx, set))

	link := &fuseops.CreateLinkOp{Parent: fuseops.RootInodeID, Name: "alias", Target: create.Entry.Child}
	require.NoError(t, fs.CreateLink(ctx, link))

	get := &fuseops.GetXattrOp{Inode: link.Entry.Child, Name: "user.stream.tag", Dst: make([]byte, 2)}
	require.NoError(t, fs.GetXattr(ctx, get))
	require.Equal(t, "v1", string(get.Dst[:get.BytesRead]))
}
