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

package commit

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wimlibgo/wimfs/archive"
	"github.com/wimlibgo/wimfs/internal/wimfs/staging"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/internal/wimfs/virt"
)

type fakeArchive struct {
	streams map[tree.Hash][]byte
	index   *archive.Index
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

func (f *fakeArchive) CommitIndex(ctx context.Context, idx *archive.Index) error {
	f.index = idx
	return nil
}

func (f *fakeArchive) WriteStream(ctx context.Context, h tree.Hash, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.streams[h] = data
	return nil
}

func (f *fakeArchive) OpenImage(ctx context.Context, imageIndex int) (*archive.Index, error) {
	return f.index, nil
}

func (f *fakeArchive) Close() error { return nil }

func TestEngineRunWritesNewStreamAndRekeysTree(t *testing.T) {
	arch := newFakeArchive()
	table := virt.NewTable()
	store, err := staging.New(t.TempDir(), uuid.New())
	require.NoError(t, err)

	placeholder := tree.Hash{0xAA}
	entry := table.GetOrCreate(placeholder, 0)
	entry.AddOwner(tree.HardLinkGroupID(1))

	f, path, err := store.Create()
	require.NoError(t, err)
	_, err = f.WriteString("committed content")
	require.NoError(t, err)
	f.Close()
	entry.StagingPath = path

	root := tree.NewDir("/", 0755, 0, 0, 1, time.Now(), func() error { return nil })
	fileDentry := tree.NewFile("a.txt", 0644, 0, 0, 2, time.Now(), func() error { return nil })
	root.SetChild("a.txt", fileDentry)
	fileDentry.Stream("").Hash = placeholder

	eng := &Engine{Archive: arch, Table: table, Staging: store}
	require.NoError(t, eng.Run(context.Background(), root))

	require.NotEqual(t, placeholder, fileDentry.Stream("").Hash)
	_, stillPlaceholder := table.Get(placeholder)
	require.False(t, stillPlaceholder)

	newHash := fileDentry.Stream("").Hash
	_, ok := table.Get(newHash)
	require.True(t, ok)

	require.NotNil(t, arch.index)
	require.Contains(t, arch.streams, newHash)
}

func TestEngineRunDedupesAgainstExistingStream(t *testing.T) {
	arch := newFakeArchive()
	table := virt.NewTable()
	store, err := staging.New(t.TempDir(), uuid.New())
	require.NoError(t, err)

	existingHash, _, err := hashStagingFileFromBytes([]byte("dup"))
	require.NoError(t, err)
	arch.streams[existingHash] = []byte("dup")

	placeholder := tree.Hash{0xBB}
	entry := table.GetOrCreate(placeholder, 0)
	entry.AddOwner(tree.HardLinkGroupID(1))
	f, path, err := store.Create()
	require.NoError(t, err)
	_, err = f.WriteString("dup")
	require.NoError(t, err)
	f.Close()
	entry.StagingPath = path

	root := tree.NewDir("/", 0755, 0, 0, 1, time.Now(), func() error { return nil })

	eng := &Engine{Archive: arch, Table: table, Staging: store}
	require.NoError(t, eng.Run(context.Background(), root))

	require.Len(t, arch.streams, 1, "deduped content must not be written twice")
}

func TestEngineRunDedupesTwoStagedEntriesWithIdenticalContent(t *testing.T) {
	arch := newFakeArchive()
	table := virt.NewTable()
	store, err := staging.New(t.TempDir(), uuid.New())
	require.NoError(t, err)

	placeholderA := tree.Hash{0xCC}
	entryA := table.GetOrCreate(placeholderA, 0)
	entryA.AddOwner(tree.HardLinkGroupID(1))
	fa, pathA, err := store.Create()
	require.NoError(t, err)
	_, err = fa.WriteString("twins")
	require.NoError(t, err)
	fa.Close()
	entryA.StagingPath = pathA

	placeholderB := tree.Hash{0xDD}
	entryB := table.GetOrCreate(placeholderB, 0)
	entryB.AddOwner(tree.HardLinkGroupID(2))
	fb, pathB, err := store.Create()
	require.NoError(t, err)
	_, err = fb.WriteString("twins")
	require.NoError(t, err)
	fb.Close()
	entryB.StagingPath = pathB

	root := tree.NewDir("/", 0755, 0, 0, 1, time.Now(), func() error { return nil })
	fileA := tree.NewFile("a.txt", 0644, 0, 0, 1, time.Now(), func() error { return nil })
	fileA.Stream("").Hash = placeholderA
	root.SetChild("a.txt", fileA)
	fileB := tree.NewFile("b.txt", 0644, 0, 0, 2, time.Now(), func() error { return nil })
	fileB.Stream("").Hash = placeholderB
	root.SetChild("b.txt", fileB)

	eng := &Engine{Archive: arch, Table: table, Staging: store}
	require.NoError(t, eng.Run(context.Background(), root))

	require.Equal(t, fileA.Stream("").Hash, fileB.Stream("").Hash, "identical staged content must converge on one hash")
	require.Len(t, arch.streams, 1, "identical content staged by two different entries must be written only once")

	survivor, ok := table.Get(fileA.Stream("").Hash)
	require.True(t, ok)
	require.True(t, survivor.Owns(tree.HardLinkGroupID(1)))
	require.True(t, survivor.Owns(tree.HardLinkGroupID(2)))
	require.Equal(t, 2, survivor.RefCount)
}

func hashStagingFileFromBytes(data []byte) (tree.Hash, int64, error) {
	dir, err := os.MkdirTemp("", "wimfs-test")
	if err != nil {
		return tree.Hash{}, 0, err
	}
	defer os.RemoveAll(dir)

	path := dir + "/x"
	if err := os.WriteFile(path, data, 0600); err != nil {
		return tree.Hash{}, 0, err
	}
	return hashStagingFile(path)
}
