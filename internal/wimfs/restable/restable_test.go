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

package restable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

func TestLookupEntryDescriptorBookkeeping(t *testing.T) {
	e := NewLookupEntry(tree.Hash{1, 2, 3}, 42)
	e.AddOwner(tree.HardLinkGroupID(1))
	e.CheckInvariants()

	fh := NewFileHandle(7, tree.HardLinkGroupID(1), "", 0, e)
	require.NoError(t, e.AddDescriptor(7, fh))
	require.Equal(t, 1, e.NumOpened)
	e.CheckInvariants()

	got, ok := e.Descriptor(7)
	require.True(t, ok)
	assert.Same(t, fh, got)

	lastClosed := e.RemoveDescriptor(7)
	assert.True(t, lastClosed)
	assert.Equal(t, 0, e.NumOpened)
	e.CheckInvariants()
}

func TestLookupEntryInvariantPanicsOnMismatch(t *testing.T) {
	e := NewLookupEntry(tree.Hash{}, 0)
	e.NumOpened = 1 // inconsistent: no descriptors recorded

	assert.Panics(t, func() { e.CheckInvariants() })
}

func TestFileHandleStaleAfterSplit(t *testing.T) {
	e := NewLookupEntry(tree.Hash{9}, 10)
	fh := NewFileHandle(1, tree.HardLinkGroupID(1), "", 0, e)
	assert.False(t, fh.Stale())

	e.BumpVersion()
	assert.True(t, fh.Stale())

	fh.Resync()
	assert.False(t, fh.Stale())
}

func TestDescriptorVectorReusesFreedIDs(t *testing.T) {
	dv := NewDescriptorVector()
	e := NewLookupEntry(tree.Hash{}, 0)

	fh1 := NewFileHandle(0, tree.HardLinkGroupID(1), "", 0, e)
	id1 := dv.Allocate(fh1)

	fh2 := NewFileHandle(0, tree.HardLinkGroupID(1), "", 0, e)
	id2 := dv.Allocate(fh2)
	assert.NotEqual(t, id1, id2)

	dv.Release(id1)
	assert.Equal(t, 1, dv.Len())

	fh3 := NewFileHandle(0, tree.HardLinkGroupID(1), "", 0, e)
	id3 := dv.Allocate(fh3)
	assert.Equal(t, id1, id3, "freed IDs should be recycled before growing the vector")
}

func TestLookupEntryFailsAtPerStreamHandleCap(t *testing.T) {
	e := NewLookupEntry(tree.Hash{}, 0)

	for i := 0; i < MaxStreamHandles; i++ {
		fh := NewFileHandle(uint64(i), tree.HardLinkGroupID(1), "", 0, e)
		require.NoError(t, e.AddDescriptor(uint64(i), fh))
	}

	overflow := NewFileHandle(uint64(MaxStreamHandles), tree.HardLinkGroupID(1), "", 0, e)
	err := e.AddDescriptor(uint64(MaxStreamHandles), overflow)
	require.ErrorIs(t, err, wimerrors.ErrTooManyFiles)

	e.RemoveDescriptor(0)
	require.NoError(t, e.AddDescriptor(uint64(MaxStreamHandles), overflow),
		"closing a handle must make room under the cap")

	// The cap is per stream: a second entry is unaffected by the first
	// one being full.
	other := NewLookupEntry(tree.Hash{1}, 0)
	require.NoError(t, other.AddDescriptor(1, NewFileHandle(1, tree.HardLinkGroupID(1), "", 0, other)))
}
