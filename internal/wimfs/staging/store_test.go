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

package staging

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeReaderAt struct {
	data []byte
}

func (f fakeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if off+int64(n) >= int64(len(f.data)) {
		return n, io.EOF
	}
	return n, nil
}

func TestStoreCreateAndRemove(t *testing.T) {
	s, err := New(t.TempDir(), uuid.New())
	require.NoError(t, err)

	f, path, err := s.Create()
	require.NoError(t, err)
	defer f.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Remove(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestStoreCopyFromMaterializesContent(t *testing.T) {
	s, err := New(t.TempDir(), uuid.New())
	require.NoError(t, err)

	want := []byte("hello from the archive")
	f, _, err := s.CopyFrom(fakeReaderAt{want}, int64(len(want)))
	require.NoError(t, err)
	defer f.Close()

	got := make([]byte, len(want))
	n, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.True(t, bytes.Equal(want, got))
}

func TestStoreDestroyAllRemovesDirectory(t *testing.T) {
	base := t.TempDir()
	s, err := New(base, uuid.New())
	require.NoError(t, err)

	_, _, err = s.Create()
	require.NoError(t, err)

	require.NoError(t, s.DestroyAll())
	_, err = os.Stat(s.Dir())
	require.True(t, os.IsNotExist(err))
}
