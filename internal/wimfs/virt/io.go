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

package virt

import (
	"context"
	"fmt"
	"io"

	"github.com/wimlibgo/wimfs/internal/wimfs/restable"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/wimerrors"
)

// ReadAt serves a read directly out of fh's entry. A staged entry is
// read off its local fd; an entry still backed only by the archive is
// read straight through the codec without copying it to staging
// first: materialization is a write-path concern only, so a read-only
// mount (or a read-only open of a writable mount) never touches the
// staging directory at all.
func (v *Virtualizer) ReadAt(ctx context.Context, fh *restable.FileHandle, p []byte, off int64) (int, error) {
	entry := fh.Entry

	entry.Lock()
	defer entry.Unlock()

	if off >= entry.Size {
		if off == entry.Size {
			return 0, io.EOF
		}
		return 0, wimerrors.ErrOverflow
	}

	if entry.IsResident() {
		f, err := v.openHandleFile(fh, entry)
		if err != nil {
			return 0, err
		}
		return f.ReadAt(p, off)
	}

	if entry.Hash.IsZero() {
		return 0, io.EOF
	}

	r, size, err := v.src.OpenStream(ctx, entry.Hash)
	if err != nil {
		return 0, fmt.Errorf("reading archived stream: %w", err)
	}

	want := p
	if max := size - off; int64(len(want)) > max {
		want = want[:max]
	}

	n, err := r.ReadAt(want, off)
	if err == io.EOF && n == len(want) {
		err = nil
	}
	return n, err
}

// WriteAt performs the copy-on-write step (split off a private copy if
// the entry is shared, otherwise materialize it in place) before
// writing, and updates stream/entry size metadata.
func (v *Virtualizer) WriteAt(ctx context.Context, stream *tree.Stream, fh *restable.FileHandle, p []byte, off int64) (int, error) {
	entry, err := v.PrepareWrite(ctx, stream, fh)
	if err != nil {
		return 0, err
	}

	entry.Lock()
	defer entry.Unlock()

	f, err := v.openHandleFile(fh, entry)
	if err != nil {
		return 0, err
	}

	n, err := f.WriteAt(p, off)
	if err != nil {
		return n, err
	}

	if end := off + int64(n); end > entry.Size {
		entry.Size = end
		stream.Size = end
	}

	return n, nil
}

// Truncate resizes fh's entry (splitting first if needed) to size.
func (v *Virtualizer) Truncate(ctx context.Context, stream *tree.Stream, fh *restable.FileHandle, size int64) error {
	entry, err := v.PrepareWrite(ctx, stream, fh)
	if err != nil {
		return err
	}

	entry.Lock()
	defer entry.Unlock()

	f, err := v.openHandleFile(fh, entry)
	if err != nil {
		return err
	}

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncating staging file: %w", err)
	}

	entry.Size = size
	stream.Size = size
	return nil
}

// openHandleFile returns fh's cached *os.File for entry's staging
// path, opening it the first time fh is used for I/O.
func (v *Virtualizer) openHandleFile(fh *restable.FileHandle, entry *restable.LookupEntry) (fileReadWriterAt, error) {
	if f := fh.File(); f != nil {
		return f, nil
	}

	f, err := openStagingFileRW(entry.StagingPath)
	if err != nil {
		return nil, fmt.Errorf("opening staging file: %w", err)
	}
	fh.SetFile(f)
	return f, nil
}

type fileReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
}
