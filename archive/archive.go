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

// Package archive is the seam between the mounted filesystem and the
// on-disk WIM container format. It deliberately knows nothing about
// fuse, dentries or staging files: it can read an existing stream by
// hash, and it can atomically swap in a freshly written index at
// commit time. The wire format of the archive itself is out of scope
// here; a real implementation would decode the WIM header, the XML
// info, and the metadata resource described in the archive's own
// on-disk layout.
package archive

import (
	"context"
	"io"

	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
)

// Handle is a read-write-opened archive file. The mount entry point
// obtains one and threads it through the server, commit engine and
// resource virtualizer.
type Handle interface {
	// OpenStream returns a reader positioned to read the named
	// stream's bytes, or an error satisfying errors.Is(err,
	// wimerrors.ErrNotExist) if hash names no stream in the archive.
	OpenStream(ctx context.Context, hash tree.Hash) (io.ReaderAt, int64, error)

	// HasStream reports whether hash already names a stream in the
	// archive, used by the commit engine's dedupe step to avoid
	// rewriting content that's already present.
	HasStream(ctx context.Context, hash tree.Hash) (bool, error)

	// CommitIndex atomically replaces the archive's directory index
	// and lookup table with newIndex, the way MutableObject.Sync
	// replaces a GCS object's generation: the old index remains
	// readable to anyone still using the prior Handle until the swap
	// completes.
	CommitIndex(ctx context.Context, newIndex *Index) error

	// OpenImage decodes the 1-based image at imageIndex into an Index
	// ready to be mounted. The wire decode itself (WIM header, XML
	// info, metadata resource) is the out-of-scope codec; this is the
	// seam the mount entry point calls through to get a tree to serve.
	OpenImage(ctx context.Context, imageIndex int) (*Index, error)

	// WriteStream appends a new stream's bytes to the archive,
	// returning nothing: the caller already knows the hash and size,
	// since it had to rehash the staging file to decide whether to
	// call this at all.
	WriteStream(ctx context.Context, hash tree.Hash, r io.Reader, size int64) error

	Close() error
}

// Index is the serialized form of the directory tree and lookup table
// written back to the archive at commit time.
type Index struct {
	Root    *tree.Dentry
	Streams map[tree.Hash]int64 // hash -> size, for every referenced stream

	// WriteIntegrityTable asks the writer to append a checksum table
	// covering the rewritten archive, per the unmount client's request.
	WriteIntegrityTable bool
}
