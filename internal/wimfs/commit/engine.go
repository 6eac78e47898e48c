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

// Package commit implements the sequence that runs at unmount time:
// rehash every staged stream,
// dedupe it against what the archive already has, write the streams
// that are genuinely new, and atomically swap in the updated index.
// Modeled on the seek-then-upload-then-swap-generation sequence a
// MutableObject performs on Sync, generalized across every staged
// entry in the tree instead of a single object.
package commit

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wimlibgo/wimfs/archive"
	"github.com/wimlibgo/wimfs/internal/wimfs/staging"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
	"github.com/wimlibgo/wimfs/internal/wimfs/virt"
	"github.com/wimlibgo/wimfs/metrics"
)

// Engine runs the commit sequence against one mount's tree, table and
// staging store.
type Engine struct {
	Archive archive.Handle
	Table   *virt.Table
	Staging *staging.Store

	// CheckIntegrity carries the unmount client's request that the
	// rewritten archive include an integrity table.
	CheckIntegrity bool
}

// Run rehashes and dedupes every resident (staged) entry in the lookup
// table, writes the ones the archive doesn't already have, rewrites the
// in-memory streams that pointed at placeholder (pre-rehash) hashes to
// their final content hash, and then atomically commits the new index.
func (e *Engine) Run(ctx context.Context, root *tree.Dentry) (err error) {
	start := time.Now()
	defer func() {
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
	}()

	// Step 1: quiesce every staged fd before touching any staging file's
	// bytes, so rehashing never races a still-open writer.
	for _, entry := range e.Table.All() {
		entry.Lock()
		cerr := entry.CloseDescriptors()
		entry.Unlock()
		if cerr != nil {
			return fmt.Errorf("closing staged descriptors: %w", cerr)
		}
	}

	rekeyed := make(map[tree.Hash]tree.Hash)

	for hash, entry := range e.Table.All() {
		entry.Lock()
		resident := entry.IsResident()
		stagingPath := entry.StagingPath
		entry.Unlock()

		if !resident {
			continue
		}

		finalHash, size, rerr := hashStagingFile(stagingPath)
		if rerr != nil {
			return fmt.Errorf("hashing staged stream: %w", rerr)
		}

		if finalHash == hash {
			continue
		}

		// An earlier iteration of this same loop may already have
		// rekeyed a sibling staged entry onto finalHash (two files
		// written with identical bytes in one session, neither yet
		// in the archive): fold this one into that survivor instead
		// of writing the bytes twice.
		if survivor, ok := e.Table.Get(finalHash); ok {
			if err := e.Table.Dedupe(hash, survivor); err != nil {
				return err
			}
			metrics.DedupeHits.Inc()
			rekeyed[hash] = finalHash
			continue
		}

		exists, herr := e.Archive.HasStream(ctx, finalHash)
		if herr != nil {
			return fmt.Errorf("checking archive for dedupe: %w", herr)
		}

		if !exists {
			f, oerr := os.Open(stagingPath)
			if oerr != nil {
				return fmt.Errorf("opening staged stream for write-back: %w", oerr)
			}
			werr := e.Archive.WriteStream(ctx, finalHash, f, size)
			f.Close()
			if werr != nil {
				return fmt.Errorf("writing new stream: %w", werr)
			}
		} else {
			metrics.DedupeHits.Inc()
		}

		if err := e.Table.Rekey(hash, finalHash); err != nil {
			return err
		}
		rekeyed[hash] = finalHash
	}

	applyRekeys(root, rekeyed)

	idx := &archive.Index{Root: root, Streams: make(map[tree.Hash]int64), WriteIntegrityTable: e.CheckIntegrity}
	for h, entry := range e.Table.All() {
		idx.Streams[h] = entry.Size
	}

	if err := e.Archive.CommitIndex(ctx, idx); err != nil {
		return fmt.Errorf("committing index: %w", err)
	}

	return nil
}

// applyRekeys walks the tree updating every stream whose hash was
// renamed by the rehash-and-dedupe pass above.
func applyRekeys(d *tree.Dentry, rekeyed map[tree.Hash]tree.Hash) {
	for _, s := range d.Streams() {
		if newHash, ok := rekeyed[s.Hash]; ok {
			s.Hash = newHash
		}
	}

	if !d.IsDir() {
		return
	}
	for _, child := range d.Children() {
		applyRekeys(child, rekeyed)
	}
}

func hashStagingFile(path string) (tree.Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return tree.Hash{}, 0, err
	}
	defer f.Close()

	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return tree.Hash{}, 0, err
	}

	var out tree.Hash
	copy(out[:], h.Sum(nil))
	return out, n, nil
}
