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

	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// StatFS reports space and inode usage of the staging directory's
// backing filesystem, since that's what actually limits how much more
// can be materialized or written before the mount runs out of room. A
// read-only mount has no staging directory; its numbers come from the
// daemon's working directory instead, purely so df has something
// sensible to print.
func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	dir := fs.Staging.Dir()
	if dir == "" {
		dir = "."
	}

	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return err
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = 1 << 16
	op.Inodes = st.Files
	op.InodesFree = st.Ffree

	return nil
}
