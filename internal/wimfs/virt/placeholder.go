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
	"os"

	"github.com/google/uuid"
	"github.com/wimlibgo/wimfs/internal/wimfs/tree"
)

// placeholderHash mints a fresh, collision-safe key for a split-off
// entry whose real content hash won't be known until the commit
// engine rehashes its staging file. Two concatenated v4 uuids give 32
// random bytes, truncated to the 20 a tree.Hash holds; this is never
// written to the archive, only used as an in-memory table key.
func placeholderHash() tree.Hash {
	a := uuid.New()
	b := uuid.New()

	var h tree.Hash
	copy(h[:16], a[:])
	copy(h[16:], b[:4])
	return h
}

func openStagingFile(path string) (*os.File, error) {
	return os.Open(path)
}

func openStagingFileRW(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0600)
}
