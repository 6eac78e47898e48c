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
	"sync"

	"golang.org/x/sys/unix"
)

// DescriptorVector hands out the process-wide handle IDs fuse sees in
// fuseops.HandleID, keeping the map sparse so a long-lived mount that
// opens and closes millions of files doesn't grow an ever-larger
// array. Capacity is advised (not enforced) from the process's open
// file descriptor limit, the same signal a local materialization
// budget would be sized from.
type DescriptorVector struct {
	mu      sync.Mutex
	next    uint64
	free    []uint64
	entries map[uint64]*FileHandle
}

func NewDescriptorVector() *DescriptorVector {
	return &DescriptorVector{
		next:    1,
		entries: make(map[uint64]*FileHandle),
	}
}

// AdvisoryCapacity reports the soft RLIMIT_NOFILE for this process, a
// hint callers can use to decide how aggressively to materialize
// streams rather than stream them directly from the archive.
func AdvisoryCapacity() (uint64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, err
	}
	return rlimit.Cur, nil
}

// Allocate assigns fh the next available handle ID and stores it.
// There is no cap here: the open-handle limit is per stream, enforced
// by LookupEntry.AddDescriptor, while this table only names handles
// for the kernel's per-mount handle ID namespace.
func (dv *DescriptorVector) Allocate(fh *FileHandle) uint64 {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	var id uint64
	if n := len(dv.free); n > 0 {
		id = dv.free[n-1]
		dv.free = dv.free[:n-1]
	} else {
		id = dv.next
		dv.next++
	}

	fh.ID = id
	dv.entries[id] = fh
	return id
}

func (dv *DescriptorVector) Get(id uint64) (*FileHandle, bool) {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	fh, ok := dv.entries[id]
	return fh, ok
}

// Release returns id to the free list for reuse and removes its entry.
func (dv *DescriptorVector) Release(id uint64) {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	delete(dv.entries, id)
	dv.free = append(dv.free, id)
}

func (dv *DescriptorVector) Len() int {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	return len(dv.entries)
}
