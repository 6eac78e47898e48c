// Copyright 2015 Google Inc. All Rights Reserved.
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

package tree

import "log/slog"

// refCount is the generic "decrement to zero and then destroy" helper
// behind a directory entry's open_count. The kernel increments on
// every reference it hands out and decrements when it forgets one; the
// object is only torn down once every outstanding reference has been
// returned.
type refCount struct {
	count   uint64
	destroy func() error
}

func newRefCount(destroy func() error) refCount {
	return refCount{destroy: destroy}
}

func (rc *refCount) Inc() {
	rc.count++
}

// Dec decrements the count by n. If it reaches zero, destroy is invoked
// and Dec returns true. Panics if n is larger than the current count,
// since that indicates a bookkeeping bug upstream (double-forget).
func (rc *refCount) Dec(n uint64) (destroyed bool) {
	if n > rc.count {
		panic("lookup count underflow")
	}

	rc.count -= n
	if rc.count == 0 {
		if rc.destroy != nil {
			if err := rc.destroy(); err != nil {
				slog.Error("destroying object after last reference", "error", err)
			}
		}
		destroyed = true
	}

	return
}

func (rc *refCount) Count() uint64 {
	return rc.count
}
