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

package tree

// Hash identifies a stream's content, the way an LTE is keyed in the
// lookup table. An all-zero hash means the stream is empty; opening
// it goes through a shared entry under the zero key, not through
// archived or staged content.
type Hash [20]byte

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Stream is one data stream hanging off a dentry: either the unnamed
// (default) stream, or a named alternate data stream. It never holds
// bytes itself; it only names the LTE currently backing the content,
// by content hash.
type Stream struct {
	// Name is "" for the unnamed stream, otherwise the ADS name.
	Name string

	Hash Hash

	// Size is cached here so getattr/fgetattr don't need to go through
	// the lookup table for a stat(2) on a stream that has never been
	// opened in this session.
	Size int64
}
