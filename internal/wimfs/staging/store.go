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

// Package staging manages the on-disk directory that holds the
// writable copies of streams which have been materialized out of the
// archive (or created fresh by mknod/CreateFile). Every staged file is
// named after the mount session and a fresh uuid, so a crashed daemon
// leaves behind files an operator can attribute to a specific mount.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store owns one directory of staging files for the lifetime of a
// single mount.
type Store struct {
	dir       string
	sessionID uuid.UUID
}

// New creates (or reuses, if it already exists) a staging directory
// named after sessionID under baseDir, or the OS temp dir if baseDir
// is empty.
func New(baseDir string, sessionID uuid.UUID) (*Store, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	dir := filepath.Join(baseDir, fmt.Sprintf("wimfs-%s", sessionID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	return &Store{dir: dir, sessionID: sessionID}, nil
}

// Dir returns the staging directory, or "" on a nil Store (a
// read-only mount carries no staging store at all).
func (s *Store) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

// Create allocates a brand new, empty staging file with a unique name
// and returns it open for reading and writing. O_EXCL guards against
// the vanishingly unlikely uuid collision turning into silent data
// loss instead of a clear error; unlike an anonymous unlinked
// temporary file, this file is given a discoverable name, which is
// what lets an operator inspect a mount's staging directory while it
// runs.
func (s *Store) Create() (*os.File, string, error) {
	name := filepath.Join(s.dir, uuid.NewString()+".stage")

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("creating staging file: %w", err)
	}

	return f, name, nil
}

// CopyFrom creates a new staging file and copies n bytes of content
// into it, for materializing a read-only stream into a writable one.
func (s *Store) CopyFrom(src ReaderAt, n int64) (*os.File, string, error) {
	f, name, err := s.Create()
	if err != nil {
		return nil, "", err
	}

	if n > 0 {
		buf := make([]byte, 64*1024)
		var off int64
		for off < n {
			want := int64(len(buf))
			if remaining := n - off; remaining < want {
				want = remaining
			}
			read, rerr := src.ReadAt(buf[:want], off)
			if read > 0 {
				if _, werr := f.WriteAt(buf[:read], off); werr != nil {
					f.Close()
					os.Remove(name)
					return nil, "", fmt.Errorf("copying into staging file: %w", werr)
				}
				off += int64(read)
			}
			// ReadAt reports io.EOF alongside the final full read; only
			// treat it as a failure if the source ran short of n bytes.
			if rerr == io.EOF && off == n {
				break
			}
			if rerr != nil {
				f.Close()
				os.Remove(name)
				return nil, "", fmt.Errorf("reading source content: %w", rerr)
			}
		}
	}

	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(name)
		return nil, "", err
	}

	return f, name, nil
}

// ReaderAt is satisfied by an archive's stream reader; kept as a
// narrow local interface so staging doesn't need to import the
// archive package.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// Remove deletes a staging file by path. Safe to call on a path that
// no longer exists and on a nil Store.
func (s *Store) Remove(path string) error {
	if s == nil {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DestroyAll removes the entire staging directory, used once a mount
// has committed or is being torn down without committing. A nil Store
// has nothing to destroy.
func (s *Store) DestroyAll() error {
	if s == nil {
		return nil
	}
	return os.RemoveAll(s.dir)
}
