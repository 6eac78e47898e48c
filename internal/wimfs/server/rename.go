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
	"github.com/wimlibgo/wimfs/wimerrors"
)

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, err := fs.dentryForInode(op.OldParent)
	if err != nil {
		return wimerrors.ErrStale
	}
	newParent, err := fs.dentryForInode(op.NewParent)
	if err != nil {
		return wimerrors.ErrStale
	}

	oldParent.Lock()
	if oldParent != newParent {
		newParent.Lock()
	}
	defer func() {
		if oldParent != newParent {
			newParent.Unlock()
		}
		oldParent.Unlock()
	}()

	if oldParent == newParent && op.OldName == op.NewName {
		return nil
	}

	child, ok := oldParent.Child(op.OldName)
	if !ok {
		return wimerrors.ErrNotExist
	}

	if existing, exists := newParent.Child(op.NewName); exists {
		if existing.IsDir() {
			if !child.IsDir() {
				return wimerrors.ErrIsDir
			}
			existing.Lock()
			empty := len(existing.Children()) == 0
			existing.Unlock()
			if !empty {
				return wimerrors.ErrNotEmpty
			}
		} else if child.IsDir() {
			return wimerrors.ErrNotDir
		}
		newParent.RemoveChild(op.NewName)
		fs.unlinkDentry(existing)
	}

	oldParent.RemoveChild(op.OldName)
	child.SetName(op.NewName)
	child.SetParent(newParent)
	newParent.SetChild(op.NewName, child)

	return nil
}
