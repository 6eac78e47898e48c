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

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/wimlibgo/wimfs/internal/wimfs/mount"
)

var unmountDiscard bool

var unmountCmd = &cobra.Command{
	Use:   "unmount mount_point",
	Short: "Commit staged changes (unless --discard) and unmount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}

		mountDir, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving mount point: %w", err)
		}

		return mount.Unmount(mountDir, mount.UnmountFlags{
			Cfg:     mountConfig,
			Discard: unmountDiscard,
		})
	},
}

func init() {
	unmountCmd.Flags().BoolVar(&unmountDiscard, "discard", false, "Discard staged changes instead of committing them.")
}
