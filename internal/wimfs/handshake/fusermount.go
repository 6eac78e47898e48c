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

package handshake

import (
	"fmt"
	"os/exec"
	"time"
)

// Unmount invokes fusermount -u to detach the mount point at the
// kernel level, then dials the daemon's handshake socket to learn
// whether its commit actually succeeded. fusermount returns as soon as
// the kernel detaches dir, which happens well before the daemon (still
// running, now past its ServeOps read loop) has finished rehashing and
// writing back staged streams. That gap is why the dial below waits up
// to clientTimeout rather than treating a quick reply as guaranteed.
func Unmount(dir string, req *Request, clientTimeout time.Duration) error {
	if err := fuserunmount(dir); err != nil {
		return err
	}

	status, err := Dial(dir, req, clientTimeout)
	if err != nil {
		return err
	}

	if status != StatusOK {
		return fmt.Errorf("daemon reported unmount status %d", status)
	}

	return nil
}

func fuserunmount(dir string) error {
	fusermount, err := findFusermount()
	if err != nil {
		return fmt.Errorf("findFusermount: %w", err)
	}

	cmd := exec.Command(fusermount, "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fusermount: %v (%s)", err, output)
	}

	return nil
}

func findFusermount() (string, error) {
	return exec.LookPath("fusermount")
}
