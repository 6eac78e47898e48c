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

package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	mountPoint := t.TempDir() + "/mnt"

	srv, err := Listen(mountPoint, 3*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		req, respond, err := srv.Accept()
		if err != nil {
			done <- err
			return
		}
		if !req.Commit {
			done <- nil
			respond(StatusCommitFailed)
			return
		}
		done <- respond(StatusOK)
	}()

	status, err := Dial(mountPoint, &Request{Commit: true, CheckIntegrity: true}, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, StatusOK, status)
}

func TestDialTimesOutWhenDaemonNeverReplies(t *testing.T) {
	mountPoint := t.TempDir() + "/mnt"

	srv, err := Listen(mountPoint, 3*time.Second)
	require.NoError(t, err)
	defer srv.Close()

	accepted := make(chan struct{})
	go func() {
		// Take the request but never answer it, as a daemon stuck in a
		// long commit would.
		srv.Accept()
		close(accepted)
	}()

	_, err = Dial(mountPoint, &Request{Commit: true}, 300*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	<-accepted
}

func TestSocketPathIsDeterministic(t *testing.T) {
	a := SocketPath("/mnt/archive")
	b := SocketPath("/mnt/archive")
	c := SocketPath("/mnt/other")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
