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

// Package mount wires the directory tree, lookup table, staging store,
// fuse server and commit engine together into the two entry points
// wimfsctl's cobra subcommands call: Mount, which opens an image and
// serves it until the unmount handshake fires, and Unmount, which
// drives that handshake from a separate process.
package mount

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wimlibgo/wimfs/archive"
	"github.com/wimlibgo/wimfs/cfg"
	"github.com/wimlibgo/wimfs/internal/wimfs/commit"
	"github.com/wimlibgo/wimfs/internal/wimfs/handshake"
	"github.com/wimlibgo/wimfs/internal/wimfs/server"
	"github.com/wimlibgo/wimfs/internal/wimfs/staging"
	"github.com/wimlibgo/wimfs/internal/wimfs/virt"
	"github.com/wimlibgo/wimfs/metrics"
)

// MountFlags carries the subset of cfg.Config a single Mount call
// needs, already resolved from flags/viper by the cobra command.
type MountFlags struct {
	Cfg cfg.Config

	// ReadOnly mounts with the kernel's "ro" option, so every write
	// syscall fails with EROFS before it reaches a handler. No staging
	// directory is created for a read-only mount.
	ReadOnly bool

	FSName string
}

// serveAdapter lets server.FileSystem satisfy fuse.Server, whose
// ServeOps(*fuse.Connection) signature predates this project and is
// kept as the seam jacobsa/fuse itself expects from Mount's caller.
type serveAdapter struct {
	fs *server.FileSystem
}

func (a serveAdapter) ServeOps(c *fuse.Connection) {
	server.Serve(c, a.fs)
}

// Mount opens imageIndex out of archive, mounts it at mountDir, and
// blocks serving fuse ops until the kernel detaches the mount (or ctx
// is cancelled while waiting for that). It then waits for the unmount
// handshake (see package handshake); when the request has Commit set,
// the commit engine runs before this function returns. ctx does not
// cut short the wait for the handshake.
func Mount(ctx context.Context, arch archive.Handle, imageIndex int, mountDir string, flags MountFlags) error {
	idx, err := arch.OpenImage(ctx, imageIndex)
	if err != nil {
		return fmt.Errorf("opening image %d: %w", imageIndex, err)
	}

	table := virt.NewTable()
	virt.PopulateTable(idx.Root, table)

	// Only a read-write mount gets a staging directory; a read-only
	// mount serves everything straight out of the archive and the
	// kernel's "ro" option rejects writes before they reach a handler.
	var store *staging.Store
	if !flags.ReadOnly {
		store, err = staging.New(flags.Cfg.Staging.Dir, uuid.New())
		if err != nil {
			return fmt.Errorf("creating staging directory: %w", err)
		}
	}

	vz := virt.New(arch, store, table)

	scfg := server.Config{
		ExitOnInvariantViolation: flags.Cfg.Debug.ExitOnInvariantViolation,
	}
	if flags.Cfg.FileSystem.Uid >= 0 {
		scfg.Uid = uint32(flags.Cfg.FileSystem.Uid)
	}
	if flags.Cfg.FileSystem.FileMode != 0 {
		scfg.FileMode = uint32(flags.Cfg.FileSystem.FileMode)
	}

	fs := server.New(scfg, idx.Root, arch, table, vz, store)

	if flags.Cfg.Metrics.Port != 0 {
		stopMetrics := serveMetrics(flags.Cfg.Metrics.Port)
		defer stopMetrics()
	}

	daemonTimeout := time.Duration(flags.Cfg.Handshake.DaemonTimeoutSeconds) * time.Second
	if daemonTimeout <= 0 {
		daemonTimeout = 3 * time.Second
	}
	hs, err := handshake.Listen(mountDir, daemonTimeout)
	if err != nil {
		return fmt.Errorf("binding unmount handshake: %w", err)
	}
	defer hs.Close()

	mfs, err := fuse.Mount(mountDir, serveAdapter{fs}, fuseMountConfig(flags))
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	// mfs.Join blocks until the kernel has detached mountDir (the
	// unmount client's fusermount -u) and fs's ServeOps loop has
	// returned. Only once that has happened do we start the short,
	// bounded wait for the unmount client to dial in: jacobsa/fuse has
	// no destroy callback of its own, so "ServeOps returned" is this
	// daemon's equivalent rendezvous point.
	if err := mfs.Join(ctx); err != nil {
		return fmt.Errorf("serving fuse ops: %w", err)
	}

	req, respond, err := hs.Accept()
	if err != nil {
		return fmt.Errorf("waiting for unmount handshake: %w", err)
	}

	// The commit engine only runs for a read-write mount; a client
	// asking a read-only mount to commit gets a clean no-op, since
	// there is nothing staged to integrate.
	status := handshake.StatusOK
	if req.Commit && !flags.ReadOnly {
		engine := &commit.Engine{Archive: arch, Table: table, Staging: store, CheckIntegrity: req.CheckIntegrity}
		if cerr := engine.Run(ctx, idx.Root); cerr != nil {
			slog.Error("commit failed", "error", cerr)
			status = handshake.StatusCommitFailed
		}
	}

	// The staging directory goes away whether or not the commit ran or
	// succeeded; a cleanup failure is only worth reporting if the
	// commit itself was fine.
	if rerr := store.DestroyAll(); rerr != nil {
		slog.Error("cleaning up staging directory", "error", rerr)
		if status == handshake.StatusOK {
			status = handshake.StatusCleanupFailed
		}
	}

	if err := respond(status); err != nil {
		slog.Error("replying to unmount handshake", "error", err)
	}

	return nil
}

// serveMetrics starts an HTTP server on localhost:port serving /metrics
// in the prometheus text exposition format for as long as the mount
// runs, and returns a func that shuts it down. Errors from the server
// itself (beyond a clean Shutdown) are logged, not returned: a metrics
// endpoint failing to start is not a reason to refuse to serve the
// filesystem it would have been measuring.
func serveMetrics(port int) (stop func()) {
	mux := http.NewServeMux()
	registry := metrics.NewRegistry()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: fmt.Sprintf("localhost:%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutting down metrics server", "error", err)
		}
	}
}

// fuseMountConfig translates Flags into the options jacobsa/fuse's
// Mount expects.
func fuseMountConfig(flags MountFlags) *fuse.MountConfig {
	fsName := flags.FSName
	if fsName == "" {
		fsName = "wimfs"
	}

	options := make(map[string]string)
	if flags.ReadOnly {
		options["ro"] = ""
	}

	return &fuse.MountConfig{
		FSName:     fsName,
		Subtype:    "wimfs",
		VolumeName: fsName,
		Options:    options,
	}
}

// UnmountFlags are the knobs wimfsctl unmount exposes.
type UnmountFlags struct {
	Cfg cfg.Config

	// Discard tells the daemon to drop staged changes instead of
	// running the commit engine.
	Discard bool

	// CheckIntegrity asks the daemon to write the rewritten archive
	// with an integrity table.
	CheckIntegrity bool
}

// Unmount runs fusermount -u to detach the mount point at mountDir and
// then drives the handshake against the daemon mounted there, waiting
// for its answer (or timing out, for a crashed daemon).
func Unmount(mountDir string, flags UnmountFlags) error {
	clientTimeout := time.Duration(flags.Cfg.Handshake.ClientTimeoutSeconds) * time.Second
	if clientTimeout <= 0 {
		clientTimeout = 600 * time.Second
	}
	req := &handshake.Request{Commit: !flags.Discard, CheckIntegrity: flags.CheckIntegrity}
	return handshake.Unmount(mountDir, req, clientTimeout)
}
