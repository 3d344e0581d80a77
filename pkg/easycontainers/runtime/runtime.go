/*
Copyright 2024 The Easycontainers Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runtime defines the platform-agnostic contract every backend
// implements, and the Config the factory hands to them.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
)

// ExecRequest describes one process to run inside a running container.
type ExecRequest struct {
	Command    string
	Args       []string
	UseTTY     bool
	WorkingDir string

	// Input, when set, is attached as the process's stdin and streamed
	// until EOF.
	Input io.Reader
	// Output receives the process's stdout. Stderr is captured separately
	// and returned in the result; the streams are never merged (with a TTY
	// the backend itself folds stderr into stdout).
	Output io.Writer

	// Timeout bounds the whole call; zero means indefinite.
	Timeout time.Duration
}

// ExecResult is the outcome of an ExecRequest. ExitCode is nil when the
// request timed out before the process finished.
type ExecResult struct {
	ExitCode *int
	Stderr   string
}

// Runtime realizes a container handle against one backend. All methods are
// synchronous from the caller's perspective; watchers and log streamers run
// internally. Implementations are not safe for concurrent lifecycle calls
// (Start/Stop/Delete), but Execute and the file-transfer methods may be
// used concurrently while the container is RUNNING.
type Runtime interface {
	// Start creates the backend resources and returns once the workload is
	// observed running, transitioning UNINITIATED -> INITIALIZING ->
	// RUNNING. The image is pulled if missing. Exceeding the configured
	// start budget fails the container.
	Start(ctx context.Context) error

	// Stop gracefully terminates the workload: TERMINATING -> STOPPED.
	// Stopping an already-stopped container is a no-op.
	Stop(ctx context.Context) error

	// Kill terminates the workload immediately.
	Kill(ctx context.Context) error

	// Delete removes the backend resources. Without force it requires
	// STOPPED or FAILED; with force it may be called from any state and is
	// idempotent.
	Delete(ctx context.Context, force bool) error

	// WaitForCompletion blocks until the workload finishes and returns its
	// exit code. A zero timeout waits indefinitely.
	WaitForCompletion(ctx context.Context, timeout time.Duration) (int, error)

	// Execute runs a process inside the container, which must be RUNNING.
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// PutFile streams a local file into remoteDir (created with mkdir -p),
	// named remoteName or the local base name when remoteName is empty.
	// Returns the number of bytes transferred.
	PutFile(ctx context.Context, localPath, remoteDir, remoteName string) (int64, error)

	// GetFile retrieves remoteDir/remoteName. When localPath is empty the
	// file lands in a fresh temp directory; when it names a directory the
	// remote name is appended; otherwise it is used as-is, overwriting.
	// Returns the final local path.
	GetFile(ctx context.Context, remoteDir, remoteName, localPath string) (string, error)

	// PutDirectory streams the local tree into remoteDir (created with
	// mkdir -p). Returns the number of archive bytes sent.
	PutDirectory(ctx context.Context, localDir, remoteDir string) (int64, error)

	// GetDirectory retrieves the remote directory into localDir and
	// returns the parent directory together with the extracted files,
	// relative to it.
	GetDirectory(ctx context.Context, remoteDir, localDir string) (string, []string, error)

	// Container returns the handle the runtime mutates.
	Container() *container.Container
}
