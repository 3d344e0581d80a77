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

package kubernetes

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// File transfer runs tar through the exec subresource: an upload pipes a tar
// stream into `tar -xmf - -C <dir>` in the pod, a download captures the
// stdout of `tar -cf - -C <parent> <name>`.

// PutFile streams a local file into remoteDir, creating the directory first.
// Returns the file size in bytes.
func (b *base) PutFile(ctx context.Context, localPath, remoteDir, remoteName string) (int64, error) {
	ctx = b.logContext(ctx)
	if err := b.requireRunning("putFile"); err != nil {
		return 0, err
	}
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}

	if err := b.remoteMkdir(ctx, remoteDir); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := util.CreateSingleFileTar(pw, remoteName, localPath)
		pw.CloseWithError(err)
	}()
	if err := b.remoteUntar(ctx, remoteDir, pr); err != nil {
		return 0, err
	}

	log.Entry(ctx).Debugf("copied %s to %s/%s (%d bytes)", localPath, remoteDir, remoteName, fi.Size())
	return fi.Size(), nil
}

// GetFile retrieves remoteDir/remoteName to localPath. See
// util.ResolveLocalPath for how an empty path or a directory is handled.
func (b *base) GetFile(ctx context.Context, remoteDir, remoteName, localPath string) (string, error) {
	ctx = b.logContext(ctx)
	if err := b.requireRunning("getFile"); err != nil {
		return "", err
	}

	staging, err := os.MkdirTemp("", "easycontainers-get-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	files, err := b.remoteTar(ctx, remoteDir, remoteName, staging)
	if err != nil {
		return "", err
	}

	extracted := ""
	for _, f := range files {
		if filepath.Base(f) == remoteName {
			extracted = f
			break
		}
	}
	if extracted == "" && len(files) == 1 {
		extracted = files[0]
	}
	if extracted == "" {
		return "", &errors.NotFoundError{Kind: "file", Name: path.Join(remoteDir, remoteName)}
	}

	target, err := util.ResolveLocalPath(localPath, remoteName)
	if err != nil {
		return "", err
	}
	if err := util.MoveFile(filepath.Join(staging, extracted), target); err != nil {
		return "", err
	}
	return target, nil
}

// PutDirectory streams the local tree into remoteDir, creating the directory
// first. Returns the number of archive bytes sent.
func (b *base) PutDirectory(ctx context.Context, localDir, remoteDir string) (int64, error) {
	ctx = b.logContext(ctx)
	if err := b.requireRunning("putDirectory"); err != nil {
		return 0, err
	}

	if err := b.remoteMkdir(ctx, remoteDir); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	counter := &util.CountingWriter{W: pw}
	go func() {
		pw.CloseWithError(util.CreateTar(counter, localDir))
	}()
	if err := b.remoteUntar(ctx, remoteDir, pr); err != nil {
		return 0, err
	}

	log.Entry(ctx).Debugf("copied %s to %s (%d archive bytes)", localDir, remoteDir, counter.N)
	return counter.N, nil
}

// GetDirectory retrieves remoteDir into localDir. The archive is rooted at
// the remote directory's base name, so the files land under
// localDir/<base>/... and are returned relative to localDir.
func (b *base) GetDirectory(ctx context.Context, remoteDir, localDir string) (string, []string, error) {
	ctx = b.logContext(ctx)
	if err := b.requireRunning("getDirectory"); err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", nil, err
	}
	files, err := b.remoteTar(ctx, path.Dir(remoteDir), path.Base(remoteDir), localDir)
	if err != nil {
		return "", nil, err
	}
	return localDir, files, nil
}

func (b *base) requireRunning(op string) error {
	if state := b.cont.State(); state != container.StateRunning {
		return &errors.StateError{Op: op, Current: string(state), Required: string(container.StateRunning)}
	}
	return nil
}

func (b *base) remoteMkdir(ctx context.Context, dir string) error {
	code, stderr, err := b.execInPod(ctx, []string{"mkdir", "-p", dir}, nil, nil, false)
	if err != nil {
		return err
	}
	if code != 0 {
		return &errors.TransferError{Op: "mkdir -p " + dir, ExitCode: code, Stderr: stderr}
	}
	return nil
}

// remoteUntar feeds the archive stream into a tar extraction rooted at dir.
func (b *base) remoteUntar(ctx context.Context, dir string, archive io.Reader) error {
	code, stderr, err := b.execInPod(ctx, []string{"tar", "-xmf", "-", "-C", dir}, archive, nil, false)
	if err != nil {
		return err
	}
	if code != 0 {
		return &errors.TransferError{Op: "untar into " + dir, ExitCode: code, Stderr: stderr}
	}
	return nil
}

// remoteTar archives parent/name in the pod and extracts the stream into
// localDir, returning the extracted files relative to it.
func (b *base) remoteTar(ctx context.Context, parent, name, localDir string) ([]string, error) {
	pr, pw := io.Pipe()

	var files []string
	var group errgroup.Group
	group.Go(func() error {
		code, stderr, err := b.execInPod(ctx, []string{"tar", "-cf", "-", "-C", parent, name}, nil, pw, false)
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		pw.Close()
		if code != 0 {
			return &errors.TransferError{Op: "tar " + path.Join(parent, name), ExitCode: code, Stderr: stderr}
		}
		return nil
	})
	group.Go(func() error {
		var err error
		files, err = util.ExtractTar(pr, localDir)
		if err != nil {
			pr.CloseWithError(err)
			return &errors.BackendError{Op: "extract archive of " + path.Join(parent, name), Err: err}
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}
