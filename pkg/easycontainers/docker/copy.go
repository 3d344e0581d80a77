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

package docker

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/docker/docker/api/types"

	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// PutFile streams a local file into remoteDir, creating the directory first.
// Returns the file size in bytes.
func (r *Runtime) PutFile(ctx context.Context, localPath, remoteDir, remoteName string) (int64, error) {
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}

	if err := r.remoteMkdir(ctx, remoteDir); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	tarDone := make(chan struct{})
	go func() {
		defer close(tarDone)
		_, err := util.CreateSingleFileTar(pw, remoteName, localPath)
		pw.CloseWithError(err)
	}()

	err = r.api.CopyToContainer(ctx, r.cont.ContainerID(), remoteDir, pr, types.CopyToContainerOptions{})
	pr.CloseWithError(err)
	<-tarDone
	if err != nil {
		return 0, &errors.BackendError{Op: "copy file to container", Err: err}
	}

	log.Entry(ctx).Debugf("copied %s to %s/%s (%d bytes)", localPath, remoteDir, remoteName, fi.Size())
	return fi.Size(), nil
}

// GetFile retrieves remoteDir/remoteName to localPath. See
// util.ResolveLocalPath for how an empty path or a directory is handled.
func (r *Runtime) GetFile(ctx context.Context, remoteDir, remoteName, localPath string) (string, error) {
	remotePath := path.Join(remoteDir, remoteName)
	body, _, err := r.api.CopyFromContainer(ctx, r.cont.ContainerID(), remotePath)
	if err != nil {
		return "", &errors.BackendError{Op: "copy " + remotePath + " from container", Err: err}
	}
	defer body.Close()

	staging, err := os.MkdirTemp("", "easycontainers-get-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	files, err := util.ExtractTar(body, staging)
	if err != nil {
		return "", &errors.BackendError{Op: "extract archive of " + remotePath, Err: err}
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
		return "", &errors.NotFoundError{Kind: "file", Name: remotePath}
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
func (r *Runtime) PutDirectory(ctx context.Context, localDir, remoteDir string) (int64, error) {
	if err := r.remoteMkdir(ctx, remoteDir); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	counter := &util.CountingWriter{W: pw}
	tarDone := make(chan struct{})
	go func() {
		defer close(tarDone)
		pw.CloseWithError(util.CreateTar(counter, localDir))
	}()

	err := r.api.CopyToContainer(ctx, r.cont.ContainerID(), remoteDir, pr, types.CopyToContainerOptions{})
	pr.CloseWithError(err)
	<-tarDone
	if err != nil {
		return 0, &errors.BackendError{Op: "copy directory to container", Err: err}
	}

	log.Entry(ctx).Debugf("copied %s to %s (%d archive bytes)", localDir, remoteDir, counter.N)
	return counter.N, nil
}

// GetDirectory retrieves remoteDir into localDir. The archive is rooted at
// the remote directory's base name, so the files land under
// localDir/<base>/... and are returned relative to localDir.
func (r *Runtime) GetDirectory(ctx context.Context, remoteDir, localDir string) (string, []string, error) {
	body, _, err := r.api.CopyFromContainer(ctx, r.cont.ContainerID(), remoteDir)
	if err != nil {
		return "", nil, &errors.BackendError{Op: "copy " + remoteDir + " from container", Err: err}
	}
	defer body.Close()

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", nil, err
	}
	files, err := util.ExtractTar(body, localDir)
	if err != nil {
		return "", nil, &errors.BackendError{Op: "extract archive of " + remoteDir, Err: err}
	}
	return localDir, files, nil
}

// remoteMkdir creates the target directory inside the container, the same
// way a shell would.
func (r *Runtime) remoteMkdir(ctx context.Context, dir string) error {
	res, err := r.Execute(ctx, runtime.ExecRequest{Command: "mkdir", Args: []string{"-p", dir}})
	if err != nil {
		return err
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		code := -1
		if res.ExitCode != nil {
			code = *res.ExitCode
		}
		return &errors.TransferError{Op: "mkdir -p " + dir, ExitCode: code, Stderr: res.Stderr}
	}
	return nil
}
