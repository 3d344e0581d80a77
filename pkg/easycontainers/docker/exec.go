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
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// Execute runs a process inside the running container over the exec API.
// Stdout goes to req.Output, stderr is captured and returned in the result
// (with a TTY the daemon folds stderr into stdout). When the timeout elapses
// before the process exits, the attach is torn down and the result carries a
// nil exit code together with a TimeoutError.
func (r *Runtime) Execute(ctx context.Context, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	spec := r.cont.Spec()
	ctx = log.WithContainer(ctx, spec.Name, string(container.PlatformDocker))

	if state := r.cont.State(); state != container.StateRunning {
		return nil, &errors.StateError{Op: "execute", Current: string(state), Required: string(container.StateRunning)}
	}

	created, err := r.api.ContainerExecCreate(ctx, r.cont.ContainerID(), containertypes.ExecOptions{
		Cmd:          append([]string{req.Command}, req.Args...),
		WorkingDir:   req.WorkingDir,
		Tty:          req.UseTTY,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  req.Input != nil,
	})
	if err != nil {
		return nil, &errors.BackendError{Op: "create exec", Err: err}
	}

	attach, err := r.api.ContainerExecAttach(ctx, created.ID, containertypes.ExecAttachOptions{Tty: req.UseTTY})
	if err != nil {
		return nil, &errors.BackendError{Op: "attach exec", Err: err}
	}
	defer attach.Close()

	if req.Input != nil {
		go func() {
			if _, err := io.Copy(attach.Conn, req.Input); err != nil {
				log.Entry(ctx).Debugf("streaming exec stdin: %v", err)
			}
			if err := attach.CloseWrite(); err != nil {
				log.Entry(ctx).Debugf("half-closing exec stdin: %v", err)
			}
		}()
	}

	out := req.Output
	if out == nil {
		out = io.Discard
	}
	var stderr bytes.Buffer

	pumpDone := make(chan error, 1)
	go func() {
		var err error
		if req.UseTTY {
			_, err = io.Copy(out, attach.Reader)
		} else {
			_, err = stdcopy.StdCopy(out, &stderr, attach.Reader)
		}
		pumpDone <- err
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-pumpDone:
		if err != nil && !stderrors.Is(err, io.EOF) {
			return nil, &errors.BackendError{Op: "streaming exec output", Err: err}
		}
	case <-timeoutCh:
		attach.Close()
		return &runtime.ExecResult{Stderr: stderr.String()},
			&errors.TimeoutError{Op: "execute " + req.Command, Budget: req.Timeout}
	case <-ctx.Done():
		attach.Close()
		return nil, ctx.Err()
	}

	inspect, err := r.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, &errors.BackendError{Op: "inspect exec", Err: err}
	}
	code := inspect.ExitCode
	return &runtime.ExecResult{ExitCode: &code, Stderr: stderr.String()}, nil
}
