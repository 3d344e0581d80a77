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
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	clientgoexec "k8s.io/client-go/util/exec"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// Execute runs a process in the pod over the exec subresource. The API has
// no working-directory parameter, so a WorkingDir request is realized by
// wrapping the command in a shell that changes directory first. When the
// timeout elapses the stream is torn down and the result carries a nil exit
// code together with a TimeoutError.
func (b *base) Execute(ctx context.Context, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	ctx = b.logContext(ctx)

	if state := b.cont.State(); state != container.StateRunning {
		return nil, &errors.StateError{Op: "execute", Current: string(state), Required: string(container.StateRunning)}
	}

	cmd := append([]string{req.Command}, req.Args...)
	if req.WorkingDir != "" {
		cmd = []string{"sh", "-c", fmt.Sprintf("cd %s && exec %s", shellQuote(req.WorkingDir), shellQuoteAll(cmd))}
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	code, stderr, err := b.execInPod(execCtx, cmd, req.Input, req.Output, req.UseTTY)
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return &runtime.ExecResult{Stderr: stderr},
				&errors.TimeoutError{Op: "execute " + req.Command, Budget: req.Timeout}
		}
		return nil, err
	}
	return &runtime.ExecResult{ExitCode: &code, Stderr: stderr}, nil
}

// execInPod streams one command through the exec subresource and returns the
// process's exit code together with captured stderr. With a TTY the server
// folds stderr into stdout.
func (b *base) execInPod(ctx context.Context, cmd []string, stdin io.Reader, stdout io.Writer, tty bool) (int, string, error) {
	spec := b.cont.Spec()

	request := b.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(b.cont.Namespace()).
		Name(b.cont.PodName()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: spec.Name,
			Command:   cmd,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    !tty,
			TTY:       tty,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(b.restConfig, "POST", request.URL())
	if err != nil {
		return 0, "", &errors.BackendError{Op: "create pod executor", Err: err}
	}

	if stdout == nil {
		stdout = io.Discard
	}
	var stderr bytes.Buffer
	options := remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Tty:    tty,
	}
	if !tty {
		options.Stderr = &stderr
	}

	err = executor.StreamWithContext(ctx, options)
	if err != nil {
		if code, ok := exitCode(err); ok {
			return code, stderr.String(), nil
		}
		return 0, stderr.String(), &errors.BackendError{Op: "exec in pod " + b.cont.PodName(), Err: err}
	}
	return 0, stderr.String(), nil
}

// exitCode extracts the remote process exit code from a stream error, which
// remotecommand reports as a client-go CodeExitError.
func exitCode(err error) (int, bool) {
	var exitErr clientgoexec.CodeExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// shellQuote single-quotes s so it survives interpolation into a shell
// command unchanged.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellQuoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
