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

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// streamLogs follows the container's output until it exits, delivering each
// line to the spec's callback. When the stream ends because the container
// exited, it records the exit code and finish time and completes the
// lifecycle. Ephemeral containers are auto-removed by the daemon, so the
// final inspect tolerates not-found and the handle goes straight to DELETED.
func (r *Runtime) streamLogs(ctx context.Context, id string) {
	r.mu.Lock()
	done := r.logDone
	r.mu.Unlock()
	defer close(done)

	body, err := r.api.ContainerLogs(ctx, id, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Entry(ctx).Warnf("following container logs: %v", err)
			r.cont.TryTransition(container.StateUnknown)
		}
		return
	}
	defer body.Close()

	lines := util.NewLineWriter(r.cont.DeliverOutputLine)
	if _, err := stdcopy.StdCopy(lines, lines, body); err != nil && ctx.Err() == nil {
		log.Entry(ctx).Debugf("log stream ended: %v", err)
	}
	lines.Close()

	if ctx.Err() != nil {
		// Cancelled by Delete; the teardown path owns the transitions.
		return
	}
	r.completeFromDaemon(ctx, id)
}

func (r *Runtime) completeFromDaemon(ctx context.Context, id string) {
	resp, err := r.api.ContainerInspect(ctx, id)
	switch {
	case err == nil:
		if t, ok := parseDaemonTime(resp.State.FinishedAt); ok {
			r.cont.SetFinishedAt(t)
		}
		r.cont.SetExitCode(resp.State.ExitCode)
	case errdefs.IsNotFound(err):
		// Already gone, the exit code is lost.
	default:
		log.Entry(ctx).Warnf("inspecting exited container: %v", err)
	}

	if !r.cont.State().IsCompleted() {
		r.cont.TryTransition(container.StateStopped)
	}

	if r.cont.Spec().Ephemeral {
		log.Entry(ctx).Debug("ephemeral container exited, cleaning up")
		r.cleanupNetwork(ctx)
		r.removeTempFiles(ctx)
		r.cont.TryTransition(container.StateDeleted)
	}
}
