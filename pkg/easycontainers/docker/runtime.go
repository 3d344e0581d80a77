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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// Runtime drives one container against a Docker-compatible daemon.
type Runtime struct {
	api  client.APIClient
	cfg  *runtime.Config
	cont *container.Container

	mu             sync.Mutex
	watchCancel    context.CancelFunc
	logDone        chan struct{}
	createdNetwork string
	tempFiles      []string
	killTimer      *time.Timer
}

var _ runtime.Runtime = (*Runtime)(nil)

// NewRuntime returns a runtime for the given handle. The daemon client is
// created lazily on Start when api is nil.
func NewRuntime(api client.APIClient, cfg *runtime.Config, cont *container.Container) *Runtime {
	if cfg == nil {
		cfg = runtime.DefaultConfig()
	}
	return &Runtime{api: api, cfg: cfg, cont: cont}
}

func (r *Runtime) Container() *container.Container { return r.cont }

// Start pulls the image if missing, resolves the network, creates and starts
// the container, and returns once the daemon reports it running. The overall
// wait is bounded by the configured start budget; on any failure the
// container is moved to FAILED.
func (r *Runtime) Start(ctx context.Context) error {
	spec := r.cont.Spec()
	ctx = log.WithContainer(ctx, spec.Name, string(container.PlatformDocker))

	if err := r.cont.Transition(container.StateInitializing); err != nil {
		return err
	}
	if err := r.start(ctx); err != nil {
		r.cont.TryTransition(container.StateFailed)
		return err
	}
	return nil
}

func (r *Runtime) start(ctx context.Context) error {
	spec := r.cont.Spec()

	if r.api == nil {
		api, err := NewAPIClient(ctx, r.cfg)
		if err != nil {
			return &errors.BackendError{Op: "connect to docker daemon", Err: err}
		}
		r.api = api
	}

	if err := r.ensureImage(ctx, spec.Image.String()); err != nil {
		return err
	}

	networkMode, err := r.ensureNetwork(ctx, spec)
	if err != nil {
		return err
	}

	mounts, tempFiles, err := r.assembleMounts(ctx, spec)
	r.mu.Lock()
	r.tempFiles = append(r.tempFiles, tempFiles...)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	exposed := nat.PortSet{}
	for _, p := range spec.SortedExposedPorts() {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", p))] = struct{}{}
	}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortMappings {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
		exposed[port] = struct{}{}
	}

	config := &containertypes.Config{
		Image:        spec.Image.String(),
		Env:          envSlice(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	applyCommand(config, spec)

	hostConfig := &containertypes.HostConfig{
		AutoRemove:   spec.Ephemeral,
		NetworkMode:  networkMode,
		PortBindings: bindings,
		Mounts:       mounts,
	}

	created, err := r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return &errors.BackendError{Op: "create container " + spec.Name, Err: err}
	}
	r.cont.SetContainerID(created.ID)
	for _, warning := range created.Warnings {
		log.Entry(ctx).Warn(warning)
	}

	if err := r.api.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return &errors.BackendError{Op: "start container " + spec.Name, Err: err}
	}

	if err := r.awaitRunning(ctx, created.ID); err != nil {
		return err
	}
	if err := r.cont.Transition(container.StateRunning); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(log.WithContainer(context.Background(), spec.Name, string(container.PlatformDocker)))
	r.mu.Lock()
	r.watchCancel = cancel
	r.logDone = make(chan struct{})
	r.mu.Unlock()
	go r.streamLogs(watchCtx, created.ID)

	if spec.MaxLifeTime > 0 {
		r.mu.Lock()
		r.killTimer = time.AfterFunc(spec.MaxLifeTime, func() {
			log.Entry(watchCtx).Warnf("max lifetime %v exceeded, killing container", spec.MaxLifeTime)
			if err := r.Kill(watchCtx); err != nil {
				log.Entry(watchCtx).Warnf("killing expired container: %v", err)
			}
		})
		r.mu.Unlock()
	}

	log.Entry(ctx).Infof("container running with id %s, ip %s", shortID(created.ID), r.cont.IPAddress())
	return nil
}

// awaitRunning polls the daemon once a second until the container is
// running, capturing IP address and hostname on the way.
func (r *Runtime) awaitRunning(ctx context.Context, id string) error {
	budget := r.cfg.StartBudget()
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	poll := func() error {
		resp, err := r.api.ContainerInspect(waitCtx, id)
		if err != nil {
			return backoff.Permanent(&errors.BackendError{Op: "inspect container", Err: err})
		}
		switch resp.State.Status {
		case "running":
			r.captureAddresses(resp)
			return nil
		case "exited", "dead", "removing":
			r.cont.SetExitCode(resp.State.ExitCode)
			return backoff.Permanent(&errors.BackendError{
				Op: fmt.Sprintf("container %s before reaching running (exit code %d)", resp.State.Status, resp.State.ExitCode),
			})
		default:
			return fmt.Errorf("container is %s", resp.State.Status)
		}
	}

	err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(time.Second), waitCtx))
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return &errors.TimeoutError{Op: "waiting for container to run", Budget: budget}
		}
		return err
	}
	return nil
}

func (r *Runtime) captureAddresses(resp types.ContainerJSON) {
	if resp.NetworkSettings != nil {
		if resp.NetworkSettings.IPAddress != "" {
			r.cont.SetIPAddress(resp.NetworkSettings.IPAddress)
		} else {
			for _, endpoint := range resp.NetworkSettings.Networks {
				if endpoint.IPAddress != "" {
					r.cont.SetIPAddress(endpoint.IPAddress)
					break
				}
			}
		}
	}
	if resp.Config != nil {
		r.cont.SetHost(resp.Config.Hostname)
	}
}

// Stop asks the daemon for a graceful stop and waits for the container to
// leave the running state, recording the exit code. Already-completed
// containers are a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	spec := r.cont.Spec()
	ctx = log.WithContainer(ctx, spec.Name, string(container.PlatformDocker))

	if r.cont.State().IsCompleted() {
		return nil
	}
	if err := r.cont.Transition(container.StateTerminating); err != nil {
		return err
	}

	id := r.cont.ContainerID()
	if err := r.api.ContainerStop(ctx, id, containertypes.StopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			r.cont.TryTransition(container.StateFailed)
			return &errors.BackendError{Op: "stop container " + spec.Name, Err: err}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.StopBudget())
	defer cancel()
	statusCh, errCh := r.api.ContainerWait(waitCtx, id, containertypes.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		r.cont.SetExitCode(int(status.StatusCode))
	case err := <-errCh:
		if err != nil && !errdefs.IsNotFound(err) {
			log.Entry(ctx).Warnf("waiting for container to stop: %v", err)
		}
	}

	r.cont.TryTransition(container.StateStopped)
	return nil
}

// Kill sends SIGKILL. The log streamer observes the exit and completes the
// state transition.
func (r *Runtime) Kill(ctx context.Context) error {
	spec := r.cont.Spec()
	ctx = log.WithContainer(ctx, spec.Name, string(container.PlatformDocker))

	if r.cont.State().IsCompleted() {
		return nil
	}
	if err := r.api.ContainerKill(ctx, r.cont.ContainerID(), "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
		return &errors.BackendError{Op: "kill container " + spec.Name, Err: err}
	}
	return nil
}

// Delete removes the container and every resource created for it. Without
// force the container must already be STOPPED or FAILED; with force a
// running container is torn down through TERMINATING and STOPPED first.
// Delete is idempotent once the container is DELETED.
func (r *Runtime) Delete(ctx context.Context, force bool) error {
	spec := r.cont.Spec()
	ctx = log.WithContainer(ctx, spec.Name, string(container.PlatformDocker))

	state := r.cont.State()
	if state == container.StateDeleted {
		return nil
	}
	if !force && state != container.StateStopped && state != container.StateFailed {
		return &errors.StateError{Op: "delete", Current: string(state), Required: "STOPPED or FAILED"}
	}

	r.mu.Lock()
	cancel := r.watchCancel
	done := r.logDone
	timer := r.killTimer
	r.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Entry(ctx).Debug("log streamer did not drain in time")
		}
	}

	if !r.cont.State().IsCompleted() {
		r.cont.TryTransition(container.StateTerminating)
	}

	if id := r.cont.ContainerID(); id != "" {
		err := r.api.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			return &errors.BackendError{Op: "remove container " + spec.Name, Err: err}
		}
	}

	if !r.cont.State().IsCompleted() {
		r.cont.TryTransition(container.StateStopped)
	}

	r.cleanupNetwork(ctx)
	r.removeTempFiles(ctx)
	r.cont.TryTransition(container.StateDeleted)
	return nil
}

// WaitForCompletion blocks until the container finishes and returns its exit
// code. A zero timeout waits indefinitely.
func (r *Runtime) WaitForCompletion(ctx context.Context, timeout time.Duration) (int, error) {
	if !r.cont.WaitForCompleted(ctx, timeout) {
		return 0, &errors.TimeoutError{Op: "waiting for container to complete", Budget: timeout}
	}
	if code := r.cont.ExitCode(); code != nil {
		return *code, nil
	}
	return 0, nil
}

// ensureImage pulls the image when the daemon does not have it yet. Pull
// progress is forwarded to the output callback and the debug log.
func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := r.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return &errors.BackendError{Op: "inspect image " + ref, Err: err}
	}

	log.Entry(ctx).Infof("pulling image %s", ref)
	body, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &errors.BackendError{Op: "pull image " + ref, Err: err}
	}
	defer body.Close()

	progress := util.NewLineWriter(func(line string) {
		log.Entry(ctx).Debug(line)
		r.cont.DeliverOutputLine(line)
	})
	defer progress.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(body, progress, 0, false, nil); err != nil {
		return &errors.BackendError{Op: "pull image " + ref, Err: err}
	}
	return nil
}

// ensureNetwork resolves the spec's network to a daemon network mode,
// creating a bridge network on demand for custom names. The created network
// is removed again on Delete.
func (r *Runtime) ensureNetwork(ctx context.Context, spec *container.ContainerSpec) (containertypes.NetworkMode, error) {
	name := spec.Network
	if name == "" {
		name = "bridge"
	}
	mode := containertypes.NetworkMode(name)
	if mode.IsDefault() || mode.IsBridge() || mode.IsHost() || mode.IsNone() || mode.IsContainer() {
		return mode, nil
	}

	networks, err := r.api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", &errors.BackendError{Op: "list networks", Err: err}
	}
	for _, n := range networks {
		if n.Name == name {
			return mode, nil
		}
	}

	log.Entry(ctx).Infof("creating network %s", name)
	if _, err := r.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"app.kubernetes.io/managed-by": "Easycontainers"},
	}); err != nil {
		return "", &errors.BackendError{Op: "create network " + name, Err: err}
	}
	r.mu.Lock()
	r.createdNetwork = name
	r.mu.Unlock()
	return mode, nil
}

func (r *Runtime) cleanupNetwork(ctx context.Context) {
	r.mu.Lock()
	name := r.createdNetwork
	r.createdNetwork = ""
	r.mu.Unlock()
	if name == "" {
		return
	}
	if err := r.api.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		log.Entry(ctx).Warnf("removing network %s: %v", name, err)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// applyCommand materializes the spec's command the shell way, so that
// `command arg1 arg2` behaves like a docker run command line. The native
// strategy maps command and args straight onto Entrypoint and Cmd instead.
func applyCommand(config *containertypes.Config, spec *container.ContainerSpec) {
	if spec.Command == "" && len(spec.Args) == 0 {
		return
	}
	if spec.BoolProperty(container.PropNativeDockerEntrypoint) {
		if spec.Command != "" {
			config.Entrypoint = strslice.StrSlice{spec.Command}
		}
		config.Cmd = strslice.StrSlice(spec.Args)
		return
	}
	config.Entrypoint = strslice.StrSlice{"/bin/sh", "-c"}
	config.Cmd = strslice.StrSlice{spec.CommandLine()}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func parseDaemonTime(value string) (time.Time, bool) {
	if value == "" || strings.HasPrefix(value, "0001-01-01") {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
