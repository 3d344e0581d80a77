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
	"testing"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// fakeAPIClient stubs the daemon calls the tests exercise; everything else
// panics through the embedded nil interface.
type fakeAPIClient struct {
	client.APIClient

	volumes         []*volume.Volume
	networks        []network.Summary
	createdNetworks []string
	removedNetworks []string
}

func (f *fakeAPIClient) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	return volume.ListResponse{Volumes: f.volumes}, nil
}

func (f *fakeAPIClient) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	return f.networks, nil
}

func (f *fakeAPIClient) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.createdNetworks = append(f.createdNetworks, name)
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeAPIClient) NetworkRemove(ctx context.Context, name string) error {
	f.removedNetworks = append(f.removedNetworks, name)
	return nil
}

func buildSpec(t *testing.T, configure func(*container.SpecBuilder)) *container.ContainerSpec {
	t.Helper()
	builder := container.NewSpec().
		WithPlatform(container.PlatformDocker).
		WithName("test-service").
		WithImage("", "", "alpine", "3.20")
	if configure != nil {
		configure(builder)
	}
	spec, err := builder.Build()
	require.NoError(t, err)
	return spec
}

func newTestRuntime(t *testing.T, api client.APIClient, spec *container.ContainerSpec) *Runtime {
	t.Helper()
	return NewRuntime(api, runtime.DefaultConfig(), container.New(spec))
}

func TestApplyCommandUsesShellByDefault(t *testing.T) {
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithCommand("nginx", "-g", "daemon off;")
	})

	config := &containertypes.Config{}
	applyCommand(config, spec)

	assert.Equal(t, []string{"/bin/sh", "-c"}, []string(config.Entrypoint))
	assert.Equal(t, []string{"nginx -g daemon off;"}, []string(config.Cmd))
}

func TestApplyCommandNativeStrategy(t *testing.T) {
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithCommand("nginx", "-g", "daemon off;").
			WithCustomProperty(container.PropNativeDockerEntrypoint, true)
	})

	config := &containertypes.Config{}
	applyCommand(config, spec)

	assert.Equal(t, []string{"nginx"}, []string(config.Entrypoint))
	assert.Equal(t, []string{"-g", "daemon off;"}, []string(config.Cmd))
}

func TestApplyCommandWithoutCommand(t *testing.T) {
	spec := buildSpec(t, nil)

	config := &containertypes.Config{}
	applyCommand(config, spec)

	assert.Nil(t, config.Entrypoint)
	assert.Nil(t, config.Cmd)
}

func TestEnvSlice(t *testing.T) {
	slice := envSlice(map[string]string{"A": "1", "B": "two"})
	assert.ElementsMatch(t, []string{"A=1", "B=two"}, slice)
}

func TestEnsureNetworkStandardModesPassThrough(t *testing.T) {
	for _, name := range []string{"bridge", "host", "none", "container:abc123"} {
		spec := buildSpec(t, func(b *container.SpecBuilder) { b.WithNetwork(name) })
		r := newTestRuntime(t, &fakeAPIClient{}, spec)

		mode, err := r.ensureNetwork(context.Background(), spec)

		require.NoError(t, err)
		assert.Equal(t, containertypes.NetworkMode(name), mode)
	}
}

func TestEnsureNetworkCreatesCustomNetworkOnce(t *testing.T) {
	api := &fakeAPIClient{}
	spec := buildSpec(t, func(b *container.SpecBuilder) { b.WithNetwork("test-net") })
	r := newTestRuntime(t, api, spec)

	mode, err := r.ensureNetwork(context.Background(), spec)

	require.NoError(t, err)
	assert.Equal(t, containertypes.NetworkMode("test-net"), mode)
	assert.Equal(t, []string{"test-net"}, api.createdNetworks)

	r.cleanupNetwork(context.Background())
	assert.Equal(t, []string{"test-net"}, api.removedNetworks)
}

func TestEnsureNetworkReusesExistingNetwork(t *testing.T) {
	api := &fakeAPIClient{networks: []network.Summary{{Name: "test-net"}}}
	spec := buildSpec(t, func(b *container.SpecBuilder) { b.WithNetwork("test-net") })
	r := newTestRuntime(t, api, spec)

	_, err := r.ensureNetwork(context.Background(), spec)

	require.NoError(t, err)
	assert.Empty(t, api.createdNetworks)

	// Nothing was created, so nothing should be removed on cleanup.
	r.cleanupNetwork(context.Background())
	assert.Empty(t, api.removedNetworks)
}

func TestAssembleMountsNamedVolumeWinsOverHostDir(t *testing.T) {
	api := &fakeAPIClient{volumes: []*volume.Volume{{Name: "data"}}}
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithVolume(container.Volume{Name: "data", MountDir: "/data", HostDir: "/tmp/data"})
	})
	r := newTestRuntime(t, api, spec)

	mounts, tempFiles, err := r.assembleMounts(context.Background(), spec)

	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Empty(t, tempFiles)
	assert.Equal(t, mount.TypeVolume, mounts[0].Type)
	assert.Equal(t, "data", mounts[0].Source)
	assert.Equal(t, "/data", mounts[0].Target)
}

func TestAssembleMountsBindAndTmpfs(t *testing.T) {
	api := &fakeAPIClient{}
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithVolume(container.Volume{Name: "host-data", MountDir: "/data", HostDir: "/tmp/data"}).
			WithVolume(container.Volume{Name: "scratch", MountDir: "/scratch", MemoryBacked: true, Memory: 1 << 20})
	})
	r := newTestRuntime(t, api, spec)

	mounts, _, err := r.assembleMounts(context.Background(), spec)

	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, mount.TypeBind, mounts[0].Type)
	assert.Equal(t, "/tmp/data", mounts[0].Source)
	assert.Equal(t, mount.TypeTmpfs, mounts[1].Type)
	require.NotNil(t, mounts[1].TmpfsOptions)
	assert.Equal(t, int64(1<<20), mounts[1].TmpfsOptions.SizeBytes)
}

func TestAssembleMountsUnresolvableVolumeFails(t *testing.T) {
	api := &fakeAPIClient{}
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithVolume(container.Volume{Name: "missing", MountDir: "/data"})
	})
	r := newTestRuntime(t, api, spec)

	_, _, err := r.assembleMounts(context.Background(), spec)

	require.Error(t, err)
}

func TestAssembleMountsMaterializesInlineContainerFile(t *testing.T) {
	api := &fakeAPIClient{}
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithContainerFile(container.ContainerFile{Name: "conf", MountPath: "/etc/app.conf", Content: "key=value"})
	})
	r := newTestRuntime(t, api, spec)

	mounts, tempFiles, err := r.assembleMounts(context.Background(), spec)

	require.NoError(t, err)
	require.Len(t, mounts, 1)
	require.Len(t, tempFiles, 1)
	assert.Equal(t, mount.TypeBind, mounts[0].Type)
	assert.Equal(t, tempFiles[0], mounts[0].Source)
	assert.Equal(t, "/etc/app.conf", mounts[0].Target)

	r.mu.Lock()
	r.tempFiles = tempFiles
	r.mu.Unlock()
	r.removeTempFiles(context.Background())
	assert.NoFileExists(t, tempFiles[0])
}

func TestParseDaemonTime(t *testing.T) {
	parsed, ok := parseDaemonTime("2024-05-01T10:30:00.123456789Z")
	require.True(t, ok)
	assert.Equal(t, 2024, parsed.Year())

	_, ok = parseDaemonTime("0001-01-01T00:00:00Z")
	assert.False(t, ok)

	_, ok = parseDaemonTime("")
	assert.False(t, ok)
}

func TestWaitForCompletionReturnsExitCode(t *testing.T) {
	spec := buildSpec(t, nil)
	r := newTestRuntime(t, &fakeAPIClient{}, spec)
	cont := r.Container()

	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))
	go func() {
		time.Sleep(10 * time.Millisecond)
		cont.SetExitCode(3)
		cont.TryTransition(container.StateStopped)
	}()

	code, err := r.WaitForCompletion(context.Background(), 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 3, code)
}
