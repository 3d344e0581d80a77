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

package easycontainers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/docker"
	ecerrors "github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/kubernetes"
)

func testSpec(t *testing.T, platform container.Platform, mode container.ExecutionMode) *container.ContainerSpec {
	t.Helper()
	spec, err := NewSpec().
		WithPlatform(platform).
		WithMode(mode).
		WithName("test-service").
		WithImage("", "", "alpine", "3.20").
		Build()
	require.NoError(t, err)
	return spec
}

func TestNewSelectsDockerRuntime(t *testing.T) {
	r, err := New(testSpec(t, container.PlatformDocker, container.ModeService), nil)

	require.NoError(t, err)
	assert.IsType(t, &docker.Runtime{}, r)
	assert.Equal(t, container.StateUninitiated, r.Container().State())
}

func TestNewSelectsKubernetesRuntimeByMode(t *testing.T) {
	service, err := New(testSpec(t, container.PlatformKubernetes, container.ModeService), nil)
	require.NoError(t, err)
	assert.IsType(t, &kubernetes.DeploymentRuntime{}, service)

	task, err := New(testSpec(t, container.PlatformKubernetes, container.ModeTask), nil)
	require.NoError(t, err)
	assert.IsType(t, &kubernetes.JobRuntime{}, task)
}

func TestNewRejectsUnknownPlatform(t *testing.T) {
	spec := testSpec(t, container.PlatformDocker, container.ModeService)
	spec.Platform = "podman"

	_, err := New(spec, nil)

	require.Error(t, err)
	assert.True(t, ecerrors.IsValidation(err))
}
