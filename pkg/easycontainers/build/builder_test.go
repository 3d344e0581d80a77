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

package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

func TestDestinations(t *testing.T) {
	tests := []struct {
		description string
		request     Request
		expected    []string
	}{
		{
			description: "full reference with tags",
			request:     Request{Registry: "registry.example.com", Repository: "acme", Name: "app", Tags: []string{"1.0.0", "latest"}},
			expected:    []string{"registry.example.com/acme/app:1.0.0", "registry.example.com/acme/app:latest"},
		},
		{
			description: "defaults to latest",
			request:     Request{Registry: "registry.example.com", Name: "app"},
			expected:    []string{"registry.example.com/app:latest"},
		},
		{
			description: "bare name",
			request:     Request{Name: "app"},
			expected:    []string{"app:latest"},
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			assert.Equal(t, test.expected, test.request.Destinations())
		})
	}
}

func TestDockerfileDefault(t *testing.T) {
	assert.Equal(t, "Dockerfile", (&Request{}).dockerfile())
	assert.Equal(t, "docker/Dockerfile.build", (&Request{Dockerfile: "docker/Dockerfile.build"}).dockerfile())
}

func TestValidateRejectsIncompleteRequests(t *testing.T) {
	err := (&Request{Name: "app"}).validate()
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	err = (&Request{ContextDir: "/ctx"}).validate()
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, (&Request{ContextDir: "/ctx", Name: "app"}).validate())
}

func TestCheckDockerfile(t *testing.T) {
	dir := t.TempDir()
	req := &Request{ContextDir: dir, Name: "app"}

	err := req.checkDockerfile()
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, req.checkDockerfile())
}

func TestDaemonBuildFailsWithoutDockerfile(t *testing.T) {
	b := NewDaemonBuilder(nil, nil, &Request{ContextDir: t.TempDir(), Name: "app"})

	err := b.Build(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, StateFailed, b.State())
}

func TestTrackerLifecycle(t *testing.T) {
	tracker := newTracker()
	assert.Equal(t, StateNotStarted, tracker.State())
	assert.Nil(t, tracker.StartedAt())

	tracker.begin()
	assert.Equal(t, StateInProgress, tracker.State())
	assert.NotNil(t, tracker.StartedAt())
	assert.Nil(t, tracker.FinishedAt())

	tracker.finish(StateCompleted)
	assert.Equal(t, StateCompleted, tracker.State())
	assert.NotNil(t, tracker.FinishedAt())
}
