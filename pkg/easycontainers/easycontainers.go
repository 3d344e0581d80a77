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

// Package easycontainers is the entry point: it turns a validated
// ContainerSpec into a runtime for the requested platform, and a build
// request into an image builder.
package easycontainers

import (
	"context"

	"github.com/acntech/easycontainers/pkg/easycontainers/build"
	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/docker"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/kubernetes"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// NewSpec starts a container spec builder with the defaults applied.
func NewSpec() *container.SpecBuilder {
	return container.NewSpec()
}

// New creates a runtime for the spec's platform and execution mode. The
// backend connection is established lazily on Start.
func New(spec *container.ContainerSpec, cfg *runtime.Config) (runtime.Runtime, error) {
	cont := container.New(spec)
	switch spec.Platform {
	case container.PlatformDocker:
		return docker.NewRuntime(nil, cfg, cont), nil
	case container.PlatformKubernetes:
		if spec.Mode == container.ModeTask {
			return kubernetes.NewJobRuntime(nil, nil, cfg, cont), nil
		}
		return kubernetes.NewDeploymentRuntime(nil, nil, cfg, cont), nil
	default:
		return nil, &errors.ValidationError{Field: "platform", Value: string(spec.Platform), Reason: "unsupported platform"}
	}
}

// NewImageBuilder creates an image builder for the platform: the local
// daemon for Docker, a Kaniko job for Kubernetes.
func NewImageBuilder(ctx context.Context, platform container.Platform, req *build.Request, cfg *runtime.Config) (build.ImageBuilder, error) {
	if cfg == nil {
		cfg = runtime.DefaultConfig()
	}
	switch platform {
	case container.PlatformDocker:
		api, err := docker.NewAPIClient(ctx, cfg)
		if err != nil {
			return nil, &errors.BackendError{Op: "connect to docker daemon", Err: err}
		}
		return build.NewDaemonBuilder(api, cfg, req), nil
	case container.PlatformKubernetes:
		client, _, err := kubernetes.NewClientSet(cfg)
		if err != nil {
			return nil, &errors.BackendError{Op: "connect to kubernetes", Err: err}
		}
		return build.NewKanikoBuilder(client, cfg, req), nil
	default:
		return nil, &errors.ValidationError{Field: "platform", Value: string(platform), Reason: "unsupported platform"}
	}
}
