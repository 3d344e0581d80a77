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

// Package container holds the platform-agnostic container model: the
// validated ContainerSpec and its builder, the lifecycle state machine, and
// the Container handle the runtimes mutate.
package container

import (
	"sort"
	"strings"
	"time"
)

// Platform selects the backend a spec is executed against.
type Platform string

const (
	PlatformDocker     Platform = "docker"
	PlatformKubernetes Platform = "kubernetes"
)

// ExecutionMode distinguishes long-running workloads from run-to-completion
// tasks. On Kubernetes a service becomes a Deployment and a task a Job; on
// Docker the mode only affects whether completion is expected.
type ExecutionMode string

const (
	ModeService ExecutionMode = "service"
	ModeTask    ExecutionMode = "task"
)

// Custom property keys interpreted by the runtimes.
const (
	// PropNativeDockerEntrypoint disables the /bin/sh -c command
	// materialization on the Docker backend and maps command/args straight
	// onto Entrypoint/Cmd.
	PropNativeDockerEntrypoint = "enableNativeDockerEntrypointStrategy"

	// PropJobManifestOverrides holds a JSON merge patch applied to the
	// generated batch/v1 Job manifest (Kubernetes task mode only).
	PropJobManifestOverrides = "jobManifestOverrides"
)

// ImageReference names an image by its parts. Registry and Tag may be empty,
// in which case the backend defaults apply.
type ImageReference struct {
	Registry   string
	Repository string
	Image      string
	Tag        string
}

func (r ImageReference) String() string {
	var sb strings.Builder
	if r.Registry != "" {
		sb.WriteString(r.Registry)
		sb.WriteString("/")
	}
	if r.Repository != "" {
		sb.WriteString(r.Repository)
		sb.WriteString("/")
	}
	sb.WriteString(r.Image)
	if r.Tag != "" {
		sb.WriteString(":")
		sb.WriteString(r.Tag)
	}
	return sb.String()
}

// Volume describes a mount inside the container. A memory-backed volume
// becomes a tmpfs (Docker) or a memory emptyDir (Kubernetes); otherwise
// HostDir is bind-mounted on Docker (falling back to a pre-existing named
// volume of the same name), and a PersistentVolumeClaim named "<Name>-pvc"
// is assumed on Kubernetes.
type Volume struct {
	Name         string
	MountDir     string
	HostDir      string
	MemoryBacked bool
	Memory       int64 // bytes, for memory-backed volumes
}

// ContainerFile is a single file materialized inside the container, either
// from inline content or from a host file. Kubernetes mounts it through a
// ConfigMap subPath; Docker bind-mounts the (possibly temporary) host file.
type ContainerFile struct {
	Name      string
	MountPath string
	Content   string
	HostFile  string
}

// OutputLineCallback receives the container's output one line at a time, in
// arrival order. It must not block; it is called from the runtime's log
// streamer goroutine.
type OutputLineCallback func(line string)

// ContainerSpec is the immutable configuration a runtime executes. Build one
// through the SpecBuilder; do not mutate it afterwards.
type ContainerSpec struct {
	Platform  Platform
	Mode      ExecutionMode
	Name      string
	Namespace string
	Image     ImageReference

	Env    map[string]string
	Labels map[string]string

	Command string
	Args    []string

	// ExposedPorts maps a symbolic name to a container-side TCP port.
	ExposedPorts map[string]int
	// PortMappings maps a container-side port to a host-side (Docker) or
	// node (Kubernetes NodePort) port.
	PortMappings map[int]int

	// Network is the Docker network mode: bridge, host, none,
	// container:<id>, or a custom network name created on demand.
	Network string

	CPURequestMillis   int64
	CPULimitMillis     int64
	MemoryRequestBytes int64
	MemoryLimitBytes   int64

	Ephemeral   bool
	MaxLifeTime time.Duration

	Volumes        []Volume
	ContainerFiles []ContainerFile

	OutputLine OutputLineCallback

	CustomProperties map[string]any
}

// HasExposedPorts reports whether at least one container port is exposed.
func (s *ContainerSpec) HasExposedPorts() bool {
	return len(s.ExposedPorts) > 0
}

// FirstExposedPort returns the container port of the first exposed port,
// ordering by symbolic name so manifest assembly is deterministic. Returns 0
// when no port is exposed.
func (s *ContainerSpec) FirstExposedPort() int {
	if len(s.ExposedPorts) == 0 {
		return 0
	}
	names := make([]string, 0, len(s.ExposedPorts))
	for n := range s.ExposedPorts {
		names = append(names, n)
	}
	sort.Strings(names)
	return s.ExposedPorts[names[0]]
}

// SortedExposedPorts returns the exposed ports ordered by symbolic name.
func (s *ContainerSpec) SortedExposedPorts() []int {
	names := make([]string, 0, len(s.ExposedPorts))
	for n := range s.ExposedPorts {
		names = append(names, n)
	}
	sort.Strings(names)
	ports := make([]int, 0, len(names))
	for _, n := range names {
		ports = append(ports, s.ExposedPorts[n])
	}
	return ports
}

// BoolProperty reads a boolean custom property, false when unset or of the
// wrong type.
func (s *ContainerSpec) BoolProperty(key string) bool {
	v, ok := s.CustomProperties[key].(bool)
	return ok && v
}

// StringProperty reads a string custom property, "" when unset.
func (s *ContainerSpec) StringProperty(key string) string {
	v, _ := s.CustomProperties[key].(string)
	return v
}

// CommandLine joins command and args into a single shell command string.
func (s *ContainerSpec) CommandLine() string {
	parts := make([]string, 0, 1+len(s.Args))
	if s.Command != "" {
		parts = append(parts, s.Command)
	}
	parts = append(parts, s.Args...)
	return strings.Join(parts, " ")
}
