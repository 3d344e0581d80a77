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

package container

import (
	"strconv"
	"time"

	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

// SpecBuilder assembles a ContainerSpec. All With* methods are chainable;
// Build validates everything and returns an immutable spec, deep-copying
// maps and slices so later mutation of the inputs has no effect.
type SpecBuilder struct {
	spec ContainerSpec

	cpuRequest string
	cpuLimit   string
	memRequest string
	memLimit   string
}

// NewSpec starts a builder with the defaults: service mode, namespace
// "default", bridge network.
func NewSpec() *SpecBuilder {
	return &SpecBuilder{
		spec: ContainerSpec{
			Mode:      ModeService,
			Namespace: "default",
			Network:   "bridge",
		},
	}
}

func (b *SpecBuilder) WithPlatform(p Platform) *SpecBuilder {
	b.spec.Platform = p
	return b
}

func (b *SpecBuilder) WithMode(m ExecutionMode) *SpecBuilder {
	b.spec.Mode = m
	return b
}

func (b *SpecBuilder) WithName(name string) *SpecBuilder {
	b.spec.Name = name
	return b
}

func (b *SpecBuilder) WithNamespace(ns string) *SpecBuilder {
	b.spec.Namespace = ns
	return b
}

// WithImage sets the image from its parts.
func (b *SpecBuilder) WithImage(registry, repository, image, tag string) *SpecBuilder {
	b.spec.Image = ImageReference{Registry: registry, Repository: repository, Image: image, Tag: tag}
	return b
}

// WithImageReference sets the image from a complete reference.
func (b *SpecBuilder) WithImageReference(ref ImageReference) *SpecBuilder {
	b.spec.Image = ref
	return b
}

func (b *SpecBuilder) WithEnv(key, value string) *SpecBuilder {
	if b.spec.Env == nil {
		b.spec.Env = map[string]string{}
	}
	b.spec.Env[key] = value
	return b
}

func (b *SpecBuilder) WithLabel(key, value string) *SpecBuilder {
	if b.spec.Labels == nil {
		b.spec.Labels = map[string]string{}
	}
	b.spec.Labels[key] = value
	return b
}

func (b *SpecBuilder) WithCommand(command string, args ...string) *SpecBuilder {
	b.spec.Command = command
	b.spec.Args = append([]string(nil), args...)
	return b
}

// WithExposedPort exposes a container-side TCP port under a symbolic name.
func (b *SpecBuilder) WithExposedPort(name string, port int) *SpecBuilder {
	if b.spec.ExposedPorts == nil {
		b.spec.ExposedPorts = map[string]int{}
	}
	b.spec.ExposedPorts[name] = port
	return b
}

// WithPortMapping maps an exposed container port to a host (or node) port.
func (b *SpecBuilder) WithPortMapping(containerPort, hostPort int) *SpecBuilder {
	if b.spec.PortMappings == nil {
		b.spec.PortMappings = map[int]int{}
	}
	b.spec.PortMappings[containerPort] = hostPort
	return b
}

func (b *SpecBuilder) WithNetwork(network string) *SpecBuilder {
	b.spec.Network = network
	return b
}

// WithCPURequest takes a CPU quantity such as "500m" or "2".
func (b *SpecBuilder) WithCPURequest(cpu string) *SpecBuilder {
	b.cpuRequest = cpu
	return b
}

func (b *SpecBuilder) WithCPULimit(cpu string) *SpecBuilder {
	b.cpuLimit = cpu
	return b
}

// WithMemoryRequest takes a memory quantity with an optional IEC suffix,
// such as "64Mi".
func (b *SpecBuilder) WithMemoryRequest(memory string) *SpecBuilder {
	b.memRequest = memory
	return b
}

func (b *SpecBuilder) WithMemoryLimit(memory string) *SpecBuilder {
	b.memLimit = memory
	return b
}

func (b *SpecBuilder) WithEphemeral(ephemeral bool) *SpecBuilder {
	b.spec.Ephemeral = ephemeral
	return b
}

func (b *SpecBuilder) WithMaxLifeTime(d time.Duration) *SpecBuilder {
	b.spec.MaxLifeTime = d
	return b
}

func (b *SpecBuilder) WithVolume(v Volume) *SpecBuilder {
	b.spec.Volumes = append(b.spec.Volumes, v)
	return b
}

func (b *SpecBuilder) WithContainerFile(f ContainerFile) *SpecBuilder {
	b.spec.ContainerFiles = append(b.spec.ContainerFiles, f)
	return b
}

func (b *SpecBuilder) WithOutputLineCallback(cb OutputLineCallback) *SpecBuilder {
	b.spec.OutputLine = cb
	return b
}

func (b *SpecBuilder) WithCustomProperty(key string, value any) *SpecBuilder {
	if b.spec.CustomProperties == nil {
		b.spec.CustomProperties = map[string]any{}
	}
	b.spec.CustomProperties[key] = value
	return b
}

// Build validates the accumulated configuration and returns the spec.
func (b *SpecBuilder) Build() (*ContainerSpec, error) {
	s := b.spec

	if s.Platform != PlatformDocker && s.Platform != PlatformKubernetes {
		return nil, &errors.ValidationError{Field: "platform", Value: string(s.Platform), Reason: "must be docker or kubernetes"}
	}
	if s.Mode != ModeService && s.Mode != ModeTask {
		return nil, &errors.ValidationError{Field: "mode", Value: string(s.Mode), Reason: "must be service or task"}
	}
	if err := checkDNSLabel("name", s.Name, maxNameLength); err != nil {
		return nil, err
	}
	if err := checkDNSLabel("namespace", s.Namespace, maxNamespaceLength); err != nil {
		return nil, err
	}
	if s.Image.Image == "" {
		return nil, &errors.ValidationError{Field: "image", Value: "", Reason: "must not be empty"}
	}
	if err := checkImageReference(s.Image.String()); err != nil {
		return nil, err
	}

	for k, v := range s.Env {
		if err := checkEnvKey(k); err != nil {
			return nil, err
		}
		if err := checkEnvValue(k, v); err != nil {
			return nil, err
		}
	}

	for name, port := range s.ExposedPorts {
		if err := checkDNSLabel("exposed port name", name, maxNamespaceLength); err != nil {
			return nil, err
		}
		if err := checkPort("exposed port "+name, port); err != nil {
			return nil, err
		}
	}
	for containerPort, hostPort := range s.PortMappings {
		if err := checkPort("mapped container port", containerPort); err != nil {
			return nil, err
		}
		if err := checkPort("mapped host port", hostPort); err != nil {
			return nil, err
		}
		if !exposesPort(s.ExposedPorts, containerPort) {
			return nil, &errors.ValidationError{
				Field:  "port mapping",
				Value:  strconv.Itoa(containerPort),
				Reason: "container port is not exposed",
			}
		}
	}

	for _, v := range s.Volumes {
		if err := checkDNSLabel("volume name", v.Name, maxNamespaceLength); err != nil {
			return nil, err
		}
		if err := checkAbsUnixPath("volume mount dir", v.MountDir); err != nil {
			return nil, err
		}
		if v.MemoryBacked && v.HostDir != "" {
			return nil, &errors.ValidationError{Field: "volume " + v.Name, Value: v.HostDir, Reason: "memory-backed volume must not set a host dir"}
		}
	}

	for _, f := range s.ContainerFiles {
		if f.Name == "" {
			return nil, &errors.ValidationError{Field: "container file name", Value: "", Reason: "must not be empty"}
		}
		if err := checkAbsUnixPath("container file mount path", f.MountPath); err != nil {
			return nil, err
		}
		if f.Content == "" && f.HostFile == "" {
			return nil, &errors.ValidationError{Field: "container file " + f.Name, Value: "", Reason: "either content or a host file is required"}
		}
	}

	var err error
	if b.cpuRequest != "" {
		if s.CPURequestMillis, err = checkCPU("cpu request", b.cpuRequest); err != nil {
			return nil, err
		}
	}
	if b.cpuLimit != "" {
		if s.CPULimitMillis, err = checkCPU("cpu limit", b.cpuLimit); err != nil {
			return nil, err
		}
	}
	if b.memRequest != "" {
		if s.MemoryRequestBytes, err = checkMemory("memory request", b.memRequest); err != nil {
			return nil, err
		}
	}
	if b.memLimit != "" {
		if s.MemoryLimitBytes, err = checkMemory("memory limit", b.memLimit); err != nil {
			return nil, err
		}
	}

	// Detach the result from the builder.
	s.Env = copyMap(s.Env)
	s.Labels = copyMap(s.Labels)
	s.ExposedPorts = copyMap(s.ExposedPorts)
	s.PortMappings = copyMap(s.PortMappings)
	s.CustomProperties = copyMap(s.CustomProperties)
	s.Args = append([]string(nil), s.Args...)
	s.Volumes = append([]Volume(nil), s.Volumes...)
	s.ContainerFiles = append([]ContainerFile(nil), s.ContainerFiles...)

	return &s, nil
}

func exposesPort(exposed map[string]int, port int) bool {
	for _, p := range exposed {
		if p == port {
			return true
		}
	}
	return false
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
