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

package runtime

import (
	"os"
	"regexp"
	"time"
)

const (
	// DefaultStartTimeout is the maximum wait for a container to be
	// observed RUNNING after Start.
	DefaultStartTimeout = 60 * time.Second

	// DefaultStopTimeout is the maximum wait for a workload to drain on
	// Stop.
	DefaultStopTimeout = 120 * time.Second

	// DefaultBuildTimeout is the maximum wait for an image build.
	DefaultBuildTimeout = 10 * time.Minute

	// DefaultKanikoDataPath is where the shared kaniko-data volume is
	// mounted, inside the cluster and on local hosts that share it.
	DefaultKanikoDataPath = "/mnt/kaniko-data"
)

// Config parameterizes the runtimes. The zero value plus DefaultConfig()
// covers the common cases; nothing in the package depends on process-wide
// mutable state.
type Config struct {
	// DockerHost overrides the DOCKER_HOST environment variable.
	DockerHost string

	// Kubeconfig is an explicit kubeconfig path; empty means the default
	// loading rules. KubeContext overrides the current context.
	Kubeconfig  string
	KubeContext string

	// InsideCluster forces in-cluster / out-of-cluster behavior. When nil
	// it is detected from KUBERNETES_SERVICE_HOST.
	InsideCluster *bool

	StartTimeout time.Duration
	StopTimeout  time.Duration
	BuildTimeout time.Duration

	// KanikoDataPath is the local path of the shared Kaniko context
	// volume.
	KanikoDataPath string
}

// DefaultConfig reads the ambient environment: DOCKER_HOST,
// KUBERNETES_SERVICE_HOST/_PORT and HOSTNAME.
func DefaultConfig() *Config {
	return &Config{
		DockerHost:     os.Getenv("DOCKER_HOST"),
		StartTimeout:   DefaultStartTimeout,
		StopTimeout:    DefaultStopTimeout,
		BuildTimeout:   DefaultBuildTimeout,
		KanikoDataPath: DefaultKanikoDataPath,
	}
}

// StartBudget returns the configured start timeout, defaulted.
func (c *Config) StartBudget() time.Duration {
	if c.StartTimeout > 0 {
		return c.StartTimeout
	}
	return DefaultStartTimeout
}

// StopBudget returns the configured stop timeout, defaulted.
func (c *Config) StopBudget() time.Duration {
	if c.StopTimeout > 0 {
		return c.StopTimeout
	}
	return DefaultStopTimeout
}

// BuildBudget returns the configured build timeout, defaulted.
func (c *Config) BuildBudget() time.Duration {
	if c.BuildTimeout > 0 {
		return c.BuildTimeout
	}
	return DefaultBuildTimeout
}

// KanikoData returns the configured Kaniko data path, defaulted.
func (c *Config) KanikoData() string {
	if c.KanikoDataPath != "" {
		return c.KanikoDataPath
	}
	return DefaultKanikoDataPath
}

// IsInsideCluster reports whether the library itself runs inside a
// Kubernetes cluster.
func (c *Config) IsInsideCluster() bool {
	if c.InsideCluster != nil {
		return *c.InsideCluster
	}
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

var podHashSuffix = regexp.MustCompile(`-[a-f0-9]{5,10}-[a-z0-9]{5}$`)

// ParentDeployment derives the owning deployment name from the HOSTNAME a
// pod gets assigned ("<deployment>-<pod-template-hash>-<random>"). Empty
// when the process does not look like it runs in a pod.
func ParentDeployment() string {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		return ""
	}
	if m := podHashSuffix.FindStringIndex(hostname); m != nil {
		return hostname[:m[0]]
	}
	return ""
}
