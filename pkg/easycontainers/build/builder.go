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

// Package build turns a Dockerfile context into pushed images, either
// through the local daemon or through a Kaniko job inside a cluster.
package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

// State is an image build's lifecycle state.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateUnknown    State = "UNKNOWN"
)

// Request describes one image build.
type Request struct {
	// ContextDir is the local build context root.
	ContextDir string
	// Dockerfile is the path of the Dockerfile relative to ContextDir,
	// "Dockerfile" when empty.
	Dockerfile string

	// Registry, Repository and Name form the destination reference; every
	// tag in Tags is pushed, "latest" when none are given.
	Registry   string
	Repository string
	Name       string
	Tags       []string

	Labels map[string]string

	// InsecureRegistry allows pushing to a plain-HTTP registry.
	InsecureRegistry bool

	// Namespace is where the Kaniko job runs; ignored by the daemon
	// builder.
	Namespace string

	// Verbosity is the Kaniko log level (debug, info, warn, error).
	Verbosity string

	// OutputLine receives the build output one line at a time.
	OutputLine container.OutputLineCallback
}

// Destinations returns the fully-qualified references to build and push.
func (r *Request) Destinations() []string {
	tags := r.Tags
	if len(tags) == 0 {
		tags = []string{"latest"}
	}

	var base strings.Builder
	if r.Registry != "" {
		base.WriteString(r.Registry)
		base.WriteString("/")
	}
	if r.Repository != "" {
		base.WriteString(r.Repository)
		base.WriteString("/")
	}
	base.WriteString(r.Name)

	destinations := make([]string, 0, len(tags))
	for _, tag := range tags {
		destinations = append(destinations, base.String()+":"+tag)
	}
	return destinations
}

func (r *Request) dockerfile() string {
	if r.Dockerfile != "" {
		return r.Dockerfile
	}
	return "Dockerfile"
}

func (r *Request) deliverOutputLine(line string) {
	if r.OutputLine != nil {
		r.OutputLine(line)
	}
}

func (r *Request) validate() error {
	if r.ContextDir == "" {
		return &errors.ValidationError{Field: "contextDir", Value: "", Reason: "must not be empty"}
	}
	if r.Name == "" {
		return &errors.ValidationError{Field: "name", Value: "", Reason: "must not be empty"}
	}
	return nil
}

// checkDockerfile verifies the Dockerfile exists in the build context before
// any backend resources are created.
func (r *Request) checkDockerfile() error {
	dockerfile := filepath.Join(r.ContextDir, r.dockerfile())
	if _, err := os.Stat(dockerfile); err != nil {
		return &errors.ValidationError{Field: "dockerfile", Value: dockerfile, Reason: "not found in build context"}
	}
	return nil
}

// ImageBuilder runs one build request. Build may be called once; the state
// can be observed concurrently.
type ImageBuilder interface {
	Build(ctx context.Context) error
	State() State
	StartedAt() *time.Time
	FinishedAt() *time.Time
}

// tracker implements the observable build state shared by the builders.
type tracker struct {
	mu         sync.Mutex
	state      State
	startedAt  *time.Time
	finishedAt *time.Time
}

func newTracker() tracker {
	return tracker{state: StateNotStarted}
}

func (t *tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tracker) StartedAt() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *tracker) FinishedAt() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

func (t *tracker) begin() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateInProgress
	t.startedAt = &now
}

func (t *tracker) finish(state State) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if t.finishedAt == nil {
		t.finishedAt = &now
	}
}
