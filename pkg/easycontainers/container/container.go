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
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

// Container is the handle for one container workload across its lifetime.
// It is created in UNINITIATED, mutated only by the owning runtime, and
// reaches DELETED exactly once. All methods are safe for concurrent use.
//
// IP address, host name, timestamps and exit code are single-assignment:
// the first write wins, later writes are ignored.
type Container struct {
	spec *ContainerSpec

	mu      sync.Mutex
	state   State
	history []State
	waiters []chan State

	containerID    string
	podName        string
	deploymentName string
	jobName        string
	namespace      string

	ipAddress string
	host      string

	startedAt  *time.Time
	finishedAt *time.Time
	exitCode   *int
}

// New creates a handle in state UNINITIATED for the given spec.
func New(spec *ContainerSpec) *Container {
	return &Container{
		spec:      spec,
		state:     StateUninitiated,
		namespace: spec.Namespace,
	}
}

func (c *Container) Spec() *ContainerSpec { return c.spec }

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateHistory returns every state the container has entered after
// UNINITIATED, in order.
func (c *Container) StateHistory() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

// Transition moves the container to the target state. Illegal edges are
// rejected with a StateError and the state is left unchanged. Entering
// RUNNING records the start time, entering STOPPED or FAILED the finish
// time (first write wins). All waiters for the new state are woken.
func (c *Container) Transition(to State) error {
	return c.transition(to, false)
}

// TryTransition is Transition for watcher callbacks: illegal edges,
// including re-reports of the current state, are dropped quietly.
func (c *Container) TryTransition(to State) bool {
	return c.transition(to, true) == nil
}

func (c *Container) transition(to State, quiet bool) error {
	c.mu.Lock()

	if !c.state.CanTransition(to) {
		from := c.state
		c.mu.Unlock()
		if !quiet {
			logrus.Warnf("container %s: illegal state transition %s -> %s dropped", c.spec.Name, from, to)
		}
		return &errors.StateError{Op: "transition to " + string(to), Current: string(from)}
	}

	c.state = to
	c.history = append(c.history, to)

	now := time.Now()
	if to == StateRunning && c.startedAt == nil {
		c.startedAt = &now
	}
	if (to == StateStopped || to == StateFailed) && c.finishedAt == nil {
		c.finishedAt = &now
	}

	waiters := append([]chan State(nil), c.waiters...)
	c.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- to:
		default:
			// Waiter is draining slowly; it will observe the current
			// state when it catches up.
		}
	}
	return nil
}

// WaitForState blocks until the container enters the target state. It
// returns false when the timeout elapses, the context is cancelled, or the
// container reaches DELETED without passing through the target. A zero
// timeout waits indefinitely.
func (c *Container) WaitForState(ctx context.Context, target State, timeout time.Duration) bool {
	ch := make(chan State, 16)

	c.mu.Lock()
	if c.state == target {
		c.mu.Unlock()
		return true
	}
	if c.state == StateDeleted {
		c.mu.Unlock()
		return false
	}
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	defer c.removeWaiter(ch)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case s := <-ch:
			if s == target {
				return true
			}
			if s == StateDeleted {
				return false
			}
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// WaitForCompleted blocks until the container reaches STOPPED, FAILED or
// DELETED. Same timeout semantics as WaitForState.
func (c *Container) WaitForCompleted(ctx context.Context, timeout time.Duration) bool {
	ch := make(chan State, 16)

	c.mu.Lock()
	if c.state.IsCompleted() {
		c.mu.Unlock()
		return true
	}
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	defer c.removeWaiter(ch)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case s := <-ch:
			if s.IsCompleted() {
				return true
			}
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Container) removeWaiter(ch chan State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Container) SetContainerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containerID = id
}

func (c *Container) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

func (c *Container) SetPodName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.podName = name
}

func (c *Container) PodName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.podName
}

func (c *Container) SetDeploymentName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deploymentName = name
}

func (c *Container) DeploymentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deploymentName
}

func (c *Container) SetJobName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobName = name
}

func (c *Container) JobName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobName
}

func (c *Container) Namespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace
}

func (c *Container) SetIPAddress(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ipAddress == "" {
		c.ipAddress = ip
	}
}

func (c *Container) IPAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipAddress
}

func (c *Container) SetHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == "" {
		c.host = host
	}
}

func (c *Container) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// SetExitCode records the backend-reported exit code, first write wins.
func (c *Container) SetExitCode(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == nil {
		c.exitCode = &code
	}
}

// ExitCode returns the exit code, or nil while the backend has not reported
// one. It is set only for containers that reached STOPPED or FAILED.
func (c *Container) ExitCode() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitCode == nil {
		return nil
	}
	code := *c.exitCode
	return &code
}

// SetFinishedAt records the backend-reported finish time, first write wins.
// The state machine records time.Now() on the first terminal transition; a
// watcher that knows the precise backend timestamp should call this first.
func (c *Container) SetFinishedAt(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedAt == nil {
		c.finishedAt = &t
	}
}

func (c *Container) StartedAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

func (c *Container) FinishedAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}

// Duration is finish minus start once finished, now minus start while the
// container is still running, and zero before the first RUNNING.
func (c *Container) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt == nil {
		return 0
	}
	if c.finishedAt != nil {
		return c.finishedAt.Sub(*c.startedAt)
	}
	return time.Since(*c.startedAt)
}

// DeliverOutputLine hands a log line to the spec's callback, if any.
func (c *Container) DeliverOutputLine(line string) {
	if c.spec.OutputLine != nil {
		c.spec.OutputLine(line)
	}
}
