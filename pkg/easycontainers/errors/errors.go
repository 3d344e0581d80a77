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

// Package errors defines the error kinds surfaced by the container runtimes.
// Backend and build failures wrap the underlying error so callers can still
// reach the daemon or API server message with errors.As/Unwrap.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports an invalid value handed to the spec builder.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// PermissionError reports a denied Kubernetes access review, raised before
// the operation is attempted.
type PermissionError struct {
	Resource  string
	Verb      string
	Namespace string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("not permitted to %s %s in namespace %q", e.Verb, e.Resource, e.Namespace)
}

// BackendError wraps an error returned by the Docker daemon or the
// Kubernetes API server.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TimeoutError reports a blocking wait that exceeded its budget.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %v", e.Op, e.Budget)
}

// NotFoundError reports a resource that could not be looked up.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// StateError reports an operation attempted in the wrong container state, or
// an illegal state transition.
type StateError struct {
	Op       string
	Current  string
	Required string
}

func (e *StateError) Error() string {
	if e.Required == "" {
		return fmt.Sprintf("%s not allowed in state %s", e.Op, e.Current)
	}
	return fmt.Sprintf("%s requires state %s, container is %s", e.Op, e.Required, e.Current)
}

// TransferError reports a failed exec-based file transfer.
type TransferError struct {
	Op       string
	ExitCode int
	Stderr   string
}

func (e *TransferError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed with exit code %d: %s", e.Op, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s failed with exit code %d", e.Op, e.ExitCode)
}

// BuildError reports a failed image build, daemon or Kaniko.
type BuildError struct {
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

func IsPermission(err error) bool {
	var t *PermissionError
	return errors.As(err, &t)
}

func IsBackend(err error) bool {
	var t *BackendError
	return errors.As(err, &t)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

func IsState(err error) bool {
	var t *StateError
	return errors.As(err, &t)
}

func IsTransfer(err error) bool {
	var t *TransferError
	return errors.As(err, &t)
}

func IsBuild(err error) bool {
	var t *BuildError
	return errors.As(err, &t)
}
