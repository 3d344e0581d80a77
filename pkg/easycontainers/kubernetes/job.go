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

package kubernetes

import (
	"context"
	"encoding/json"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// JobRuntime runs a task-mode container as a batch/v1 Job: one completion,
// no retries, never restarted.
type JobRuntime struct {
	base
}

var _ runtime.Runtime = (*JobRuntime)(nil)

func NewJobRuntime(client kubernetes.Interface, restConfig *rest.Config, cfg *runtime.Config, cont *container.Container) *JobRuntime {
	return &JobRuntime{base: newBase(client, restConfig, cfg, cont)}
}

// Start creates the Job and returns once its pod has been observed running.
// A task that finishes faster than the observation loop still counts as
// started. On any failure the container is moved to FAILED.
func (j *JobRuntime) Start(ctx context.Context) error {
	ctx = j.logContext(ctx)

	if err := j.cont.Transition(container.StateInitializing); err != nil {
		return err
	}
	if err := j.start(ctx); err != nil {
		j.cont.TryTransition(container.StateFailed)
		return err
	}
	return nil
}

func (j *JobRuntime) start(ctx context.Context) error {
	spec := j.cont.Spec()

	if err := j.connect(ctx); err != nil {
		return err
	}
	if err := j.ensureNamespace(ctx); err != nil {
		return err
	}
	if err := j.checkAccess(ctx, jobAccessChecks()); err != nil {
		return err
	}
	if err := j.createConfigMaps(ctx); err != nil {
		return err
	}

	if err := j.deleteStale(ctx); err != nil {
		return err
	}

	job, err := j.buildJob()
	if err != nil {
		return err
	}
	created, err := j.client.BatchV1().Jobs(j.cont.Namespace()).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return &errors.BackendError{Op: "create job " + spec.Name, Err: err}
	}
	j.cont.SetJobName(created.Name)
	log.Entry(ctx).Infof("created job %s", created.Name)

	watchCtx, cancel := context.WithCancel(j.logContext(context.Background()))
	j.mu.Lock()
	j.watchCancel = cancel
	j.logDone = make(chan struct{})
	j.mu.Unlock()
	go j.watchPods(watchCtx)

	pod, err := j.awaitPod(ctx)
	if err != nil {
		return err
	}
	go j.streamLogs(watchCtx, pod.Name)

	if err := j.awaitStarted(ctx); err != nil {
		return err
	}

	if spec.MaxLifeTime > 0 {
		j.mu.Lock()
		j.killTimer = time.AfterFunc(spec.MaxLifeTime, func() {
			log.Entry(watchCtx).Warnf("max lifetime %v exceeded, killing container", spec.MaxLifeTime)
			if err := j.Kill(watchCtx); err != nil {
				log.Entry(watchCtx).Warnf("killing expired container: %v", err)
			}
		})
		j.mu.Unlock()
	}
	return nil
}

// deleteStale replaces a leftover same-named job from an earlier run, so a
// restart with the same container name starts clean.
func (j *JobRuntime) deleteStale(ctx context.Context) error {
	name := j.cont.Spec().Name
	namespace := j.cont.Namespace()

	if _, err := j.client.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{}); err == nil {
		log.Entry(ctx).Infof("replacing existing job %s", name)
		err := j.client.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{
			PropagationPolicy: util.Ptr(metav1.DeletePropagationForeground),
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return &errors.BackendError{Op: "delete existing job " + name, Err: err}
		}
	}
	return nil
}

// buildJob assembles the manifest and applies the caller's JSON merge patch
// override, if any. A patch that does not parse is a validation error, not a
// backend one.
func (j *JobRuntime) buildJob() (*batchv1.Job, error) {
	spec := j.cont.Spec()
	labels := j.resourceLabels()

	podSpec := j.buildPodSpec()
	podSpec.RestartPolicy = corev1.RestartPolicyNever

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: j.cont.Namespace(),
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: util.Ptr(int32(0)),
			Completions:  util.Ptr(int32(1)),
			Parallelism:  util.Ptr(int32(1)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}

	patch := spec.StringProperty(container.PropJobManifestOverrides)
	if patch == "" {
		return job, nil
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(raw, []byte(patch))
	if err != nil {
		return nil, &errors.ValidationError{Field: container.PropJobManifestOverrides, Value: patch, Reason: err.Error()}
	}
	var patched batchv1.Job
	if err := json.Unmarshal(merged, &patched); err != nil {
		return nil, &errors.ValidationError{Field: container.PropJobManifestOverrides, Value: patch, Reason: err.Error()}
	}
	return &patched, nil
}

// awaitStarted is awaitRunning for tasks: a job that already ran to
// completion counts as started.
func (j *JobRuntime) awaitStarted(ctx context.Context) error {
	budget := j.cfg.StartBudget()
	deadline := time.Now().Add(budget)
	for {
		switch j.cont.State() {
		case container.StateRunning, container.StateStopped:
			return nil
		case container.StateFailed:
			return &errors.BackendError{Op: "job failed before reaching running"}
		}
		if time.Now().After(deadline) {
			return &errors.TimeoutError{Op: "waiting for job pod to run", Budget: budget}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop terminates the task's pod gracefully and waits for it to finish.
func (j *JobRuntime) Stop(ctx context.Context) error {
	ctx = j.logContext(ctx)

	if j.cont.State().IsCompleted() {
		return nil
	}
	if err := j.cont.Transition(container.StateTerminating); err != nil {
		return err
	}

	err := j.client.CoreV1().Pods(j.cont.Namespace()).DeleteCollection(ctx,
		metav1.DeleteOptions{},
		metav1.ListOptions{LabelSelector: j.podSelector()},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		j.cont.TryTransition(container.StateFailed)
		return &errors.BackendError{Op: "delete job pods", Err: err}
	}

	if !j.cont.WaitForCompleted(ctx, j.cfg.StopBudget()) {
		log.Entry(ctx).Warnf("job pod did not terminate within %v", j.cfg.StopBudget())
	}
	j.cont.TryTransition(container.StateStopped)
	return nil
}

// Kill deletes the task's pod without a grace period.
func (j *JobRuntime) Kill(ctx context.Context) error {
	ctx = j.logContext(ctx)

	if j.cont.State().IsCompleted() {
		return nil
	}
	j.cont.TryTransition(container.StateTerminating)

	err := j.client.CoreV1().Pods(j.cont.Namespace()).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: util.Ptr(int64(0))},
		metav1.ListOptions{LabelSelector: j.podSelector()},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		return &errors.BackendError{Op: "delete job pods", Err: err}
	}

	j.cont.TryTransition(container.StateStopped)
	return nil
}

// Delete removes the Job with foreground propagation plus the ConfigMaps.
// Without force the container must already be STOPPED or FAILED.
func (j *JobRuntime) Delete(ctx context.Context, force bool) error {
	ctx = j.logContext(ctx)

	state := j.cont.State()
	if state == container.StateDeleted {
		return nil
	}
	if !force && state != container.StateStopped && state != container.StateFailed {
		return &errors.StateError{Op: "delete", Current: string(state), Required: "STOPPED or FAILED"}
	}

	j.stopWatchers(ctx)
	if !j.cont.State().IsCompleted() {
		j.cont.TryTransition(container.StateTerminating)
	}

	deleteOptions := metav1.DeleteOptions{PropagationPolicy: util.Ptr(metav1.DeletePropagationForeground)}
	if force {
		deleteOptions.GracePeriodSeconds = util.Ptr(int64(0))
	}
	if name := j.cont.JobName(); name != "" {
		err := j.client.BatchV1().Jobs(j.cont.Namespace()).Delete(ctx, name, deleteOptions)
		if err != nil && !apierrors.IsNotFound(err) {
			return &errors.BackendError{Op: "delete job " + name, Err: err}
		}
	}
	j.deleteConfigMaps(ctx)

	if !j.cont.State().IsCompleted() {
		j.cont.TryTransition(container.StateStopped)
	}
	j.cont.TryTransition(container.StateDeleted)
	return nil
}

// WaitForCompletion blocks until the task finishes and returns its exit
// code. The job's own completion timestamp, when available, wins over the
// watcher's observation time.
func (j *JobRuntime) WaitForCompletion(ctx context.Context, timeout time.Duration) (int, error) {
	ctx = j.logContext(ctx)

	if !j.cont.WaitForCompleted(ctx, timeout) {
		return 0, &errors.TimeoutError{Op: "waiting for job to complete", Budget: timeout}
	}

	if name := j.cont.JobName(); name != "" {
		job, err := j.client.BatchV1().Jobs(j.cont.Namespace()).Get(ctx, name, metav1.GetOptions{})
		if err == nil && job.Status.CompletionTime != nil {
			j.cont.SetFinishedAt(job.Status.CompletionTime.Time)
		}
	}

	if code := j.cont.ExitCode(); code != nil {
		return *code, nil
	}
	return 0, nil
}
