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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

func newTestJobRuntime(t *testing.T, client *k8sfake.Clientset, spec *container.ContainerSpec) *JobRuntime {
	t.Helper()
	return NewJobRuntime(client, nil, outsideClusterConfig(), container.New(spec))
}

func taskSpec(t *testing.T, configure func(*container.SpecBuilder)) *container.ContainerSpec {
	t.Helper()
	return buildSpec(t, func(b *container.SpecBuilder) {
		b.WithMode(container.ModeTask)
		if configure != nil {
			configure(b)
		}
	})
}

func TestBuildJobDefaults(t *testing.T) {
	j := newTestJobRuntime(t, k8sfake.NewSimpleClientset(), taskSpec(t, nil))

	job, err := j.buildJob()

	require.NoError(t, err)
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	require.NotNil(t, job.Spec.Completions)
	assert.Equal(t, int32(1), *job.Spec.Completions)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	assert.Equal(t, j.instanceID, job.Labels[LabelInstance])
}

func TestBuildJobAppliesManifestOverrides(t *testing.T) {
	spec := taskSpec(t, func(b *container.SpecBuilder) {
		b.WithCustomProperty(container.PropJobManifestOverrides,
			`{"spec":{"activeDeadlineSeconds":600,"template":{"spec":{"serviceAccountName":"builder"}}}}`)
	})
	j := newTestJobRuntime(t, k8sfake.NewSimpleClientset(), spec)

	job, err := j.buildJob()

	require.NoError(t, err)
	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(600), *job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, "builder", job.Spec.Template.Spec.ServiceAccountName)
	// The patched manifest keeps the generated parts.
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
}

func TestBuildJobRejectsMalformedOverrides(t *testing.T) {
	spec := taskSpec(t, func(b *container.SpecBuilder) {
		b.WithCustomProperty(container.PropJobManifestOverrides, `{not json`)
	})
	j := newTestJobRuntime(t, k8sfake.NewSimpleClientset(), spec)

	_, err := j.buildJob()

	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestJobDeleteStaleReplacesLeftoverJob(t *testing.T) {
	client := k8sfake.NewSimpleClientset(
		&batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "test-service", Namespace: "test"}},
	)
	j := newTestJobRuntime(t, client, taskSpec(t, nil))

	require.NoError(t, j.deleteStale(context.Background()))

	_, err := client.BatchV1().Jobs("test").Get(context.Background(), "test-service", metav1.GetOptions{})
	require.Error(t, err)
}

func TestJobKillIsNoOpWhenCompleted(t *testing.T) {
	j := newTestJobRuntime(t, k8sfake.NewSimpleClientset(), taskSpec(t, nil))
	cont := j.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))
	require.NoError(t, cont.Transition(container.StateStopped))

	require.NoError(t, j.Kill(context.Background()))
	assert.Equal(t, container.StateStopped, cont.State())
}

func TestJobDeleteCleansUp(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	j := newTestJobRuntime(t, client, taskSpec(t, nil))
	cont := j.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))
	require.NoError(t, cont.Transition(container.StateStopped))
	cont.SetJobName("test-service")

	require.NoError(t, j.Delete(context.Background(), false))
	assert.Equal(t, container.StateDeleted, cont.State())
}

func TestJobWaitForCompletionReturnsExitCode(t *testing.T) {
	j := newTestJobRuntime(t, k8sfake.NewSimpleClientset(), taskSpec(t, nil))
	cont := j.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))
	cont.SetExitCode(0)
	require.NoError(t, cont.Transition(container.StateStopped))

	code, err := j.WaitForCompletion(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
