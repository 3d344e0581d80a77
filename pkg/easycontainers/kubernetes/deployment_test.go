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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

func newTestDeploymentRuntime(t *testing.T, client *k8sfake.Clientset, spec *container.ContainerSpec) *DeploymentRuntime {
	t.Helper()
	return NewDeploymentRuntime(client, nil, outsideClusterConfig(), container.New(spec))
}

func TestBuildDeployment(t *testing.T) {
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithExposedPort("http", 8080)
	})
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), spec)

	deployment := d.buildDeployment()

	require.NotNil(t, deployment.Spec.Replicas)
	assert.Equal(t, int32(1), *deployment.Spec.Replicas)
	assert.Equal(t, "test-service", deployment.Spec.Selector.MatchLabels["app"])
	assert.Equal(t, d.instanceID, deployment.Spec.Selector.MatchLabels[LabelInstance])

	c := deployment.Spec.Template.Spec.Containers[0]
	require.NotNil(t, c.LivenessProbe)
	require.NotNil(t, c.LivenessProbe.TCPSocket)
	assert.Equal(t, 8080, c.LivenessProbe.TCPSocket.Port.IntValue())
	assert.Equal(t, int32(10), c.LivenessProbe.InitialDelaySeconds)
	require.NotNil(t, c.ReadinessProbe)
	assert.Equal(t, int32(5), c.ReadinessProbe.InitialDelaySeconds)
	assert.Equal(t, int32(5), c.ReadinessProbe.PeriodSeconds)
}

func TestBuildDeploymentWithoutPortsUsesExecProbes(t *testing.T) {
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))

	deployment := d.buildDeployment()

	c := deployment.Spec.Template.Spec.Containers[0]
	require.NotNil(t, c.LivenessProbe.Exec)
	assert.Equal(t, []string{"echo", "alive"}, c.LivenessProbe.Exec.Command)
	require.NotNil(t, c.ReadinessProbe.Exec)
	assert.Equal(t, []string{"echo", "ready"}, c.ReadinessProbe.Exec.Command)
}

func TestCreateServiceNodePortOutsideCluster(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithExposedPort("http", 8080).WithPortMapping(8080, 30080)
	})
	d := newTestDeploymentRuntime(t, client, spec)

	require.NoError(t, d.createService(context.Background()))

	service, err := client.CoreV1().Services("test").Get(context.Background(), "test-service", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeNodePort, service.Spec.Type)
	require.Len(t, service.Spec.Ports, 1)
	assert.Equal(t, int32(30080), service.Spec.Ports[0].NodePort)
	assert.Equal(t, int32(8080), service.Spec.Ports[0].Port)
	assert.Equal(t, "test-service.test.svc.cluster.local", d.cont.Host())
}

func TestCreateServiceClusterIPWithoutMappings(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	spec := buildSpec(t, func(b *container.SpecBuilder) {
		b.WithExposedPort("http", 8080)
	})
	d := newTestDeploymentRuntime(t, client, spec)

	require.NoError(t, d.createService(context.Background()))

	service, err := client.CoreV1().Services("test").Get(context.Background(), "test-service", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeClusterIP, service.Spec.Type)
	assert.Zero(t, service.Spec.Ports[0].NodePort)
}

func TestDeleteStaleReplacesLeftoverWorkload(t *testing.T) {
	client := k8sfake.NewSimpleClientset(
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "test-service", Namespace: "test"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "test-service", Namespace: "test"}},
	)
	d := newTestDeploymentRuntime(t, client, buildSpec(t, nil))

	require.NoError(t, d.deleteStale(context.Background()))

	_, err := client.AppsV1().Deployments("test").Get(context.Background(), "test-service", metav1.GetOptions{})
	require.Error(t, err)
	_, err = client.CoreV1().Services("test").Get(context.Background(), "test-service", metav1.GetOptions{})
	require.Error(t, err)
}

func TestDeleteStaleIsNoOpWithoutLeftovers(t *testing.T) {
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))
	require.NoError(t, d.deleteStale(context.Background()))
}

func TestStopIsNoOpWhenCompleted(t *testing.T) {
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))
	cont := d.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))
	require.NoError(t, cont.Transition(container.StateStopped))

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, container.StateStopped, cont.State())
}

func TestDeleteRequiresCompletedStateWithoutForce(t *testing.T) {
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))
	cont := d.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))

	err := d.Delete(context.Background(), false)

	require.Error(t, err)
	assert.True(t, errors.IsState(err))
	assert.Equal(t, container.StateRunning, cont.State())
}

func TestForceDeleteFromRunningWalksTheStateMachine(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	d := newTestDeploymentRuntime(t, client, buildSpec(t, nil))
	cont := d.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))
	cont.SetDeploymentName("test-service")

	require.NoError(t, d.Delete(context.Background(), true))

	assert.Equal(t, container.StateDeleted, cont.State())
	assert.Equal(t, []container.State{
		container.StateInitializing,
		container.StateRunning,
		container.StateTerminating,
		container.StateStopped,
		container.StateDeleted,
	}, cont.StateHistory())
}

func TestDeleteIsIdempotentOnceDeleted(t *testing.T) {
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))
	cont := d.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateFailed))

	require.NoError(t, d.Delete(context.Background(), false))
	require.NoError(t, d.Delete(context.Background(), false))
	assert.Equal(t, container.StateDeleted, cont.State())
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	d := newTestDeploymentRuntime(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))
	cont := d.Container()
	require.NoError(t, cont.Transition(container.StateInitializing))
	require.NoError(t, cont.Transition(container.StateRunning))

	_, err := d.WaitForCompletion(context.Background(), 20*time.Millisecond)

	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}
