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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
)

func podWithPhase(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{Status: corev1.PodStatus{Phase: phase}}
}

func podWithTermination(exitCode int32, reason string) *corev1.Pod {
	return &corev1.Pod{
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{
						ExitCode:   exitCode,
						Reason:     reason,
						FinishedAt: metav1.Now(),
					},
				},
			}},
		},
	}
}

func initializingBase(t *testing.T) *base {
	t.Helper()
	b := newTestBase(t, k8sfake.NewSimpleClientset(), buildSpec(t, nil))
	require.NoError(t, b.cont.Transition(container.StateInitializing))
	return b
}

func TestApplyPodStatusPhaseMapping(t *testing.T) {
	tests := []struct {
		phase    corev1.PodPhase
		expected container.State
	}{
		{corev1.PodPending, container.StateInitializing},
		{corev1.PodRunning, container.StateRunning},
		{corev1.PodFailed, container.StateFailed},
		{corev1.PodUnknown, container.StateUnknown},
	}
	for _, test := range tests {
		t.Run(string(test.phase), func(t *testing.T) {
			b := initializingBase(t)

			b.applyPodStatus(context.Background(), podWithPhase(test.phase))

			assert.Equal(t, test.expected, b.cont.State())
		})
	}
}

func TestApplyPodStatusSucceededStops(t *testing.T) {
	b := initializingBase(t)
	require.NoError(t, b.cont.Transition(container.StateRunning))

	b.applyPodStatus(context.Background(), podWithPhase(corev1.PodSucceeded))

	assert.Equal(t, container.StateStopped, b.cont.State())
}

func TestApplyPodStatusRecordsPodIP(t *testing.T) {
	b := initializingBase(t)
	pod := podWithPhase(corev1.PodRunning)
	pod.Status.PodIP = "10.1.2.3"

	b.applyPodStatus(context.Background(), pod)

	assert.Equal(t, "10.1.2.3", b.cont.IPAddress())
}

func TestApplyPodStatusCleanTerminationStops(t *testing.T) {
	b := initializingBase(t)
	require.NoError(t, b.cont.Transition(container.StateRunning))

	b.applyPodStatus(context.Background(), podWithTermination(0, "Completed"))

	assert.Equal(t, container.StateStopped, b.cont.State())
	require.NotNil(t, b.cont.ExitCode())
	assert.Equal(t, 0, *b.cont.ExitCode())
	assert.NotNil(t, b.cont.FinishedAt())
}

func TestApplyPodStatusErrorReasonFails(t *testing.T) {
	b := initializingBase(t)
	require.NoError(t, b.cont.Transition(container.StateRunning))

	b.applyPodStatus(context.Background(), podWithTermination(1, "Error"))

	assert.Equal(t, container.StateFailed, b.cont.State())
	require.NotNil(t, b.cont.ExitCode())
	assert.Equal(t, 1, *b.cont.ExitCode())
}

func TestApplyPodStatusNonZeroExitWithBenignReasonStops(t *testing.T) {
	b := initializingBase(t)
	require.NoError(t, b.cont.Transition(container.StateRunning))

	b.applyPodStatus(context.Background(), podWithTermination(7, "Completed"))

	assert.Equal(t, container.StateStopped, b.cont.State())
	require.NotNil(t, b.cont.ExitCode())
	assert.Equal(t, 7, *b.cont.ExitCode())
}

func TestApplyPodStatusTerminationDuringStopIsClean(t *testing.T) {
	b := initializingBase(t)
	require.NoError(t, b.cont.Transition(container.StateRunning))
	require.NoError(t, b.cont.Transition(container.StateTerminating))

	b.applyPodStatus(context.Background(), podWithTermination(143, "Error"))

	assert.Equal(t, container.StateStopped, b.cont.State())
}

func TestWatchPodsFollowsLifecycle(t *testing.T) {
	b := initializingBase(t)
	client := k8sfake.NewSimpleClientset()
	b.client = client

	// The fake clientset does not replay existing objects on watch, so the
	// pod must be created only after watchPods has registered its watch.
	watchReady := make(chan struct{})
	var once sync.Once
	client.PrependWatchReactor("pods", func(action k8stesting.Action) (bool, watch.Interface, error) {
		w, err := client.Tracker().Watch(action.GetResource(), action.GetNamespace())
		once.Do(func() { close(watchReady) })
		return true, w, err
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.watchPods(ctx)
	}()

	select {
	case <-watchReady:
	case <-time.After(5 * time.Second):
		t.Fatal("pod watch was not established")
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-service-abc",
			Namespace: "test",
			Labels:    map[string]string{"app": "test-service", LabelInstance: b.instanceID},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.1.2.3"},
	}
	_, err := client.CoreV1().Pods("test").Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	assert.True(t, b.cont.WaitForState(ctx, container.StateRunning, 5*time.Second))
	cancel()
	<-done
}
