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
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
)

// watchPods follows the pods of this instance and mirrors their phase into
// the container's state machine. It runs until the context is cancelled.
// A dropped watch connection moves a non-completed container to UNKNOWN and
// the watch is re-established.
func (b *base) watchPods(ctx context.Context) {
	for {
		w, err := b.client.CoreV1().Pods(b.cont.Namespace()).Watch(ctx, metav1.ListOptions{
			LabelSelector: b.podSelector(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Entry(ctx).Warnf("watching pods: %v", err)
			if !b.cont.State().IsCompleted() {
				b.cont.TryTransition(container.StateUnknown)
			}
			return
		}

		if b.consumePodEvents(ctx, w) {
			return
		}
		// Watch channel closed by the server; reconnect unless finished.
		if ctx.Err() != nil || b.cont.State().IsCompleted() {
			return
		}
		log.Entry(ctx).Debug("pod watch disconnected, reconnecting")
		b.cont.TryTransition(container.StateUnknown)
	}
}

// consumePodEvents drains one watch connection. Returns true when watching
// should stop for good.
func (b *base) consumePodEvents(ctx context.Context, w watch.Interface) bool {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case event, ok := <-w.ResultChan():
			if !ok {
				return false
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			if event.Type == watch.Deleted {
				switch state := b.cont.State(); {
				case state == container.StateTerminating:
					b.cont.TryTransition(container.StateStopped)
				case !state.IsCompleted():
					log.Entry(ctx).Warn("pod deleted while container not completed")
					b.cont.TryTransition(container.StateFailed)
				}
				return true
			}
			b.applyPodStatus(ctx, pod)
			if b.cont.State() == container.StateFailed || b.cont.State() == container.StateStopped {
				return true
			}
		}
	}
}

// applyPodStatus maps one pod status observation onto the state machine and
// records pod IP, exit code and finish time as they become known.
func (b *base) applyPodStatus(ctx context.Context, pod *corev1.Pod) {
	if pod.Status.PodIP != "" {
		b.cont.SetIPAddress(pod.Status.PodIP)
	}

	if terminated := findTermination(pod); terminated != nil {
		if !terminated.FinishedAt.IsZero() {
			b.cont.SetFinishedAt(terminated.FinishedAt.Time)
		}
		b.cont.SetExitCode(int(terminated.ExitCode))
		if b.cont.State() == container.StateTerminating {
			// A stop in flight; the signal-induced exit code is expected.
			b.cont.TryTransition(container.StateStopped)
			return
		}
		if strings.Contains(strings.ToLower(terminated.Reason), "error") {
			log.Entry(ctx).Debugf("container terminated: reason %s, exit code %d", terminated.Reason, terminated.ExitCode)
			b.cont.TryTransition(container.StateFailed)
			return
		}
		// A non-zero exit with a benign reason is a finished workload, not a
		// platform failure; the exit code is reported through the handle.
		b.cont.TryTransition(container.StateStopped)
		return
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		b.cont.TryTransition(container.StateInitializing)
	case corev1.PodRunning:
		b.cont.TryTransition(container.StateRunning)
	case corev1.PodSucceeded:
		b.cont.TryTransition(container.StateStopped)
	case corev1.PodFailed:
		b.cont.TryTransition(container.StateFailed)
	case corev1.PodUnknown:
		b.cont.TryTransition(container.StateUnknown)
	}
}

func findTermination(pod *corev1.Pod) *corev1.ContainerStateTerminated {
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Terminated != nil {
			return status.State.Terminated
		}
	}
	return nil
}
