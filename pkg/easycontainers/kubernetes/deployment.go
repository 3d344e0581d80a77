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
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

const (
	nodePortMin = 30000
	nodePortMax = 32767
)

// DeploymentRuntime runs a service-mode container as a single-replica
// Deployment fronted by a Service.
type DeploymentRuntime struct {
	base

	createdService string
}

var _ runtime.Runtime = (*DeploymentRuntime)(nil)

func NewDeploymentRuntime(client kubernetes.Interface, restConfig *rest.Config, cfg *runtime.Config, cont *container.Container) *DeploymentRuntime {
	return &DeploymentRuntime{base: newBase(client, restConfig, cfg, cont)}
}

// Start creates the Deployment and its Service and returns once the pod is
// observed running. On any failure the container is moved to FAILED.
func (d *DeploymentRuntime) Start(ctx context.Context) error {
	ctx = d.logContext(ctx)

	if err := d.cont.Transition(container.StateInitializing); err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		d.cont.TryTransition(container.StateFailed)
		return err
	}
	return nil
}

func (d *DeploymentRuntime) start(ctx context.Context) error {
	spec := d.cont.Spec()

	if err := d.connect(ctx); err != nil {
		return err
	}
	if err := d.ensureNamespace(ctx); err != nil {
		return err
	}
	if err := d.checkAccess(ctx, deploymentAccessChecks()); err != nil {
		return err
	}
	if err := d.createConfigMaps(ctx); err != nil {
		return err
	}

	if err := d.deleteStale(ctx); err != nil {
		return err
	}

	deployment := d.buildDeployment()
	created, err := d.client.AppsV1().Deployments(d.cont.Namespace()).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil {
		return &errors.BackendError{Op: "create deployment " + spec.Name, Err: err}
	}
	d.cont.SetDeploymentName(created.Name)
	log.Entry(ctx).Infof("created deployment %s", created.Name)

	if spec.HasExposedPorts() {
		if err := d.createService(ctx); err != nil {
			return err
		}
	}

	watchCtx, cancel := context.WithCancel(d.logContext(context.Background()))
	d.mu.Lock()
	d.watchCancel = cancel
	d.logDone = make(chan struct{})
	d.mu.Unlock()
	go d.watchPods(watchCtx)

	pod, err := d.awaitPod(ctx)
	if err != nil {
		return err
	}
	go d.streamLogs(watchCtx, pod.Name)

	if err := d.awaitRunning(ctx); err != nil {
		return err
	}

	if spec.MaxLifeTime > 0 {
		d.mu.Lock()
		d.killTimer = time.AfterFunc(spec.MaxLifeTime, func() {
			log.Entry(watchCtx).Warnf("max lifetime %v exceeded, killing container", spec.MaxLifeTime)
			if err := d.Kill(watchCtx); err != nil {
				log.Entry(watchCtx).Warnf("killing expired container: %v", err)
			}
		})
		d.mu.Unlock()
	}

	log.Entry(ctx).Infof("pod %s running with ip %s", pod.Name, d.cont.IPAddress())
	return nil
}

// deleteStale replaces a leftover same-named deployment and service from an
// earlier run, so a restart with the same container name starts clean.
func (d *DeploymentRuntime) deleteStale(ctx context.Context) error {
	name := d.cont.Spec().Name
	namespace := d.cont.Namespace()

	if _, err := d.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{}); err == nil {
		log.Entry(ctx).Infof("replacing existing deployment %s", name)
		err := d.client.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{
			PropagationPolicy: util.Ptr(metav1.DeletePropagationForeground),
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return &errors.BackendError{Op: "delete existing deployment " + name, Err: err}
		}
	}
	if _, err := d.client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{}); err == nil {
		log.Entry(ctx).Infof("replacing existing service %s", name)
		err := d.client.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return &errors.BackendError{Op: "delete existing service " + name, Err: err}
		}
	}
	return nil
}

func (d *DeploymentRuntime) buildDeployment() *appsv1.Deployment {
	spec := d.cont.Spec()
	labels := d.resourceLabels()

	podSpec := d.buildPodSpec()
	d.applyProbes(&podSpec)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: d.cont.Namespace(),
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: util.Ptr(int32(1)),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					"app":         spec.Name,
					LabelInstance: d.instanceID,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// applyProbes wires liveness and readiness. With exposed ports a TCP check
// against the first port is used; without any port the probes degrade to a
// trivial exec so restart behavior stays predictable for shell-only images.
func (d *DeploymentRuntime) applyProbes(podSpec *corev1.PodSpec) {
	spec := d.cont.Spec()
	c := &podSpec.Containers[0]

	if spec.HasExposedPorts() {
		port := intstr.FromInt(spec.FirstExposedPort())
		c.LivenessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: port},
			},
			InitialDelaySeconds: 10,
			PeriodSeconds:       5,
		}
		c.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: port},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       5,
		}
		return
	}

	c.LivenessProbe = &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: []string{"echo", "alive"}},
		},
		InitialDelaySeconds: 10,
		PeriodSeconds:       5,
	}
	c.ReadinessProbe = &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: []string{"echo", "ready"}},
		},
		InitialDelaySeconds: 5,
		PeriodSeconds:       5,
	}
}

// createService exposes the container's ports. Inside the cluster a
// ClusterIP suffices; outside, port mappings are realized as NodePorts so
// the caller can reach the workload through any node.
func (d *DeploymentRuntime) createService(ctx context.Context) error {
	spec := d.cont.Spec()

	names := make([]string, 0, len(spec.ExposedPorts))
	for name := range spec.ExposedPorts {
		names = append(names, name)
	}
	sort.Strings(names)

	useNodePort := len(spec.PortMappings) > 0 && !d.cfg.IsInsideCluster()

	var ports []corev1.ServicePort
	for _, name := range names {
		port := spec.ExposedPorts[name]
		servicePort := corev1.ServicePort{
			Name:       name,
			Port:       int32(port),
			TargetPort: intstr.FromInt(port),
			Protocol:   corev1.ProtocolTCP,
		}
		if nodePort, ok := spec.PortMappings[port]; ok && useNodePort {
			if nodePort < nodePortMin || nodePort > nodePortMax {
				log.Entry(ctx).Warnf("port mapping %d is outside the NodePort range %d-%d, letting the cluster assign one",
					nodePort, nodePortMin, nodePortMax)
			} else {
				servicePort.NodePort = int32(nodePort)
			}
		}
		ports = append(ports, servicePort)
	}

	serviceType := corev1.ServiceTypeClusterIP
	if useNodePort {
		serviceType = corev1.ServiceTypeNodePort
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: d.cont.Namespace(),
			Labels:    d.resourceLabels(),
		},
		Spec: corev1.ServiceSpec{
			Type: serviceType,
			Selector: map[string]string{
				"app":         spec.Name,
				LabelInstance: d.instanceID,
			},
			Ports: ports,
		},
	}
	created, err := d.client.CoreV1().Services(d.cont.Namespace()).Create(ctx, service, metav1.CreateOptions{})
	if err != nil {
		return &errors.BackendError{Op: "create service " + spec.Name, Err: err}
	}
	d.createdService = created.Name
	d.cont.SetHost(fmt.Sprintf("%s.%s.svc.cluster.local", created.Name, d.cont.Namespace()))
	log.Entry(ctx).Infof("created %s service %s", serviceType, created.Name)
	return nil
}

// Stop scales the Deployment to zero and waits for the pod to drain.
// Already-completed containers are a no-op.
func (d *DeploymentRuntime) Stop(ctx context.Context) error {
	ctx = d.logContext(ctx)

	if d.cont.State().IsCompleted() {
		return nil
	}
	if err := d.cont.Transition(container.StateTerminating); err != nil {
		return err
	}

	name := d.cont.DeploymentName()
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.cont.Namespace()},
		Spec:       autoscalingv1.ScaleSpec{Replicas: 0},
	}
	if _, err := d.client.AppsV1().Deployments(d.cont.Namespace()).UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		d.cont.TryTransition(container.StateFailed)
		return &errors.BackendError{Op: "scale deployment " + name + " to zero", Err: err}
	}

	if !d.cont.WaitForCompleted(ctx, d.cfg.StopBudget()) {
		log.Entry(ctx).Warnf("pod did not drain within %v", d.cfg.StopBudget())
	}
	d.cont.TryTransition(container.StateStopped)
	return nil
}

// Kill scales to zero and deletes the pods without a grace period.
func (d *DeploymentRuntime) Kill(ctx context.Context) error {
	ctx = d.logContext(ctx)

	if d.cont.State().IsCompleted() {
		return nil
	}
	d.cont.TryTransition(container.StateTerminating)

	name := d.cont.DeploymentName()
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.cont.Namespace()},
		Spec:       autoscalingv1.ScaleSpec{Replicas: 0},
	}
	if _, err := d.client.AppsV1().Deployments(d.cont.Namespace()).UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return &errors.BackendError{Op: "scale deployment " + name + " to zero", Err: err}
	}

	err := d.client.CoreV1().Pods(d.cont.Namespace()).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: util.Ptr(int64(0))},
		metav1.ListOptions{LabelSelector: d.podSelector()},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		return &errors.BackendError{Op: "delete pods of " + name, Err: err}
	}

	d.cont.TryTransition(container.StateStopped)
	return nil
}

// Delete removes the Service, the Deployment and the ConfigMaps. Without
// force the container must already be STOPPED or FAILED.
func (d *DeploymentRuntime) Delete(ctx context.Context, force bool) error {
	ctx = d.logContext(ctx)

	state := d.cont.State()
	if state == container.StateDeleted {
		return nil
	}
	if !force && state != container.StateStopped && state != container.StateFailed {
		return &errors.StateError{Op: "delete", Current: string(state), Required: "STOPPED or FAILED"}
	}

	d.stopWatchers(ctx)
	if !d.cont.State().IsCompleted() {
		d.cont.TryTransition(container.StateTerminating)
	}

	deleteOptions := metav1.DeleteOptions{PropagationPolicy: util.Ptr(metav1.DeletePropagationForeground)}
	if force {
		deleteOptions.GracePeriodSeconds = util.Ptr(int64(0))
	}

	if d.createdService != "" {
		err := d.client.CoreV1().Services(d.cont.Namespace()).Delete(ctx, d.createdService, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return &errors.BackendError{Op: "delete service " + d.createdService, Err: err}
		}
	}
	if name := d.cont.DeploymentName(); name != "" {
		err := d.client.AppsV1().Deployments(d.cont.Namespace()).Delete(ctx, name, deleteOptions)
		if err != nil && !apierrors.IsNotFound(err) {
			return &errors.BackendError{Op: "delete deployment " + name, Err: err}
		}
	}
	if force {
		err := d.client.CoreV1().Pods(d.cont.Namespace()).DeleteCollection(ctx,
			metav1.DeleteOptions{GracePeriodSeconds: util.Ptr(int64(0))},
			metav1.ListOptions{LabelSelector: d.podSelector()},
		)
		if err != nil && !apierrors.IsNotFound(err) {
			log.Entry(ctx).Warnf("deleting pods: %v", err)
		}
	}
	d.deleteConfigMaps(ctx)

	if !d.cont.State().IsCompleted() {
		d.cont.TryTransition(container.StateStopped)
	}
	d.cont.TryTransition(container.StateDeleted)
	return nil
}

// WaitForCompletion blocks until the workload finishes and returns its exit
// code. A zero timeout waits indefinitely.
func (d *DeploymentRuntime) WaitForCompletion(ctx context.Context, timeout time.Duration) (int, error) {
	if !d.cont.WaitForCompleted(ctx, timeout) {
		return 0, &errors.TimeoutError{Op: "waiting for container to complete", Budget: timeout}
	}
	if code := d.cont.ExitCode(); code != nil {
		return *code, nil
	}
	return 0, nil
}
