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
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// Labels stamped on every resource the runtimes create. The instance label
// carries a fresh UUID per container so concurrent containers with the same
// name never select each other's resources.
const (
	LabelManagedBy        = "app.kubernetes.io/managed-by"
	LabelInstance         = "app.kubernetes.io/instance"
	LabelPartOf           = "app.kubernetes.io/part-of"
	LabelEphemeral        = "easycontainers.acntech.com/ephemeral"
	LabelCreatedAt        = "easycontainers.acntech.com/created-at"
	LabelParentDeployment = "easycontainers.acntech.com/parent-deployment"
	LabelInsideCluster    = "easycontainers.acntech.com/inside-cluster"

	ManagedByValue = "Easycontainers"
)

// base carries the state and helpers shared by the Deployment and Job
// runtimes.
type base struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	cfg        *runtime.Config
	cont       *container.Container

	// instanceID disambiguates resources of same-named containers.
	instanceID string

	mu                sync.Mutex
	watchCancel       context.CancelFunc
	logDone           chan struct{}
	createdConfigMaps []string
	killTimer         *time.Timer
}

func newBase(client kubernetes.Interface, restConfig *rest.Config, cfg *runtime.Config, cont *container.Container) base {
	if cfg == nil {
		cfg = runtime.DefaultConfig()
	}
	return base{
		client:     client,
		restConfig: restConfig,
		cfg:        cfg,
		cont:       cont,
		instanceID: uuid.NewString(),
	}
}

func (b *base) Container() *container.Container { return b.cont }

func (b *base) connect(ctx context.Context) error {
	if b.client != nil {
		return nil
	}
	client, restConfig, err := NewClientSet(b.cfg)
	if err != nil {
		return &errors.BackendError{Op: "connect to kubernetes", Err: err}
	}
	b.client = client
	b.restConfig = restConfig
	return nil
}

func (b *base) logContext(ctx context.Context) context.Context {
	return log.WithContainer(ctx, b.cont.Spec().Name, string(container.PlatformKubernetes))
}

// resourceLabels are applied to every created resource; the spec's own
// labels are merged in but cannot shadow the management labels.
func (b *base) resourceLabels() map[string]string {
	spec := b.cont.Spec()
	labels := make(map[string]string, len(spec.Labels)+8)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels["app"] = spec.Name
	labels[LabelManagedBy] = ManagedByValue
	labels[LabelInstance] = b.instanceID
	labels[LabelPartOf] = "easycontainers"
	labels[LabelEphemeral] = strconv.FormatBool(spec.Ephemeral)
	labels[LabelCreatedAt] = time.Now().UTC().Format("2006-01-02T15.04.05Z")
	labels[LabelInsideCluster] = strconv.FormatBool(b.cfg.IsInsideCluster())
	if parent := runtime.ParentDeployment(); parent != "" {
		labels[LabelParentDeployment] = parent
	}
	return labels
}

// podSelector matches the pods of this container instance only.
func (b *base) podSelector() string {
	return fmt.Sprintf("app=%s,%s=%s", b.cont.Spec().Name, LabelInstance, b.instanceID)
}

func (b *base) ensureNamespace(ctx context.Context) error {
	name := b.cont.Namespace()
	_, err := b.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return &errors.BackendError{Op: "get namespace " + name, Err: err}
	}

	log.Entry(ctx).Infof("creating namespace %s", name)
	_, err = b.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{LabelManagedBy: ManagedByValue},
		},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return &errors.BackendError{Op: "create namespace " + name, Err: err}
	}
	return nil
}

// createConfigMaps materializes each container file as a single-key
// ConfigMap, later mounted through a subPath. The created names are recorded
// for teardown.
func (b *base) createConfigMaps(ctx context.Context) error {
	spec := b.cont.Spec()
	for _, f := range spec.ContainerFiles {
		content := f.Content
		if f.HostFile != "" {
			raw, err := os.ReadFile(f.HostFile)
			if err != nil {
				return fmt.Errorf("reading container file %q: %w", f.HostFile, err)
			}
			content = string(raw)
		}

		name := fmt.Sprintf("%s-%s", spec.Name, f.Name)
		_, err := b.client.CoreV1().ConfigMaps(b.cont.Namespace()).Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: b.cont.Namespace(),
				Labels:    b.resourceLabels(),
			},
			Data: map[string]string{f.Name: content},
		}, metav1.CreateOptions{})
		if err != nil {
			return &errors.BackendError{Op: "create configmap " + name, Err: err}
		}

		b.mu.Lock()
		b.createdConfigMaps = append(b.createdConfigMaps, name)
		b.mu.Unlock()
	}
	return nil
}

func (b *base) deleteConfigMaps(ctx context.Context) {
	b.mu.Lock()
	names := b.createdConfigMaps
	b.createdConfigMaps = nil
	b.mu.Unlock()
	for _, name := range names {
		err := b.client.CoreV1().ConfigMaps(b.cont.Namespace()).Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			log.Entry(ctx).Warnf("deleting configmap %s: %v", name, err)
		}
	}
}

// buildPodSpec assembles the pod template shared by Deployments and Jobs:
// one container with the spec's image, env, ports and resources, volumes for
// every spec volume (memory emptyDir or "<name>-pvc" claim) and a subPath
// mount per container file.
func (b *base) buildPodSpec() corev1.PodSpec {
	spec := b.cont.Spec()

	var envVars []corev1.EnvVar
	for _, k := range sortedKeys(spec.Env) {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var ports []corev1.ContainerPort
	for _, p := range spec.SortedExposedPorts() {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p), Protocol: corev1.ProtocolTCP})
	}

	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for _, v := range spec.Volumes {
		if v.MemoryBacked {
			emptyDir := &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory}
			if v.Memory > 0 {
				quantity := resource.NewQuantity(v.Memory, resource.BinarySI)
				emptyDir.SizeLimit = quantity
			}
			volumes = append(volumes, corev1.Volume{
				Name:         v.Name,
				VolumeSource: corev1.VolumeSource{EmptyDir: emptyDir},
			})
		} else {
			volumes = append(volumes, corev1.Volume{
				Name: v.Name,
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: v.Name + "-pvc",
					},
				},
			})
		}
		mounts = append(mounts, corev1.VolumeMount{Name: v.Name, MountPath: v.MountDir})
	}
	for _, f := range spec.ContainerFiles {
		volumeName := "file-" + f.Name
		volumes = append(volumes, corev1.Volume{
			Name: volumeName,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{
						Name: fmt.Sprintf("%s-%s", spec.Name, f.Name),
					},
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{
			Name:      volumeName,
			MountPath: f.MountPath,
			SubPath:   f.Name,
		})
	}

	c := corev1.Container{
		Name:         spec.Name,
		Image:        spec.Image.String(),
		Env:          envVars,
		Ports:        ports,
		Resources:    b.buildResources(),
		VolumeMounts: mounts,
	}
	if spec.Command != "" {
		c.Command = []string{spec.Command}
	}
	if len(spec.Args) > 0 {
		c.Args = append([]string(nil), spec.Args...)
	}

	return corev1.PodSpec{
		Containers: []corev1.Container{c},
		Volumes:    volumes,
	}
}

func (b *base) buildResources() corev1.ResourceRequirements {
	spec := b.cont.Spec()
	requirements := corev1.ResourceRequirements{}

	requests := corev1.ResourceList{}
	if spec.CPURequestMillis > 0 {
		requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.CPURequestMillis, resource.DecimalSI)
	}
	if spec.MemoryRequestBytes > 0 {
		requests[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryRequestBytes, resource.BinarySI)
	}
	if len(requests) > 0 {
		requirements.Requests = requests
	}

	limits := corev1.ResourceList{}
	if spec.CPULimitMillis > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.CPULimitMillis, resource.DecimalSI)
	}
	if spec.MemoryLimitBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryLimitBytes, resource.BinarySI)
	}
	if len(limits) > 0 {
		requirements.Limits = limits
	}
	return requirements
}

// awaitPod polls until exactly one pod matches this instance and returns it.
// More than one match means the selector is broken and is a hard error.
func (b *base) awaitPod(ctx context.Context) (*corev1.Pod, error) {
	budget := b.cfg.StartBudget()
	deadline := time.Now().Add(budget)

	for {
		pods, err := b.client.CoreV1().Pods(b.cont.Namespace()).List(ctx, metav1.ListOptions{
			LabelSelector: b.podSelector(),
		})
		if err != nil {
			return nil, &errors.BackendError{Op: "list pods", Err: err}
		}
		switch len(pods.Items) {
		case 0:
			// Not scheduled yet.
		case 1:
			pod := pods.Items[0]
			b.cont.SetPodName(pod.Name)
			return &pod, nil
		default:
			return nil, &errors.BackendError{
				Op: fmt.Sprintf("expected exactly one pod for selector %q, found %d", b.podSelector(), len(pods.Items)),
			}
		}

		if time.Now().After(deadline) {
			return nil, &errors.TimeoutError{Op: "waiting for pod to be scheduled", Budget: budget}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// awaitRunning waits for the watcher to observe the pod running, failing
// fast when the workload fails first.
func (b *base) awaitRunning(ctx context.Context) error {
	budget := b.cfg.StartBudget()
	deadline := time.Now().Add(budget)
	for {
		switch b.cont.State() {
		case container.StateRunning:
			return nil
		case container.StateFailed:
			return &errors.BackendError{Op: "workload failed before reaching running"}
		}
		if time.Now().After(deadline) {
			return &errors.TimeoutError{Op: "waiting for pod to run", Budget: budget}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (b *base) stopWatchers(ctx context.Context) {
	b.mu.Lock()
	cancel := b.watchCancel
	done := b.logDone
	timer := b.killTimer
	b.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Entry(ctx).Debug("log streamer did not drain in time")
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
