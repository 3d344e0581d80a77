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

package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	ecerrors "github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

const (
	kanikoImage      = "gcr.io/kaniko-project/executor:v1.23.2"
	kanikoDataVolume = "kaniko-data"
	kanikoDataClaim  = "kaniko-data-pvc"
	kanikoMountPath  = "/mnt/kaniko-data"

	// Finished Kaniko jobs are garbage collected by the cluster.
	kanikoJobTTLSeconds = 300
)

// KanikoBuilder builds and pushes inside a cluster through a Kaniko job.
// The build context is staged on the shared kaniko-data volume, which must
// be mounted both by the process running this library and by the job's pod.
type KanikoBuilder struct {
	tracker

	client kubernetes.Interface
	cfg    *runtime.Config
	req    *Request
}

var _ ImageBuilder = (*KanikoBuilder)(nil)

func NewKanikoBuilder(client kubernetes.Interface, cfg *runtime.Config, req *Request) *KanikoBuilder {
	if cfg == nil {
		cfg = runtime.DefaultConfig()
	}
	return &KanikoBuilder{tracker: newTracker(), client: client, cfg: cfg, req: req}
}

// Build stages the context, creates the job, streams its log and waits for
// the job's Complete or Failed condition, bounded by the build budget.
func (b *KanikoBuilder) Build(ctx context.Context) error {
	if err := b.req.validate(); err != nil {
		return err
	}
	b.begin()

	buildCtx, cancel := context.WithTimeout(ctx, b.cfg.BuildBudget())
	defer cancel()

	err := b.build(buildCtx)
	switch {
	case err == nil:
		b.finish(StateCompleted)
		return nil
	case buildCtx.Err() != nil && ctx.Err() == nil:
		b.finish(StateUnknown)
		return &ecerrors.TimeoutError{Op: "kaniko build", Budget: b.cfg.BuildBudget()}
	default:
		b.finish(StateFailed)
		return err
	}
}

func (b *KanikoBuilder) build(ctx context.Context) error {
	if err := b.req.checkDockerfile(); err != nil {
		return err
	}

	uid := uuid.NewString()
	namespace := b.req.Namespace
	if namespace == "" {
		namespace = "default"
	}

	contextSubdir, staged, err := b.stageContext(ctx, uid)
	if err != nil {
		return err
	}
	if staged {
		defer func() {
			if err := os.RemoveAll(filepath.Join(b.cfg.KanikoData(), contextSubdir)); err != nil {
				log.Entry(ctx).Warnf("removing staged build context: %v", err)
			}
		}()
	}

	configMapName := ""
	if b.req.InsecureRegistry && b.req.Registry != "" {
		configMapName, err = b.createDockerConfig(ctx, namespace, uid)
		if err != nil {
			return err
		}
		defer b.deleteDockerConfig(ctx, namespace, configMapName)
	}

	job := b.buildJob(uid, namespace, contextSubdir, configMapName)
	created, err := b.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return &ecerrors.BuildError{Reason: "create kaniko job", Err: err}
	}
	log.Entry(ctx).Infof("created kaniko job %s for %v", created.Name, b.req.Destinations())

	logCtx, cancelLogs := context.WithCancel(ctx)
	defer cancelLogs()
	go b.streamJobLogs(logCtx, namespace, created.Name)

	return b.awaitJob(ctx, namespace, created.Name)
}

// stageContext makes the build context reachable under the shared volume.
// A context already below the kaniko data path is used in place; anything
// else is copied into a fresh subdirectory, reported via staged so the copy
// is removed afterwards.
func (b *KanikoBuilder) stageContext(ctx context.Context, uid string) (string, bool, error) {
	dataRoot := b.cfg.KanikoData()

	absContext, err := filepath.Abs(b.req.ContextDir)
	if err != nil {
		return "", false, err
	}
	if rel, err := filepath.Rel(dataRoot, absContext); err == nil && !strings.HasPrefix(rel, "..") {
		log.Entry(ctx).Debugf("build context already on the kaniko data volume at %s", rel)
		return filepath.ToSlash(rel), false, nil
	}

	target := filepath.Join(dataRoot, uid)
	log.Entry(ctx).Debugf("staging build context %s at %s", absContext, target)
	if err := util.CopyDir(absContext, target); err != nil {
		return "", false, &ecerrors.BuildError{Reason: "staging build context on the kaniko data volume", Err: err}
	}
	return uid, true, nil
}

// createDockerConfig materializes a config.json marking the registry as
// insecure, mounted into the executor's /kaniko/.docker.
func (b *KanikoBuilder) createDockerConfig(ctx context.Context, namespace, uid string) (string, error) {
	content, err := json.Marshal(map[string]any{
		"insecure-registries": []string{b.req.Registry},
	})
	if err != nil {
		return "", err
	}

	name := "kaniko-docker-config-" + uid
	_, err = b.client.CoreV1().ConfigMaps(namespace).Create(ctx, &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "Easycontainers"},
		},
		Data: map[string]string{"config.json": string(content)},
	}, metav1.CreateOptions{})
	if err != nil {
		return "", &ecerrors.BuildError{Reason: "create docker config for insecure registry", Err: err}
	}
	return name, nil
}

func (b *KanikoBuilder) deleteDockerConfig(ctx context.Context, namespace, name string) {
	err := b.client.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		log.Entry(ctx).Warnf("deleting configmap %s: %v", name, err)
	}
}

func (b *KanikoBuilder) buildJob(uid, namespace, contextSubdir, configMapName string) *batchv1.Job {
	args := []string{
		"--dockerfile=" + b.req.dockerfile(),
		"--context=dir://" + path.Join(kanikoMountPath, contextSubdir),
	}
	for _, destination := range b.req.Destinations() {
		args = append(args, "--destination="+destination)
	}
	if b.req.Verbosity != "" {
		args = append(args, "--verbosity="+b.req.Verbosity)
	}
	if b.req.InsecureRegistry {
		args = append(args, "--insecure", "--insecure-pull")
	}

	volumes := []corev1.Volume{{
		Name: kanikoDataVolume,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: kanikoDataClaim,
			},
		},
	}}
	mounts := []corev1.VolumeMount{{Name: kanikoDataVolume, MountPath: kanikoMountPath}}
	if configMapName != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "docker-config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName},
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "docker-config", MountPath: "/kaniko/.docker"})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "kaniko-" + uid[:8],
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "Easycontainers"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            util.Ptr(int32(0)),
			Completions:             util.Ptr(int32(1)),
			TTLSecondsAfterFinished: util.Ptr(int32(kanikoJobTTLSeconds)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app.kubernetes.io/managed-by": "Easycontainers"},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:         "kaniko",
						Image:        kanikoImage,
						Args:         args,
						VolumeMounts: mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}
}

// streamJobLogs waits for the job's pod and forwards the executor's output.
func (b *KanikoBuilder) streamJobLogs(ctx context.Context, namespace, jobName string) {
	podName := ""
	for podName == "" {
		pods, err := b.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + jobName,
		})
		if err != nil || len(pods.Items) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		podName = pods.Items[0].Name
	}

	stream, err := b.client.CoreV1().Pods(namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true}).Stream(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Entry(ctx).Debugf("following kaniko logs: %v", err)
		}
		return
	}
	defer stream.Close()

	lines := util.NewLineWriter(func(line string) {
		log.Entry(ctx).Debug(line)
		b.req.deliverOutputLine(line)
	})
	defer lines.Close()
	if _, err := io.Copy(lines, stream); err != nil && ctx.Err() == nil {
		log.Entry(ctx).Debugf("kaniko log stream ended: %v", err)
	}
}

// awaitJob polls the job until it reports Complete or Failed.
func (b *KanikoBuilder) awaitJob(ctx context.Context, namespace, jobName string) error {
	for {
		job, err := b.client.BatchV1().Jobs(namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return &ecerrors.BuildError{Reason: "get kaniko job " + jobName, Err: err}
		}
		for _, condition := range job.Status.Conditions {
			if condition.Status != corev1.ConditionTrue {
				continue
			}
			switch condition.Type {
			case batchv1.JobComplete:
				log.Entry(ctx).Infof("kaniko job %s completed", jobName)
				return nil
			case batchv1.JobFailed:
				return &ecerrors.BuildError{
					Reason: fmt.Sprintf("kaniko job %s failed: %s", jobName, condition.Message),
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
