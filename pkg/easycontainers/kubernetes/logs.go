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
	"io"

	corev1 "k8s.io/api/core/v1"

	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// streamLogs follows the pod's output and delivers each line to the spec's
// callback until the stream ends or the context is cancelled.
func (b *base) streamLogs(ctx context.Context, podName string) {
	b.mu.Lock()
	done := b.logDone
	b.mu.Unlock()
	defer close(done)

	req := b.client.CoreV1().Pods(b.cont.Namespace()).GetLogs(podName, &corev1.PodLogOptions{
		Container: b.cont.Spec().Name,
		Follow:    true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Entry(ctx).Warnf("following pod logs: %v", err)
		}
		return
	}
	defer stream.Close()

	lines := util.NewLineWriter(b.cont.DeliverOutputLine)
	defer lines.Close()
	if _, err := io.Copy(lines, stream); err != nil && ctx.Err() == nil {
		log.Entry(ctx).Debugf("pod log stream ended: %v", err)
	}
}
