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

package docker

import (
	"context"
	"os"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"

	"github.com/acntech/easycontainers/pkg/easycontainers/container"
	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
)

// assembleMounts turns the spec's volumes and container files into daemon
// mounts. Memory-backed volumes become tmpfs; a volume name matching an
// existing named volume on the daemon wins over its HostDir; container files
// without a host file are written to temp files first, which the caller must
// clean up.
func (r *Runtime) assembleMounts(ctx context.Context, spec *container.ContainerSpec) ([]mount.Mount, []string, error) {
	var mounts []mount.Mount
	var tempFiles []string

	var named map[string]bool
	if len(spec.Volumes) > 0 {
		list, err := r.api.VolumeList(ctx, volume.ListOptions{})
		if err != nil {
			return nil, nil, &errors.BackendError{Op: "list volumes", Err: err}
		}
		named = make(map[string]bool, len(list.Volumes))
		for _, v := range list.Volumes {
			named[v.Name] = true
		}
	}

	for _, v := range spec.Volumes {
		switch {
		case v.MemoryBacked:
			m := mount.Mount{Type: mount.TypeTmpfs, Target: v.MountDir}
			if v.Memory > 0 {
				m.TmpfsOptions = &mount.TmpfsOptions{SizeBytes: v.Memory}
			}
			mounts = append(mounts, m)
		case named[v.Name]:
			log.Entry(ctx).Debugf("mounting existing named volume %s at %s", v.Name, v.MountDir)
			mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: v.Name, Target: v.MountDir})
		case v.HostDir != "":
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: v.HostDir, Target: v.MountDir})
		default:
			return nil, tempFiles, &errors.NotFoundError{Kind: "volume", Name: v.Name}
		}
	}

	for _, f := range spec.ContainerFiles {
		source := f.HostFile
		if source == "" {
			tmp, err := os.CreateTemp("", "easycontainers-"+f.Name+"-")
			if err != nil {
				return nil, tempFiles, err
			}
			if _, err := tmp.WriteString(f.Content); err != nil {
				tmp.Close()
				return nil, tempFiles, err
			}
			if err := tmp.Close(); err != nil {
				return nil, tempFiles, err
			}
			source = tmp.Name()
			tempFiles = append(tempFiles, source)
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: source, Target: f.MountPath})
	}

	return mounts, tempFiles, nil
}

func (r *Runtime) removeTempFiles(ctx context.Context) {
	r.mu.Lock()
	files := r.tempFiles
	r.tempFiles = nil
	r.mu.Unlock()
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			log.Entry(ctx).Warnf("removing temp file %s: %v", f, err)
		}
	}
}
