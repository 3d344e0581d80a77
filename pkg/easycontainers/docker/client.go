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

// Package docker maps the container model onto a Docker-compatible daemon:
// image pull, the create pipeline, follow-log streaming, exec, tar-archive
// file transfer and teardown.
package docker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/client"

	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// For testing
var NewAPIClient = newAPIClient

// newAPIClient returns a daemon client for the host in cfg.DockerHost,
// falling back to the DOCKER_HOST environment variable and the platform
// default. It negotiates the highest API version supported by both sides.
func newAPIClient(ctx context.Context, cfg *runtime.Config) (client.APIClient, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithHTTPHeaders(map[string]string{"User-Agent": "easycontainers"}),
	}

	if host := cfg.DockerHost; host != "" {
		helper, err := connhelper.GetConnectionHelper(host)
		if err == nil && helper != nil {
			httpClient := &http.Client{
				Transport: &http.Transport{
					DialContext: helper.Dialer,
				},
			}
			opts = append(opts, client.WithHTTPClient(httpClient), client.WithHost(helper.Host))
		} else {
			opts = append(opts, client.WithHost(host))
		}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("error getting docker client: %w", err)
	}
	cli.NegotiateAPIVersion(ctx)

	log.Entry(ctx).Debugf("using docker daemon at %s", cli.DaemonHost())
	return cli, nil
}
