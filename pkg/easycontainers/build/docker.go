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
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/docker/cli/cli/config"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dustin/go-humanize"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"

	ecerrors "github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
	"github.com/acntech/easycontainers/pkg/easycontainers/util"
)

// DaemonBuilder builds and pushes through the local Docker daemon.
type DaemonBuilder struct {
	tracker

	api client.APIClient
	cfg *runtime.Config
	req *Request
}

var _ ImageBuilder = (*DaemonBuilder)(nil)

func NewDaemonBuilder(api client.APIClient, cfg *runtime.Config, req *Request) *DaemonBuilder {
	if cfg == nil {
		cfg = runtime.DefaultConfig()
	}
	return &DaemonBuilder{tracker: newTracker(), api: api, cfg: cfg, req: req}
}

// Build streams the context to the daemon, builds it with every destination
// as a tag, and pushes each destination. The whole run is bounded by the
// configured build budget.
func (b *DaemonBuilder) Build(ctx context.Context) error {
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
		return &ecerrors.TimeoutError{Op: "image build", Budget: b.cfg.BuildBudget()}
	default:
		b.finish(StateFailed)
		return err
	}
}

func (b *DaemonBuilder) build(ctx context.Context) error {
	if err := b.req.checkDockerfile(); err != nil {
		return err
	}

	destinations := b.req.Destinations()
	log.Entry(ctx).Infof("building %v from %s", destinations, b.req.ContextDir)

	pr, pw := io.Pipe()
	counter := &util.CountingWriter{W: pw}
	go func() {
		pw.CloseWithError(util.CreateTar(counter, b.req.ContextDir))
	}()

	response, err := b.api.ImageBuild(ctx, pr, types.ImageBuildOptions{
		Tags:       destinations,
		Dockerfile: b.req.dockerfile(),
		Labels:     b.req.Labels,
		Remove:     true,
	})
	pr.CloseWithError(err)
	if err != nil {
		return &ecerrors.BuildError{Reason: "daemon build", Err: err}
	}
	defer response.Body.Close()

	if err := b.streamMessages(ctx, response.Body); err != nil {
		return err
	}
	log.Entry(ctx).Debugf("sent %s of build context", humanize.Bytes(uint64(counter.N)))

	for _, destination := range destinations {
		if err := b.push(ctx, destination); err != nil {
			return err
		}
	}
	return nil
}

func (b *DaemonBuilder) push(ctx context.Context, destination string) error {
	auth, err := b.registryAuth(destination)
	if err != nil {
		return err
	}

	log.Entry(ctx).Infof("pushing %s", destination)
	body, err := b.api.ImagePush(ctx, destination, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return &ecerrors.BuildError{Reason: "push " + destination, Err: err}
	}
	defer body.Close()
	return b.streamMessages(ctx, body)
}

// registryAuth resolves the destination's registry credentials from the
// docker CLI configuration.
func (b *DaemonBuilder) registryAuth(destination string) (string, error) {
	ref, err := name.ParseReference(destination)
	if err != nil {
		return "", &ecerrors.ValidationError{Field: "destination", Value: destination, Reason: err.Error()}
	}

	configFile := config.LoadDefaultConfigFile(io.Discard)
	authConfig, err := configFile.GetAuthConfig(ref.Context().RegistryStr())
	if err != nil {
		return "", errors.Wrapf(err, "resolving credentials for %s", ref.Context().RegistryStr())
	}

	raw, err := json.Marshal(registrytypes.AuthConfig{
		Username:      authConfig.Username,
		Password:      authConfig.Password,
		Auth:          authConfig.Auth,
		ServerAddress: authConfig.ServerAddress,
		IdentityToken: authConfig.IdentityToken,
		RegistryToken: authConfig.RegistryToken,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// streamMessages forwards the daemon's progress stream line by line and
// fails on an embedded error message.
func (b *DaemonBuilder) streamMessages(ctx context.Context, r io.Reader) error {
	lines := util.NewLineWriter(func(line string) {
		log.Entry(ctx).Debug(line)
		b.req.deliverOutputLine(line)
	})
	defer lines.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(r, lines, 0, false, nil); err != nil {
		return &ecerrors.BuildError{Reason: "image build", Err: err}
	}
	return nil
}
