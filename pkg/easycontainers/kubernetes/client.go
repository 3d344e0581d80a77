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

// Package kubernetes maps the container model onto a Kubernetes cluster:
// services become Deployments fronted by a Service, tasks become Jobs, and
// exec, log streaming and tar-over-exec file transfer run against the pod.
package kubernetes

import (
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/acntech/easycontainers/pkg/easycontainers/runtime"
)

// For testing
var NewClientSet = newClientSet

func newClientSet(cfg *runtime.Config) (kubernetes.Interface, *rest.Config, error) {
	restConfig, err := buildRESTConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	clientSet, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "getting kubernetes client")
	}
	return clientSet, restConfig, nil
}

// buildRESTConfig prefers the in-cluster service account when the library
// runs inside a pod, otherwise the usual kubeconfig loading rules apply.
func buildRESTConfig(cfg *runtime.Config) (*rest.Config, error) {
	if cfg.IsInsideCluster() {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, "getting in-cluster config")
		}
		return restConfig, nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		kubeconfig, err := homedir.Expand(cfg.Kubeconfig)
		if err != nil {
			return nil, errors.Wrapf(err, "expanding kubeconfig path %q", cfg.Kubeconfig)
		}
		loadingRules.ExplicitPath = kubeconfig
	}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules,
		&clientcmd.ConfigOverrides{CurrentContext: cfg.KubeContext},
	).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "getting kubeconfig")
	}
	return restConfig, nil
}
