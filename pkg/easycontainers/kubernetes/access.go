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

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
	"github.com/acntech/easycontainers/pkg/easycontainers/output/log"
)

type accessCheck struct {
	group    string
	resource string
	verb     string
}

// checkAccess runs a SelfSubjectAccessReview per required permission before
// any resource is created, so a missing RBAC grant surfaces as one clear
// PermissionError instead of a half-created set of resources. A review the
// API server cannot answer is logged and skipped.
func (b *base) checkAccess(ctx context.Context, checks []accessCheck) error {
	namespace := b.cont.Namespace()
	for _, check := range checks {
		review := &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authorizationv1.ResourceAttributes{
					Namespace: namespace,
					Group:     check.group,
					Resource:  check.resource,
					Verb:      check.verb,
				},
			},
		}
		result, err := b.client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			log.Entry(ctx).Debugf("access review for %s %s failed, skipping: %v", check.verb, check.resource, err)
			continue
		}
		if !result.Status.Allowed {
			return &errors.PermissionError{Resource: check.resource, Verb: check.verb, Namespace: namespace}
		}
	}
	return nil
}

func deploymentAccessChecks() []accessCheck {
	return []accessCheck{
		{group: "apps", resource: "deployments", verb: "create"},
		{group: "apps", resource: "deployments", verb: "delete"},
		{group: "", resource: "services", verb: "create"},
		{group: "", resource: "services", verb: "delete"},
		{group: "", resource: "pods", verb: "list"},
		{group: "", resource: "pods", verb: "watch"},
		{group: "", resource: "configmaps", verb: "create"},
	}
}

func jobAccessChecks() []accessCheck {
	return []accessCheck{
		{group: "batch", resource: "jobs", verb: "create"},
		{group: "batch", resource: "jobs", verb: "delete"},
		{group: "", resource: "pods", verb: "list"},
		{group: "", resource: "pods", verb: "watch"},
		{group: "", resource: "configmaps", verb: "create"},
	}
}
