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

package container

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/acntech/easycontainers/pkg/easycontainers/errors"
)

const (
	maxNameLength      = 253
	maxNamespaceLength = 63
	minPort            = 1
	maxPort            = 65535
)

var (
	dnsLabelRegexp = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	envKeyRegexp   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func checkDNSLabel(field, value string, maxLen int) error {
	if value == "" {
		return &errors.ValidationError{Field: field, Value: value, Reason: "must not be empty"}
	}
	if len(value) > maxLen {
		return &errors.ValidationError{Field: field, Value: value, Reason: "too long"}
	}
	if !dnsLabelRegexp.MatchString(value) {
		return &errors.ValidationError{Field: field, Value: value, Reason: "must match " + dnsLabelRegexp.String()}
	}
	return nil
}

func checkEnvKey(key string) error {
	if !envKeyRegexp.MatchString(key) {
		return &errors.ValidationError{Field: "env key", Value: key, Reason: "must match " + envKeyRegexp.String()}
	}
	return nil
}

func checkEnvValue(key, value string) error {
	for _, r := range value {
		if r < 0x20 || r > 0x7e {
			return &errors.ValidationError{Field: "env value for " + key, Value: value, Reason: "must be printable ASCII"}
		}
	}
	return nil
}

func checkPort(field string, port int) error {
	if port < minPort || port > maxPort {
		return &errors.ValidationError{Field: field, Value: strconv.Itoa(port), Reason: "must be in range 1-65535"}
	}
	return nil
}

// checkCPU parses a CPU quantity ("500m", "2") and returns milli-units.
func checkCPU(field, value string) (int64, error) {
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return 0, &errors.ValidationError{Field: field, Value: value, Reason: err.Error()}
	}
	return q.MilliValue(), nil
}

// checkMemory parses a memory quantity with an optional IEC suffix ("64Mi",
// "1Gi", "1048576") and returns bytes.
func checkMemory(field, value string) (int64, error) {
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return 0, &errors.ValidationError{Field: field, Value: value, Reason: err.Error()}
	}
	bytes, ok := q.AsInt64()
	if !ok || bytes < 0 {
		return 0, &errors.ValidationError{Field: field, Value: value, Reason: "not a byte quantity"}
	}
	return bytes, nil
}

func checkImageReference(ref string) error {
	if _, err := name.ParseReference(ref); err != nil {
		return &errors.ValidationError{Field: "image", Value: ref, Reason: err.Error()}
	}
	return nil
}

func checkAbsUnixPath(field, path string) error {
	if !strings.HasPrefix(path, "/") {
		return &errors.ValidationError{Field: field, Value: path, Reason: "must be an absolute unix path"}
	}
	if strings.ContainsRune(path, 0) {
		return &errors.ValidationError{Field: field, Value: path, Reason: "must not contain NUL"}
	}
	return nil
}
