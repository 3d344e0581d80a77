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

package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey struct{}

var ContextKey = contextKey{}

// EventContext identifies the workload a log entry belongs to.
type EventContext struct {
	Container string
	Platform  string
}

// WithContainer returns a context whose log entries carry the container name
// and platform.
func WithContainer(ctx context.Context, name, platform string) context.Context {
	return context.WithValue(ctx, ContextKey, EventContext{Container: name, Platform: platform})
}

// Entry takes a context.Context and constructs a logrus.Entry from it,
// adding fields for the container the work is being done for.
func Entry(ctx context.Context) *logrus.Entry {
	val := ctx.Value(ContextKey)
	if eventContext, ok := val.(EventContext); ok {
		return logrus.WithFields(logrus.Fields{
			"container": eventContext.Container,
			"platform":  eventContext.Platform,
		})
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
