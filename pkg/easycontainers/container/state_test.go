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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLegalTransitions(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateUninitiated, StateInitializing, true},
		{StateUninitiated, StateRunning, false},
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateFailed, true},
		{StateInitializing, StateStopped, false},
		{StateRunning, StateTerminating, true},
		{StateRunning, StateStopped, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateDeleted, false},
		{StateTerminating, StateStopped, true},
		{StateTerminating, StateFailed, true},
		{StateTerminating, StateRunning, false},
		{StateRunning, StateUnknown, true},
		{StateUnknown, StateRunning, true},
		{StateUnknown, StateDeleted, false},
		{StateStopped, StateDeleted, true},
		{StateFailed, StateDeleted, true},
		{StateStopped, StateRunning, false},
		{StateDeleted, StateInitializing, false},
	}
	for _, test := range tests {
		t.Run(string(test.from)+"_to_"+string(test.to), func(t *testing.T) {
			assert.Equal(t, test.allowed, test.from.CanTransition(test.to))
		})
	}
}

func TestTerminalAndCompleted(t *testing.T) {
	assert.True(t, StateDeleted.IsTerminal())
	assert.False(t, StateStopped.IsTerminal())

	assert.True(t, StateStopped.IsCompleted())
	assert.True(t, StateFailed.IsCompleted())
	assert.True(t, StateDeleted.IsCompleted())
	assert.False(t, StateRunning.IsCompleted())
	assert.False(t, StateTerminating.IsCompleted())
}
