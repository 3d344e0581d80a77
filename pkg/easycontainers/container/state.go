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

// State is a container lifecycle state. The legal transition graph:
//
//	UNINITIATED -> INITIALIZING -> {RUNNING, FAILED}
//	RUNNING     -> {TERMINATING, FAILED, STOPPED}
//	TERMINATING -> {STOPPED, FAILED}
//	any non-terminal -> UNKNOWN (transient), UNKNOWN back to any non-initial
//	{STOPPED, FAILED} -> DELETED
//
// DELETED is terminal; a handle must never be reused afterwards.
type State string

const (
	StateUninitiated  State = "UNINITIATED"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateFailed       State = "FAILED"
	StateTerminating  State = "TERMINATING"
	StateUnknown      State = "UNKNOWN"
	StateStopped      State = "STOPPED"
	StateDeleted      State = "DELETED"
)

var legalTransitions = map[State][]State{
	StateUninitiated:  {StateInitializing, StateUnknown},
	StateInitializing: {StateRunning, StateFailed, StateUnknown},
	StateRunning:      {StateTerminating, StateFailed, StateStopped, StateUnknown},
	StateTerminating:  {StateStopped, StateFailed, StateUnknown},
	StateUnknown:      {StateInitializing, StateRunning, StateTerminating, StateStopped, StateFailed},
	StateStopped:      {StateDeleted},
	StateFailed:       {StateDeleted},
	StateDeleted:      {},
}

// IsTerminal reports whether no further transition can leave the state.
func (s State) IsTerminal() bool {
	return s == StateDeleted
}

// IsCompleted reports whether the workload has finished running, whether or
// not the backend resources are gone yet.
func (s State) IsCompleted() bool {
	return s == StateStopped || s == StateFailed || s == StateDeleted
}

// CanTransition reports whether the edge from s to target is legal.
func (s State) CanTransition(target State) bool {
	for _, t := range legalTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
