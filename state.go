// Copyright 2026 The NusaLaunchd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nusalaunchd

import (
	"fmt"
	"strings"
)

// State is the supervision state of a job instance.
//
//	          start               deps ready              spawned+grace
//	Loaded ---------> Waiting ----------------> Starting --------------> Running
//	                    |  ^                       ^                        |
//	          on-demand |  | backoff expired       | connection             | exit
//	                    v  |                       |                        v
//	                 Listening ----------------------           policy: Backoff | Stopped | Failed
//
// Any state holding a process moves to Stopping when a stop is requested,
// and from there to Stopped (or back to Waiting, for a cascade) once the
// process has been reaped.
type State int

const (
	StateLoaded State = iota
	StateWaiting
	StateStarting
	StateRunning
	StateListening
	StateStopping
	StateStopped
	StateBackoff
	StateFailed
	StateRemoved
)

var stateNames = []string{
	StateLoaded:    "loaded",
	StateWaiting:   "waiting",
	StateStarting:  "starting",
	StateRunning:   "running",
	StateListening: "listening",
	StateStopping:  "stopping",
	StateStopped:   "stopped",
	StateBackoff:   "backoff",
	StateFailed:    "failed",
	StateRemoved:   "removed",
}

// States lists every state, in declaration order.
func States() []State {
	rv := make([]State, 0, len(stateNames))
	for i := range stateNames {
		rv = append(rv, State(i))
	}
	return rv
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// Active reports whether the state holds, or is about to hold, resources
// that prevent the job from being removed.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateListening, StateStopping:
		return true
	}
	return false
}

// Ready reports whether a job in this state satisfies its dependents.
func (s State) Ready(listeningCounts bool) bool {
	return s == StateRunning || (listeningCounts && s == StateListening)
}
