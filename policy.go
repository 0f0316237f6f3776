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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy holds the daemon-wide restart parameters.  Per-job settings
// override the floor and the budget.
type Policy struct {
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	StableDuration time.Duration
	RetryBudget    int
}

// ShouldRestart applies a job's restart policy to the way its last
// attempt ended.
func ShouldRestart(p RestartPolicy, st ExitStatus) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return st.Kind() != ExitClean
	case RestartOnCrash:
		k := st.Kind()
		return k == ExitSignaled || k == ExitSpawnFailed
	}
	return false
}

// Budget returns the number of consecutive failures tolerated for the
// job.  Zero means unlimited.
func (p Policy) Budget(j *Job) int {
	if j.MaxRestarts > 0 {
		return j.MaxRestarts
	}
	return p.RetryBudget
}

// NewBackOff returns the delay generator for a job.  Delays start at the
// floor and double on every call until they reach the ceiling.
func (p Policy) NewBackOff(j *Job) *backoff.ExponentialBackOff {
	floor := p.BackoffMin
	if j.RestartDelay > 0 {
		floor = j.RestartDelay
	}
	ceil := p.BackoffMax
	if ceil < floor {
		ceil = floor
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = floor
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = ceil
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Stable reports whether a run lasting uptime should clear the failure
// history.
func (p Policy) Stable(uptime time.Duration) bool {
	return uptime >= p.StableDuration
}
