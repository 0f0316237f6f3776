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

// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nusalaunchd/nusalaunchd"
)

// Health buckets a job for display.
type Health int

const (
	Idle Health = iota
	Good
	Warn
	Bad
)

func HealthOf(j *nusalaunchd.JobInfo) Health {
	switch j.State {
	case nusalaunchd.StateFailed:
		return Bad
	case nusalaunchd.StateRunning, nusalaunchd.StateListening:
		return Good
	case nusalaunchd.StateStarting, nusalaunchd.StateStopping,
		nusalaunchd.StateBackoff, nusalaunchd.StateWaiting:
		return Warn
	}
	return Idle
}

// Status is the one word state shown in listings.
func Status(j *nusalaunchd.JobInfo) string {
	return j.State.String()
}

// Detail is the short explanation shown next to the state.
func Detail(j *nusalaunchd.JobInfo) string {
	switch {
	case j.State == nusalaunchd.StateBackoff && !j.RetryAt.IsZero():
		d := time.Until(j.RetryAt).Round(time.Second)
		if d < 0 {
			d = 0
		}
		return fmt.Sprintf("retry in %s: %s", d, j.Reason)
	case j.Pid != 0:
		return fmt.Sprintf("pid %d", j.Pid)
	}
	return j.Reason
}

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

// Uptime is how long the job has been in its current state.
func Uptime(j *nusalaunchd.JobInfo) string {
	d := time.Since(j.Since)
	// for printing second resolution is sufficient
	d -= d % time.Second
	return FormatDuration(d)
}

// Sockets renders the socket list of a job on one line.
func Sockets(j *nusalaunchd.JobInfo) string {
	words := make([]string, 0, len(j.Sockets))
	for _, s := range j.Sockets {
		w := s.Name + "=" + s.Address
		if s.Bound != "" && s.Bound != s.Address {
			w += " (" + s.Bound + ")"
		}
		if !s.Open {
			w += " closed"
		}
		words = append(words, w)
	}
	return strings.Join(words, ", ")
}

type sorted []*nusalaunchd.JobInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if a.Failed() != b.Failed() {
		// put failed items at front
		return a.Failed()
	}
	if a.State.Active() != b.State.Active() {
		// active in front of inactive items
		return a.State.Active()
	}
	return a.ID < b.ID
}

func SortJobs(items []*nusalaunchd.JobInfo) {
	sort.Sort(sorted(items))
}
