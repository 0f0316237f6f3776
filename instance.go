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

type stopAction int

const (
	afterNone    stopAction = iota // end in Stopped
	afterWaiting                   // cascade: wait for dependencies again
	afterRestart                   // start again right away
	afterReload                    // swap in the pending definition
	afterFail                      // rejected while running
	afterRemove                    // drop the job entirely
)

// Instance is the runtime record for one loaded job.  It is owned by the
// manager's control loop and never shared with other goroutines.
type Instance struct {
	job   *Job
	state State
	since time.Time

	pid       int
	spawning  bool
	spawnTime time.Time
	startTime time.Time
	failures  int
	restarts  int
	lastExit  *ExitStatus
	reason    string
	rejected  error
	boff      *backoff.ExponentialBackOff
	delay     time.Duration
	retryAt   time.Time
	eager     bool
	afterStop stopAction
	pending   *Job
	sockets   []*boundSocket
	watch     *socketWatch
	gen       uint64
	serial    int64
	changed   bool
	output    *Log
}

func newInstance(j *Job, p Policy, output *Log) *Instance {
	return &Instance{
		job:     j,
		state:   StateLoaded,
		since:   time.Now(),
		boff:    p.NewBackOff(j),
		changed: true,
		output:  output,
	}
}

func (inst *Instance) ID() string {
	return inst.job.ID
}

func (inst *Instance) Job() *Job {
	return inst.job
}

func (inst *Instance) State() State {
	return inst.state
}

// live reports whether an OS process is, or may shortly be, attached.
func (inst *Instance) live() bool {
	return inst.pid != 0 || inst.spawning
}

// SocketInfo describes one socket held for a job.
type SocketInfo struct {
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	Bound      string     `json:"bound,omitempty"`
	Type       SocketType `json:"type"`
	Persistent bool       `json:"persistent"`
	Open       bool       `json:"open"`
}

// JobInfo is an immutable snapshot of a job, as published to readers
// outside the control loop.
type JobInfo struct {
	ID           string        `json:"id"`
	Description  string        `json:"description,omitempty"`
	Command      string        `json:"command"`
	Args         []string      `json:"args,omitempty"`
	State        State         `json:"state"`
	Since        time.Time     `json:"since"`
	Pid          int           `json:"pid,omitempty"`
	StartTime    time.Time     `json:"start_time,omitempty"`
	Failures     int           `json:"failures"`
	Restarts     int           `json:"restarts"`
	Policy       RestartPolicy `json:"restart_policy"`
	RunAtLoad    bool          `json:"run_at_load"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Sockets      []SocketInfo  `json:"sockets,omitempty"`
	LastExit     *ExitStatus   `json:"last_exit,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	RetryAt      time.Time     `json:"retry_at,omitempty"`
	Serial       int64         `json:"serial,string"`
}

// Failed is a convenience for clients sorting by health.
func (i *JobInfo) Failed() bool {
	return i.State == StateFailed
}

func (inst *Instance) info() *JobInfo {
	j := inst.job
	ji := &JobInfo{
		ID:           j.ID,
		Description:  j.Description,
		Command:      j.Command,
		Args:         append([]string(nil), j.Args...),
		State:        inst.state,
		Since:        inst.since,
		Pid:          inst.pid,
		Failures:     inst.failures,
		Restarts:     inst.restarts,
		Policy:       j.RestartPolicy,
		RunAtLoad:    j.RunAtLoad,
		Dependencies: append([]string(nil), j.Dependencies...),
		Reason:       inst.reason,
		Serial:       inst.serial,
	}
	if inst.pid != 0 {
		ji.StartTime = inst.spawnTime
	}
	if inst.lastExit != nil {
		le := *inst.lastExit
		ji.LastExit = &le
	}
	if inst.state == StateBackoff {
		ji.RetryAt = inst.retryAt
	}
	for i, s := range j.Sockets {
		si := SocketInfo{
			Name:       s.Name,
			Address:    s.Address,
			Type:       s.Type,
			Persistent: s.Persistent,
		}
		if i < len(inst.sockets) && inst.sockets[i] != nil {
			si.Bound = inst.sockets[i].bound
			si.Open = inst.sockets[i].file != nil
			if si.Name == "" {
				si.Name = inst.sockets[i].name()
			}
		}
		ji.Sockets = append(ji.Sockets, si)
	}
	return ji
}
