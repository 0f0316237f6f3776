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
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoSuchJob    = errors.New("No such job")
	ErrJobBusy      = errors.New("Job is active")
	ErrJobFailed    = errors.New("Job has failed, reset required")
	ErrRestartLimit = errors.New("Restart limit exceeded")
	ErrProcessGone  = errors.New("Process has already exited")
	ErrShutdown     = errors.New("Manager is shut down")
	ErrTooManyJobs  = errors.New("Too many jobs")

	errDuplicate = errors.New("Duplicate job id")
)

// ConfigInvalidError reports a job definition that could not be parsed
// or failed validation.  Path is empty for definitions that did not come
// from a file.
type ConfigInvalidError struct {
	Path string
	Job  string
	Err  error
}

func (e *ConfigInvalidError) Error() string {
	switch {
	case e.Path != "" && e.Job != "":
		return fmt.Sprintf("%s: job %q: %v", e.Path, e.Job, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("job %q: %v", e.Job, e.Err)
	}
}

func (e *ConfigInvalidError) Unwrap() error {
	return e.Err
}

// CyclicDependencyError names the jobs on a dependency cycle.  The first
// and last entries of Chain are the same job.
type CyclicDependencyError struct {
	Chain []string
}

func (e *CyclicDependencyError) Error() string {
	return "Dependency cycle: " + strings.Join(e.Chain, " -> ")
}

// Members returns the distinct jobs on the cycle.
func (e *CyclicDependencyError) Members() []string {
	if len(e.Chain) < 2 {
		return append([]string(nil), e.Chain...)
	}
	return append([]string(nil), e.Chain[:len(e.Chain)-1]...)
}

type UnsatisfiableDependencyError struct {
	Job     string
	Missing string
}

func (e *UnsatisfiableDependencyError) Error() string {
	return fmt.Sprintf("Job %q depends on unknown job %q", e.Job, e.Missing)
}

// ComponentRejectedError marks a job that is valid on its own but shares
// a dependency component with a job whose dependencies are broken.
type ComponentRejectedError struct {
	Job   string
	Cause error
}

func (e *ComponentRejectedError) Error() string {
	return fmt.Sprintf("Job %q rejected: %v", e.Job, e.Cause)
}

func (e *ComponentRejectedError) Unwrap() error {
	return e.Cause
}

type SpawnError struct {
	Job string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("Failed to spawn %q: %v", e.Job, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

type SocketBindError struct {
	Job     string
	Address string
	Err     error
}

func (e *SocketBindError) Error() string {
	return fmt.Sprintf("Job %q: cannot bind %s: %v", e.Job, e.Address, e.Err)
}

func (e *SocketBindError) Unwrap() error {
	return e.Err
}
