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
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
)

type ExitKind int

const (
	ExitClean ExitKind = iota
	ExitFailed
	ExitSignaled
	ExitSpawnFailed
)

func (k ExitKind) String() string {
	switch k {
	case ExitClean:
		return "clean"
	case ExitFailed:
		return "failed"
	case ExitSignaled:
		return "signaled"
	case ExitSpawnFailed:
		return "spawn-failed"
	}
	return "unknown"
}

// ExitStatus describes how an attempt ended.
type ExitStatus struct {
	Code   int            `json:"code"`
	Signal syscall.Signal `json:"signal,omitempty"`
	Err    string         `json:"error,omitempty"`
}

func (s ExitStatus) Kind() ExitKind {
	switch {
	case s.Err != "":
		return ExitSpawnFailed
	case s.Signal != 0:
		return ExitSignaled
	case s.Code != 0:
		return ExitFailed
	}
	return ExitClean
}

func (s ExitStatus) String() string {
	switch s.Kind() {
	case ExitSpawnFailed:
		return "spawn failed: " + s.Err
	case ExitSignaled:
		return fmt.Sprintf("killed by %v", s.Signal)
	case ExitFailed:
		return fmt.Sprintf("exit status %d", s.Code)
	}
	return "exited cleanly"
}

// LaunchSpec is everything needed to exec one attempt of a job.
type LaunchSpec struct {
	Job *Job

	// Files are handed to the child starting at descriptor 3.
	Files []*os.File

	// Env is appended to the job's own environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Launcher starts processes and reports their exits.  It is the only
// component that touches the operating system's process table.
type Launcher interface {
	// Launch starts a process.  started is called with the new pid
	// before Launch returns, and before any exit for that pid can be
	// reported to Serve's callback.
	Launch(spec *LaunchSpec, started func(pid int)) error

	// Signal delivers sig to the process group led by pid.  It
	// returns ErrProcessGone if the pid has already been reaped.
	Signal(pid int, sig syscall.Signal) error

	// Release forgets a reaped pid, after the exit has been handled.
	Release(pid int)

	// Serve reaps children until ctx is done, calling exited once per
	// reaped pid.
	Serve(ctx context.Context, exited func(pid int, st ExitStatus)) error
}
