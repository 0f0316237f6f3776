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

//go:build linux

package nusalaunchd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ProcLauncher is the operating system Launcher.  Children are placed in
// their own process group and are killed if the daemon dies.
//
// Spawning and reaping are serialized by spawnMx: a pid is reported to
// the started callback before the reaper can collect it, so the manager
// always learns about a process before it learns about its death.  Signal
// delivery and reaping are serialized by mx, so a pid is never signalled
// after it has been reaped and possibly recycled by the kernel.
type ProcLauncher struct {
	// Prepare, if set, is called before each exec and may adjust the
	// command (credentials, namespaces, cgroup placement).  An error
	// fails the spawn.
	Prepare func(j *Job, cmd *exec.Cmd) error

	// Sweep is how often the reaper polls even without SIGCHLD.
	Sweep time.Duration

	logger  zerolog.Logger
	spawnMx sync.Mutex
	mx      sync.Mutex
	reaped  map[int]bool
}

func NewProcLauncher(logger zerolog.Logger) *ProcLauncher {
	return &ProcLauncher{
		Sweep:  time.Second,
		logger: logger.With().Str("component", "reaper").Logger(),
		reaped: make(map[int]bool),
	}
}

func childEnv(j *Job, extra []string) []string {
	env := make([]string, 0, len(j.Environment)+len(extra)+8)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LISTEN_") || strings.HasPrefix(kv, "NUSALAUNCHD_") {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range j.Environment {
		env = append(env, k+"="+v)
	}
	return append(env, extra...)
}

func credential(j *Job) (*syscall.Credential, error) {
	if j.User == "" && j.Group == "" {
		return nil, nil
	}
	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	if j.User != "" {
		u, err := user.Lookup(j.User)
		if err != nil {
			if u, err = user.LookupId(j.User); err != nil {
				return nil, err
			}
		}
		n, _ := strconv.ParseUint(u.Uid, 10, 32)
		g, _ := strconv.ParseUint(u.Gid, 10, 32)
		uid, gid = uint32(n), uint32(g)
	}
	if j.Group != "" {
		g, err := user.LookupGroup(j.Group)
		if err != nil {
			if g, err = user.LookupGroupId(j.Group); err != nil {
				return nil, err
			}
		}
		n, _ := strconv.ParseUint(g.Gid, 10, 32)
		gid = uint32(n)
	}
	if uid == uint32(os.Getuid()) && gid == uint32(os.Getgid()) {
		return nil, nil
	}
	return &syscall.Credential{Uid: uid, Gid: gid, NoSetGroups: os.Getuid() != 0}, nil
}

// maxOutputLine bounds a captured record; longer lines are split.
const maxOutputLine = 64 << 10

// copyLines forwards r to w a line at a time until r is exhausted.  It
// never stops early, since an unread pipe would block or kill the child.
func copyLines(r io.ReadCloser, w io.Writer) {
	defer r.Close()
	if w == nil {
		w = io.Discard
	}
	br := bufio.NewReaderSize(r, maxOutputLine)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			line := make([]byte, len(chunk), len(chunk)+1)
			copy(line, chunk)
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			_, _ = w.Write(line)
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

func (l *ProcLauncher) Launch(spec *LaunchSpec, started func(pid int)) error {
	j := spec.Job
	cmd := exec.Command(j.Command, j.Args...)
	cmd.Dir = j.WorkingDirectory
	cmd.Env = childEnv(j, spec.Env)
	cmd.ExtraFiles = spec.Files
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	cred, err := credential(j)
	if err != nil {
		return err
	}
	cmd.SysProcAttr.Credential = cred

	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if l.Prepare != nil {
		if err = l.Prepare(j, cmd); err != nil {
			outR.Close()
			outW.Close()
			errR.Close()
			errW.Close()
			return err
		}
	}

	l.spawnMx.Lock()
	err = cmd.Start()
	if err == nil {
		pid := cmd.Process.Pid
		l.mx.Lock()
		delete(l.reaped, pid)
		l.mx.Unlock()
		started(pid)
	}
	l.spawnMx.Unlock()

	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return err
	}
	go copyLines(outR, spec.Stdout)
	go copyLines(errR, spec.Stderr)
	// The reaper collects the exit status, not cmd.Wait.
	_ = cmd.Process.Release()
	return nil
}

func (l *ProcLauncher) Signal(pid int, sig syscall.Signal) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if pid <= 0 || l.reaped[pid] {
		return ErrProcessGone
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Not a group leader (yet); fall back to the pid itself.
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessGone
	}
	return err
}

func (l *ProcLauncher) Release(pid int) {
	l.mx.Lock()
	delete(l.reaped, pid)
	l.mx.Unlock()
}

type reapedProc struct {
	pid    int
	status ExitStatus
}

func waitStatus(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Signal: ws.Signal()}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

func (l *ProcLauncher) reap() []reapedProc {
	var out []reapedProc
	l.spawnMx.Lock()
	l.mx.Lock()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			break
		}
		if !ws.Exited() && !ws.Signaled() {
			continue
		}
		l.reaped[pid] = true
		out = append(out, reapedProc{pid: pid, status: waitStatus(ws)})
	}
	l.mx.Unlock()
	l.spawnMx.Unlock()
	return out
}

// Serve runs the reaper.  SIGCHLD only wakes it up; every wake drains all
// exited children, so coalesced signals lose nothing.
func (l *ProcLauncher) Serve(ctx context.Context, exited func(pid int, st ExitStatus)) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGCHLD)
	defer signal.Stop(sigs)

	sweep := l.Sweep
	if sweep <= 0 {
		sweep = time.Second
	}
	tick := time.NewTicker(sweep)
	defer tick.Stop()

	for {
		for _, r := range l.reap() {
			l.logger.Debug().Int("pid", r.pid).Str("status", r.status.String()).Msg("reaped")
			exited(r.pid, r.status)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
		case <-tick.C:
		}
	}
}

// SetSubreaper makes this process adopt orphaned descendants, so that
// grandchildren of jobs are reaped here rather than by init.
func SetSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}
