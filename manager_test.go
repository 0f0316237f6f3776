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
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/nusalaunchd/nusalaunchd/logging"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	s := string(p)
	s = strings.Trim(s, "\n")
	tl.t.Log(s)
	return len(p), nil
}

type fakeProc struct {
	job  string
	pid  int
	args []string
	fds  []int
	env  []string
	sigs []syscall.Signal
	gone bool
}

// fakeLauncher stands in for the process table.  Processes run until the
// test ends them with exit, or until they are signalled.  Jobs marked
// stubborn ignore everything but SIGKILL.
type fakeLauncher struct {
	sync.Mutex
	next     int
	procs    map[int]*fakeProc
	launches []*fakeProc
	stubborn map[string]bool
	broken   map[string]bool
	exited   func(int, ExitStatus)
	ready    chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		next:     1000,
		procs:    make(map[int]*fakeProc),
		stubborn: make(map[string]bool),
		broken:   make(map[string]bool),
		ready:    make(chan struct{}),
	}
}

func (fl *fakeLauncher) Launch(spec *LaunchSpec, started func(int)) error {
	fl.Lock()
	if fl.broken[spec.Job.ID] {
		fl.Unlock()
		return errors.New("exec format error")
	}
	fl.next++
	p := &fakeProc{
		job:  spec.Job.ID,
		pid:  fl.next,
		args: spec.Job.Args,
		env:  spec.Env,
	}
	for _, f := range spec.Files {
		p.fds = append(p.fds, int(f.Fd()))
	}
	fl.procs[p.pid] = p
	fl.launches = append(fl.launches, p)
	fl.Unlock()
	started(p.pid)
	return nil
}

func (fl *fakeLauncher) Signal(pid int, sig syscall.Signal) error {
	fl.Lock()
	defer fl.Unlock()
	p, ok := fl.procs[pid]
	if !ok || p.gone {
		return ErrProcessGone
	}
	p.sigs = append(p.sigs, sig)
	if sig == syscall.SIGKILL || !fl.stubborn[p.job] {
		p.gone = true
		go fl.exited(pid, ExitStatus{Signal: sig})
	}
	return nil
}

func (fl *fakeLauncher) Release(pid int) {}

func (fl *fakeLauncher) Serve(ctx context.Context, exited func(int, ExitStatus)) error {
	fl.Lock()
	fl.exited = exited
	fl.Unlock()
	close(fl.ready)
	<-ctx.Done()
	return nil
}

// exit ends a process as if it had exited by itself.
func (fl *fakeLauncher) exit(pid int, st ExitStatus) {
	<-fl.ready
	fl.Lock()
	p, ok := fl.procs[pid]
	if !ok || p.gone {
		fl.Unlock()
		return
	}
	p.gone = true
	cb := fl.exited
	fl.Unlock()
	cb(pid, st)
}

func (fl *fakeLauncher) count() int {
	fl.Lock()
	defer fl.Unlock()
	return len(fl.launches)
}

func (fl *fakeLauncher) launch(n int) fakeProc {
	fl.Lock()
	defer fl.Unlock()
	return *fl.launches[n]
}

func (fl *fakeLauncher) proc(pid int) fakeProc {
	fl.Lock()
	defer fl.Unlock()
	return *fl.procs[pid]
}

func (fl *fakeLauncher) order() []string {
	fl.Lock()
	defer fl.Unlock()
	ids := make([]string, 0, len(fl.launches))
	for _, p := range fl.launches {
		ids = append(ids, p.job)
	}
	return ids
}

// waitLaunches waits for at least n launches.
func (fl *fakeLauncher) waitLaunches(n int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for fl.count() < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func waitJob(m *Manager, id string, ok func(*JobInfo) bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for {
		serial := m.Serial()
		if ji, err := m.Job(id); err == nil && ok(ji) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		m.WatchSerial(serial, 50*time.Millisecond)
	}
}

func waitGone(m *Manager, id string) bool {
	deadline := time.Now().Add(5 * time.Second)
	for {
		serial := m.Serial()
		if _, err := m.Job(id); err == ErrNoSuchJob {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		m.WatchSerial(serial, 50*time.Millisecond)
	}
}

func waitState(m *Manager, id string, s State) bool {
	return waitJob(m, id, func(ji *JobInfo) bool { return ji.State == s })
}

func jobInfo(m *Manager, id string) *JobInfo {
	ji, err := m.Job(id)
	So(err, ShouldBeNil)
	return ji
}

func testSupervision() Supervision {
	return Supervision{
		StopTimeout:            200 * time.Millisecond,
		StableDuration:         time.Hour,
		BackoffMin:             10 * time.Millisecond,
		BackoffMax:             40 * time.Millisecond,
		RetryBudget:            3,
		ListeningSatisfiesDeps: true,
	}
}

type harness struct {
	m      *Manager
	fl     *fakeLauncher
	jnl    *Journal
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, sup Supervision, dir string) *harness {
	jnl, err := OpenJournal("")
	if err != nil {
		t.Fatal(err)
	}
	return startHarness(t, sup, dir, jnl)
}

func startHarness(t *testing.T, sup Supervision, dir string, jnl *Journal) *harness {
	fl := newFakeLauncher()
	m := NewManager(ManagerConfig{
		Name:        "test",
		JobsDir:     dir,
		Supervision: sup,
		Launcher:    fl,
		Journal:     jnl,
		Logger:      logging.NewTestLogger(&testLog{t}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{m: m, fl: fl, jnl: jnl, cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- m.Serve(ctx)
	}()
	return h
}

func (h *harness) close() error {
	h.cancel()
	return <-h.done
}

func (h *harness) load(jobs ...*Job) {
	So(h.m.Load(context.Background(), jobs), ShouldBeNil)
}

// crash makes the job's current process exit with code, and waits for
// the manager to notice.
func (h *harness) crash(id string, code int) {
	So(waitState(h.m, id, StateRunning), ShouldBeTrue)
	ji := jobInfo(h.m, id)
	n := h.fl.count()
	h.fl.exit(ji.Pid, ExitStatus{Code: code})
	So(waitJob(h.m, id, func(ji *JobInfo) bool {
		return ji.Pid == 0 || h.fl.count() > n
	}), ShouldBeTrue)
}

func rj(id string, deps ...string) *Job {
	j := dj(id, deps...)
	j.RunAtLoad = true
	return j
}

func TestManagerStartup(t *testing.T) {
	Convey("Given a running manager", t, func() {
		h := newHarness(t, testSupervision(), "")
		Reset(func() {
			So(h.close(), ShouldBeNil)
			h.jnl.Close()
		})
		ctx := context.Background()

		Convey("Jobs start after their dependencies", func() {
			h.load(rj("C", "B"), rj("B", "A"), rj("A"))
			So(waitState(h.m, "C", StateRunning), ShouldBeTrue)
			So(h.fl.order(), ShouldResemble, []string{"A", "B", "C"})
			So(jobInfo(h.m, "A").State, ShouldEqual, StateRunning)
		})

		Convey("A cycle fails its members and nothing else", func() {
			h.load(rj("X", "Z"), rj("Y", "X"), rj("Z", "Y"), rj("W"))
			So(waitState(h.m, "W", StateRunning), ShouldBeTrue)
			for _, id := range []string{"X", "Y", "Z"} {
				So(waitState(h.m, id, StateFailed), ShouldBeTrue)
				So(jobInfo(h.m, id).Reason, ShouldContainSubstring, "cycle")
			}
			So(h.fl.order(), ShouldResemble, []string{"W"})
		})

		Convey("A missing dependency keeps the job from loading into service", func() {
			h.load(rj("orphan", "ghost"))
			So(waitState(h.m, "orphan", StateFailed), ShouldBeTrue)
			So(h.fl.count(), ShouldEqual, 0)

			Convey("Loading the dependency clears the rejection", func() {
				h.load(rj("ghost"))
				So(waitState(h.m, "orphan", StateRunning), ShouldBeTrue)
				So(h.fl.order(), ShouldResemble, []string{"ghost", "orphan"})
			})
		})

		Convey("Jobs without run_at_load wait for a start", func() {
			h.load(dj("idle"))
			So(waitState(h.m, "idle", StateLoaded), ShouldBeTrue)
			time.Sleep(20 * time.Millisecond)
			So(h.fl.count(), ShouldEqual, 0)

			ji, err := h.m.Start(ctx, "idle")
			So(err, ShouldBeNil)
			So(ji.State, ShouldNotEqual, StateLoaded)
			So(waitState(h.m, "idle", StateRunning), ShouldBeTrue)
		})

		Convey("An invalid batch is refused as a whole", func() {
			err := h.m.Load(ctx, []*Job{rj("good"), {ID: "bad", Command: "nope"}})
			So(err, ShouldNotBeNil)
			_, err = h.m.Job("good")
			So(err, ShouldEqual, ErrNoSuchJob)
		})

		Convey("Unknown jobs are reported", func() {
			_, err := h.m.Start(ctx, "nobody")
			So(err, ShouldEqual, ErrNoSuchJob)
		})
	})
}

func TestManagerRestarts(t *testing.T) {
	Convey("Given a running manager", t, func() {
		h := newHarness(t, testSupervision(), "")
		Reset(func() {
			So(h.close(), ShouldBeNil)
			h.jnl.Close()
		})
		ctx := context.Background()

		Convey("A clean exit under never is final", func() {
			j := rj("once")
			j.RestartPolicy = RestartNever
			h.load(j)
			h.crash("once", 0)
			So(waitState(h.m, "once", StateStopped), ShouldBeTrue)
			ji := jobInfo(h.m, "once")
			So(ji.Failures, ShouldEqual, 0)
			So(ji.LastExit, ShouldNotBeNil)
			So(ji.LastExit.Kind(), ShouldEqual, ExitClean)
			time.Sleep(50 * time.Millisecond)
			So(h.fl.count(), ShouldEqual, 1)
		})

		Convey("A clean exit under on-failure is not retried", func() {
			h.load(rj("batch"))
			h.crash("batch", 0)
			So(waitState(h.m, "batch", StateStopped), ShouldBeTrue)
			So(h.fl.count(), ShouldEqual, 1)
		})

		Convey("A failure backs off and retries", func() {
			j := rj("flaky")
			j.RestartDelay = 300 * time.Millisecond
			h.load(j)
			h.crash("flaky", 1)
			So(waitState(h.m, "flaky", StateBackoff), ShouldBeTrue)
			ji := jobInfo(h.m, "flaky")
			So(ji.Failures, ShouldEqual, 1)
			So(ji.RetryAt.IsZero(), ShouldBeFalse)
			So(ji.Reason, ShouldContainSubstring, "retrying in 300ms")
			So(h.fl.count(), ShouldEqual, 1)

			So(h.fl.waitLaunches(2), ShouldBeTrue)
			So(waitState(h.m, "flaky", StateRunning), ShouldBeTrue)
			ji = jobInfo(h.m, "flaky")
			So(ji.Restarts, ShouldEqual, 1)
			So(ji.Failures, ShouldEqual, 1)
		})

		Convey("Backoff delays double up to the ceiling", func() {
			j := rj("crashy")
			j.MaxRestarts = 10
			h.load(j)
			for i := 0; i < 5; i++ {
				h.crash("crashy", 1)
				So(h.fl.waitLaunches(i+2), ShouldBeTrue)
			}
			hist, err := h.m.History("crashy", 0)
			So(err, ShouldBeNil)
			var delays []string
			for _, e := range hist {
				if e.To == StateBackoff {
					delays = append(delays, e.Reason[strings.LastIndex(e.Reason, " ")+1:])
				}
			}
			So(delays, ShouldResemble, []string{"10ms", "20ms", "40ms", "40ms", "40ms"})
		})

		Convey("The retry budget ends in failure", func() {
			h.load(rj("doomed"))
			for i := 0; i < 3; i++ {
				h.crash("doomed", 2)
				if i < 2 {
					So(h.fl.waitLaunches(i+2), ShouldBeTrue)
				}
			}
			So(waitState(h.m, "doomed", StateFailed), ShouldBeTrue)
			ji := jobInfo(h.m, "doomed")
			So(ji.Failures, ShouldEqual, 3)
			So(ji.Reason, ShouldContainSubstring, ErrRestartLimit.Error())
			time.Sleep(100 * time.Millisecond)
			So(h.fl.count(), ShouldEqual, 3)

			Convey("Start is refused until a reset", func() {
				_, err := h.m.Start(ctx, "doomed")
				So(errors.Is(err, ErrJobFailed), ShouldBeTrue)

				_, err = h.m.Reset(ctx, "doomed")
				So(err, ShouldBeNil)
				So(h.fl.waitLaunches(4), ShouldBeTrue)
				So(waitState(h.m, "doomed", StateRunning), ShouldBeTrue)
				So(jobInfo(h.m, "doomed").Failures, ShouldEqual, 0)
			})
		})

		Convey("A spawn failure under never fails the job", func() {
			h.fl.broken["broken"] = true
			j := rj("broken")
			j.RestartPolicy = RestartNever
			h.load(j)
			So(waitState(h.m, "broken", StateFailed), ShouldBeTrue)
			ji := jobInfo(h.m, "broken")
			So(ji.LastExit, ShouldNotBeNil)
			So(ji.LastExit.Kind(), ShouldEqual, ExitSpawnFailed)
		})

		Convey("A dependency crash takes its dependents down and back up", func() {
			h.load(rj("db"), rj("web", "db"))
			So(waitState(h.m, "web", StateRunning), ShouldBeTrue)
			web := jobInfo(h.m, "web").Pid

			h.crash("db", 1)
			So(h.fl.waitLaunches(4), ShouldBeTrue)
			So(waitState(h.m, "web", StateRunning), ShouldBeTrue)
			So(h.fl.order(), ShouldResemble, []string{"db", "web", "db", "web"})
			So(h.fl.proc(web).sigs, ShouldResemble, []syscall.Signal{syscall.SIGTERM})
			So(jobInfo(h.m, "web").Failures, ShouldEqual, 0)
		})
	})
}

func TestManagerStableRun(t *testing.T) {
	Convey("Given a short stable duration", t, func() {
		sup := testSupervision()
		sup.StableDuration = 100 * time.Millisecond
		h := newHarness(t, sup, "")
		Reset(func() {
			So(h.close(), ShouldBeNil)
			h.jnl.Close()
		})
		ctx := context.Background()

		Convey("A run that lasted resets the failure history", func() {
			h.load(rj("steady"))
			h.crash("steady", 1)
			So(h.fl.waitLaunches(2), ShouldBeTrue)
			h.crash("steady", 1)
			So(h.fl.waitLaunches(3), ShouldBeTrue)
			So(waitState(h.m, "steady", StateRunning), ShouldBeTrue)
			So(jobInfo(h.m, "steady").Failures, ShouldEqual, 2)

			time.Sleep(150 * time.Millisecond)
			h.crash("steady", 1)
			So(h.fl.waitLaunches(4), ShouldBeTrue)
			ji := jobInfo(h.m, "steady")
			So(ji.Failures, ShouldEqual, 1)

			hist, err := h.m.History("steady", 0)
			So(err, ShouldBeNil)
			var delays []string
			for _, e := range hist {
				if e.To == StateBackoff {
					delays = append(delays, e.Reason[strings.LastIndex(e.Reason, " ")+1:])
				}
			}
			So(delays, ShouldResemble, []string{"10ms", "20ms", "10ms"})
		})

		Convey("A stable run that is stopped does not carry its failures", func() {
			h.load(rj("steady"))
			h.crash("steady", 1)
			So(h.fl.waitLaunches(2), ShouldBeTrue)
			h.crash("steady", 1)
			So(h.fl.waitLaunches(3), ShouldBeTrue)
			So(waitJob(h.m, "steady", func(ji *JobInfo) bool {
				return ji.State == StateRunning && ji.Failures == 0
			}), ShouldBeTrue)

			_, err := h.m.Stop(ctx, "steady")
			So(err, ShouldBeNil)
			So(waitState(h.m, "steady", StateStopped), ShouldBeTrue)
			So(jobInfo(h.m, "steady").Failures, ShouldEqual, 0)

			_, err = h.m.Start(ctx, "steady")
			So(err, ShouldBeNil)
			So(h.fl.waitLaunches(4), ShouldBeTrue)
			h.crash("steady", 1)
			So(h.fl.waitLaunches(5), ShouldBeTrue)
			So(waitState(h.m, "steady", StateRunning), ShouldBeTrue)
			ji := jobInfo(h.m, "steady")
			So(ji.Failures, ShouldEqual, 1)
		})
	})
}

func TestManagerControl(t *testing.T) {
	Convey("Given a running manager", t, func() {
		h := newHarness(t, testSupervision(), "")
		Reset(func() {
			So(h.close(), ShouldBeNil)
			h.jnl.Close()
		})
		ctx := context.Background()

		Convey("Removing a job wakes serial watchers", func() {
			h.load(dj("idle"))
			So(waitState(h.m, "idle", StateLoaded), ShouldBeTrue)
			serial := h.m.Serial()
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = h.m.Remove(ctx, "idle")
			}()
			So(h.m.WatchSerial(serial, 5*time.Second), ShouldNotEqual, serial)
			So(waitGone(h.m, "idle"), ShouldBeTrue)
			jobs, etag := h.m.Jobs()
			So(jobs, ShouldBeEmpty)
			So(etag, ShouldNotEqual, serial)
		})

		Convey("Stop escalates to SIGKILL", func() {
			h.fl.stubborn["hang"] = true
			h.load(rj("hang"))
			So(waitState(h.m, "hang", StateRunning), ShouldBeTrue)
			pid := jobInfo(h.m, "hang").Pid

			ji, err := h.m.Stop(ctx, "hang")
			So(err, ShouldBeNil)
			So(ji.State, ShouldEqual, StateStopping)
			So(waitState(h.m, "hang", StateStopped), ShouldBeTrue)

			So(h.fl.proc(pid).sigs, ShouldResemble, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL})
			ji = jobInfo(h.m, "hang")
			So(ji.Failures, ShouldEqual, 0)
			So(ji.LastExit.Signal, ShouldEqual, syscall.SIGKILL)
			time.Sleep(50 * time.Millisecond)
			So(h.fl.count(), ShouldEqual, 1)
		})

		Convey("The job's stop signal is used", func() {
			j := rj("nginx")
			j.StopSignal = "QUIT"
			h.load(j)
			So(waitState(h.m, "nginx", StateRunning), ShouldBeTrue)
			pid := jobInfo(h.m, "nginx").Pid
			_, err := h.m.Stop(ctx, "nginx")
			So(err, ShouldBeNil)
			So(waitState(h.m, "nginx", StateStopped), ShouldBeTrue)
			So(h.fl.proc(pid).sigs, ShouldResemble, []syscall.Signal{syscall.SIGQUIT})
		})

		Convey("Restart runs a new process", func() {
			h.load(rj("svc"))
			So(waitState(h.m, "svc", StateRunning), ShouldBeTrue)
			_, err := h.m.Restart(ctx, "svc")
			So(err, ShouldBeNil)
			So(h.fl.waitLaunches(2), ShouldBeTrue)
			So(waitState(h.m, "svc", StateRunning), ShouldBeTrue)
			So(jobInfo(h.m, "svc").Pid, ShouldEqual, h.fl.launch(1).pid)
		})

		Convey("Remove refuses an active job", func() {
			h.load(rj("busy"))
			So(waitState(h.m, "busy", StateRunning), ShouldBeTrue)
			So(h.m.Remove(ctx, "busy"), ShouldEqual, ErrJobBusy)

			_, err := h.m.Stop(ctx, "busy")
			So(err, ShouldBeNil)
			So(waitState(h.m, "busy", StateStopped), ShouldBeTrue)
			So(h.m.Remove(ctx, "busy"), ShouldBeNil)
			_, err = h.m.Job("busy")
			So(err, ShouldEqual, ErrNoSuchJob)
			hist, err := h.m.History("busy", 0)
			So(err, ShouldBeNil)
			So(hist, ShouldBeEmpty)
		})

		Convey("Transitions are logged and journaled", func() {
			h.load(rj("noisy"))
			So(waitState(h.m, "noisy", StateRunning), ShouldBeTrue)
			recs, _ := h.m.Log().Records(0)
			So(recs, ShouldNotBeEmpty)
			So(recs[len(recs)-1].Text, ShouldContainSubstring, "noisy: starting -> running")

			hist, err := h.m.History("noisy", 0)
			So(err, ShouldBeNil)
			var to []State
			for _, e := range hist {
				to = append(to, e.To)
			}
			So(to, ShouldResemble, []State{StateWaiting, StateStarting, StateRunning})
		})

		Convey("Shutdown stops every job", func() {
			h.load(rj("a"), rj("b", "a"))
			So(waitState(h.m, "b", StateRunning), ShouldBeTrue)
			a, b := jobInfo(h.m, "a").Pid, jobInfo(h.m, "b").Pid
			h.cancel()
			So(<-h.done, ShouldBeNil)
			h.done <- nil
			So(h.fl.proc(a).sigs, ShouldResemble, []syscall.Signal{syscall.SIGTERM})
			So(h.fl.proc(b).sigs, ShouldResemble, []syscall.Signal{syscall.SIGTERM})
			_, err := h.m.Start(ctx, "a")
			So(err, ShouldEqual, ErrShutdown)
		})
	})
}

func TestManagerSockets(t *testing.T) {
	Convey("Given a running manager", t, func() {
		h := newHarness(t, testSupervision(), "")
		Reset(func() {
			So(h.close(), ShouldBeNil)
			h.jnl.Close()
		})
		ctx := context.Background()

		Convey("A socket job waits for its first connection", func() {
			j := dj("echo")
			j.Sockets = []SocketSpec{{Name: "echo", Address: "127.0.0.1:0"}}
			h.load(j)
			So(waitState(h.m, "echo", StateListening), ShouldBeTrue)
			ji := jobInfo(h.m, "echo")
			So(ji.Sockets, ShouldHaveLength, 1)
			So(ji.Sockets[0].Open, ShouldBeTrue)
			bound := ji.Sockets[0].Bound
			So(bound, ShouldStartWith, "127.0.0.1:")
			time.Sleep(30 * time.Millisecond)
			So(h.fl.count(), ShouldEqual, 0)

			conn, err := net.Dial("tcp", bound)
			So(err, ShouldBeNil)
			defer conn.Close()

			So(waitState(h.m, "echo", StateRunning), ShouldBeTrue)
			So(jobInfo(h.m, "echo").Reason, ShouldBeEmpty)
			p := h.fl.launch(0)
			So(p.fds, ShouldHaveLength, 1)
			So(p.env, ShouldContain, "LISTEN_FDS=1")
			So(p.env, ShouldContain, "LISTEN_FDNAMES=echo")

			Convey("Stopping it releases the socket", func() {
				_, err := h.m.Stop(ctx, "echo")
				So(err, ShouldBeNil)
				So(waitState(h.m, "echo", StateStopped), ShouldBeTrue)
				So(jobInfo(h.m, "echo").Sockets[0].Open, ShouldBeFalse)
				_, err = net.DialTimeout("tcp", bound, time.Second)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("A persistent socket survives between attempts", func() {
			j := dj("keeper")
			j.Sockets = []SocketSpec{{Address: "127.0.0.1:0", Persistent: true}}
			h.load(j)
			So(waitState(h.m, "keeper", StateListening), ShouldBeTrue)
			bound := jobInfo(h.m, "keeper").Sockets[0].Bound

			conn, err := net.Dial("tcp", bound)
			So(err, ShouldBeNil)
			defer conn.Close()
			So(waitState(h.m, "keeper", StateRunning), ShouldBeTrue)
			So(jobInfo(h.m, "keeper").Sockets[0].Open, ShouldBeTrue)

			// The connection was never accepted, so it is still queued
			// and activates the next attempt straight away.
			h.crash("keeper", 0)
			So(h.fl.waitLaunches(2), ShouldBeTrue)
			So(waitState(h.m, "keeper", StateRunning), ShouldBeTrue)
			So(h.fl.launch(1).fds, ShouldResemble, h.fl.launch(0).fds)
			So(jobInfo(h.m, "keeper").Sockets[0].Bound, ShouldEqual, bound)
		})

		Convey("A listening dependency satisfies its dependents", func() {
			j := dj("api")
			j.Sockets = []SocketSpec{{Address: "127.0.0.1:0"}}
			h.load(j, rj("client", "api"))
			So(waitState(h.m, "client", StateRunning), ShouldBeTrue)
			So(jobInfo(h.m, "api").State, ShouldEqual, StateListening)
		})

		Convey("Start skips the wait for a connection", func() {
			j := dj("lazy")
			j.Sockets = []SocketSpec{{Address: "127.0.0.1:0"}}
			h.load(j)
			So(waitState(h.m, "lazy", StateListening), ShouldBeTrue)
			_, err := h.m.Start(ctx, "lazy")
			So(err, ShouldBeNil)
			So(waitState(h.m, "lazy", StateRunning), ShouldBeTrue)
			So(jobInfo(h.m, "lazy").Reason, ShouldBeEmpty)
		})

		Convey("A socket that cannot be bound fails the job", func() {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			So(err, ShouldBeNil)
			defer l.Close()
			j := dj("clash")
			j.Sockets = []SocketSpec{{Address: l.Addr().String()}}
			h.load(j)
			So(waitState(h.m, "clash", StateFailed), ShouldBeTrue)
			So(h.fl.count(), ShouldEqual, 0)
		})
	})
}

func TestManagerReload(t *testing.T) {
	Convey("Given a manager with a job directory", t, func() {
		dir := t.TempDir()
		h := newHarness(t, testSupervision(), dir)
		Reset(func() {
			So(h.close(), ShouldBeNil)
			h.jnl.Close()
		})
		ctx := context.Background()

		writeFile(t, dir, "web.yaml", "command: /bin/web\nargs: [\"-v\"]\nrun_at_load: true\n")
		rep, err := h.m.ReloadAll(ctx)
		So(err, ShouldBeNil)
		So(rep.Added, ShouldResemble, []string{"web"})
		So(waitState(h.m, "web", StateRunning), ShouldBeTrue)

		Convey("An unchanged directory changes nothing", func() {
			rep, err := h.m.ReloadAll(ctx)
			So(err, ShouldBeNil)
			So(rep.Unchanged, ShouldResemble, []string{"web"})
			So(h.fl.count(), ShouldEqual, 1)
		})

		Convey("A changed definition restarts the job", func() {
			writeFile(t, dir, "web.yaml", "command: /bin/web\nargs: [\"-q\"]\nrun_at_load: true\n")
			rep, err := h.m.ReloadAll(ctx)
			So(err, ShouldBeNil)
			So(rep.Changed, ShouldResemble, []string{"web"})
			So(h.fl.waitLaunches(2), ShouldBeTrue)
			So(waitState(h.m, "web", StateRunning), ShouldBeTrue)
			So(h.fl.launch(1).args, ShouldResemble, []string{"-q"})
			So(jobInfo(h.m, "web").Args, ShouldResemble, []string{"-q"})
		})

		Convey("A broken file keeps the old definition", func() {
			writeFile(t, dir, "web.yaml", "command: [oops\n")
			rep, err := h.m.ReloadAll(ctx)
			So(err, ShouldBeNil)
			So(rep.Invalid, ShouldNotBeEmpty)
			So(rep.Removed, ShouldBeEmpty)
			So(jobInfo(h.m, "web").State, ShouldEqual, StateRunning)
		})

		Convey("A deleted file removes the job", func() {
			So(os.Remove(filepath.Join(dir, "web.yaml")), ShouldBeNil)
			rep, err := h.m.ReloadAll(ctx)
			So(err, ShouldBeNil)
			So(rep.Removed, ShouldResemble, []string{"web"})
			So(waitGone(h.m, "web"), ShouldBeTrue)
			So(h.fl.launch(0).sigs, ShouldResemble, []syscall.Signal{syscall.SIGTERM})
		})

		Convey("A single job can be reloaded", func() {
			writeFile(t, dir, "web.yaml", "command: /bin/web\nrun_at_load: true\n")
			writeFile(t, dir, "cache.yaml", "command: /bin/cache\n")
			ji, err := h.m.Reload(ctx, "web")
			So(err, ShouldBeNil)
			So(ji.ID, ShouldEqual, "web")
			_, err = h.m.Job("cache")
			So(err, ShouldEqual, ErrNoSuchJob)
			So(h.fl.waitLaunches(2), ShouldBeTrue)
		})
	})
}

func TestManagerLeaks(t *testing.T) {
	jnl, err := OpenJournal("")
	if err != nil {
		t.Fatal(err)
	}
	defer jnl.Close()
	opt := goleak.IgnoreCurrent()
	h := startHarness(t, testSupervision(), "", jnl)
	j := dj("sock")
	j.Sockets = []SocketSpec{{Address: "127.0.0.1:0"}}
	if err := h.m.Load(context.Background(), []*Job{j, rj("plain")}); err != nil {
		t.Fatal(err)
	}
	if !waitState(h.m, "plain", StateRunning) || !waitState(h.m, "sock", StateListening) {
		t.Fatal("jobs did not start")
	}
	if err := h.close(); err != nil {
		t.Fatal(err)
	}
	goleak.VerifyNone(t, opt)
}
