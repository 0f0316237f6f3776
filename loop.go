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
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

type timerKind int

const (
	timerGrace timerKind = iota
	timerKill
	timerBackoff
	timerStable
)

type spawnedEvent struct {
	inst *Instance
	pid  int
}

type spawnFailedEvent struct {
	inst *Instance
	err  error
}

type exitEvent struct {
	pid    int
	status ExitStatus
}

type readyEvent struct {
	inst *Instance
	gen  uint64
}

type timerEvent struct {
	inst *Instance
	kind timerKind
	gen  uint64
}

// shutdownSlack is added to the stop timeout to bound the final drain.
const shutdownSlack = 2 * time.Second

var errInvariant = errors.New("Supervision invariant violated")

func (m *Manager) run(ctx, rctx context.Context) error {
	defer close(m.quit)
	m.logger.Info().Str("name", m.name).Msg("supervision started")

	done := ctx.Done()
	var deadline <-chan time.Time
	for {
		if m.shutting && m.idle() {
			m.teardown()
			return nil
		}
		select {
		case <-done:
			done = nil
			m.beginShutdown()
			t := time.NewTimer(m.sup.StopTimeout + shutdownSlack)
			defer t.Stop()
			deadline = t.C
		case <-deadline:
			m.logger.Warn().Msg("shutdown deadline passed with processes still running")
			m.teardown()
			return nil
		case <-rctx.Done():
			m.teardown()
			return rctx.Err()
		case ev := <-m.events:
			if err := m.dispatch(ev); err != nil {
				m.teardown()
				return err
			}
		}
		m.schedule()
		m.publish()
		for _, r := range m.replies {
			r()
		}
		m.replies = m.replies[:0]
	}
}

func (m *Manager) dispatch(ev any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("event handler panicked")
			err = fmt.Errorf("%w: %v", errInvariant, r)
		}
	}()
	switch ev := ev.(type) {
	case *request:
		loopEvents.WithLabelValues("request").Inc()
		m.handleRequest(ev)
	case *spawnedEvent:
		loopEvents.WithLabelValues("spawned").Inc()
		m.handleSpawned(ev.inst, ev.pid)
	case *spawnFailedEvent:
		loopEvents.WithLabelValues("spawn_failed").Inc()
		m.handleSpawnFailed(ev.inst, ev.err)
	case *exitEvent:
		loopEvents.WithLabelValues("exit").Inc()
		m.handleExit(ev.pid, ev.status)
	case *readyEvent:
		loopEvents.WithLabelValues("socket").Inc()
		m.handleReady(ev.inst, ev.gen)
	case *timerEvent:
		loopEvents.WithLabelValues("timer").Inc()
		m.handleTimer(ev)
	default:
		panic(fmt.Sprintf("unknown event %T", ev))
	}
	return nil
}

func (m *Manager) touch(inst *Instance) {
	inst.changed = true
	m.dirty = true
}

func (m *Manager) setState(inst *Instance, to State, reason string) {
	from := inst.state
	inst.state = to
	inst.since = time.Now()
	inst.gen++
	inst.reason = reason
	if to != StateBackoff {
		inst.retryAt = time.Time{}
	}
	m.touch(inst)

	ev := m.logger.Info()
	if to == StateFailed {
		ev = m.logger.Warn()
	}
	ev.Str("job", inst.ID()).Stringer("from", from).Stringer("to", to).Str("reason", reason).Msg("transition")
	line := fmt.Sprintf("%s: %s -> %s", inst.ID(), from, to)
	if reason != "" {
		line += " (" + reason + ")"
	}
	m.log.Append(inst.ID(), line)
	metricState(inst.ID(), from, to)
	if m.journal != nil {
		e := JournalEntry{Time: inst.since, Job: inst.ID(), From: from, To: to, Reason: reason}
		if err := m.journal.Append(e); err != nil {
			m.logger.Warn().Err(err).Str("job", inst.ID()).Msg("journal append failed")
		}
	}
}

func (m *Manager) after(inst *Instance, d time.Duration, kind timerKind) {
	gen := inst.gen
	time.AfterFunc(d, func() {
		m.post(&timerEvent{inst: inst, kind: kind, gen: gen})
	})
}

func (m *Manager) ready(id string) bool {
	inst, err := m.reg.Get(id)
	return err == nil && inst.state.Ready(m.sup.ListeningSatisfiesDeps)
}

func (m *Manager) idle() bool {
	for _, inst := range m.reg.List() {
		if inst.live() {
			return false
		}
	}
	return true
}

// schedule moves every waiting job whose dependencies are satisfied
// forward.  Jobs are visited dependencies first.
func (m *Manager) schedule() {
	if m.shutting {
		return
	}
	for _, id := range m.graph.Order() {
		inst, err := m.reg.Get(id)
		if err != nil || inst.state != StateWaiting {
			continue
		}
		if missing := m.graph.Unsatisfied(id, m.ready); len(missing) > 0 {
			reason := "waiting for " + strings.Join(missing, ", ")
			if inst.reason != reason {
				inst.reason = reason
				m.touch(inst)
			}
			continue
		}
		m.advance(inst)
	}
}

func (m *Manager) advance(inst *Instance) {
	if err := m.ensureSockets(inst); err != nil {
		m.fail(inst, err.Error())
		return
	}
	if inst.job.OnDemand() && !inst.eager {
		m.listen(inst)
		return
	}
	m.spawn(inst, "dependencies satisfied")
}

func (m *Manager) ensureSockets(inst *Instance) error {
	if len(inst.sockets) != len(inst.job.Sockets) {
		for _, s := range inst.sockets {
			if s != nil {
				s.closeFinal()
			}
		}
		inst.sockets = make([]*boundSocket, len(inst.job.Sockets))
	}
	for i, spec := range inst.job.Sockets {
		if inst.sockets[i] != nil && inst.sockets[i].file != nil {
			continue
		}
		bs, err := bindSocket(spec)
		if err != nil {
			return &SocketBindError{Job: inst.ID(), Address: spec.Address, Err: err}
		}
		inst.sockets[i] = bs
		m.touch(inst)
	}
	return nil
}

// closeTransient closes the daemon's copy of non-persistent sockets.
func (m *Manager) closeTransient(inst *Instance) {
	for _, s := range inst.sockets {
		if s != nil && !s.spec.Persistent && s.file != nil {
			s.close()
			m.touch(inst)
		}
	}
}

func (m *Manager) closeSockets(inst *Instance) {
	m.unlisten(inst)
	for _, s := range inst.sockets {
		if s != nil {
			s.closeFinal()
		}
	}
	inst.sockets = nil
}

func (m *Manager) listen(inst *Instance) {
	m.setState(inst, StateListening, "waiting for connections")
	gen := inst.gen
	w, err := watchSockets(inst.sockets, func() {
		go m.post(&readyEvent{inst: inst, gen: gen})
	})
	if err != nil {
		m.fail(inst, fmt.Sprintf("cannot watch sockets: %v", err))
		return
	}
	inst.watch = w
}

func (m *Manager) unlisten(inst *Instance) {
	if inst.watch != nil {
		inst.watch.cancel()
		inst.watch = nil
	}
}

func (m *Manager) jobLogger(inst *Instance) zerolog.Logger {
	return m.logger.With().Str("job", inst.ID()).Logger()
}

func (m *Manager) spawn(inst *Instance, reason string) {
	m.unlisten(inst)
	m.setState(inst, StateStarting, reason)
	inst.spawning = true

	var files []*os.File
	var socks []*boundSocket
	for _, s := range inst.sockets {
		if s != nil && s.file != nil {
			files = append(files, s.file)
			socks = append(socks, s)
		}
	}
	jl := m.jobLogger(inst)
	spec := &LaunchSpec{
		Job:    inst.job,
		Files:  files,
		Env:    socketEnv(socks),
		Stdout: NewMultiLogger("stdout", jl, zerolog.InfoLevel, inst.output),
		Stderr: NewMultiLogger("stderr", jl, zerolog.WarnLevel, inst.output),
	}
	go func() {
		err := m.launcher.Launch(spec, func(pid int) {
			m.post(&spawnedEvent{inst: inst, pid: pid})
		})
		if err != nil {
			m.post(&spawnFailedEvent{inst: inst, err: &SpawnError{Job: spec.Job.ID, Err: err}})
		}
	}()
}

func (m *Manager) handleSpawned(inst *Instance, pid int) {
	inst.spawning = false
	inst.spawnTime = time.Now()
	m.reg.attach(inst, pid)
	// The child owns its copies of non-persistent sockets now.
	m.closeTransient(inst)
	m.touch(inst)
	m.logger.Info().Str("job", inst.ID()).Int("pid", pid).Msg("spawned")

	switch inst.state {
	case StateStopping:
		m.signalStop(inst)
	case StateStarting:
		if m.sup.StartGrace <= 0 {
			m.running(inst, inst.spawnTime)
		} else {
			m.after(inst, m.sup.StartGrace, timerGrace)
		}
	}
}

// running promotes a started job, and arms the timer that clears its
// failure history once the run has lasted stable_duration.
func (m *Manager) running(inst *Instance, at time.Time) {
	inst.startTime = at
	m.setState(inst, StateRunning, "")
	if m.policy.StableDuration <= 0 {
		m.settle(inst)
		return
	}
	m.after(inst, m.policy.StableDuration, timerStable)
}

// settle forgets past failures of a job whose current run is stable.
func (m *Manager) settle(inst *Instance) {
	if inst.failures == 0 {
		return
	}
	inst.failures = 0
	inst.boff.Reset()
	m.touch(inst)
	m.logger.Info().Str("job", inst.ID()).Msg("run is stable, failure history cleared")
}

func (m *Manager) handleSpawnFailed(inst *Instance, err error) {
	inst.spawning = false
	jobSpawnFailures.WithLabelValues(inst.ID()).Inc()
	m.logger.Error().Err(err).Str("job", inst.ID()).Msg("spawn failed")
	st := ExitStatus{Err: err.Error()}
	inst.lastExit = &st
	if inst.state == StateStopping {
		m.finishStop(inst)
		return
	}
	if inst.state != StateStarting {
		return
	}
	m.unexpectedExit(inst, st)
}

func (m *Manager) handleExit(pid int, st ExitStatus) {
	defer m.launcher.Release(pid)
	inst := m.reg.ByPid(pid)
	if inst == nil {
		m.logger.Debug().Int("pid", pid).Str("status", st.String()).Msg("reaped unknown process")
		return
	}
	m.reg.detach(inst)
	inst.lastExit = &st
	jobExits.WithLabelValues(inst.ID(), st.Kind().String()).Inc()
	m.logger.Info().Str("job", inst.ID()).Int("pid", pid).Str("status", st.String()).Msg("exited")
	m.touch(inst)
	if inst.state == StateStopping {
		m.finishStop(inst)
		return
	}
	m.unexpectedExit(inst, st)
}

// unexpectedExit applies the restart policy to an attempt that ended
// without being asked to.
func (m *Manager) unexpectedExit(inst *Instance, st ExitStatus) {
	if st.Kind() != ExitSpawnFailed && m.policy.Stable(time.Since(inst.spawnTime)) {
		inst.failures = 0
		inst.boff.Reset()
	}
	m.closeTransient(inst)
	m.cascade(inst, "dependency "+inst.ID()+" exited")

	if !ShouldRestart(inst.job.RestartPolicy, st) {
		switch {
		case st.Kind() == ExitSpawnFailed:
			m.fail(inst, st.String())
		case inst.job.OnDemand() && st.Kind() == ExitClean:
			inst.eager = false
			m.setState(inst, StateWaiting, st.String())
		default:
			inst.eager = false
			m.setState(inst, StateStopped, st.String())
		}
		return
	}

	inst.failures++
	if budget := m.policy.Budget(inst.job); budget > 0 && inst.failures >= budget {
		m.fail(inst, fmt.Sprintf("%v: %d consecutive failures, last %s", ErrRestartLimit, inst.failures, st))
		return
	}
	inst.restarts++
	jobRestarts.WithLabelValues(inst.ID()).Inc()
	inst.delay = inst.boff.NextBackOff()
	inst.retryAt = time.Now().Add(inst.delay)
	m.setState(inst, StateBackoff, fmt.Sprintf("%s, retrying in %v", st, inst.delay))
	m.after(inst, inst.delay, timerBackoff)
}

func (m *Manager) fail(inst *Instance, reason string) {
	m.unlisten(inst)
	m.closeTransient(inst)
	inst.eager = false
	m.setState(inst, StateFailed, reason)
}

func (m *Manager) handleReady(inst *Instance, gen uint64) {
	if inst.state != StateListening || inst.gen != gen {
		return
	}
	m.spawn(inst, "socket activity")
}

func (m *Manager) handleTimer(ev *timerEvent) {
	inst := ev.inst
	if inst.gen != ev.gen {
		return
	}
	switch ev.kind {
	case timerGrace:
		if inst.state == StateStarting && inst.pid != 0 {
			m.running(inst, time.Now())
		}
	case timerKill:
		if inst.state == StateStopping && inst.pid != 0 {
			m.logger.Warn().Str("job", inst.ID()).Int("pid", inst.pid).Msg("stop timed out, killing")
			if err := m.launcher.Signal(inst.pid, syscall.SIGKILL); err != nil && !errors.Is(err, ErrProcessGone) {
				m.logger.Error().Err(err).Str("job", inst.ID()).Msg("kill failed")
			}
		}
	case timerStable:
		if inst.state == StateRunning {
			m.settle(inst)
		}
	case timerBackoff:
		if inst.state == StateBackoff {
			inst.eager = true
			m.setState(inst, StateWaiting, "backoff expired")
		}
	}
}

// cascade stops the active dependents of inst before inst itself goes
// down.  They return to Waiting once stopped.
func (m *Manager) cascade(inst *Instance, reason string) {
	for _, id := range m.graph.Dependents(inst.ID()) {
		d, err := m.reg.Get(id)
		if err != nil {
			continue
		}
		switch d.state {
		case StateStarting, StateRunning, StateListening, StateStopping:
			m.stop(d, afterWaiting, reason)
		}
	}
}

// stop begins stopping a job.  What happens once it is down is decided by
// after.  A cascade never overrides a stop that is already in progress,
// and nothing overrides a pending removal or rejection.
func (m *Manager) stop(inst *Instance, after stopAction, reason string) {
	if inst.state == StateStopping {
		switch {
		case after == afterWaiting:
		case inst.afterStop == afterRemove, inst.afterStop == afterFail:
		default:
			inst.afterStop = after
		}
		return
	}
	inst.afterStop = after
	switch inst.state {
	case StateStarting, StateRunning:
		m.cascade(inst, "dependency "+inst.ID()+" stopping")
		m.setState(inst, StateStopping, reason)
		if inst.pid != 0 {
			m.signalStop(inst)
		}
		return
	case StateListening:
		m.cascade(inst, "dependency "+inst.ID()+" stopping")
	}
	m.finishStop(inst)
}

func (m *Manager) signalStop(inst *Instance) {
	sig := inst.job.Signal()
	err := m.launcher.Signal(inst.pid, sig)
	switch {
	case errors.Is(err, ErrProcessGone):
		// The exit is already on its way to us.
		return
	case err != nil:
		m.logger.Error().Err(err).Str("job", inst.ID()).Stringer("signal", sig).Msg("signal delivery failed")
	}
	timeout := inst.job.StopTimeout
	if timeout <= 0 {
		timeout = m.sup.StopTimeout
	}
	m.after(inst, timeout, timerKill)
}

// finishStop settles a job that has no process left.
func (m *Manager) finishStop(inst *Instance) {
	after := inst.afterStop
	inst.afterStop = afterNone
	m.unlisten(inst)
	m.closeTransient(inst)

	reason := "stopped"
	if inst.state == StateStopping && inst.lastExit != nil {
		reason = "stopped, " + inst.lastExit.String()
	}
	switch after {
	case afterWaiting:
		switch inst.state {
		case StateStopping, StateListening:
			m.setState(inst, StateWaiting, "waiting for dependencies")
		}
	case afterRestart:
		inst.eager = true
		m.setState(inst, StateWaiting, "restarting")
	case afterReload:
		m.replace(inst)
	case afterFail:
		msg := "rejected"
		if inst.rejected != nil {
			msg = inst.rejected.Error()
		}
		m.fail(inst, msg)
	case afterRemove:
		m.remove(inst, "removed")
	default:
		inst.eager = false
		switch inst.state {
		case StateLoaded, StateStopped, StateFailed:
			return
		}
		m.setState(inst, StateStopped, reason)
	}
}

func (m *Manager) remove(inst *Instance, reason string) {
	m.closeSockets(inst)
	m.setState(inst, StateRemoved, reason)
	m.reg.drop(inst)
	m.mx.Lock()
	delete(m.outputs, inst.ID())
	m.mx.Unlock()
	metricForget(inst.ID())
	m.dirty = true
	m.rebuild()
}

func (m *Manager) newInstance(j *Job) *Instance {
	out := NewLog(m.sup.OutputLines)
	m.mx.Lock()
	m.outputs[j.ID] = out
	m.mx.Unlock()
	return newInstance(j, m.policy, out)
}

// activate puts a freshly loaded job on its way: jobs that run at load
// are started, socket jobs start listening.
func (m *Manager) activate(inst *Instance, reason string) {
	if inst.rejected != nil {
		return
	}
	if err := m.ensureSockets(inst); err != nil {
		m.fail(inst, err.Error())
		return
	}
	if inst.job.RunAtLoad || inst.job.OnDemand() {
		inst.eager = inst.eager || inst.job.RunAtLoad
		m.setState(inst, StateWaiting, reason)
	}
}

func (m *Manager) load(jobs []*Job) error {
	insts, err := m.reg.Load(jobs, m.newInstance)
	if err != nil {
		return err
	}
	m.dirty = true
	for _, inst := range insts {
		metricState(inst.ID(), StateLoaded, StateLoaded)
		m.logger.Info().Str("job", inst.ID()).Msg("loaded")
	}
	m.rebuild()
	for _, inst := range insts {
		if inst.state == StateLoaded {
			m.activate(inst, "loaded")
		}
	}
	return nil
}

// rebuild recomputes the dependency graph and applies its verdicts.
// Newly rejected jobs are stopped and failed; jobs whose rejection has
// been lifted get a fresh start.
func (m *Manager) rebuild() {
	m.graph = BuildGraph(m.reg.Jobs())
	for _, inst := range m.reg.List() {
		err := m.graph.Rejected(inst.ID())
		switch {
		case err != nil && inst.rejected == nil:
			inst.rejected = err
			m.logger.Warn().Err(err).Str("job", inst.ID()).Msg("rejected by dependency graph")
			m.stop(inst, afterFail, err.Error())
		case err != nil:
			inst.rejected = err
		case inst.rejected != nil:
			inst.rejected = nil
			if inst.state == StateFailed {
				inst.failures = 0
				inst.boff.Reset()
				m.setState(inst, StateLoaded, "dependencies resolved")
				m.activate(inst, "dependencies resolved")
			}
		}
	}
}

func (m *Manager) handleRequest(req *request) {
	var resp response
	var inst *Instance
	if req.op != opLoad && req.op != opReload {
		inst, resp.err = m.reg.Get(req.id)
	}
	if resp.err == nil && m.shutting {
		resp.err = ErrShutdown
	}
	if resp.err == nil {
		switch req.op {
		case opLoad:
			resp.err = m.load(req.jobs)
		case opStart:
			resp.err = m.startJob(inst)
		case opStop:
			m.stopJob(inst)
		case opRestart:
			resp.err = m.restartJob(inst)
		case opReset:
			resp.err = m.resetJob(inst)
		case opRemove:
			resp.err = m.removeJob(inst)
		case opReload:
			resp.report, resp.err = m.applyReload(req.jobs, req.invalid, req.id)
			if req.id != "" && resp.err == nil {
				inst, _ = m.reg.Get(req.id)
			}
		}
	}
	metricRequest(string(req.op), resp.err)
	m.replies = append(m.replies, func() {
		if resp.err == nil && inst != nil && inst.state != StateRemoved {
			resp.info = inst.info()
		}
		req.reply <- resp
	})
}

func (m *Manager) startJob(inst *Instance) error {
	if inst.rejected != nil {
		return inst.rejected
	}
	switch inst.state {
	case StateFailed:
		return fmt.Errorf("%w: %s", ErrJobFailed, inst.reason)
	case StateLoaded, StateStopped, StateBackoff:
		inst.eager = true
		m.setState(inst, StateWaiting, "start requested")
	case StateWaiting:
		inst.eager = true
		m.touch(inst)
	case StateListening:
		inst.eager = true
		m.spawn(inst, "start requested")
	case StateStopping:
		if inst.afterStop != afterRemove && inst.afterStop != afterFail {
			inst.afterStop = afterRestart
		}
	}
	return nil
}

func (m *Manager) stopJob(inst *Instance) {
	switch inst.state {
	case StateLoaded, StateStopped, StateFailed:
		inst.eager = false
		return
	}
	m.stop(inst, afterNone, "stop requested")
}

func (m *Manager) restartJob(inst *Instance) error {
	switch inst.state {
	case StateStarting, StateRunning:
		m.stop(inst, afterRestart, "restart requested")
		return nil
	}
	return m.startJob(inst)
}

func (m *Manager) resetJob(inst *Instance) error {
	if inst.rejected != nil {
		return inst.rejected
	}
	inst.failures = 0
	inst.boff.Reset()
	m.touch(inst)
	if inst.state == StateFailed {
		inst.eager = true
		m.setState(inst, StateWaiting, "reset")
	}
	return nil
}

func (m *Manager) removeJob(inst *Instance) error {
	if _, err := m.reg.Remove(inst.ID()); err != nil {
		return err
	}
	m.remove(inst, "removed")
	if m.journal != nil {
		if err := m.journal.Forget(inst.ID()); err != nil {
			m.logger.Warn().Err(err).Str("job", inst.ID()).Msg("journal cleanup failed")
		}
	}
	return nil
}

func (m *Manager) beginShutdown() {
	m.logger.Info().Str("name", m.name).Msg("shutting down")
	m.shutting = true
	order := m.graph.Order()
	for i := len(order) - 1; i >= 0; i-- {
		if inst, err := m.reg.Get(order[i]); err == nil {
			m.stop(inst, afterNone, "shutdown")
		}
	}
	// Rejected jobs are not in the order.
	for _, inst := range m.reg.List() {
		if inst.state.Active() && inst.state != StateStopping {
			m.stop(inst, afterNone, "shutdown")
		}
	}
	m.publish()
}

// teardown releases everything the loop still holds.
func (m *Manager) teardown() {
	for _, inst := range m.reg.List() {
		if inst.pid != 0 {
			_ = m.launcher.Signal(inst.pid, syscall.SIGKILL)
		}
		m.closeSockets(inst)
	}
	m.publish()
}

func sortedIDs(jobs map[string]*Job) []string {
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
