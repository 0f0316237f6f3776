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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/errgroup"
)

// ManagerConfig collects what a Manager needs to run.
type ManagerConfig struct {
	Name        string
	JobsDir     string
	Supervision Supervision
	Launcher    Launcher
	Journal     *Journal
	Logger      zerolog.Logger
}

// Manager supervises a set of jobs.  All job state is owned by a single
// goroutine, the control loop started by Serve.  Everything else, from
// the reaper to HTTP handlers, talks to it through events, and reads the
// immutable snapshots it publishes after every event.
type Manager struct {
	name     string
	jobsDir  string
	sup      Supervision
	policy   Policy
	launcher Launcher
	journal  *Journal
	logger   zerolog.Logger
	log      *Log

	events  chan any
	quit    chan struct{}
	serving atomic.Bool

	// Owned by the control loop.
	reg       *Registry
	graph     *Graph
	shutting bool
	dirty    bool
	replies  []func()

	// Published state, guarded by mx.
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
	serial     int64
	snap       map[string]*JobInfo
	outputs    map[string]*Log
	createTime time.Time
	updateTime time.Time
}

type ManagerInfo struct {
	Name       string    `json:"name"`
	Serial     int64     `json:"serial,string"`
	Jobs       int       `json:"jobs"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// ReloadReport summarizes a reload of the job directory.
type ReloadReport struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	Invalid   []string `json:"invalid,omitempty"`
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Name == "" {
		cfg.Name = "nusalaunchd"
	}
	sup := cfg.Supervision.withDefaults()
	now := time.Now()
	m := &Manager{
		name:     cfg.Name,
		jobsDir:  cfg.JobsDir,
		sup:      sup,
		policy:   sup.Policy(),
		launcher: cfg.Launcher,
		journal:  cfg.Journal,
		logger:   cfg.Logger.With().Str("component", "manager").Logger(),
		log:      NewLog(DefaultLogRecords),
		events:   make(chan any, 256),
		quit:     make(chan struct{}),
		reg:      NewRegistry(sup.MaxJobs),
		graph:    BuildGraph(nil),
		// The serial starts at the wall clock, so a restarted daemon
		// invalidates any etag a client may have cached.
		serial:     now.UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
		snap:       make(map[string]*JobInfo),
		outputs:    make(map[string]*Log),
		createTime: now,
		updateTime: now,
	}
	return m
}

// Name returns the name the manager was created with.
func (m *Manager) Name() string {
	return m.name
}

// Log returns the daemon's transition log.
func (m *Manager) Log() *Log {
	return m.log
}

// Output returns the captured stdout and stderr of a job.
func (m *Manager) Output(id string) (*Log, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if l, ok := m.outputs[id]; ok {
		return l, nil
	}
	return nil, ErrNoSuchJob
}

// History returns journaled transitions for a job.
func (m *Manager) History(id string, limit int) ([]JournalEntry, error) {
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.History(id, limit)
}

// bumpSerial increments the serial and wakes watchers.  Call with mx held.
func (m *Manager) bumpSerial() int64 {
	m.updateTime = time.Now()
	m.serial++
	for cv := range m.cvs {
		cv.Broadcast()
	}
	return m.serial
}

// WatchSerial waits up to expire for any job to change, and returns the
// serial then in effect.  An expire of zero just polls.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	if expire <= 0 {
		m.mx.Lock()
		defer m.mx.Unlock()
		return m.serial
	}
	expired := false
	cv := sync.NewCond(&m.mx)
	timer := time.AfterFunc(expire, func() {
		m.mx.Lock()
		expired = true
		cv.Broadcast()
		m.mx.Unlock()
	})
	defer timer.Stop()

	m.mx.Lock()
	defer m.mx.Unlock()
	m.cvs[cv] = true
	for m.serial == old && !expired {
		cv.Wait()
	}
	delete(m.cvs, cv)
	return m.serial
}

func (m *Manager) Serial() int64 {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.serial
}

func (m *Manager) GetInfo() *ManagerInfo {
	m.mx.Lock()
	defer m.mx.Unlock()
	return &ManagerInfo{
		Name:       m.name,
		Serial:     m.serial,
		Jobs:       len(m.snap),
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
	}
}

// Jobs returns snapshots of every job, sorted by id, with the serial
// they are current as of.
func (m *Manager) Jobs() ([]*JobInfo, int64) {
	m.mx.Lock()
	defer m.mx.Unlock()
	rv := make([]*JobInfo, 0, len(m.snap))
	for _, ji := range m.snap {
		rv = append(rv, ji)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].ID < rv[j].ID })
	return rv, m.serial
}

// Job returns the latest snapshot of one job.
func (m *Manager) Job(id string) (*JobInfo, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if ji, ok := m.snap[id]; ok {
		return ji, nil
	}
	return nil, ErrNoSuchJob
}

// publish makes the loop's view visible to readers.  Only instances that
// changed get a new snapshot.
func (m *Manager) publish() {
	if !m.dirty {
		return
	}
	m.dirty = false
	m.mx.Lock()
	serial := m.bumpSerial()
	snap := make(map[string]*JobInfo, m.reg.Len())
	for _, inst := range m.reg.List() {
		if inst.changed || m.snap[inst.ID()] == nil {
			inst.changed = false
			inst.serial = serial
			snap[inst.ID()] = inst.info()
		} else {
			snap[inst.ID()] = m.snap[inst.ID()]
		}
	}
	m.snap = snap
	m.mx.Unlock()
}

type opcode string

const (
	opLoad    opcode = "load"
	opStart   opcode = "start"
	opStop    opcode = "stop"
	opRestart opcode = "restart"
	opReset   opcode = "reset"
	opRemove  opcode = "remove"
	opReload  opcode = "reload"
)

type request struct {
	op      opcode
	id      string
	jobs    []*Job
	invalid []error
	reply   chan response
}

type response struct {
	info   *JobInfo
	report *ReloadReport
	err    error
}

// post hands an event to the loop.  It gives up once the loop is gone.
func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) call(ctx context.Context, req *request) response {
	req.reply = make(chan response, 1)
	select {
	case m.events <- req:
	case <-m.quit:
		return response{err: ErrShutdown}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	select {
	case r := <-req.reply:
		return r
	case <-m.quit:
		return response{err: ErrShutdown}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

func (m *Manager) jobCall(ctx context.Context, op opcode, id string) (*JobInfo, error) {
	r := m.call(ctx, &request{op: op, id: id})
	return r.info, r.err
}

// Load registers a batch of job definitions.  The batch is accepted or
// rejected as a whole; the returned error lists every invalid entry.
// Jobs that run at load, or listen on sockets, are started.
func (m *Manager) Load(ctx context.Context, jobs []*Job) error {
	return m.call(ctx, &request{op: opLoad, jobs: jobs}).err
}

// Start asks for a job to run.  A failed job must be reset first.
func (m *Manager) Start(ctx context.Context, id string) (*JobInfo, error) {
	return m.jobCall(ctx, opStart, id)
}

// Stop asks a job to stop.  It returns once the stop has begun; the job
// reaches StateStopped when its process has exited.
func (m *Manager) Stop(ctx context.Context, id string) (*JobInfo, error) {
	return m.jobCall(ctx, opStop, id)
}

// Restart stops a running job and starts it again.
func (m *Manager) Restart(ctx context.Context, id string) (*JobInfo, error) {
	return m.jobCall(ctx, opRestart, id)
}

// Reset clears a job's failure history.  A failed job is started again.
func (m *Manager) Reset(ctx context.Context, id string) (*JobInfo, error) {
	return m.jobCall(ctx, opReset, id)
}

// Remove unloads an inactive job.
func (m *Manager) Remove(ctx context.Context, id string) error {
	_, err := m.jobCall(ctx, opRemove, id)
	return err
}

// ReloadAll rescans the job directory and applies the differences.
func (m *Manager) ReloadAll(ctx context.Context) (*ReloadReport, error) {
	if m.jobsDir == "" {
		return nil, errors.New("No job directory configured")
	}
	jobs, errs := LoadDir(m.jobsDir)
	r := m.call(ctx, &request{op: opReload, jobs: jobs, invalid: errs})
	return r.report, r.err
}

// Reload rereads the definition of a single job from the job directory.
func (m *Manager) Reload(ctx context.Context, id string) (*JobInfo, error) {
	if m.jobsDir == "" {
		return nil, errors.New("No job directory configured")
	}
	jobs, errs := LoadDir(m.jobsDir)
	r := m.call(ctx, &request{op: opReload, id: id, jobs: jobs, invalid: errs})
	return r.info, r.err
}

// Serve runs the control loop and the reaper until ctx is cancelled, at
// which point every job is stopped before Serve returns.  A Manager can
// only be served once.
func (m *Manager) Serve(ctx context.Context) error {
	if !m.serving.CompareAndSwap(false, true) {
		return ErrShutdown
	}
	rctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error {
		if err := m.launcher.Serve(gctx, m.exited); err != nil {
			return fmt.Errorf("reaper: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return m.run(ctx, gctx)
	})
	if err := g.Wait(); err != nil {
		m.logger.Error().Err(err).Msg("supervision stopped")
		return suture.ErrTerminateSupervisorTree
	}
	m.logger.Info().Str("name", m.name).Msg("supervision finished")
	return nil
}

func (m *Manager) exited(pid int, st ExitStatus) {
	m.post(&exitEvent{pid: pid, status: st})
}

func (m *Manager) String() string {
	return "manager:" + m.name
}
