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
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Registry is the set of loaded jobs and their instances.  It makes no
// scheduling decisions and is not safe for concurrent use; the control
// loop is its only user.
type Registry struct {
	jobs  map[string]*Instance
	pids  map[int]*Instance
	limit int
}

func NewRegistry(limit int) *Registry {
	return &Registry{
		jobs:  make(map[string]*Instance),
		pids:  make(map[int]*Instance),
		limit: limit,
	}
}

// Check validates a batch of definitions against each other and against
// the jobs already registered, without changing anything.  Every problem
// is reported.
func (r *Registry) Check(jobs []*Job) error {
	var errs *multierror.Error
	seen := map[string]bool{}
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			errs = multierror.Append(errs, &ConfigInvalidError{Job: j.ID, Err: err})
			continue
		}
		if seen[j.ID] || r.jobs[j.ID] != nil {
			errs = multierror.Append(errs, &ConfigInvalidError{Job: j.ID, Err: errDuplicate})
			continue
		}
		seen[j.ID] = true
	}
	if r.limit > 0 && len(r.jobs)+len(seen) > r.limit {
		errs = multierror.Append(errs, ErrTooManyJobs)
	}
	return errs.ErrorOrNil()
}

// Load registers a batch of definitions atomically: either every job is
// added in StateLoaded, or none is and the error lists every problem.
func (r *Registry) Load(jobs []*Job, mk func(*Job) *Instance) ([]*Instance, error) {
	if err := r.Check(jobs); err != nil {
		return nil, err
	}
	rv := make([]*Instance, 0, len(jobs))
	for _, j := range jobs {
		inst := mk(j)
		r.jobs[j.ID] = inst
		rv = append(rv, inst)
	}
	return rv, nil
}

func (r *Registry) Get(id string) (*Instance, error) {
	if inst, ok := r.jobs[id]; ok {
		return inst, nil
	}
	return nil, ErrNoSuchJob
}

// List returns every instance ordered by id.
func (r *Registry) List() []*Instance {
	rv := make([]*Instance, 0, len(r.jobs))
	for _, inst := range r.jobs {
		rv = append(rv, inst)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].job.ID < rv[j].job.ID })
	return rv
}

// Jobs returns the current definitions, for building the graph.
func (r *Registry) Jobs() []*Job {
	rv := make([]*Job, 0, len(r.jobs))
	for _, inst := range r.List() {
		rv = append(rv, inst.job)
	}
	return rv
}

func (r *Registry) Len() int {
	return len(r.jobs)
}

// Remove drops an inactive job.  Jobs that are starting, running,
// listening or stopping are busy.
func (r *Registry) Remove(id string) (*Instance, error) {
	inst, ok := r.jobs[id]
	if !ok {
		return nil, ErrNoSuchJob
	}
	if inst.state.Active() || inst.live() {
		return nil, ErrJobBusy
	}
	delete(r.jobs, id)
	return inst, nil
}

// drop deletes an instance regardless of its state.
func (r *Registry) drop(inst *Instance) {
	r.detach(inst)
	if r.jobs[inst.job.ID] == inst {
		delete(r.jobs, inst.job.ID)
	}
}

func (r *Registry) attach(inst *Instance, pid int) {
	inst.pid = pid
	r.pids[pid] = inst
}

func (r *Registry) detach(inst *Instance) {
	if inst.pid != 0 {
		delete(r.pids, inst.pid)
		inst.pid = 0
	}
}

// ByPid finds the instance owning a process.
func (r *Registry) ByPid(pid int) *Instance {
	return r.pids[pid]
}
