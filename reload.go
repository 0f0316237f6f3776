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
)

// applyReload reconciles the registry with a freshly read set of
// definitions.  When only is set, just that job is considered.  Jobs whose
// file failed to parse are left alone rather than removed.
func (m *Manager) applyReload(jobs []*Job, invalid []error, only string) (*ReloadReport, error) {
	report := &ReloadReport{}
	broken := map[string]bool{}
	for _, err := range invalid {
		var ce *ConfigInvalidError
		if errors.As(err, &ce) && ce.Job != "" {
			broken[ce.Job] = true
		}
		if only == "" || (ce != nil && ce.Job == only) {
			report.Invalid = append(report.Invalid, err.Error())
		}
	}
	byID := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		if only == "" || j.ID == only {
			byID[j.ID] = j
		}
	}
	if only != "" {
		if _, err := m.reg.Get(only); err != nil && byID[only] == nil {
			if broken[only] {
				return report, errors.New(report.Invalid[0])
			}
			return report, ErrNoSuchJob
		}
	}

	for _, inst := range m.reg.List() {
		id := inst.ID()
		if (only != "" && id != only) || byID[id] != nil || broken[id] {
			continue
		}
		report.Removed = append(report.Removed, id)
		m.stop(inst, afterRemove, "removed by reload")
	}

	for _, id := range sortedIDs(byID) {
		j := byID[id]
		inst, err := m.reg.Get(id)
		if err != nil {
			if err := m.load([]*Job{j}); err != nil {
				report.Invalid = append(report.Invalid, err.Error())
				continue
			}
			report.Added = append(report.Added, id)
			continue
		}
		if inst.job.Equal(j) && inst.pending == nil {
			report.Unchanged = append(report.Unchanged, id)
			continue
		}
		if verr := j.Validate(); verr != nil {
			report.Invalid = append(report.Invalid, (&ConfigInvalidError{Job: id, Err: verr}).Error())
			continue
		}
		report.Changed = append(report.Changed, id)
		inst.pending = j
		if inst.state == StateRunning || inst.state == StateStarting {
			inst.eager = true
		}
		m.stop(inst, afterReload, "definition changed")
	}
	return report, nil
}

// replace swaps in a job's pending definition once it has stopped.
func (m *Manager) replace(inst *Instance) {
	j := inst.pending
	inst.pending = nil
	if j == nil {
		return
	}
	restart := inst.eager || j.RunAtLoad
	m.closeSockets(inst)
	inst.job = j
	inst.boff = m.policy.NewBackOff(j)
	inst.failures = 0
	inst.eager = restart
	m.setState(inst, StateLoaded, "definition reloaded")
	m.rebuild()
	if inst.state != StateLoaded {
		return
	}
	if restart && !j.RunAtLoad && !j.OnDemand() {
		m.setState(inst, StateWaiting, "restarting with new definition")
		return
	}
	m.activate(inst, "restarting with new definition")
}
