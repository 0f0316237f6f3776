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

	mapset "github.com/deckarep/golang-set/v2"
)

// Graph is the dependency graph derived from a set of job definitions.
// It is rebuilt from scratch whenever the job set changes and is never
// mutated afterwards.  Edges point from a dependent to its dependency.
type Graph struct {
	deps     map[string]mapset.Set[string]
	rdeps    map[string]mapset.Set[string]
	rejected map[string]error
	errs     []error
	order    []string
}

const (
	white = iota
	grey
	black
)

// BuildGraph computes the dependency graph for jobs.  Cycles and references
// to unknown jobs reject every job in the affected connected component;
// the rest of the graph is unaffected.
func BuildGraph(jobs []*Job) *Graph {
	g := &Graph{
		deps:     make(map[string]mapset.Set[string], len(jobs)),
		rdeps:    make(map[string]mapset.Set[string], len(jobs)),
		rejected: make(map[string]error),
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
		g.deps[j.ID] = mapset.NewThreadUnsafeSet[string]()
		g.rdeps[j.ID] = mapset.NewThreadUnsafeSet[string]()
	}
	sort.Strings(ids)

	cause := map[string]error{}
	for _, j := range jobs {
		for _, d := range j.Dependencies {
			if _, ok := g.deps[d]; !ok {
				if cause[j.ID] == nil {
					e := &UnsatisfiableDependencyError{Job: j.ID, Missing: d}
					cause[j.ID] = e
					g.errs = append(g.errs, e)
				}
				continue
			}
			g.deps[j.ID].Add(d)
			g.rdeps[d].Add(j.ID)
		}
	}

	color := map[string]int{}
	var path []string
	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		path = append(path, id)
		for _, d := range sorted(g.deps[id]) {
			switch color[d] {
			case white:
				visit(d)
			case grey:
				start := 0
				for i, p := range path {
					if p == d {
						start = i
						break
					}
				}
				chain := append(append([]string(nil), path[start:]...), d)
				e := &CyclicDependencyError{Chain: chain}
				g.errs = append(g.errs, e)
				for _, m := range chain {
					if cause[m] == nil {
						cause[m] = e
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}

	// Reject whole components around every broken job.
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, id := range ids {
		if seen.Contains(id) {
			continue
		}
		comp := g.component(id)
		seen.Append(comp...)
		var first error
		for _, m := range comp {
			if cause[m] != nil {
				first = cause[m]
				break
			}
		}
		if first == nil {
			continue
		}
		for _, m := range comp {
			if cause[m] != nil {
				g.rejected[m] = cause[m]
			} else {
				g.rejected[m] = &ComponentRejectedError{Job: m, Cause: first}
			}
		}
	}

	g.order = g.topo(ids)
	return g
}

func sorted(s mapset.Set[string]) []string {
	if s == nil {
		return nil
	}
	rv := s.ToSlice()
	sort.Strings(rv)
	return rv
}

// component returns the undirected connected component holding id, sorted.
func (g *Graph) component(id string) []string {
	comp := mapset.NewThreadUnsafeSet[string](id)
	stack := []string{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, x := range append(g.deps[n].ToSlice(), g.rdeps[n].ToSlice()...) {
			if comp.Add(x) {
				stack = append(stack, x)
			}
		}
	}
	return sorted(comp)
}

// topo orders the accepted jobs so that every dependency precedes its
// dependents.  Ties are broken by id.
func (g *Graph) topo(ids []string) []string {
	indeg := map[string]int{}
	var ready []string
	for _, id := range ids {
		if g.rejected[id] != nil {
			continue
		}
		indeg[id] = g.deps[id].Cardinality()
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(indeg))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, d := range sorted(g.rdeps[id]) {
			if _, ok := indeg[d]; !ok {
				continue
			}
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return order
}

// Rejected returns the reason the job was rejected, or nil.
func (g *Graph) Rejected(id string) error {
	return g.rejected[id]
}

// Errors returns the distinct cycle and missing-dependency errors found.
func (g *Graph) Errors() []error {
	return append([]error(nil), g.errs...)
}

// Order returns accepted jobs, dependencies first.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return sorted(g.deps[id])
}

// Dependents returns the jobs that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return sorted(g.rdeps[id])
}

// Unsatisfied returns the direct dependencies of id for which ready
// reports false.  An empty result means the job may start.
func (g *Graph) Unsatisfied(id string, ready func(string) bool) []string {
	var rv []string
	for _, d := range sorted(g.deps[id]) {
		if !ready(d) {
			rv = append(rv, d)
		}
	}
	return rv
}
