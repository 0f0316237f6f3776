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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func dj(id string, deps ...string) *Job {
	return &Job{ID: id, Command: "/bin/true", Dependencies: deps}
}

func TestGraphOrder(t *testing.T) {
	Convey("Given a chain A <- B <- C", t, func() {
		g := BuildGraph([]*Job{dj("C", "B"), dj("B", "A"), dj("A")})

		Convey("Nothing is rejected", func() {
			So(g.Errors(), ShouldBeEmpty)
			So(g.Rejected("A"), ShouldBeNil)
			So(g.Rejected("C"), ShouldBeNil)
		})
		Convey("Dependencies come first", func() {
			So(g.Order(), ShouldResemble, []string{"A", "B", "C"})
		})
		Convey("Edges are visible both ways", func() {
			So(g.Dependencies("B"), ShouldResemble, []string{"A"})
			So(g.Dependents("B"), ShouldResemble, []string{"C"})
			So(g.Dependents("C"), ShouldBeEmpty)
		})
		Convey("Unsatisfied reports dependencies not ready", func() {
			ready := map[string]bool{"A": true}
			f := func(id string) bool { return ready[id] }
			So(g.Unsatisfied("B", f), ShouldBeEmpty)
			So(g.Unsatisfied("C", f), ShouldResemble, []string{"B"})
		})
	})

	Convey("Independent jobs are ordered by id", t, func() {
		g := BuildGraph([]*Job{dj("b"), dj("c"), dj("a")})
		So(g.Order(), ShouldResemble, []string{"a", "b", "c"})
	})

	Convey("A diamond orders the shared dependency once", t, func() {
		g := BuildGraph([]*Job{dj("top", "l", "r"), dj("l", "base"), dj("r", "base"), dj("base")})
		So(g.Order(), ShouldResemble, []string{"base", "l", "r", "top"})
	})
}

func TestGraphCycle(t *testing.T) {
	Convey("Given a cycle X -> Y -> Z -> X and an unrelated W", t, func() {
		g := BuildGraph([]*Job{dj("X", "Y"), dj("Y", "Z"), dj("Z", "X"), dj("W")})

		Convey("Exactly one cycle is reported", func() {
			errs := g.Errors()
			So(len(errs), ShouldEqual, 1)
			var cyc *CyclicDependencyError
			So(errors.As(errs[0], &cyc), ShouldBeTrue)
			So(cyc.Chain, ShouldResemble, []string{"X", "Y", "Z", "X"})
			So(cyc.Members(), ShouldResemble, []string{"X", "Y", "Z"})
		})
		Convey("Every member is rejected with the cycle", func() {
			for _, id := range []string{"X", "Y", "Z"} {
				var cyc *CyclicDependencyError
				So(errors.As(g.Rejected(id), &cyc), ShouldBeTrue)
				So(cyc.Members(), ShouldHaveLength, 3)
			}
		})
		Convey("W is unaffected", func() {
			So(g.Rejected("W"), ShouldBeNil)
			So(g.Order(), ShouldResemble, []string{"W"})
		})
	})

	Convey("A job depending on itself is a cycle", t, func() {
		g := BuildGraph([]*Job{dj("self", "self")})
		var cyc *CyclicDependencyError
		So(errors.As(g.Rejected("self"), &cyc), ShouldBeTrue)
		So(cyc.Members(), ShouldResemble, []string{"self"})
	})
}

func TestGraphRejection(t *testing.T) {
	Convey("Given a job with an unknown dependency", t, func() {
		g := BuildGraph([]*Job{
			dj("web", "db"), dj("db", "ghost"), dj("cache"), dj("worker", "cache"),
		})

		Convey("The broken job names what is missing", func() {
			var uns *UnsatisfiableDependencyError
			So(errors.As(g.Rejected("db"), &uns), ShouldBeTrue)
			So(uns.Missing, ShouldEqual, "ghost")
		})
		Convey("Its whole component is rejected", func() {
			var rej *ComponentRejectedError
			So(errors.As(g.Rejected("web"), &rej), ShouldBeTrue)
			var uns *UnsatisfiableDependencyError
			So(errors.As(rej, &uns), ShouldBeTrue)
			So(uns.Job, ShouldEqual, "db")
		})
		Convey("Other components are untouched", func() {
			So(g.Rejected("cache"), ShouldBeNil)
			So(g.Rejected("worker"), ShouldBeNil)
			So(g.Order(), ShouldResemble, []string{"cache", "worker"})
		})
	})

	Convey("Rejection also spreads to dependents of a cycle", t, func() {
		g := BuildGraph([]*Job{dj("a", "b"), dj("b", "a"), dj("c", "a")})
		var rej *ComponentRejectedError
		So(errors.As(g.Rejected("c"), &rej), ShouldBeTrue)
		So(g.Order(), ShouldBeEmpty)
	})
}
