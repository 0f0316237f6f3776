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

	"github.com/hashicorp/go-multierror"
	. "github.com/smartystreets/goconvey/convey"
)

func regInstance(j *Job) *Instance {
	return newInstance(j, DefaultSupervision().Policy(), NewLog(10))
}

func TestRegistry(t *testing.T) {
	Convey("Given an empty registry", t, func() {
		r := NewRegistry(4)

		Convey("A valid batch is loaded in full", func() {
			insts, err := r.Load([]*Job{dj("b"), dj("a")}, regInstance)
			So(err, ShouldBeNil)
			So(insts, ShouldHaveLength, 2)
			So(r.Len(), ShouldEqual, 2)
			ids := []string{}
			for _, inst := range r.List() {
				ids = append(ids, inst.ID())
				So(inst.State(), ShouldEqual, StateLoaded)
			}
			So(ids, ShouldResemble, []string{"a", "b"})

			Convey("Ids already present are refused", func() {
				_, err := r.Load([]*Job{dj("c"), dj("a")}, regInstance)
				So(err, ShouldNotBeNil)
				So(r.Len(), ShouldEqual, 2)
				_, err = r.Get("c")
				So(err, ShouldEqual, ErrNoSuchJob)
			})
		})

		Convey("A batch with problems loads nothing and lists them all", func() {
			bad := &Job{ID: "bad", Command: "relative/path"}
			_, err := r.Load([]*Job{dj("x"), dj("x"), bad, dj("ok")}, regInstance)
			So(err, ShouldNotBeNil)
			var merr *multierror.Error
			So(errors.As(err, &merr), ShouldBeTrue)
			So(merr.Errors, ShouldHaveLength, 2)
			var cie *ConfigInvalidError
			So(errors.As(merr.Errors[0], &cie), ShouldBeTrue)
			So(cie.Job, ShouldEqual, "x")
			So(r.Len(), ShouldEqual, 0)
		})

		Convey("The job limit is enforced", func() {
			_, err := r.Load([]*Job{dj("a"), dj("b"), dj("c"), dj("d"), dj("e")}, regInstance)
			So(errors.Is(err, ErrTooManyJobs), ShouldBeTrue)
			So(r.Len(), ShouldEqual, 0)
		})

		Convey("Remove refuses busy jobs", func() {
			insts, err := r.Load([]*Job{dj("a")}, regInstance)
			So(err, ShouldBeNil)
			inst := insts[0]

			inst.state = StateRunning
			_, err = r.Remove("a")
			So(err, ShouldEqual, ErrJobBusy)

			inst.state = StateBackoff
			inst.spawning = true
			_, err = r.Remove("a")
			So(err, ShouldEqual, ErrJobBusy)

			inst.spawning = false
			got, err := r.Remove("a")
			So(err, ShouldBeNil)
			So(got, ShouldEqual, inst)
			So(r.Len(), ShouldEqual, 0)

			_, err = r.Remove("a")
			So(err, ShouldEqual, ErrNoSuchJob)
		})

		Convey("Remove accepts every inactive state", func() {
			for _, st := range []State{StateLoaded, StateWaiting, StateBackoff, StateStopped, StateFailed} {
				insts, err := r.Load([]*Job{dj("a")}, regInstance)
				So(err, ShouldBeNil)
				insts[0].state = st
				got, err := r.Remove("a")
				So(err, ShouldBeNil)
				So(got, ShouldEqual, insts[0])
			}
			So(r.Len(), ShouldEqual, 0)
		})

		Convey("Pids map back to instances", func() {
			insts, _ := r.Load([]*Job{dj("a")}, regInstance)
			r.attach(insts[0], 1234)
			So(r.ByPid(1234), ShouldEqual, insts[0])
			r.detach(insts[0])
			So(r.ByPid(1234), ShouldBeNil)
			So(insts[0].pid, ShouldEqual, 0)
		})
	})
}
