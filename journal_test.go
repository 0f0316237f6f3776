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
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestJournal(t *testing.T) {
	Convey("Given an in-memory journal", t, func() {
		j, err := OpenJournal("")
		So(err, ShouldBeNil)
		Reset(func() {
			So(j.Close(), ShouldBeNil)
		})

		states := []State{StateLoaded, StateWaiting, StateStarting, StateRunning, StateStopping, StateStopped}
		for i := 1; i < len(states); i++ {
			So(j.Append(JournalEntry{
				Time:   time.Now(),
				Job:    "web",
				From:   states[i-1],
				To:     states[i],
				Reason: fmt.Sprintf("step %d", i),
			}), ShouldBeNil)
		}
		So(j.Append(JournalEntry{Job: "web2", From: StateLoaded, To: StateWaiting}), ShouldBeNil)

		Convey("History is returned oldest first", func() {
			h, err := j.History("web", 0)
			So(err, ShouldBeNil)
			So(h, ShouldHaveLength, 5)
			So(h[0].To, ShouldEqual, StateWaiting)
			So(h[4].To, ShouldEqual, StateStopped)
			So(h[0].Boot, ShouldNotBeEmpty)
			So(h[0].Boot, ShouldEqual, h[4].Boot)
		})

		Convey("A limit keeps the most recent entries", func() {
			h, err := j.History("web", 2)
			So(err, ShouldBeNil)
			So(h, ShouldHaveLength, 2)
			So(h[0].Reason, ShouldEqual, "step 4")
			So(h[1].Reason, ShouldEqual, "step 5")
		})

		Convey("Jobs with a common prefix are kept apart", func() {
			h, err := j.History("web2", 0)
			So(err, ShouldBeNil)
			So(h, ShouldHaveLength, 1)
		})

		Convey("Forget drops a job's history", func() {
			So(j.Forget("web"), ShouldBeNil)
			h, err := j.History("web", 0)
			So(err, ShouldBeNil)
			So(h, ShouldBeEmpty)
			h, _ = j.History("web2", 0)
			So(h, ShouldHaveLength, 1)
		})
	})
}
