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

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParseLevel(t *testing.T) {
	Convey("Level names map onto zerolog levels", t, func() {
		So(ParseLevel("debug"), ShouldEqual, zerolog.DebugLevel)
		So(ParseLevel("WARNING"), ShouldEqual, zerolog.WarnLevel)
		So(ParseLevel("disabled"), ShouldEqual, zerolog.Disabled)
		So(ParseLevel("bogus"), ShouldEqual, zerolog.InfoLevel)
	})
}

func TestInit(t *testing.T) {
	Convey("Init replaces the global logger", t, func() {
		var buf bytes.Buffer
		Init(Config{Level: "debug", Format: "json", Output: &buf})
		Reset(func() {
			Init(DefaultConfig())
		})

		log := Component("reaper")
		log.Debug().Int("pid", 42).Msg("reaped")
		var rec map[string]any
		So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
		So(rec["component"], ShouldEqual, "reaper")
		So(rec["message"], ShouldEqual, "reaped")
		So(rec["pid"], ShouldEqual, 42.0)
	})
}

func TestSlogHandler(t *testing.T) {
	Convey("Given a slog logger over zerolog", t, func() {
		var buf bytes.Buffer
		sl := NewSlogLogger(zerolog.New(&buf))
		decode := func() map[string]any {
			var rec map[string]any
			So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
			return rec
		}

		Convey("Attributes become fields", func() {
			sl.Warn("service failed", "service", "manager:nusalaunchd", "restarts", 3,
				"backoff", 15*time.Second)
			rec := decode()
			So(rec["level"], ShouldEqual, "warn")
			So(rec["message"], ShouldEqual, "service failed")
			So(rec["service"], ShouldEqual, "manager:nusalaunchd")
			So(rec["restarts"], ShouldEqual, 3.0)
			So(rec["backoff"], ShouldEqual, 15000.0)
		})

		Convey("Groups prefix their keys", func() {
			sl.WithGroup("supervisor").With("name", "root").Info("started",
				slog.Group("spec", slog.Int("threshold", 5)))
			rec := decode()
			So(rec["supervisor.name"], ShouldEqual, "root")
			So(rec["supervisor.spec.threshold"], ShouldEqual, 5.0)
		})

		Convey("Levels below the logger's are dropped", func() {
			sl = NewSlogLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))
			sl.Info("quiet")
			So(buf.Len(), ShouldEqual, 0)
		})
	})
}
