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
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const webYaml = `
description: web frontend
command: /usr/bin/web
args: ["--port", "8080"]
dependencies: [db]
restart_policy: always
run_at_load: true
restart_delay: 2s
environment:
  MODE: prod
sockets:
  - name: http
    address: 127.0.0.1:8080
    persistent: true
`

const dbToml = `
id = "db"
command = "/usr/bin/db"
stop_signal = "int"
stop_timeout = "30s"
max_restarts = 3
`

func TestParseJobFile(t *testing.T) {
	Convey("Given a job directory", t, func() {
		dir := t.TempDir()

		Convey("A YAML file takes its id from the file name", func() {
			j, err := ParseJobFile(writeFile(t, dir, "web.yaml", webYaml))
			So(err, ShouldBeNil)
			So(j.ID, ShouldEqual, "web")
			So(j.Args, ShouldResemble, []string{"--port", "8080"})
			So(j.RestartPolicy, ShouldEqual, RestartAlways)
			So(j.RestartDelay, ShouldEqual, 2*time.Second)
			So(j.Environment["MODE"], ShouldEqual, "prod")
			So(j.Sockets, ShouldHaveLength, 1)
			So(j.Sockets[0].Persistent, ShouldBeTrue)
			So(j.Sockets[0].Type, ShouldEqual, SocketStream)
		})

		Convey("A TOML file is understood too", func() {
			j, err := ParseJobFile(writeFile(t, dir, "database.toml", dbToml))
			So(err, ShouldBeNil)
			So(j.ID, ShouldEqual, "db")
			So(j.StopSignal, ShouldEqual, "INT")
			So(j.StopTimeout, ShouldEqual, 30*time.Second)
			So(j.MaxRestarts, ShouldEqual, 3)
			So(j.RestartPolicy, ShouldEqual, RestartOnFailure)
		})

		Convey("Broken files are configuration errors", func() {
			_, err := ParseJobFile(writeFile(t, dir, "broken.yaml", "command: [unterminated"))
			var cie *ConfigInvalidError
			So(errors.As(err, &cie), ShouldBeTrue)
			So(cie.Path, ShouldEndWith, "broken.yaml")

			_, err = ParseJobFile(writeFile(t, dir, "nocmd.yaml", "description: nothing\n"))
			So(errors.As(err, &cie), ShouldBeTrue)
			So(cie.Job, ShouldEqual, "nocmd")

			_, err = ParseJobFile(writeFile(t, dir, "job.json", "{}"))
			So(errors.Is(err, ErrUnknownFormat), ShouldBeTrue)
		})

		Convey("Unknown keys can be listed", func() {
			path := writeFile(t, dir, "extra.yaml", "command: /bin/true\nkeep_alive: true\nprogram: x\n")
			keys, err := UnknownKeys(path)
			So(err, ShouldBeNil)
			So(keys, ShouldResemble, []string{"keep_alive", "program"})
		})
	})
}

func TestLoadDir(t *testing.T) {
	Convey("Given a directory with good, bad and duplicate files", t, func() {
		dir := t.TempDir()
		writeFile(t, dir, "web.yaml", webYaml)
		writeFile(t, dir, "database.toml", dbToml)
		writeFile(t, dir, "bad.yaml", "command: relative\n")
		writeFile(t, dir, "one.yaml", "id: twin\ncommand: /bin/true\n")
		writeFile(t, dir, "two.yml", "id: twin\ncommand: /bin/false\n")
		writeFile(t, dir, "README.md", "not a job")
		writeFile(t, dir, ".hidden.yaml", "command: /bin/true\n")
		So(os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755), ShouldBeNil)

		jobs, errs := LoadDir(dir)

		Convey("Good files are loaded", func() {
			ids := []string{}
			for _, j := range jobs {
				ids = append(ids, j.ID)
			}
			So(ids, ShouldResemble, []string{"db", "web"})
		})
		Convey("Every other problem is reported", func() {
			So(errs, ShouldHaveLength, 3)
			dups := 0
			for _, e := range errs {
				if errors.Is(e, errDuplicate) {
					dups++
				}
			}
			So(dups, ShouldEqual, 2)
		})
	})

	Convey("A missing directory is an error", t, func() {
		jobs, errs := LoadDir(filepath.Join(t.TempDir(), "nope"))
		So(jobs, ShouldBeEmpty)
		So(errs, ShouldHaveLength, 1)
	})
}

func TestExamples(t *testing.T) {
	Convey("Every example encodes to a file that parses back", t, func() {
		dir := t.TempDir()
		for _, kind := range []string{"simple", "cron", "socket"} {
			j, err := ExampleJob(kind)
			So(err, ShouldBeNil)
			b, err := EncodeJob(j, "yaml")
			So(err, ShouldBeNil)
			back, err := ParseJobFile(writeFile(t, dir, kind+".yaml", string(b)))
			So(err, ShouldBeNil)
			So(back.ID, ShouldEqual, j.ID)
			So(back.Command, ShouldEqual, j.Command)
			So(back.Args, ShouldResemble, j.Args)
			So(back.RestartPolicy, ShouldEqual, j.RestartPolicy)
			So(back.RestartDelay, ShouldEqual, j.RestartDelay)
			So(back.RunAtLoad, ShouldEqual, j.RunAtLoad)
			So(back.Sockets, ShouldResemble, j.Sockets)
		}
	})

	Convey("Unknown examples are refused", t, func() {
		_, err := ExampleJob("mainframe")
		So(err, ShouldNotBeNil)
	})
}
