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
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

var ErrUnknownFormat = errors.New("Unknown job file format")

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".toml":
		return toml.Parser()
	}
	return nil
}

// IsJobFile reports whether path has an extension the loader understands.
func IsJobFile(path string) bool {
	return parserFor(path) != nil
}

func loadJobFile(path string) (*koanf.Koanf, error) {
	p := parserFor(path)
	if p == nil {
		return nil, ErrUnknownFormat
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), p); err != nil {
		return nil, err
	}
	return k, nil
}

func idFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseJobFile reads and validates a single job definition.  A missing id
// defaults to the file name without its extension.  Errors for files
// that cannot be read at all are attributed to that default id.
func ParseJobFile(path string) (*Job, error) {
	k, err := loadJobFile(path)
	if err != nil {
		return nil, &ConfigInvalidError{Path: path, Job: idFromPath(path), Err: err}
	}
	j := &Job{}
	if err := k.UnmarshalWithConf("", j, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, &ConfigInvalidError{Path: path, Job: idFromPath(path), Err: err}
	}
	if j.ID == "" {
		j.ID = idFromPath(path)
	}
	if err := j.Validate(); err != nil {
		return nil, &ConfigInvalidError{Path: path, Job: j.ID, Err: err}
	}
	return j, nil
}

// UnknownKeys returns the top-level keys in a job file that do not map to
// any job field.  They are ignored by ParseJobFile.
func UnknownKeys(path string) ([]string, error) {
	k, err := loadJobFile(path)
	if err != nil {
		return nil, err
	}
	known := map[string]bool{}
	t := reflect.TypeOf(Job{})
	for i := 0; i < t.NumField(); i++ {
		known[strings.SplitN(t.Field(i).Tag.Get("koanf"), ",", 2)[0]] = true
	}
	var rv []string
	for key := range k.Raw() {
		if !known[key] {
			rv = append(rv, key)
		}
	}
	sort.Strings(rv)
	return rv, nil
}

// LoadDir reads every job file in dir.  Files that fail to parse or
// validate are reported and skipped without affecting the others.  When
// two files declare the same id, both are skipped.
func LoadDir(dir string) ([]*Job, []error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{err}
	}
	var errs []error
	var jobs []*Job
	paths := map[string][]string{}
	for _, ent := range ents {
		if ent.IsDir() || strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		if !IsJobFile(path) {
			continue
		}
		j, err := ParseJobFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		paths[j.ID] = append(paths[j.ID], path)
		jobs = append(jobs, j)
	}
	rv := jobs[:0]
	for _, j := range jobs {
		if p := paths[j.ID]; len(p) > 1 {
			for _, path := range p {
				errs = append(errs, &ConfigInvalidError{
					Path: path,
					Job:  j.ID,
					Err:  fmt.Errorf("%w (also in %s)", errDuplicate, strings.Join(p, ", ")),
				})
			}
			delete(paths, j.ID)
			continue
		}
		if paths[j.ID] == nil {
			continue
		}
		rv = append(rv, j)
	}
	return rv, errs
}

// ExampleKinds lists the templates ExampleJob knows.
var ExampleKinds = []string{"simple", "web-server", "database", "cron", "socket"}

// ExampleJob returns a sample definition of the given kind.
func ExampleJob(kind string) (*Job, error) {
	var j *Job
	switch kind {
	case "simple":
		j = &Job{
			ID:            "simple",
			Description:   "A simple long running process",
			Command:       "/bin/sleep",
			Args:          []string{"3600"},
			RestartPolicy: RestartOnFailure,
			RunAtLoad:     true,
		}
	case "web-server":
		j = &Job{
			ID:               "web-server",
			Description:      "Static web server",
			Command:          "/usr/bin/python3",
			Args:             []string{"-m", "http.server", "8080"},
			WorkingDirectory: "/var/www",
			Environment:      map[string]string{"PYTHONUNBUFFERED": "1"},
			RestartPolicy:    RestartAlways,
			RunAtLoad:        true,
			RestartDelay:     5 * time.Second,
			MaxRestarts:      10,
		}
	case "database":
		j = &Job{
			ID:            "database",
			Description:   "PostgreSQL server",
			Command:       "/usr/bin/postgres",
			Args:          []string{"-D", "/var/lib/postgresql/data"},
			User:          "postgres",
			RestartPolicy: RestartOnFailure,
			RunAtLoad:     true,
			StopSignal:    "SIGINT",
			StopTimeout:   30 * time.Second,
		}
	case "cron":
		j = &Job{
			ID:            "cron-job",
			Description:   "Runs a command every time the backoff expires",
			Command:       "/bin/sh",
			Args:          []string{"-c", "echo 'Hello from cron'"},
			RestartPolicy: RestartAlways,
			RunAtLoad:     true,
			RestartDelay:  time.Minute,
		}
	case "socket":
		j = &Job{
			ID:            "socket-service",
			Description:   "Started on the first connection to port 8081",
			Command:       "/usr/local/bin/echo-server",
			Dependencies:  []string{"database"},
			RestartPolicy: RestartOnFailure,
			Sockets: []SocketSpec{
				{Name: "http", Address: "127.0.0.1:8081", Type: SocketStream, Persistent: true},
			},
		}
	default:
		return nil, fmt.Errorf("unknown example %q, expected one of %s", kind, strings.Join(ExampleKinds, ", "))
	}
	j.normalize()
	return j, nil
}

// EncodeJob renders a definition as YAML, or as TOML when format is
// "toml".
func EncodeJob(j *Job, format string) ([]byte, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(j, "koanf"), nil); err != nil {
		return nil, err
	}
	for _, key := range []string{"restart_delay", "stop_timeout"} {
		if d, ok := k.Get(key).(time.Duration); ok {
			if d == 0 {
				k.Delete(key)
			} else {
				_ = k.Set(key, d.String())
			}
		}
	}
	for _, key := range k.Keys() {
		if v := k.Get(key); v == nil || reflect.ValueOf(v).IsZero() {
			k.Delete(key)
		}
	}
	if format == "toml" {
		return k.Marshal(toml.Parser())
	}
	return k.Marshal(yaml.Parser())
}
