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
	"net"
	"os/user"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sys/unix"
)

type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
	RestartOnCrash   RestartPolicy = "on-crash"
)

type SocketType string

const (
	SocketStream   SocketType = "stream"
	SocketDatagram SocketType = "datagram"
)

// MaxRestartDelay bounds the per-job backoff floor.
const MaxRestartDelay = time.Hour

// SocketSpec describes a socket that is bound on behalf of a job.  An
// address that begins with "/" or "@" names a unix domain socket; anything
// else is a host:port pair.
type SocketSpec struct {
	Name       string     `koanf:"name" json:"name,omitempty" validate:"omitempty,max=64,excludesall=: "`
	Address    string     `koanf:"address" json:"address" validate:"required"`
	Type       SocketType `koanf:"type" json:"type" validate:"omitempty,oneof=stream datagram"`
	Persistent bool       `koanf:"persistent" json:"persistent"`
}

func (s SocketSpec) isUnix() bool {
	return strings.HasPrefix(s.Address, "/") || strings.HasPrefix(s.Address, "@")
}

// Network returns the network name suitable for the net package.
func (s SocketSpec) Network() string {
	switch {
	case s.isUnix() && s.Type == SocketDatagram:
		return "unixgram"
	case s.isUnix():
		return "unix"
	case s.Type == SocketDatagram:
		return "udp"
	default:
		return "tcp"
	}
}

// Job is an immutable job definition.  Once a Job has been handed to the
// Manager it must not be modified; a reload replaces it wholesale.
type Job struct {
	ID               string            `koanf:"id" json:"id" validate:"required,jobid"`
	Description      string            `koanf:"description" json:"description,omitempty"`
	Command          string            `koanf:"command" json:"command" validate:"required,abspath"`
	Args             []string          `koanf:"args" json:"args,omitempty"`
	WorkingDirectory string            `koanf:"working_directory" json:"working_directory,omitempty" validate:"omitempty,abspath"`
	Environment      map[string]string `koanf:"environment" json:"environment,omitempty" validate:"dive,keys,envkey,endkeys"`
	Dependencies     []string          `koanf:"dependencies" json:"dependencies,omitempty" validate:"dive,jobid"`
	RestartPolicy    RestartPolicy     `koanf:"restart_policy" json:"restart_policy" validate:"omitempty,oneof=never on-failure always on-crash"`
	RunAtLoad        bool              `koanf:"run_at_load" json:"run_at_load"`
	User             string            `koanf:"user" json:"user,omitempty"`
	Group            string            `koanf:"group" json:"group,omitempty"`
	Sockets          []SocketSpec      `koanf:"sockets" json:"sockets,omitempty" validate:"dive"`
	RestartDelay     time.Duration     `koanf:"restart_delay" json:"restart_delay,omitempty" validate:"gte=0"`
	MaxRestarts      int               `koanf:"max_restarts" json:"max_restarts,omitempty" validate:"gte=0"`
	StopSignal       string            `koanf:"stop_signal" json:"stop_signal,omitempty"`
	StopTimeout      time.Duration     `koanf:"stop_timeout" json:"stop_timeout,omitempty" validate:"gte=0"`
}

// OnDemand reports whether the job is started by socket activity rather
// than at load.
func (j *Job) OnDemand() bool {
	return len(j.Sockets) > 0 && !j.RunAtLoad
}

// Signal returns the signal used to ask the job to stop.
func (j *Job) Signal() syscall.Signal {
	if j.StopSignal == "" {
		return syscall.SIGTERM
	}
	return parseSignal(j.StopSignal)
}

// Equal reports whether two definitions are identical.
func (j *Job) Equal(o *Job) bool {
	return reflect.DeepEqual(j, o)
}

// normalize fills in defaults and sorts the dependency list so that two
// equivalent definitions compare equal.
func (j *Job) normalize() {
	if j.RestartPolicy == "" {
		j.RestartPolicy = RestartOnFailure
	}
	for i := range j.Sockets {
		if j.Sockets[i].Type == "" {
			j.Sockets[i].Type = SocketStream
		}
	}
	if len(j.Dependencies) > 0 {
		seen := map[string]bool{}
		deps := make([]string, 0, len(j.Dependencies))
		for _, d := range j.Dependencies {
			if !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		sort.Strings(deps)
		j.Dependencies = deps
	}
	j.StopSignal = strings.ToUpper(j.StopSignal)
}

var (
	jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,256}$`)

	validateOnce sync.Once
	validate     *validator.Validate
)

func jobValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("jobid", func(fl validator.FieldLevel) bool {
			return jobIDPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
			return filepath.IsAbs(fl.Field().String())
		})
		_ = validate.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
			k := fl.Field().String()
			return k != "" && !strings.ContainsAny(k, "=\x00")
		})
	})
	return validate
}

func parseSignal(name string) syscall.Signal {
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return unix.SignalNum(name)
}

// Validate normalizes the job and checks it for consistency.  It does not
// look at other jobs; dependency problems are found by the graph.
func (j *Job) Validate() error {
	j.normalize()
	if err := jobValidator().Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if j.RestartDelay > MaxRestartDelay {
		return fmt.Errorf("restart_delay %v exceeds %v", j.RestartDelay, MaxRestartDelay)
	}
	if j.StopSignal != "" && parseSignal(j.StopSignal) == 0 {
		return fmt.Errorf("unknown stop_signal %q", j.StopSignal)
	}
	if j.User != "" {
		if _, err := user.Lookup(j.User); err != nil {
			if _, err2 := user.LookupId(j.User); err2 != nil {
				return fmt.Errorf("user %q: %w", j.User, err)
			}
		}
	}
	if j.Group != "" {
		if _, err := user.LookupGroup(j.Group); err != nil {
			if _, err2 := user.LookupGroupId(j.Group); err2 != nil {
				return fmt.Errorf("group %q: %w", j.Group, err)
			}
		}
	}
	seen := map[string]bool{}
	for _, s := range j.Sockets {
		key := s.Network() + ":" + s.Address
		if seen[key] {
			return fmt.Errorf("socket %s listed twice", s.Address)
		}
		seen[key] = true
		if !s.isUnix() {
			if _, _, err := net.SplitHostPort(s.Address); err != nil {
				return fmt.Errorf("socket %s: %w", s.Address, err)
			}
		}
	}
	return nil
}
