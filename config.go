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
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	ConfigPathEnvVar  = "NUSALAUNCHD_CONFIG"
	DefaultConfigPath = "/etc/nusalaunchd/config.yaml"
	envPrefix         = "NUSALAUNCHD_"
)

// Supervision holds the restart and timing defaults applied to every job.
type Supervision struct {
	StartGrace             time.Duration `koanf:"start_grace" validate:"gte=0"`
	StopTimeout            time.Duration `koanf:"stop_timeout" validate:"gt=0"`
	StableDuration         time.Duration `koanf:"stable_duration" validate:"gte=0"`
	BackoffMin             time.Duration `koanf:"backoff_min" validate:"gt=0"`
	BackoffMax             time.Duration `koanf:"backoff_max" validate:"gtefield=BackoffMin"`
	RetryBudget            int           `koanf:"retry_budget" validate:"gte=0"`
	ListeningSatisfiesDeps bool          `koanf:"listening_satisfies_deps"`
	MaxJobs                int           `koanf:"max_jobs" validate:"gte=0"`
	OutputLines            int           `koanf:"output_lines" validate:"gte=0"`
}

func DefaultSupervision() Supervision {
	return Supervision{
		StartGrace:             100 * time.Millisecond,
		StopTimeout:            10 * time.Second,
		StableDuration:         10 * time.Second,
		BackoffMin:             time.Second,
		BackoffMax:             5 * time.Minute,
		RetryBudget:            5,
		ListeningSatisfiesDeps: true,
		MaxJobs:                512,
		OutputLines:            DefaultLogRecords,
	}
}

// withDefaults fills in unset timing fields.  A zero StartGrace and
// StableDuration are meaningful and kept.
func (s Supervision) withDefaults() Supervision {
	d := DefaultSupervision()
	if s.StopTimeout <= 0 {
		s.StopTimeout = d.StopTimeout
	}
	if s.BackoffMin <= 0 {
		s.BackoffMin = d.BackoffMin
	}
	if s.BackoffMax < s.BackoffMin {
		s.BackoffMax = d.BackoffMax
		if s.BackoffMax < s.BackoffMin {
			s.BackoffMax = s.BackoffMin
		}
	}
	if s.OutputLines <= 0 {
		s.OutputLines = d.OutputLines
	}
	return s
}

func (s Supervision) Policy() Policy {
	return Policy{
		BackoffMin:     s.BackoffMin,
		BackoffMax:     s.BackoffMax,
		StableDuration: s.StableDuration,
		RetryBudget:    s.RetryBudget,
	}
}

type ControlConfig struct {
	Socket   string            `koanf:"socket" validate:"required"`
	Mode     uint32            `koanf:"mode"`
	MaxConns int               `koanf:"max_conns" validate:"gte=0"`
	Users    map[string]string `koanf:"users"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Config is the daemon configuration.
type Config struct {
	Name        string        `koanf:"name" validate:"required"`
	JobsDir     string        `koanf:"jobs_dir" validate:"required"`
	StateDir    string        `koanf:"state_dir"`
	PidFile     string        `koanf:"pid_file"`
	Subreaper   bool          `koanf:"subreaper"`
	Foreground  bool          `koanf:"foreground"`
	Control     ControlConfig `koanf:"control"`
	Log         LogConfig     `koanf:"log"`
	Supervision Supervision   `koanf:"supervision"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:    "nusalaunchd",
		JobsDir: "/etc/nusalaunchd/jobs",
		PidFile: "/run/nusalaunchd.pid",
		Control: ControlConfig{
			Socket:   "/run/nusalaunchd/control.sock",
			Mode:     0o660,
			MaxConns: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Supervision: DefaultSupervision(),
	}
}

// envKey maps NUSALAUNCHD_SUPERVISION__RETRY_BUDGET to
// supervision.retry_budget.  A double underscore separates levels.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func configPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// LoadConfig layers built-in defaults, the config file and the
// environment, in that order of increasing priority.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path = configPath(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		if s == ConfigPathEnvVar {
			return ""
		}
		return envKey(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag())
		}
		return err
	}
	return nil
}
