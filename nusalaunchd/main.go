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

// Command nusalaunchd is the supervisor daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/nusalaunchd/nusalaunchd"
	"github.com/nusalaunchd/nusalaunchd/logging"
	"github.com/nusalaunchd/nusalaunchd/rest"
)

type runOptions struct {
	config        string
	jobsDir       string
	foreground    bool
	logLevel      string
	dryRun        bool
	controlSocket string
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&o.config, "config", "c", "", "configuration file")
	f.StringVarP(&o.jobsDir, "jobs-dir", "d", "", "job definition directory")
	f.BoolVarP(&o.foreground, "foreground", "f", false, "do not detach")
	f.StringVar(&o.logLevel, "log-level", "", "log level")
	f.BoolVar(&o.dryRun, "dry-run", false, "check the job directory and exit")
	f.StringVarP(&o.controlSocket, "control-socket", "s", "", "control socket path")
}

func main() {
	o := &runOptions{}
	root := &cobra.Command{
		Use:           "nusalaunchd",
		Short:         "Process supervisor with dependencies and socket activation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          func(cmd *cobra.Command, _ []string) error { return run(cmd.Context(), o) },
	}
	addRunFlags(root, o)

	ro := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd.Context(), ro) },
	}
	addRunFlags(runCmd, ro)

	root.AddCommand(runCmd, validateCmd(), exampleCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "nusalaunchd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(o *runOptions) (*nusalaunchd.Config, error) {
	cfg, err := nusalaunchd.LoadConfig(o.config)
	if err != nil {
		return nil, err
	}
	if o.jobsDir != "" {
		cfg.JobsDir = o.jobsDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.controlSocket != "" {
		cfg.Control.Socket = o.controlSocket
	}
	if o.foreground {
		cfg.Foreground = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, o *runOptions) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	if o.dryRun {
		return dryRun(os.Stdout, cfg)
	}
	if !cfg.Foreground {
		return daemonize(cfg)
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Output: os.Stderr,
	})
	logger := logging.Component("daemon")

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile, os.Getpid()); err != nil {
			return err
		}
		defer os.Remove(cfg.PidFile)
	}
	if cfg.Subreaper {
		if err := nusalaunchd.SetSubreaper(); err != nil {
			logger.Warn().Err(err).Msg("cannot become child subreaper")
		}
	}

	var journal *nusalaunchd.Journal
	if cfg.StateDir != "" {
		if journal, err = nusalaunchd.OpenJournal(filepath.Join(cfg.StateDir, "journal")); err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
	}

	m := nusalaunchd.NewManager(nusalaunchd.ManagerConfig{
		Name:        cfg.Name,
		JobsDir:     cfg.JobsDir,
		Supervision: cfg.Supervision,
		Launcher:    nusalaunchd.NewProcLauncher(logging.Component("reaper")),
		Journal:     journal,
		Logger:      logging.Logger(),
	})
	api := &rest.Server{
		Handler:  rest.NewHandler(m, cfg.Control.Users, logging.Component("api")),
		Path:     cfg.Control.Socket,
		Mode:     os.FileMode(cfg.Control.Mode),
		MaxConns: cfg.Control.MaxConns,
		Logger:   logging.Component("api"),
	}

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger(logging.Component("supervisor"))}).MustHook()
	tree := suture.New(cfg.Name, suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.Supervision.StopTimeout + 5*time.Second,
	})
	tree.Add(m)
	tree.Add(api)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	errc := tree.ServeBackground(ctx)

	jobs, errs := nusalaunchd.LoadDir(cfg.JobsDir)
	for _, e := range errs {
		logger.Error().Err(e).Msg("skipping job file")
	}
	if err := m.Load(ctx, jobs); err != nil {
		logger.Error().Err(err).Str("dir", cfg.JobsDir).Msg("failed to load jobs")
	} else {
		logger.Info().Int("jobs", len(jobs)).Str("dir", cfg.JobsDir).Msg("jobs loaded")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-hup:
			rep, err := m.ReloadAll(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("reload failed")
				continue
			}
			logger.Info().
				Strs("added", rep.Added).
				Strs("removed", rep.Removed).
				Strs("changed", rep.Changed).
				Strs("invalid", rep.Invalid).
				Msg("reloaded")
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("supervisor tree stopped")
				return err
			}
			logger.Info().Msg("shutdown complete")
			return nil
		}
	}
}

// daemonize starts a detached copy of ourselves in the foreground, in a
// new session, and returns once it is running.
func daemonize(cfg *nusalaunchd.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer null.Close()
	cmd := exec.Command(exe, append(os.Args[1:], "--foreground")...)
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile, cmd.Process.Pid); err != nil {
			return err
		}
	}
	return cmd.Process.Release()
}

func writePidFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// dryRun reports what loading the job directory would do.
func dryRun(w io.Writer, cfg *nusalaunchd.Config) error {
	jobs, errs := nusalaunchd.LoadDir(cfg.JobsDir)
	for _, e := range errs {
		fmt.Fprintf(w, "invalid: %v\n", e)
	}
	reg := nusalaunchd.NewRegistry(cfg.Supervision.MaxJobs)
	if err := reg.Check(jobs); err != nil {
		return err
	}
	g := nusalaunchd.BuildGraph(jobs)
	byID := make(map[string]*nusalaunchd.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tJOB\tPOLICY\tSTART\tDEPENDS\tSTATUS")
	order := g.Order()
	rejected := []string{}
	for id := range byID {
		if g.Rejected(id) != nil {
			rejected = append(rejected, id)
		}
	}
	sort.Strings(rejected)
	for i, id := range append(order, rejected...) {
		j := byID[id]
		start := "manual"
		switch {
		case j.OnDemand():
			start = "socket"
		case j.RunAtLoad:
			start = "load"
		}
		status := "ok"
		pos := strconv.Itoa(i + 1)
		if err := g.Rejected(id); err != nil {
			status = err.Error()
			pos = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", pos, id, j.RestartPolicy, start,
			strings.Join(j.Dependencies, ","), status)
	}
	tw.Flush()
	if len(errs) > 0 || len(rejected) > 0 {
		return fmt.Errorf("%d invalid file(s), %d rejected job(s)", len(errs), len(rejected))
	}
	return nil
}

func validateCmd() *cobra.Command {
	strict := false
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a job file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.OutOrStdout(), args[0], strict)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "reject unknown keys")
	return cmd
}

func validate(w io.Writer, path string, strict bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	var files []string
	if fi.IsDir() {
		ents, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range ents {
			if !e.IsDir() && nusalaunchd.IsJobFile(e.Name()) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	} else {
		files = []string{path}
	}
	bad := 0
	jobs := []*nusalaunchd.Job{}
	for _, f := range files {
		j, err := nusalaunchd.ParseJobFile(f)
		if err == nil && strict {
			var unknown []string
			if unknown, err = nusalaunchd.UnknownKeys(f); err == nil && len(unknown) > 0 {
				err = &nusalaunchd.ConfigInvalidError{Path: f, Job: j.ID,
					Err: fmt.Errorf("unknown keys: %s", strings.Join(unknown, ", "))}
			}
		}
		if err != nil {
			bad++
			fmt.Fprintf(w, "FAIL %s: %v\n", f, err)
			continue
		}
		jobs = append(jobs, j)
		fmt.Fprintf(w, "ok   %s (%s)\n", f, j.ID)
	}
	if fi.IsDir() {
		g := nusalaunchd.BuildGraph(jobs)
		for _, err := range g.Errors() {
			bad++
			fmt.Fprintf(w, "FAIL %v\n", err)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d problem(s) found", bad)
	}
	return nil
}

func exampleCmd() *cobra.Command {
	out := ""
	cmd := &cobra.Command{
		Use:       "example <" + strings.Join(nusalaunchd.ExampleKinds, "|") + ">",
		Short:     "Print an example job file",
		Args:      cobra.ExactArgs(1),
		ValidArgs: nusalaunchd.ExampleKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := nusalaunchd.ExampleJob(args[0])
			if err != nil {
				return err
			}
			format := "yaml"
			if strings.HasSuffix(out, ".toml") {
				format = "toml"
			}
			b, err := nusalaunchd.EncodeJob(j, format)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(out, b, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file (.yaml or .toml)")
	return cmd
}
