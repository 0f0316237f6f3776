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

// Command nusaload talks to a running nusalaunchd over its control
// socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nusalaunchd/nusalaunchd"
	"github.com/nusalaunchd/nusalaunchd/nusaload/ui"
	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
	"github.com/nusalaunchd/nusalaunchd/rest"
)

var (
	socket  = rest.DefaultSocket
	auth    = ""
	timeout = 10 * time.Second
)

func client() (*rest.Client, error) {
	c := rest.NewSocketClient(socket)
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, errors.New("Bad user:pass supplied")
		}
		c.SetAuth(a[0], a[1])
	}
	return c, nil
}

// withClient runs fn with a connected client and a bounded context.
func withClient(fn func(ctx context.Context, c *rest.Client) error) error {
	c, err := client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func showStatus(w io.Writer, infos []*nusalaunchd.JobInfo) {
	util.SortJobs(infos)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tTIME\tDETAIL")
	for _, s := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, util.Status(s), util.Uptime(s), util.Detail(s))
	}
	tw.Flush()
}

type jobOp func(*rest.Client, context.Context, string) (*nusalaunchd.JobInfo, error)

func jobCommand(use, short string, op jobOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				ji, err := op(c, ctx, args[0])
				if err != nil {
					return err
				}
				showStatus(cmd.OutOrStdout(), []*nusalaunchd.JobInfo{ji})
				return nil
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List job names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				jobs, err := c.Jobs(ctx)
				if err != nil {
					return err
				}
				for _, j := range jobs {
					fmt.Fprintln(cmd.OutOrStdout(), j.ID)
				}
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job...]",
		Short: "Show the state of jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				var infos []*nusalaunchd.JobInfo
				if len(args) == 0 {
					jobs, err := c.Jobs(ctx)
					if err != nil {
						return err
					}
					infos = append(infos, jobs...)
				}
				var failed error
				for _, n := range args {
					ji, err := c.Job(ctx, n)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", n, err)
						failed = err
						continue
					}
					infos = append(infos, ji)
				}
				showStatus(cmd.OutOrStdout(), infos)
				return failed
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <job>",
		Short: "Show details of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				ji, err := c.Job(ctx, args[0])
				if err != nil {
					return err
				}
				for _, l := range ui.InfoLines(ji) {
					fmt.Fprintln(cmd.OutOrStdout(), l)
				}
				return nil
			})
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job>",
		Short: "Unload a stopped job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				return c.Remove(ctx, args[0])
			})
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [job]",
		Short: "Reread job definitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					ji, err := c.Reload(ctx, args[0])
					if err != nil {
						return err
					}
					showStatus(out, []*nusalaunchd.JobInfo{ji})
					return nil
				}
				rep, err := c.ReloadAll(ctx)
				if err != nil {
					return err
				}
				for _, x := range []struct {
					what string
					ids  []string
				}{
					{"added", rep.Added},
					{"removed", rep.Removed},
					{"changed", rep.Changed},
					{"invalid", rep.Invalid},
				} {
					if len(x.ids) > 0 {
						fmt.Fprintf(out, "%-8s %s\n", x.what+":", strings.Join(x.ids, " "))
					}
				}
				return nil
			})
		},
	}
}

func printLog(w io.Writer, li *rest.LogInfo, after int64) int64 {
	for _, r := range li.Records {
		if r.ID <= after {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", r.Time.Format(time.StampMilli), r.Text)
		after = r.ID
	}
	return after
}

func logCmd() *cobra.Command {
	follow := false
	cmd := &cobra.Command{
		Use:   "log [job]",
		Short: "Show job output, or the supervisor log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			c, err := client()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			li, err := c.Log(ctx, name)
			if err != nil {
				return err
			}
			last := printLog(cmd.OutOrStdout(), li, 0)
			for follow {
				if li, err = c.WatchLog(ctx, name, li); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				last = printLog(cmd.OutOrStdout(), li, last)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for new records")
	return cmd
}

func historyCmd() *cobra.Command {
	limit := 20
	cmd := &cobra.Command{
		Use:   "history <job>",
		Short: "Show recorded state transitions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rest.Client) error {
				hist, err := c.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tFROM\tTO\tREASON")
				for _, e := range hist {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						e.Time.Format(time.DateTime), e.From, e.To, e.Reason)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", limit, "maximum entries")
	return cmd
}

func topCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live view of all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return ui.NewApp(c, socket).Run(context.Background())
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "nusaload",
		Short:         "Control a running nusalaunchd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&socket, "socket", "s", socket, "control socket")
	pf.StringVarP(&auth, "user", "u", auth, "user:pass authentication")
	pf.DurationVar(&timeout, "timeout", timeout, "request timeout")

	root.AddCommand(
		listCmd(),
		statusCmd(),
		infoCmd(),
		jobCommand("start", "Start a job", (*rest.Client).Start),
		jobCommand("stop", "Stop a job", (*rest.Client).Stop),
		jobCommand("restart", "Restart a job", (*rest.Client).Restart),
		jobCommand("reset", "Clear the failures of a job", (*rest.Client).Reset),
		reloadCmd(),
		removeCmd(),
		logCmd(),
		historyCmd(),
		topCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nusaload: %v\n", err)
		os.Exit(1)
	}
}
