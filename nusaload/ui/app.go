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

// Package ui implements the live terminal view of nusaload.
package ui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/nusalaunchd/nusalaunchd"
	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
	"github.com/nusalaunchd/nusalaunchd/rest"
)

// ErrNotFound is reported for a job the daemon no longer has.
var ErrNotFound = errors.New("Job not found")

type App struct {
	app       *views.Application
	view      views.View
	panel     views.Widget
	info      *InfoPanel
	help      *HelpPanel
	log       *LogPanel
	main      *MainPanel
	auth      *AuthPanel
	client    *rest.Client
	server    string
	err       error
	notice    string
	items     []*nusalaunchd.JobInfo
	logName   string
	logInfo   *rest.LogInfo
	logErr    error
	logCancel context.CancelFunc
	cancel    context.CancelFunc

	views.WidgetWatchers
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowHelp() {
	a.show(a.help)
}

func (a *App) ShowInfo(name string) {
	a.info.SetName(name)
	a.show(a.info)
}

func (a *App) ShowLog(name string) {
	if a.logCancel != nil {
		a.logCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.logInfo = nil
	a.logErr = nil
	a.logName = name
	a.logCancel = cancel
	a.log.SetName(name)
	go a.refreshLog(ctx, name)

	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

func (a *App) ShowAuth() {
	a.auth.ResetFields()
	a.show(a.auth)
}

func (a *App) SetUserPassword(user, pass string) {
	a.client.SetAuth(user, pass)
	a.err = nil
}

type jobAction func(ctx context.Context, name string) (*nusalaunchd.JobInfo, error)

// act runs a control request in the background and reports failures on
// the status bar.
func (a *App) act(verb string, op jobAction, name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, e := op(ctx, name)
		a.app.PostFunc(func() {
			if e != nil {
				a.notice = fmt.Sprintf("%s %s: %v", verb, name, e)
			} else {
				a.notice = ""
			}
			a.app.Update()
		})
	}()
}

func (a *App) Start(name string) {
	a.act("start", a.client.Start, name)
}

func (a *App) Stop(name string) {
	a.act("stop", a.client.Stop, name)
}

func (a *App) Restart(name string) {
	a.act("restart", a.client.Restart, name)
}

func (a *App) Reset(name string) {
	a.act("reset", a.client.Reset, name)
}

func (a *App) Quit() {
	a.app.Quit()
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}

	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *App) Name() string {
	return "nusaload top"
}

func NewApp(client *rest.Client, server string) *App {
	a := &App{}
	a.app = &views.Application{}
	a.client = client
	a.server = server
	a.info = NewInfoPanel(a)
	a.help = NewHelpPanel(a)
	a.log = NewLogPanel(a)
	a.main = NewMainPanel(a, server)
	a.auth = NewAuthPanel(a, server)
	a.panel = a.main
	return a
}

// refresh keeps the app items current, long polling the job list.
func (a *App) refresh(ctx context.Context) {
	items, e := a.client.Jobs(ctx)
	for ctx.Err() == nil {
		if items != nil {
			items = append([]*nusalaunchd.JobInfo(nil), items...)
			util.SortJobs(items)
		}
		a.app.PostFunc(func() {
			a.items = items
			a.err = e
			a.app.Update()
		})
		if e != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			items, e = a.client.Jobs(ctx)
			continue
		}
		items, e = a.client.WatchJobs(ctx)
	}
}

func (a *App) refreshLog(ctx context.Context, name string) {
	info, e := a.client.Log(ctx, name)
	for ctx.Err() == nil {
		cur := info
		a.app.PostFunc(func() {
			if a.logName == name {
				a.logInfo = cur
				a.logErr = e
				a.app.Update()
			}
		})
		if e != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			info, e = a.client.Log(ctx, name)
			continue
		}
		info, e = a.client.WatchLog(ctx, name, info)
	}
}

func (a *App) Items() ([]*nusalaunchd.JobInfo, error) {
	return a.items, a.err
}

func (a *App) Item(name string) (*nusalaunchd.JobInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, i := range a.items {
		if i.ID == name {
			return i, nil
		}
	}
	return nil, ErrNotFound
}

func (a *App) Log(name string) (*rest.LogInfo, error) {
	if a.logName == name {
		return a.logInfo, a.logErr
	}
	return nil, nil
}

// Notice returns the outcome of the last failed action, if any.
func (a *App) Notice() string {
	return a.notice
}

// Unauthorized reports whether err is the server refusing our
// credentials.
func Unauthorized(err error) bool {
	var re *rest.Error
	return errors.As(err, &re) && re.Code == 401
}

func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()
	a.app.SetRootWidget(a)
	a.ShowMain()
	go a.refresh(ctx)
	go func() {
		// Periodic updates keep the elapsed times moving.
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.app.Update()
			}
		}
	}()
	err := a.app.Run()
	if a.logCancel != nil {
		a.logCancel()
	}
	return err
}
