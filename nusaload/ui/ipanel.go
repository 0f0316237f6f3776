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

package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/nusalaunchd/nusalaunchd"
	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
)

// InfoPanel shows everything known about one job.
type InfoPanel struct {
	text *views.TextArea
	info *nusalaunchd.JobInfo
	name string // job id
	err  error  // last error retrieving state

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	i := &InfoPanel{}
	i.Panel.Init(app)

	i.text = views.NewTextArea()
	i.text.EnableCursor(false)
	i.text.SetStyle(rowStyle(util.Idle))
	i.SetContent(i.text)
	i.SetKeys([]string{"[ESC] Main", "[H] Help"})

	return i
}

func (i *InfoPanel) Draw() {
	i.update()
	i.Panel.Draw()
}

func (i *InfoPanel) HandleEvent(ev tcell.Event) bool {
	info := i.info
	app := i.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		if info != nil && i.jobKeys(ev, info.ID, util.HealthOf(info)) {
			return true
		}
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'L', 'l':
				if info != nil {
					app.ShowLog(info.ID)
					return true
				}
			}
		}
	}
	return i.Panel.HandleEvent(ev)
}

func (i *InfoPanel) SetName(name string) {
	i.name = name
	i.info = nil
	i.err = nil
}

// InfoLines renders a job for the info panel and for "nusaload info".
func InfoLines(s *nusalaunchd.JobInfo) []string {
	lines := make([]string, 0, 16)
	add := func(k string, v interface{}) {
		lines = append(lines, fmt.Sprintf("%13s %v", k+":", v))
	}
	add("Name", s.ID)
	add("Description", s.Description)
	add("Command", strings.TrimSpace(s.Command+" "+strings.Join(s.Args, " ")))
	add("State", util.Status(s))
	add("Since", s.Since.Format("2006-01-02 15:04:05"))
	add("Detail", util.Detail(s))
	add("Policy", s.Policy)
	add("RunAtLoad", s.RunAtLoad)
	add("Depends", strings.Join(s.Dependencies, " "))
	add("Sockets", util.Sockets(s))
	add("Failures", s.Failures)
	add("Restarts", s.Restarts)
	if s.LastExit != nil {
		add("Last exit", s.LastExit)
	}
	return lines
}

// update must be called with AppLock held.
func (i *InfoPanel) update() {
	s, e := i.app.Item(i.name)
	i.info = s
	i.err = e
	words := []string{"[ESC] Main", "[H] Help"}

	i.SetTitle("Details for " + i.name)

	if s == nil {
		if i.err != nil {
			i.SetStatus(fmt.Sprintf("No data: %v", i.err))
			i.SetHealth(util.Bad)
		} else {
			i.SetStatus("Loading...")
			i.SetHealth(util.Idle)
		}
		i.text.SetLines(nil)
		i.SetKeys(words)
		return
	}

	i.SetStatus(s.Reason)
	i.SetHealth(util.HealthOf(s))
	i.text.SetLines(InfoLines(s))

	words = append(words, "[L] Log")
	i.SetKeys(jobWords(words, util.HealthOf(s)))
}
