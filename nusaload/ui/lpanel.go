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
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/nusalaunchd/nusalaunchd"
	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
)

// LogPanel follows either the daemon's transition log, or the output
// of one job.
type LogPanel struct {
	text *views.TextArea
	info *nusalaunchd.JobInfo
	name string // job id, empty for the daemon log

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}

	p.Panel.Init(app)
	p.SetKeys([]string{"[ESC] Main", "[H] Help"})

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(rowStyle(util.Idle))
	p.SetContent(p.text)

	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
	info := p.info
	app := p.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		if info != nil && p.jobKeys(ev, info.ID, util.HealthOf(info)) {
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
			case 'I', 'i':
				if info != nil {
					app.ShowInfo(info.ID)
					return true
				}
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

func (p *LogPanel) SetName(name string) {
	p.SetTitle("Loading")
	p.text.SetLines(nil)
	p.name = name
}

// update must be called with AppLock held.
func (p *LogPanel) update() {
	var e1 error
	p.info = nil
	if p.name != "" {
		p.info, e1 = p.app.Item(p.name)
	}
	loginfo, e2 := p.app.Log(p.name)

	words := []string{"[ESC] Main", "[H] Help"}

	if p.name == "" {
		p.SetTitle("Supervisor Log")
	} else {
		p.SetTitle("Output of " + p.name)
	}

	if loginfo == nil {
		e := e2
		if e == nil {
			e = e1
		}
		if e != nil {
			p.SetStatus(fmt.Sprintf("No data: %v", e))
			p.SetHealth(util.Bad)
		} else {
			p.SetStatus("Loading ...")
			p.SetHealth(util.Idle)
		}
		p.text.SetLines([]string{""})
		p.SetKeys(words)
		return
	}

	p.SetStatus("")
	p.SetHealth(util.Idle)
	if p.info != nil {
		p.SetStatus(util.Status(p.info) + " " + util.Detail(p.info))
		p.SetHealth(util.HealthOf(p.info))
	}

	lines := make([]string, 0, len(loginfo.Records))
	for _, r := range loginfo.Records {
		line := fmt.Sprintf("%s %s", r.Time.Format(time.StampMilli), r.Text)
		if r.Stream == "stderr" {
			line = fmt.Sprintf("%s ! %s", r.Time.Format(time.StampMilli), r.Text)
		}
		lines = append(lines, line)
	}
	p.text.SetLines(lines)

	if p.info != nil {
		words = append(words, "[I] Info")
		words = jobWords(words, util.HealthOf(p.info))
	}
	p.SetKeys(words)
}
