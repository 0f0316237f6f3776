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

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/nusalaunchd/nusalaunchd"
	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
)

// MainPanel lists every job, failed ones first.
type MainPanel struct {
	content  *views.CellView
	selected *nusalaunchd.JobInfo
	counts   map[util.Health]int
	width    int
	height   int
	curx     int
	cury     int
	lines    []string
	styles   []tcell.Style
	items    []*nusalaunchd.JobInfo

	Panel
}

// mainModel provides the model for a CellArea.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App, server string) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(rowStyle(util.Idle))

	m.SetTitle(server)
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) selectedID() string {
	if m.selected == nil {
		return ""
	}
	return m.selected.ID
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	app := m.App()
	switch ev := ev.(type) {
	case *tcell.EventKey:
		if m.selected != nil && m.jobKeys(ev, m.selected.ID, util.HealthOf(m.selected)) {
			return true
		}
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyEnter:
			if m.selected != nil {
				app.ShowInfo(m.selected.ID)
				return true
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.Quit()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'I', 'i':
				if m.selected != nil {
					app.ShowInfo(m.selected.ID)
					return true
				}
			case 'L', 'l':
				app.ShowLog(m.selectedID())
				return true
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	m := model.m

	if y < 0 || y >= len(m.lines) {
		return ' ', rowStyle(util.Idle), nil, 1
	}

	ch := ' '
	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	}
	style := m.styles[y]
	if m.items[y] == m.selected {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	return model.m.width, model.m.height
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	m.curx = clamp(m.curx, m.width-1)
	m.cury = clamp(m.cury, m.height-1)
	if selected && m.height > 0 {
		if m.selected == nil {
			m.curx = 0
			m.cury = 0
		}
		m.selected = m.items[m.cury]
	} else {
		m.selected = nil
	}
}

func clamp(v, hi int) int {
	if v > hi {
		v = hi
	}
	if v < 0 {
		v = 0
	}
	return v
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.  It is called with the AppLock held.
func (m *MainPanel) update() {
	app := m.App()
	items, err := app.Items()
	m.items = items

	// preserve selected item
	if sel := m.selected; sel != nil {
		m.selected = nil
		for y, item := range m.items {
			if item.ID == sel.ID {
				m.selected = item
				m.cury = y
			}
		}
	}
	if err != nil {
		if Unauthorized(err) {
			app.ShowAuth()
			return
		}
		m.SetHealth(util.Bad)
		m.SetStatus(fmt.Sprintf("Cannot load jobs: %v", err))
		m.lines = nil
		m.styles = nil
		m.items = nil
		m.width, m.height = 0, 0
		return
	}

	lines := make([]string, 0, len(m.items))
	styles := make([]tcell.Style, 0, len(m.items))
	m.counts = make(map[util.Health]int)
	m.width = 0

	for _, info := range items {
		line := fmt.Sprintf("%-20s %-10s %10s   %s",
			info.ID, util.Status(info), util.Uptime(info), util.Detail(info))
		if len(line) > m.width {
			m.width = len(line)
		}
		h := util.HealthOf(info)
		m.counts[h]++
		lines = append(lines, line)
		styles = append(styles, rowStyle(h))
	}
	m.height = len(lines)
	m.lines = lines
	m.styles = styles

	if notice := app.Notice(); notice != "" {
		m.SetStatus(notice)
		m.SetHealth(util.Bad)
	} else {
		m.SetStatus(fmt.Sprintf(
			"%6d Jobs %6d Failed %6d Up %6d Pending %6d Idle",
			len(m.items), m.counts[util.Bad], m.counts[util.Good],
			m.counts[util.Warn], m.counts[util.Idle]))
		switch {
		case m.counts[util.Bad] > 0:
			m.SetHealth(util.Bad)
		case m.counts[util.Warn] > 0:
			m.SetHealth(util.Warn)
		case m.counts[util.Good] > 0:
			m.SetHealth(util.Good)
		default:
			m.SetHealth(util.Idle)
		}
	}

	words := []string{"[Q] Quit", "[H] Help", "[L] Log"}
	if item := m.selected; item != nil {
		words = append(words, "[I] Info")
		words = jobWords(words, util.HealthOf(item))
	}
	m.SetKeys(words)
}
