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
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
)

// AuthPanel prompts for credentials when the daemon requires them.
type AuthPanel struct {
	layout     *views.BoxLayout
	ufield     *views.Text
	pfield     *views.Text
	passactive bool
	username   []rune
	password   []rune

	Panel
}

const fieldWidth = 16

func NewAuthPanel(app *App, server string) *AuthPanel {
	a := &AuthPanel{}
	a.Panel.Init(app)

	st := rowStyle(util.Idle)
	row := func(prompt string, field *views.Text) *views.BoxLayout {
		p := views.NewText()
		p.SetText(prompt)
		p.SetStyle(st)
		field.SetStyle(st)
		b := views.NewBoxLayout(views.Horizontal)
		b.SetStyle(st)
		b.AddWidget(views.NewSpacer(), 1.0)
		b.AddWidget(p, 0.0)
		b.AddWidget(field, 0.0)
		b.AddWidget(views.NewSpacer(), 1.0)
		return b
	}
	a.ufield = views.NewText()
	a.pfield = views.NewText()
	a.layout = views.NewBoxLayout(views.Vertical)
	a.layout.SetStyle(st)
	a.layout.AddWidget(views.NewSpacer(), 1.0)
	a.layout.AddWidget(row("Username: ", a.ufield), 0.0)
	a.layout.AddWidget(row("Password: ", a.pfield), 0.0)
	a.layout.AddWidget(views.NewSpacer(), 1.0)

	a.SetTitle(server)
	a.SetStatus("Authentication Required")
	a.SetHealth(util.Bad)
	a.SetKeys([]string{"[ESC] Quit", "[TAB] Next", "[ENTER] Login"})
	a.SetContent(a.layout)

	return a
}

func (a *AuthPanel) ResetFields() {
	a.passactive = false
	a.username = a.username[:0]
	a.password = a.password[:0]
}

func (a *AuthPanel) Draw() {
	a.update()
	a.Panel.Draw()
}

func (a *AuthPanel) field() *[]rune {
	if a.passactive {
		return &a.password
	}
	return &a.username
}

func (a *AuthPanel) HandleEvent(ev tcell.Event) bool {
	ke, ok := ev.(*tcell.EventKey)
	if !ok {
		return a.Panel.HandleEvent(ev)
	}
	f := a.field()
	switch ke.Key() {
	case tcell.KeyEsc:
		a.App().Quit()
	case tcell.KeyTab, tcell.KeyEnter:
		if a.passactive {
			a.App().SetUserPassword(string(a.username), string(a.password))
			a.App().ShowMain()
		} else {
			a.passactive = true
		}
	case tcell.KeyBacktab:
		a.passactive = false
	case tcell.KeyCtrlU, tcell.KeyCtrlW:
		*f = (*f)[:0]
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if len(*f) > 0 {
			*f = (*f)[:len(*f)-1]
		}
	case tcell.KeyRune:
		if len(*f) < 256 {
			*f = append(*f, ke.Rune())
		}
	default:
		return false
	}
	return true
}

// shown renders a field, keeping its tail visible.
func shown(text []rune, active bool) string {
	r := append([]rune{}, text...)
	if active {
		r = append(r, '_')
	}
	if len(r) > fieldWidth {
		r = r[len(r)-fieldWidth:]
		r[0] = '<'
	}
	return string(r) + strings.Repeat(" ", fieldWidth-len(r))
}

// update must be called with AppLock held.
func (a *AuthPanel) update() {
	focus := tcell.StyleDefault.
		Foreground(tcell.ColorWhite).Background(tcell.ColorNavy)
	idle := rowStyle(util.Idle)

	a.ufield.SetText(shown(a.username, !a.passactive))
	a.pfield.SetText(shown([]rune(strings.Repeat("*", len(a.password))), a.passactive))
	if a.passactive {
		a.pfield.SetStyle(focus)
		a.ufield.SetStyle(idle)
	} else {
		a.ufield.SetStyle(focus)
		a.pfield.SetStyle(idle)
	}
}
