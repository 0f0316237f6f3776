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
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/nusalaunchd/nusalaunchd/nusaload/util"
)

var (
	barNormal = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	barAccent = tcell.StyleDefault.
			Foreground(tcell.ColorNavy).
			Background(tcell.ColorSilver).
			Bold(true)
)

// healthStyles color the status bar, and the rows of the job list.
var healthStyles = map[util.Health][2]tcell.Style{
	util.Idle: {
		barNormal,
		tcell.StyleDefault.Foreground(tcell.ColorSilver).Background(tcell.ColorBlack),
	},
	util.Good: {
		tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorGreen).Bold(true),
		tcell.StyleDefault.Foreground(tcell.ColorGreen).Background(tcell.ColorBlack),
	},
	util.Warn: {
		tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorYellow),
		tcell.StyleDefault.Foreground(tcell.ColorYellow).Background(tcell.ColorBlack),
	},
	util.Bad: {
		tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorMaroon).Bold(true),
		tcell.StyleDefault.Foreground(tcell.ColorRed).Background(tcell.ColorBlack),
	},
}

func rowStyle(h util.Health) tcell.Style {
	return healthStyles[h][1]
}

type TitleBar struct {
	once sync.Once
	views.SimpleStyledTextBar
}

func NewTitleBar() *TitleBar {
	tb := &TitleBar{}
	tb.once.Do(func() {
		tb.SimpleStyledTextBar.Init()
		tb.SimpleStyledTextBar.SetStyle(barNormal)
		tb.RegisterCenterStyle('N', barNormal)
		tb.RegisterCenterStyle('A', barAccent)
		tb.RegisterRightStyle('N', barNormal)
	})
	return tb
}

// KeyBar shows the keys available on a panel.  Words are written as
// "[K] Label"; the bracketed part is highlighted.
type KeyBar struct {
	views.SimpleStyledTextBar
}

func NewKeyBar() *KeyBar {
	kb := &KeyBar{}
	kb.SimpleStyledTextBar.Init()
	kb.SimpleStyledTextBar.SetStyle(barNormal)
	kb.RegisterLeftStyle('N', barNormal)
	kb.RegisterLeftStyle('A', barAccent)
	return kb
}

func (k *KeyBar) SetKeys(words []string) {
	b := make([]rune, 0, 80)
	for i, w := range words {
		if i != 0 && len(w) != 0 {
			b = append(b, ' ')
		}
		for _, r := range w {
			switch r {
			case '%':
				b = append(b, '%', '%')
			case '[':
				b = append(b, '%', 'A', r)
			case ']':
				b = append(b, r, '%', 'N')
			default:
				b = append(b, r)
			}
		}
	}
	k.SetLeft(string(b))
}

// StatusBar is like a titlebar, but it changes color based on the
// health of what is shown, e.g. red for a failed job.
type StatusBar struct {
	text string
	views.SimpleStyledTextBar
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.SimpleStyledTextBar.Init()
	sb.SetHealth(util.Idle)
	return sb
}

func (sb *StatusBar) SetHealth(h util.Health) {
	style := healthStyles[h][0]
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.RegisterLeftStyle('N', style)
	sb.SetLeft(sb.text)
}

func (sb *StatusBar) SetText(text string) {
	sb.text = text
	sb.SetLeft(text)
}
