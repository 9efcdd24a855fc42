package main

import (
	"github.com/charmbracelet/bubbletea"
)

type screen int

const (
	screenLogin screen = iota
	screenPlayer
)

// appModel routes messages to the login screen, then to the player
type appModel struct {
	screen  screen
	login   loginModel
	player  model
	session string
}

func newAppModel(player model, skipLogin bool) appModel {
	a := appModel{
		screen: screenLogin,
		login:  newLoginModel(player.color),
		player: player,
	}
	if skipLogin {
		a.screen = screenPlayer
	}
	return a
}

func (a appModel) Init() tea.Cmd {
	if a.screen == screenPlayer {
		return a.player.Init()
	}
	return a.login.Init()
}

func (a appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// Both screens track the terminal size
	if size, ok := msg.(tea.WindowSizeMsg); ok {
		a.login, _ = a.login.Update(size)
		updated, cmd := a.player.Update(size)
		a.player = updated.(model)
		return a, cmd
	}

	if a.screen == screenLogin {
		if auth, ok := msg.(authenticatedMsg); ok {
			a.screen = screenPlayer
			a.session = auth.session
			return a, a.player.Init()
		}
		var cmd tea.Cmd
		a.login, cmd = a.login.Update(msg)
		return a, cmd
	}

	updated, cmd := a.player.Update(msg)
	a.player = updated.(model)
	return a, cmd
}

func (a appModel) View() string {
	if a.screen == screenLogin {
		return a.login.View()
	}
	return a.player.View()
}
