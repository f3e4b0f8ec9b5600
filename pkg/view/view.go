// Package view maps the store's phase to the screen the client shows.
package view

import (
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
)

// Screen identifies one top-level screen.
type Screen string

const (
	ScreenHome       Screen = "home"
	ScreenJoining    Screen = "joining"
	ScreenWaiting    Screen = "waiting"
	ScreenChat       Screen = "chat"
	ScreenVisualizer Screen = "visualizer"
	ScreenResults    Screen = "results"
)

// Route returns the screen for st. It holds no state of its own.
func Route(st store.State) Screen {
	switch st.Phase {
	case model.PhaseAwaitingJoin:
		return ScreenJoining
	case model.PhaseWaiting:
		return ScreenWaiting
	case model.PhaseActive:
		if st.ActiveView == model.ViewVisualizer {
			return ScreenVisualizer
		}
		return ScreenChat
	case model.PhaseCompleted:
		return ScreenResults
	default:
		return ScreenHome
	}
}

// Title is the heading shown above a screen.
func (s Screen) Title() string {
	switch s {
	case ScreenJoining:
		return "Joining"
	case ScreenWaiting:
		return "Waiting for the session to start"
	case ScreenChat:
		return "Discussion"
	case ScreenVisualizer:
		return "Ideas"
	case ScreenResults:
		return "Results"
	default:
		return "Home"
	}
}
