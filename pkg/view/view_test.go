package view

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name  string
		phase model.Phase
		view  model.ViewMode
		want  Screen
	}{
		{"home", model.PhaseHome, "", ScreenHome},
		{"joining", model.PhaseAwaitingJoin, "", ScreenJoining},
		{"waiting", model.PhaseWaiting, "", ScreenWaiting},
		{"active defaults to chat", model.PhaseActive, "", ScreenChat},
		{"active chat", model.PhaseActive, model.ViewChat, ScreenChat},
		{"active visualizer", model.PhaseActive, model.ViewVisualizer, ScreenVisualizer},
		{"completed", model.PhaseCompleted, model.ViewVisualizer, ScreenResults},
		{"unknown phase", model.Phase("bogus"), "", ScreenHome},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(store.State{Phase: tt.phase, ActiveView: tt.view}))
		})
	}
}

func TestViewModeIgnoredOutsideActive(t *testing.T) {
	assert.Equal(t, ScreenWaiting, Route(store.State{Phase: model.PhaseWaiting, ActiveView: model.ViewVisualizer}))
}

func TestTitles(t *testing.T) {
	for _, s := range []Screen{ScreenHome, ScreenJoining, ScreenWaiting, ScreenChat, ScreenVisualizer, ScreenResults} {
		assert.NotEmpty(t, s.Title(), string(s))
	}
}
