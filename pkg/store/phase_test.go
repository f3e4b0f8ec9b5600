package store

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/swarmchat/pkg/model"
)

var allPhases = []model.Phase{
	model.PhaseHome,
	model.PhaseAwaitingJoin,
	model.PhaseWaiting,
	model.PhaseActive,
	model.PhaseCompleted,
}

func TestCanTransitionTable(t *testing.T) {
	allowed := map[[2]model.Phase]bool{
		{model.PhaseHome, model.PhaseAwaitingJoin}:    true,
		{model.PhaseAwaitingJoin, model.PhaseWaiting}: true,
		{model.PhaseAwaitingJoin, model.PhaseActive}:  true,
		{model.PhaseWaiting, model.PhaseActive}:       true,
		{model.PhaseActive, model.PhaseCompleted}:     true,
		{model.PhaseAwaitingJoin, model.PhaseHome}:    true,
		{model.PhaseWaiting, model.PhaseHome}:         true,
		{model.PhaseActive, model.PhaseHome}:          true,
		{model.PhaseCompleted, model.PhaseHome}:       true,
	}
	for _, from := range allPhases {
		for _, to := range allPhases {
			assert.Equal(t, allowed[[2]model.Phase{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(model.PhaseHome, "bogus"))
}

func TestUserCannotEnterServerOnlyPhases(t *testing.T) {
	s, _ := newTestStore(t)
	joined(t, s, model.StatusActive)
	s.AssignSubgroup(model.Subgroup{ID: "sg1"})

	assert.False(t, s.TransitionPhase(model.PhaseActive, OriginUser))
	assert.Equal(t, model.PhaseAwaitingJoin, s.Phase())
	assert.True(t, s.TransitionPhase(model.PhaseActive, OriginServer))
	assert.False(t, s.TransitionPhase(model.PhaseCompleted, OriginUser))
	assert.Equal(t, model.PhaseActive, s.Phase())
}

func TestActiveIsGatedOnSubgroup(t *testing.T) {
	s, logs := newTestStore(t)
	joined(t, s, model.StatusActive)
	require.True(t, s.TransitionPhase(model.PhaseWaiting, OriginServer))

	assert.False(t, s.TransitionPhase(model.PhaseActive, OriginServer))
	assert.Equal(t, model.PhaseWaiting, s.Phase())
	assert.Contains(t, logs.String(), "no_subgroup")

	s.AssignSubgroup(model.Subgroup{ID: "sg1"})
	assert.True(t, s.TransitionPhase(model.PhaseActive, OriginServer))
	assert.Equal(t, model.ViewChat, s.Snapshot().ActiveView)
}

func TestTransitionToHomeResets(t *testing.T) {
	s, _ := newTestStore(t)
	joined(t, s, model.StatusWaiting)
	require.True(t, s.TransitionPhase(model.PhaseHome, OriginUser))
	st := s.Snapshot()
	assert.Nil(t, st.User)
	assert.Nil(t, st.Session)
}

// Random request sequences never reach a phase outside the table and
// rejected requests never move the phase.
func TestPhaseMachineRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	origins := []Origin{OriginUser, OriginServer}

	for run := 0; run < 200; run++ {
		s, _ := newTestStore(t)
		hasSubgroup := false
		for step := 0; step < 50; step++ {
			// Interleave the data events that gate transitions.
			switch rng.Intn(6) {
			case 0:
				s.SetUser(&model.User{ID: "u1", SessionID: "s1"})
			case 1:
				if s.AssignSubgroup(model.Subgroup{ID: "sg1"}) {
					hasSubgroup = true
				}
			}

			from := s.Phase()
			next := allPhases[rng.Intn(len(allPhases))]
			origin := origins[rng.Intn(len(origins))]
			ok := s.TransitionPhase(next, origin)
			to := s.Phase()

			if !ok {
				require.Equal(t, from, to, "rejected %s -> %s (%s) changed phase", from, next, origin)
				continue
			}
			require.Equal(t, next, to)
			require.True(t, CanTransition(from, to), "applied illegal %s -> %s", from, to)
			if origin == OriginUser {
				require.NotContains(t, []model.Phase{model.PhaseActive, model.PhaseCompleted}, to)
			}
			if to == model.PhaseActive {
				require.True(t, hasSubgroup)
			}
			if to == model.PhaseHome {
				hasSubgroup = false
			}
		}
	}
}

func TestSuccessors(t *testing.T) {
	assert.ElementsMatch(t, []model.Phase{model.PhaseAwaitingJoin}, Successors(model.PhaseHome))
	assert.ElementsMatch(t, []model.Phase{model.PhaseHome}, Successors(model.PhaseCompleted))
	assert.ElementsMatch(t, []model.Phase{model.PhaseWaiting, model.PhaseActive, model.PhaseHome}, Successors(model.PhaseAwaitingJoin))
}
