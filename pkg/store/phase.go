package store

import (
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

// Origin says who asked for a phase transition.
type Origin int

const (
	// OriginUser is a local action: join, create, leave.
	OriginUser Origin = iota
	// OriginServer is a push event or a poll result.
	OriginServer
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "user"
}

// allowedTransitions lists successors other than Home, which every phase
// may move to.
var allowedTransitions = map[model.Phase][]model.Phase{
	model.PhaseHome:         {model.PhaseAwaitingJoin},
	model.PhaseAwaitingJoin: {model.PhaseWaiting, model.PhaseActive},
	model.PhaseWaiting:      {model.PhaseActive},
	model.PhaseActive:       {model.PhaseCompleted},
	model.PhaseCompleted:    {},
}

// serverOnly phases can never be entered by a user action.
var serverOnly = map[model.Phase]bool{
	model.PhaseActive:    true,
	model.PhaseCompleted: true,
}

// CanTransition reports whether the table allows from -> to. It does not
// check the subgroup gate or the origin rule.
func CanTransition(from, to model.Phase) bool {
	if !to.Valid() || from == to {
		return false
	}
	if to == model.PhaseHome {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns every phase reachable from p in one step.
func Successors(p model.Phase) []model.Phase {
	out := append([]model.Phase(nil), allowedTransitions[p]...)
	if p != model.PhaseHome {
		out = append(out, model.PhaseHome)
	}
	return out
}

// TransitionPhase moves to next if the transition table, the origin rule
// and the subgroup gate all allow it. A rejected request is logged and
// leaves the phase untouched. Moving to Home clears all session state.
func (s *Store) TransitionPhase(next model.Phase, origin Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next, origin)
}

func (s *Store) transitionLocked(next model.Phase, origin Origin) bool {
	from := s.state.Phase
	reason := ""
	switch {
	case from == next:
		reason = "already_in_phase"
	case !CanTransition(from, next):
		reason = "not_allowed"
	case origin == OriginUser && serverOnly[next]:
		reason = "server_only"
	case next == model.PhaseActive && (s.state.User == nil || s.state.User.SubgroupID == ""):
		reason = "no_subgroup"
	}

	if reason != "" {
		telemetry.PhaseTransitions.WithLabelValues(string(from), string(next), "rejected").Inc()
		if reason == "already_in_phase" {
			s.logger.Debug(logging.CategoryPhase, "transition_noop", "", map[string]any{"phase": string(from)})
			return false
		}
		s.logger.Warn(logging.CategoryPhase, "invalid_transition", "phase transition rejected", map[string]any{
			"from":   string(from),
			"to":     string(next),
			"origin": origin.String(),
			"reason": reason,
		})
		s.publishLocked(telemetry.EventPhaseRejected, map[string]any{
			"from":   string(from),
			"to":     string(next),
			"reason": reason,
		})
		return false
	}

	if next == model.PhaseHome {
		s.resetLocked()
	} else {
		s.state.Phase = next
		if next == model.PhaseActive && s.state.ActiveView == "" {
			s.state.ActiveView = model.ViewChat
		}
		s.notifyLocked()
	}

	telemetry.PhaseTransitions.WithLabelValues(string(from), string(next), "applied").Inc()
	s.logger.Info(logging.CategoryPhase, "transition", "", map[string]any{
		"from":   string(from),
		"to":     string(next),
		"origin": origin.String(),
	})
	s.publishLocked(telemetry.EventPhaseChanged, map[string]any{"from": string(from), "to": string(next)})
	return true
}
