// Package store holds the client's canonical view of a deliberation
// session and arbitrates every update from push frames, poll results and
// user actions.
//
// Mutations never return errors to the caller. A payload the store refuses
// is logged as an anomaly and the previous state is kept.
package store

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

// State is a point-in-time copy of the store.
type State struct {
	Phase           model.Phase
	ActiveView      model.ViewMode
	Session         *model.Session
	User            *model.User
	CurrentSubgroup *model.Subgroup
	Subgroups       []model.Subgroup
	Messages        []model.Message // arrival order, all subgroups
	Ideas           []model.Idea
	Results         *model.Results
	SurrogateTyping bool
	Error           string
	Epoch           uint64
}

// MessagesFor returns the log of one subgroup in arrival order.
func (st State) MessagesFor(subgroupID string) []model.Message {
	var out []model.Message
	for _, m := range st.Messages {
		if m.SubgroupID == subgroupID {
			out = append(out, m)
		}
	}
	return out
}

// CurrentMessages returns the log of the participant's own subgroup.
func (st State) CurrentMessages() []model.Message {
	if st.User == nil || st.User.SubgroupID == "" {
		return nil
	}
	return st.MessagesFor(st.User.SubgroupID)
}

// SessionID returns the cached session id, or "".
func (st State) SessionID() string {
	if st.Session != nil {
		return st.Session.ID
	}
	if st.User != nil {
		return st.User.SessionID
	}
	return ""
}

// Change is delivered to subscribers after one or more mutations.
type Change struct {
	Epoch uint64
	Phase model.Phase
}

// AppendResult reports what AppendMessage did.
type AppendResult int

const (
	Appended AppendResult = iota
	Duplicate
	Rejected
)

// Store is the single source of truth. It is safe for concurrent use, but
// the engine drives all mutations from one loop.
type Store struct {
	mu    sync.Mutex
	state State

	messageIDs   map[string]struct{}
	fingerprints map[string]struct{}

	typingTimer *time.Timer
	typingGen   uint64

	subscribers map[chan Change]struct{}

	logger *logging.Logger
	hub    *telemetry.Hub
}

// New returns an empty store in phase Home. logger and hub may be nil.
func New(logger *logging.Logger, hub *telemetry.Hub) *Store {
	return &Store{
		state:        State{Phase: model.PhaseHome},
		messageIDs:   make(map[string]struct{}),
		fingerprints: make(map[string]struct{}),
		subscribers:  make(map[chan Change]struct{}),
		logger:       logger,
		hub:          hub,
	}
}

// Subscribe returns a channel signalled after state changes. Signals are
// coalesced: a slow reader sees one pending Change, then reads Snapshot.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Change, 1)
	s.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

func (s *Store) notifyLocked() {
	change := Change{Epoch: s.state.Epoch, Phase: s.state.Phase}
	for ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			// A signal is already pending; drain and replace it so the
			// reader sees the latest phase.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- change:
			default:
			}
		}
	}
}

func (s *Store) publishLocked(typ telemetry.EventType, data map[string]any) {
	s.hub.Publish(telemetry.Event{
		Type:      typ,
		SessionID: s.state.SessionID(),
		Data:      data,
	})
}

func (s *Store) anomalyLocked(kind, message string, details map[string]any) {
	telemetry.Anomalies.WithLabelValues(kind).Inc()
	if details == nil {
		details = map[string]any{}
	}
	details["kind"] = kind
	s.logger.Warn(logging.CategoryStore, "anomaly", message, details)
	s.publishLocked(telemetry.EventAnomaly, details)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.Session = s.state.Session.Clone()
	st.User = s.state.User.Clone()
	if s.state.CurrentSubgroup != nil {
		g := s.state.CurrentSubgroup.Clone()
		st.CurrentSubgroup = &g
	}
	st.Subgroups = make([]model.Subgroup, len(s.state.Subgroups))
	for i, g := range s.state.Subgroups {
		st.Subgroups[i] = g.Clone()
	}
	st.Messages = append([]model.Message(nil), s.state.Messages...)
	st.Ideas = append([]model.Idea(nil), s.state.Ideas...)
	if s.state.Results != nil {
		r := *s.state.Results
		st.Results = &r
	}
	return st
}

// Phase returns the current phase.
func (s *Store) Phase() model.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// Epoch increments on every reset. Async results captured under an older
// epoch belong to a session the user has left.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Epoch
}

// ApplyServerSession replaces the cached session. It never changes phase.
// Within one session the status never moves backwards and a missing
// convergence keeps the last known score.
func (s *Store) ApplyServerSession(session *model.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := session.Validate(); err != nil {
		s.anomalyLocked("invalid_session", err.Error(), nil)
		return false
	}

	next := session.Clone()
	cur := s.state.Session
	if cur != nil && cur.ID != next.ID {
		switch s.state.Phase {
		case model.PhaseHome, model.PhaseAwaitingJoin:
		default:
			s.anomalyLocked("session_mismatch", "session payload for another session", map[string]any{
				"current":  cur.ID,
				"incoming": next.ID,
			})
			return false
		}
		cur = nil
	}
	if s.state.User != nil && s.state.User.SessionID != "" && s.state.User.SessionID != next.ID {
		s.anomalyLocked("session_mismatch", "session payload does not match the participant", map[string]any{
			"user_session": s.state.User.SessionID,
			"incoming":     next.ID,
		})
		return false
	}

	if cur != nil {
		if next.Status.Rank() < cur.Status.Rank() {
			s.logger.Debug(logging.CategoryStore, "status_regression_ignored", "", map[string]any{
				"current":  string(cur.Status),
				"incoming": string(next.Status),
			})
			next.Status = cur.Status
		}
		if next.Convergence == nil && cur.Convergence != nil {
			v := *cur.Convergence
			next.Convergence = &v
		}
	}

	s.state.Session = next
	s.notifyLocked()
	return true
}

// MarkSessionCompleted sets the cached session's status to completed.
func (s *Store) MarkSessionCompleted(sessionID string) bool {
	return s.advanceStatus(sessionID, model.StatusCompleted)
}

// MarkSessionStarted moves a waiting session to active.
func (s *Store) MarkSessionStarted(sessionID string) bool {
	return s.advanceStatus(sessionID, model.StatusActive)
}

func (s *Store) advanceStatus(sessionID string, status model.SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Session == nil {
		s.anomalyLocked("no_session", "status update for unknown session", map[string]any{
			"session_id": sessionID,
			"status":     string(status),
		})
		return false
	}
	if sessionID != "" && sessionID != s.state.Session.ID {
		s.anomalyLocked("session_mismatch", "status update for another session", map[string]any{
			"current":  s.state.Session.ID,
			"incoming": sessionID,
		})
		return false
	}
	if s.state.Session.Status.Rank() >= status.Rank() {
		return true
	}
	s.state.Session.Status = status
	s.notifyLocked()
	return true
}

// PatchConvergence updates only the session's convergence score.
func (s *Store) PatchConvergence(score *float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if score == nil {
		s.anomalyLocked("invalid_convergence", "convergence payload without a score", nil)
		return false
	}
	if s.state.Session == nil {
		s.anomalyLocked("no_session", "convergence before session is known", nil)
		return false
	}
	v := *score
	s.state.Session.Convergence = &v
	s.notifyLocked()
	return true
}

// SetUser replaces the participant. Subgroup assignment is monotonic: once
// set it is never cleared or changed within the session.
func (s *Store) SetUser(user *model.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := user.Validate(); err != nil {
		s.anomalyLocked("invalid_user", err.Error(), nil)
		return false
	}
	next := user.Clone()
	cur := s.state.User

	if cur != nil && cur.ID != next.ID {
		switch s.state.Phase {
		case model.PhaseHome, model.PhaseAwaitingJoin:
			cur = nil
		default:
			s.anomalyLocked("user_mismatch", "user payload for another participant", map[string]any{
				"current":  cur.ID,
				"incoming": next.ID,
			})
			return false
		}
	}

	if cur != nil && cur.SubgroupID != "" {
		switch next.SubgroupID {
		case "":
			next.SubgroupID = cur.SubgroupID
		case cur.SubgroupID:
		default:
			s.anomalyLocked("duplicate_assignment", "conflicting subgroup assignment ignored", map[string]any{
				"current":  cur.SubgroupID,
				"incoming": next.SubgroupID,
			})
			next.SubgroupID = cur.SubgroupID
		}
	}

	s.state.User = next
	s.logger.SetSessionID(next.SessionID)
	s.refreshCurrentSubgroupLocked()
	s.notifyLocked()
	return true
}

// AssignSubgroup records the participant's subgroup. A repeat with the same
// id is ignored; a different id is an anomaly and is ignored.
func (s *Store) AssignSubgroup(group model.Subgroup) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := group.Validate(); err != nil {
		s.anomalyLocked("invalid_subgroup", err.Error(), nil)
		return false
	}
	if s.state.User == nil {
		s.anomalyLocked("no_user", "subgroup assignment before join", map[string]any{"subgroup_id": group.ID})
		return false
	}

	switch s.state.User.SubgroupID {
	case group.ID:
		if s.state.CurrentSubgroup == nil {
			g := group.Clone()
			s.state.CurrentSubgroup = &g
			s.upsertSubgroupLocked(group)
			s.notifyLocked()
		}
		return true
	case "":
	default:
		s.anomalyLocked("duplicate_assignment", "conflicting subgroup assignment ignored", map[string]any{
			"current":  s.state.User.SubgroupID,
			"incoming": group.ID,
		})
		return false
	}

	s.state.User.SubgroupID = group.ID
	g := group.Clone()
	s.state.CurrentSubgroup = &g
	s.upsertSubgroupLocked(group)
	s.logger.Info(logging.CategoryStore, "subgroup_assigned", "", map[string]any{
		"subgroup_id": group.ID,
		"label":       group.Label,
	})
	s.publishLocked(telemetry.EventSubgroupAssigned, map[string]any{"subgroup_id": group.ID, "label": group.Label})
	s.notifyLocked()
	return true
}

func (s *Store) upsertSubgroupLocked(group model.Subgroup) {
	for i := range s.state.Subgroups {
		if s.state.Subgroups[i].ID == group.ID {
			s.state.Subgroups[i] = group.Clone()
			return
		}
	}
	s.state.Subgroups = append(s.state.Subgroups, group.Clone())
}

func (s *Store) refreshCurrentSubgroupLocked() {
	if s.state.User == nil || s.state.User.SubgroupID == "" {
		return
	}
	for _, g := range s.state.Subgroups {
		if g.ID == s.state.User.SubgroupID {
			c := g.Clone()
			s.state.CurrentSubgroup = &c
			return
		}
	}
}

// ReplaceSubgroups swaps in a full roster. Invalid entries are dropped.
func (s *Store) ReplaceSubgroups(groups []model.Subgroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.Subgroup, 0, len(groups))
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			s.anomalyLocked("invalid_subgroup", err.Error(), nil)
			continue
		}
		next = append(next, g.Clone())
	}
	s.state.Subgroups = next
	s.refreshCurrentSubgroupLocked()
	s.notifyLocked()
}

// ReplaceIdeas swaps in the full idea list. Invalid entries are dropped.
func (s *Store) ReplaceIdeas(ideas []model.Idea) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.Idea, 0, len(ideas))
	for _, idea := range ideas {
		if err := idea.Validate(); err != nil {
			s.anomalyLocked("invalid_idea", err.Error(), nil)
			continue
		}
		next = append(next, idea)
	}
	s.state.Ideas = next
	s.notifyLocked()
}

func fingerprint(m model.Message) string {
	return strings.Join([]string{
		m.SubgroupID,
		m.UserID,
		string(m.MsgType),
		m.Content,
		strconv.FormatInt(m.CreatedAt.UnixNano(), 10),
	}, "\x00")
}

// AppendMessage adds m at the end of the log unless its id is already
// present. Any valid call clears the surrogate typing indicator.
func (s *Store) AppendMessage(m model.Message) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.appendLocked(m)
	if result != Rejected {
		s.notifyLocked()
	}
	return result
}

// AppendMessages appends a backlog with one change notification.
func (s *Store) AppendMessages(msgs []model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	touched := false
	for _, m := range msgs {
		switch s.appendLocked(m) {
		case Appended:
			added++
			touched = true
		case Duplicate:
			touched = true
		}
	}
	if touched {
		s.notifyLocked()
	}
	return added
}

func (s *Store) appendLocked(m model.Message) AppendResult {
	if err := m.Validate(); err != nil {
		s.anomalyLocked("invalid_message", err.Error(), nil)
		return Rejected
	}
	s.clearTypingLocked()

	if _, seen := s.messageIDs[m.ID]; seen {
		telemetry.DuplicateMessages.Inc()
		s.logger.Debug(logging.CategoryStore, "duplicate_message", "", map[string]any{"id": m.ID})
		return Duplicate
	}

	fp := fingerprint(m)
	if _, seen := s.fingerprints[fp]; seen {
		telemetry.SuspectedRedeliveries.Inc()
		s.logger.Warn(logging.CategoryStore, "suspected_redelivery", "message matches an existing entry under a new id", map[string]any{
			"id":          m.ID,
			"subgroup_id": m.SubgroupID,
		})
	}

	s.messageIDs[m.ID] = struct{}{}
	s.fingerprints[fp] = struct{}{}
	s.state.Messages = append(s.state.Messages, m)
	return Appended
}

// SetTypingIndicator raises or clears the surrogate typing flag. A raised
// flag clears itself after ttl unless raised again.
func (s *Store) SetTypingIndicator(active bool, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !active {
		if s.clearTypingLocked() {
			s.notifyLocked()
		}
		return
	}

	s.stopTypingTimerLocked()
	s.typingGen++
	gen := s.typingGen
	s.state.SurrogateTyping = true
	if ttl > 0 {
		s.typingTimer = time.AfterFunc(ttl, func() {
			s.expireTyping(gen)
		})
	}
	s.notifyLocked()
}

func (s *Store) expireTyping(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.typingGen || !s.state.SurrogateTyping {
		return
	}
	s.state.SurrogateTyping = false
	s.typingTimer = nil
	s.notifyLocked()
}

func (s *Store) clearTypingLocked() bool {
	s.stopTypingTimerLocked()
	s.typingGen++
	if !s.state.SurrogateTyping {
		return false
	}
	s.state.SurrogateTyping = false
	return true
}

func (s *Store) stopTypingTimerLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// SetActiveView selects chat or visualizer for the Active phase.
func (s *Store) SetActiveView(mode model.ViewMode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode != model.ViewChat && mode != model.ViewVisualizer {
		s.logger.Warn(logging.CategoryStore, "invalid_view", "unknown view mode", map[string]any{"mode": string(mode)})
		return false
	}
	if s.state.ActiveView == mode {
		return true
	}
	s.state.ActiveView = mode
	s.notifyLocked()
	return true
}

// SetResults stores the final results bundle for the current session.
func (s *Store) SetResults(results *model.Results) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := results.Validate(); err != nil {
		s.anomalyLocked("invalid_results", err.Error(), nil)
		return false
	}
	if s.state.Session != nil && s.state.Session.ID != results.SessionID {
		s.anomalyLocked("session_mismatch", "results for another session", map[string]any{
			"current":  s.state.Session.ID,
			"incoming": results.SessionID,
		})
		return false
	}
	r := *results
	s.state.Results = &r
	s.publishLocked(telemetry.EventResultsFetched, nil)
	s.notifyLocked()
	return true
}

// SetError records the last user-facing failure.
func (s *Store) SetError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message = strings.TrimSpace(message)
	if s.state.Error == message {
		return
	}
	s.state.Error = message
	s.notifyLocked()
}

// ClearError empties the error slot.
func (s *Store) ClearError() {
	s.SetError("")
}

// Reset clears every session-scoped entity and returns to Home.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	s.stopTypingTimerLocked()
	s.typingGen++
	s.state = State{Phase: model.PhaseHome, Epoch: s.state.Epoch + 1}
	s.messageIDs = make(map[string]struct{})
	s.fingerprints = make(map[string]struct{})
	s.logger.SetSessionID("")
	s.notifyLocked()
}

// Resumable is the subset of state persisted across restarts.
type Resumable struct {
	Phase      model.Phase
	User       *model.User
	Session    *model.Session
	ActiveView model.ViewMode
}

// Restore hydrates a fresh store from a saved snapshot. It only applies in
// Home. An Active snapshot without a subgroup resumes in Waiting; an
// unfinished join resumes in Home.
func (s *Store) Restore(r Resumable) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase != model.PhaseHome {
		s.logger.Warn(logging.CategoryResume, "restore_skipped", "store already has a session", map[string]any{
			"phase": string(s.state.Phase),
		})
		return false
	}
	if err := r.User.Validate(); err != nil {
		s.anomalyLocked("invalid_resume", err.Error(), nil)
		return false
	}
	if err := r.Session.Validate(); err != nil {
		s.anomalyLocked("invalid_resume", err.Error(), nil)
		return false
	}
	if r.User.SessionID != r.Session.ID {
		s.anomalyLocked("invalid_resume", "user and session do not match", nil)
		return false
	}

	phase := r.Phase
	switch phase {
	case model.PhaseWaiting, model.PhaseCompleted:
	case model.PhaseActive:
		if r.User.SubgroupID == "" {
			phase = model.PhaseWaiting
		}
	default:
		return false
	}

	s.state.User = r.User.Clone()
	s.state.Session = r.Session.Clone()
	s.state.Phase = phase
	s.state.ActiveView = r.ActiveView
	if phase == model.PhaseActive && s.state.ActiveView == "" {
		s.state.ActiveView = model.ViewChat
	}
	s.logger.SetSessionID(r.Session.ID)
	s.logger.Info(logging.CategoryResume, "restored", "", map[string]any{"phase": string(phase)})
	s.notifyLocked()
	return true
}

// Close stops the typing timer and closes all subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTypingTimerLocked()
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}
