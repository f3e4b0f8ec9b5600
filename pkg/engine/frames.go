package engine

import (
	"context"
	"fmt"

	"github.com/odvcencio/swarmchat/pkg/channel"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
	"github.com/odvcencio/swarmchat/pkg/toast"
)

func (e *Engine) onFrame(ctx context.Context, in channel.Inbound) {
	e.post(ctx, "frame."+in.Frame.Event, func(context.Context) error {
		e.applyFrame(in)
		return nil
	})
}

func (e *Engine) onStatus(ctx context.Context, ev channel.StatusEvent) {
	e.post(ctx, "channel."+string(ev.Status), func(context.Context) error {
		e.applyStatus(ev)
		return nil
	})
}

func (e *Engine) dropFrame(in channel.Inbound, reason, message string) {
	telemetry.FramesDropped.WithLabelValues(string(in.Slot), reason).Inc()
	e.hub.Publish(telemetry.Event{
		Type: telemetry.EventFrameDropped,
		Data: map[string]any{"slot": string(in.Slot), "event": in.Frame.Event, "reason": reason},
	})
	e.logger.Warn(logging.CategoryChannel, "frame_dropped", message, map[string]any{
		"slot":   string(in.Slot),
		"event":  in.Frame.Event,
		"reason": reason,
	})
}

// applyFrame runs on the loop. Frames from a key that no longer matches the
// current identity belong to a closed connection and are dropped.
func (e *Engine) applyFrame(in channel.Inbound) {
	st := e.store.Snapshot()
	id := identity(st)
	want := id.SessionKey()
	if in.Slot == channel.SlotChat {
		want = id.ChatKey()
	}
	if want.Zero() || in.Key != want {
		e.dropFrame(in, "stale_key", "frame from a superseded connection")
		return
	}
	e.hub.Publish(telemetry.Event{
		Type:      telemetry.EventFrameReceived,
		SessionID: st.SessionID(),
		Data:      map[string]any{"slot": string(in.Slot), "event": in.Frame.Event},
	})

	var err error
	switch in.Frame.Event {
	case model.EventChatNewMessage:
		err = e.onNewMessage(in.Frame)
	case model.EventChatSurrogateTyping:
		e.store.SetTypingIndicator(true, e.typingTTL)
	case model.EventSessionStarted:
		err = e.onSessionStarted(st, in.Frame)
	case model.EventSessionCompleted:
		err = e.onSessionCompleted(st, in.Frame)
	case model.EventSessionConvergence:
		err = e.onConvergence(in.Frame)
	case model.EventSessionUserJoined:
		e.refreshRoster(st.SessionID())
	default:
		e.dropFrame(in, "unknown_event", "")
		return
	}
	if err != nil {
		e.dropFrame(in, "invalid_payload", err.Error())
	}
}

func (e *Engine) onNewMessage(frame model.Frame) error {
	var m model.Message
	if err := frame.Decode(&m); err != nil {
		return err
	}
	if e.store.AppendMessage(m) == store.Rejected {
		return fmt.Errorf("message %q rejected", m.ID)
	}
	return nil
}

func (e *Engine) onSessionStarted(st store.State, frame model.Frame) error {
	var data model.SessionStartedData
	if err := frame.Decode(&data); err != nil {
		return err
	}

	if !data.Targeted() {
		e.store.ReplaceSubgroups(data.Subgroups)
		e.store.MarkSessionStarted(st.SessionID())
		e.discoverAssignment()
		return nil
	}

	if data.UserID != st.User.ID {
		e.logger.Debug(logging.CategoryEngine, "started_for_other_user", "", map[string]any{"user_id": data.UserID})
		return nil
	}
	if data.Subgroup == nil {
		return fmt.Errorf("session:started for %s without subgroup", data.UserID)
	}
	if !e.store.AssignSubgroup(*data.Subgroup) {
		return nil
	}
	e.store.MarkSessionStarted(st.SessionID())
	e.enterActive(data.Subgroup.Label)
	return nil
}

// enterActive moves to Active once a subgroup is known and pulls the chat
// backlog and roster.
func (e *Engine) enterActive(label string) {
	switch e.store.Phase() {
	case model.PhaseWaiting, model.PhaseAwaitingJoin:
	default:
		return
	}
	if !e.store.TransitionPhase(model.PhaseActive, store.OriginServer) {
		return
	}
	if label != "" {
		e.notify(toast.LevelSuccess, "assigned", "Discussion started", "You joined "+label)
	}
	// Open the chat channel before reading the backlog.
	e.reconcile()
	e.fetchChatState()
}

func (e *Engine) onSessionCompleted(st store.State, frame model.Frame) error {
	var data model.SessionCompletedData
	if err := frame.Decode(&data); err != nil {
		return err
	}
	sessionID := data.SessionID
	if sessionID == "" {
		sessionID = st.SessionID()
	}
	if !e.store.MarkSessionCompleted(sessionID) {
		return nil
	}
	switch e.store.Phase() {
	case model.PhaseWaiting, model.PhaseAwaitingJoin:
		e.store.SetError("Session has ended")
		return nil
	}
	e.complete(sessionID)
	return nil
}

// complete moves to Completed and fetches the results bundle.
func (e *Engine) complete(sessionID string) {
	if e.store.Phase() == model.PhaseCompleted || !e.store.TransitionPhase(model.PhaseCompleted, store.OriginServer) {
		return
	}
	e.notify(toast.LevelInfo, "completed", "Session complete", "Results are ready")
	e.fetchResults(sessionID)
}

func (e *Engine) onConvergence(frame model.Frame) error {
	var data model.ConvergenceData
	if err := frame.Decode(&data); err != nil {
		return err
	}
	if !e.store.PatchConvergence(data.Convergence) {
		return fmt.Errorf("convergence payload rejected")
	}
	return nil
}

// applyStatus surfaces connection loss. Only the current key's handle counts.
func (e *Engine) applyStatus(ev channel.StatusEvent) {
	id := identity(e.store.Snapshot())
	want := id.SessionKey()
	if ev.Slot == channel.SlotChat {
		want = id.ChatKey()
	}
	if ev.Key != want {
		return
	}
	switch ev.Status {
	case channel.StatusLost:
		e.lost[ev.Slot] = true
		e.notify(toast.LevelWarning, "channel."+string(ev.Slot), "Connection lost", "Live updates paused")
	case channel.StatusOpen:
		if e.lost[ev.Slot] {
			delete(e.lost, ev.Slot)
			e.notify(toast.LevelSuccess, "channel."+string(ev.Slot), "Reconnected", "Live updates resumed")
		}
	}
}
