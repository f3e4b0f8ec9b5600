package engine

import (
	"context"
	"strings"

	"github.com/odvcencio/swarmchat/pkg/channel"
	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

func inputError(msg string) error {
	return errors.New(errors.ErrCodeUserInput, msg).WithUserMessage(msg)
}

func (e *Engine) setError(ctx context.Context, err error) {
	_ = e.do(ctx, "error", func(context.Context) error {
		e.store.SetError(errors.UserMessage(err))
		return nil
	})
}

// JoinSession registers the participant by join code and settles the phase
// from the session's status. Any failure returns the store to Home with the
// reason in the error slot.
func (e *Engine) JoinSession(ctx context.Context, joinCode, displayName string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.join_session")
	defer func() { telemetry.EndSpan(span, err) }()

	code := strings.ToUpper(strings.TrimSpace(joinCode))
	name := strings.TrimSpace(displayName)
	if code == "" || name == "" {
		err = inputError("Enter a join code and a display name")
		e.setError(ctx, err)
		return err
	}

	var epoch uint64
	err = e.do(ctx, "join.begin", func(context.Context) error {
		if !e.store.TransitionPhase(model.PhaseAwaitingJoin, store.OriginUser) {
			return errors.New(errors.ErrCodeConflict, "join while in a session").
				WithUserMessage("Leave the current session first")
		}
		e.store.ClearError()
		epoch = e.store.Epoch()
		return nil
	})
	if err != nil {
		return err
	}

	user, err := e.api.JoinSession(ctx, code, name)
	var session *model.Session
	if err == nil {
		session, err = e.api.GetSession(ctx, user.SessionID)
	}
	if err == nil && session.Status == model.StatusActive && user.SubgroupID != "" {
		var fresh *model.User
		if fresh, err = e.api.GetUser(ctx, user.ID); err == nil {
			user = fresh
		}
	}
	if err != nil {
		joinErr := err
		_ = e.do(ctx, "join.failed", func(context.Context) error {
			if e.store.Epoch() != epoch {
				return nil
			}
			e.store.Reset()
			e.report("join_session", joinErr)
			e.store.SetError(errors.UserMessage(joinErr))
			return nil
		})
		return joinErr
	}

	return e.do(ctx, "join.apply", func(context.Context) error {
		if e.store.Epoch() != epoch {
			return nil
		}
		if !e.store.SetUser(user) || !e.store.ApplyServerSession(session) {
			e.store.Reset()
			e.store.SetError("The server sent an unexpected response")
			return errors.New(errors.ErrCodeValidation, "join response rejected")
		}
		e.logger.Info(logging.CategoryEngine, "joined", "", map[string]any{
			"user_id":    user.ID,
			"session_id": session.ID,
			"status":     string(session.Status),
		})

		switch session.Status {
		case model.StatusCompleted:
			e.store.Reset()
			e.store.SetError("Session has ended")
			return errors.New(errors.ErrCodeConflict, "session has ended").WithUserMessage("Session has ended")
		case model.StatusActive:
			if user.SubgroupID != "" {
				e.enterActive("")
				return nil
			}
		}
		e.store.TransitionPhase(model.PhaseWaiting, store.OriginServer)
		return nil
	})
}

// CreateSession creates a session for an admin. It does not join it.
func (e *Engine) CreateSession(ctx context.Context, title string, subgroupSize int) (_ *model.Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.create_session")
	defer func() { telemetry.EndSpan(span, err) }()

	title = strings.TrimSpace(title)
	if title == "" {
		err = inputError("Enter a session title")
		e.setError(ctx, err)
		return nil, err
	}
	session, err := e.api.CreateSession(ctx, title, subgroupSize)
	if err != nil {
		e.reportSync(ctx, "create_session", err)
		return nil, err
	}
	return session, nil
}

// StartSession starts sessionID, or the current session when it is empty,
// and returns the roster. The roster is applied only to the current session;
// assignment and the phase change still arrive from the server.
func (e *Engine) StartSession(ctx context.Context, sessionID string) (_ []model.Subgroup, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.start_session")
	defer func() { telemetry.EndSpan(span, err) }()

	if sessionID, err = e.targetSession(sessionID); err != nil {
		return nil, err
	}
	groups, err := e.api.StartSession(ctx, sessionID)
	if err != nil {
		e.reportSync(ctx, "start_session", err)
		return nil, err
	}
	err = e.do(ctx, "start.apply", func(context.Context) error {
		if e.store.Snapshot().SessionID() != sessionID {
			return nil
		}
		e.store.ClearError()
		e.store.ReplaceSubgroups(groups)
		e.store.MarkSessionStarted(sessionID)
		return nil
	})
	return groups, err
}

// StopSession ends sessionID, or the current session when it is empty. The
// phase moves on the server's completion event.
func (e *Engine) StopSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.stop_session")
	defer func() { telemetry.EndSpan(span, err) }()

	if sessionID, err = e.targetSession(sessionID); err != nil {
		return err
	}
	if err = e.api.StopSession(ctx, sessionID); err != nil {
		e.reportSync(ctx, "stop_session", err)
		return err
	}
	return e.do(ctx, "stop.apply", func(context.Context) error {
		if e.store.Snapshot().SessionID() != sessionID {
			return nil
		}
		e.store.ClearError()
		e.store.MarkSessionCompleted(sessionID)
		return nil
	})
}

func (e *Engine) targetSession(sessionID string) (string, error) {
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		return sessionID, nil
	}
	if current := e.store.Snapshot().SessionID(); current != "" {
		return current, nil
	}
	return "", errors.New(errors.ErrCodeConflict, "no current session")
}

// SendMessage writes to the chat channel. A send while the channel is not
// open is dropped and logged.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return inputError("Message is empty")
	}
	if !e.channels.Ready(channel.SlotChat) {
		e.dropSend("not_ready")
		return nil
	}
	err := e.channels.Send(ctx, content)
	switch {
	case err == nil:
		return nil
	case errors.IsCode(err, errors.ErrCodeChannelClosed):
		e.dropSend("closed")
		return nil
	default:
		e.reportSync(ctx, "send_message", err)
		return err
	}
}

func (e *Engine) dropSend(reason string) {
	telemetry.SendsDropped.Inc()
	e.logger.Warn(logging.CategoryChannel, "send_dropped", "chat channel is not open", map[string]any{"reason": reason})
}

// Leave clears the session and returns to Home. When it returns both
// channel slots are empty.
func (e *Engine) Leave(ctx context.Context) error {
	return e.do(ctx, "leave", func(context.Context) error {
		e.store.Reset()
		e.logger.Info(logging.CategoryEngine, "left", "", nil)
		return nil
	})
}

// SetActiveView switches between chat and visualizer while Active.
func (e *Engine) SetActiveView(ctx context.Context, mode model.ViewMode) error {
	return e.do(ctx, "view", func(context.Context) error {
		if !e.store.SetActiveView(mode) {
			return inputError("View is not available")
		}
		return nil
	})
}

func (e *Engine) DismissError(ctx context.Context) error {
	return e.do(ctx, "dismiss_error", func(context.Context) error {
		e.store.ClearError()
		return nil
	})
}

// Restore hydrates the store from a saved snapshot and re-syncs with the
// server. Channels reopen from the restored identity.
func (e *Engine) Restore(ctx context.Context, r store.Resumable) (bool, error) {
	var restored bool
	err := e.do(ctx, "restore", func(context.Context) error {
		if restored = e.store.Restore(r); restored {
			e.resync()
		}
		return nil
	})
	return restored, err
}

func (e *Engine) resync() {
	st := e.store.Snapshot()
	sessionID := st.SessionID()
	e.goFetch("resync", func(ctx context.Context) (func(), error) {
		session, err := e.api.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return func() {
			switch e.store.Phase() {
			case model.PhaseActive:
				e.fetchChatState()
			case model.PhaseCompleted:
				e.fetchResults(sessionID)
			}
			e.applySession(session)
		}, nil
	})
}

func (e *Engine) reportSync(ctx context.Context, op string, err error) {
	_ = e.do(ctx, op+".failed", func(context.Context) error {
		e.report(op, err)
		return nil
	})
}
