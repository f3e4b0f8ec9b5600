package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/poller"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

// fetchChatState pulls the participant's message backlog and the roster
// concurrently.
func (e *Engine) fetchChatState() {
	st := e.store.Snapshot()
	if st.User == nil {
		return
	}
	userID, sessionID := st.User.ID, st.SessionID()
	e.goFetch("chat_state", func(ctx context.Context) (func(), error) {
		var (
			msgs   []model.Message
			groups []model.Subgroup
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			msgs, err = e.api.ListMessages(gctx, userID)
			return err
		})
		g.Go(func() error {
			var err error
			groups, err = e.api.ListSubgroups(gctx, sessionID)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return func() {
			e.store.AppendMessages(msgs)
			e.store.ReplaceSubgroups(groups)
		}, nil
	})
}

func (e *Engine) refreshRoster(sessionID string) {
	if sessionID == "" {
		return
	}
	e.goFetch("roster", func(ctx context.Context) (func(), error) {
		groups, err := e.api.ListSubgroups(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return func() { e.store.ReplaceSubgroups(groups) }, nil
	})
}

func (e *Engine) fetchResults(sessionID string) {
	e.goFetch("results", func(ctx context.Context) (func(), error) {
		res, err := e.api.GetResults(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return func() { e.store.SetResults(res) }, nil
	})
}

// discoverAssignment re-reads the participant to learn a subgroup the push
// channel did not deliver. At most one refresh is in flight.
func (e *Engine) discoverAssignment() {
	st := e.store.Snapshot()
	if st.User == nil {
		return
	}
	if st.User.SubgroupID != "" {
		e.enterActive("")
		return
	}
	if e.refreshing && e.refreshEpoch == st.Epoch {
		return
	}
	e.refreshing, e.refreshEpoch = true, st.Epoch
	userID := st.User.ID
	e.goFetch("refresh_user", func(ctx context.Context) (func(), error) {
		user, err := e.api.GetUser(ctx, userID)
		return func() {
			e.refreshing = false
			if err != nil {
				e.report("refresh_user", err)
				return
			}
			if !e.store.SetUser(user) || user.SubgroupID == "" {
				return
			}
			label := ""
			if cur := e.store.Snapshot().CurrentSubgroup; cur != nil {
				label = cur.Label
			}
			e.enterActive(label)
		}, nil
	})
}

// applySession folds a pulled session into the store and reacts to status
// changes the push channel may have missed.
func (e *Engine) applySession(session *model.Session) {
	if !e.store.ApplyServerSession(session) {
		return
	}
	switch e.store.Snapshot().Session.Status {
	case model.StatusActive:
		switch e.store.Phase() {
		case model.PhaseWaiting, model.PhaseAwaitingJoin:
			e.discoverAssignment()
		}
	case model.StatusCompleted:
		switch e.store.Phase() {
		case model.PhaseActive:
			e.complete(session.ID)
		case model.PhaseWaiting, model.PhaseAwaitingJoin:
			e.store.SetError("Session has ended")
		}
	}
}

// pollFetch runs on the poller goroutine and applies on the loop.
func (e *Engine) pollFetch(ctx context.Context, sessionID string, target poller.Target) error {
	err := e.pollOnce(ctx, sessionID, target)
	event := telemetry.Event{
		Type:      telemetry.EventPollCompleted,
		SessionID: sessionID,
		Data:      map[string]any{"target": string(target)},
	}
	if err != nil {
		event.Type = telemetry.EventPollFailed
		event.Data["error"] = err.Error()
	}
	e.hub.Publish(event)
	return err
}

func (e *Engine) pollOnce(ctx context.Context, sessionID string, target poller.Target) error {
	var apply func()
	switch target {
	case poller.TargetSession:
		session, err := e.api.GetSession(ctx, sessionID)
		if err != nil {
			e.reportAsync(ctx, "poll_session", err)
			return err
		}
		apply = func() { e.applySession(session) }
	case poller.TargetSubgroups:
		groups, err := e.api.ListSubgroups(ctx, sessionID)
		if err != nil {
			e.reportAsync(ctx, "poll_subgroups", err)
			return err
		}
		apply = func() { e.store.ReplaceSubgroups(groups) }
	case poller.TargetIdeas:
		ideas, err := e.api.ListIdeas(ctx, sessionID)
		if err != nil {
			e.reportAsync(ctx, "poll_ideas", err)
			return err
		}
		apply = func() { e.store.ReplaceIdeas(ideas) }
	default:
		return nil
	}

	e.post(ctx, "poll."+string(target), func(context.Context) error {
		if e.store.Snapshot().SessionID() != sessionID {
			return nil
		}
		apply()
		return nil
	})
	return nil
}

func (e *Engine) reportAsync(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	e.post(ctx, op+".failed", func(context.Context) error {
		e.report(op, err)
		return nil
	})
}
