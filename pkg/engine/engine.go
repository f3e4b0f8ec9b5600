// Package engine serializes every state mutation onto one loop. Frames from
// the channels, poll results, fetch completions and user actions are all
// posted as tasks; after each task the engine reconciles the channel slots
// and the poll schedule against the new state.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/swarmchat/pkg/channel"
	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/poller"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
	"github.com/odvcencio/swarmchat/pkg/toast"
)

//go:generate mockgen -destination=mock_api_test.go -package=engine github.com/odvcencio/swarmchat/pkg/engine API

// API is the session-management collaborator.
type API interface {
	CreateSession(ctx context.Context, title string, subgroupSize int) (*model.Session, error)
	JoinSession(ctx context.Context, joinCode, displayName string) (*model.User, error)
	StartSession(ctx context.Context, sessionID string) ([]model.Subgroup, error)
	StopSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSubgroups(ctx context.Context, sessionID string) ([]model.Subgroup, error)
	ListIdeas(ctx context.Context, sessionID string) ([]model.Idea, error)
	GetResults(ctx context.Context, sessionID string) (*model.Results, error)
	ListMessages(ctx context.Context, userID string) ([]model.Message, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

// Channels is the push side as the engine sees it.
type Channels interface {
	Reconcile(id channel.Identity)
	Ready(slot channel.Slot) bool
	Send(ctx context.Context, content string) error
	Close()
}

// ChannelFactory builds Channels that deliver into the engine.
type ChannelFactory func(onFrame channel.Handler, onStatus channel.StatusHandler) Channels

// ManagerFactory returns a factory for websocket-backed channels.
func ManagerFactory(opts channel.Options) ChannelFactory {
	return func(onFrame channel.Handler, onStatus channel.StatusHandler) Channels {
		opts.OnFrame = onFrame
		opts.OnStatus = onStatus
		return channel.NewManager(opts)
	}
}

// Options configures an Engine.
type Options struct {
	API       API
	Store     *store.Store
	Channels  ChannelFactory
	Toasts    toast.Sink
	Intervals poller.Intervals
	TypingTTL time.Duration
	Logger    *logging.Logger
	Hub       *telemetry.Hub
}

const taskQueueSize = 64

var errStopped = errors.New(errors.ErrCodeInternal, "engine stopped")

type task struct {
	id   string
	name string
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget
}

// Engine drives the store. Construct with New, then call Run.
type Engine struct {
	api       API
	store     *store.Store
	channels  Channels
	poller    *poller.Poller
	toasts    toast.Sink
	typingTTL time.Duration
	logger    *logging.Logger
	hub       *telemetry.Hub

	tasks   chan task
	stopped chan struct{}
	once    sync.Once
	fetches sync.WaitGroup

	// loop-owned
	loopCtx      context.Context
	lost         map[channel.Slot]bool
	refreshing   bool
	refreshEpoch uint64
}

func New(opts Options) *Engine {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 5 * time.Second
	}
	e := &Engine{
		api:       opts.API,
		store:     opts.Store,
		toasts:    opts.Toasts,
		typingTTL: opts.TypingTTL,
		logger:    opts.Logger,
		hub:       opts.Hub,
		tasks:     make(chan task, taskQueueSize),
		stopped:   make(chan struct{}),
		loopCtx:   context.Background(),
		lost:      make(map[channel.Slot]bool),
	}
	e.channels = opts.Channels(e.onFrame, e.onStatus)
	e.poller = poller.New(opts.Intervals, e.pollFetch, opts.Logger)
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Run processes tasks until ctx is done, then closes the channels and the
// poller and waits for in-flight fetches.
func (e *Engine) Run(ctx context.Context) error {
	e.loopCtx = ctx
	defer e.shutdown()

	e.reconcile()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-e.tasks:
			err := e.runTask(ctx, t)
			e.reconcile()
			if t.done != nil {
				t.done <- err
			}
		}
	}
}

func (e *Engine) shutdown() {
	e.once.Do(func() { close(e.stopped) })
	e.poller.Stop()
	e.channels.Close()
	e.fetches.Wait()
	e.logger.Info(logging.CategoryEngine, "stopped", "", nil)
}

func (e *Engine) runTask(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodeInternal, "task %s panicked: %v", t.name, r)
			e.logger.Error(logging.CategoryEngine, "task_panic", err.Error(), map[string]any{"task": t.name, "task_id": t.id})
		}
	}()
	return t.fn(ctx)
}

// post queues fn without waiting for it.
func (e *Engine) post(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	t := task{id: ulid.Make().String(), name: name, fn: fn}
	select {
	case e.tasks <- t:
		return true
	case <-ctx.Done():
	case <-e.stopped:
	}
	e.logger.Debug(logging.CategoryEngine, "task_dropped", "", map[string]any{"task": name})
	return false
}

// do runs fn on the loop and waits until it and the following reconcile
// have finished.
func (e *Engine) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t := task{id: ulid.Make().String(), name: name, fn: fn, done: make(chan error, 1)}
	select {
	case e.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return errStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return errStopped
	}
}

// identity derives the channel keys from state.
func identity(st store.State) channel.Identity {
	if st.User == nil {
		return channel.Identity{}
	}
	return channel.Identity{
		ParticipantID: st.User.ID,
		SessionID:     st.SessionID(),
		SubgroupID:    st.User.SubgroupID,
	}
}

func (e *Engine) reconcile() {
	st := e.store.Snapshot()
	e.channels.Reconcile(identity(st))
	e.poller.Reconcile(st.Phase, st.SessionID())
}

// goFetch runs fetch off the loop and applies its result on the loop, unless
// the store was reset in between.
func (e *Engine) goFetch(op string, fetch func(ctx context.Context) (apply func(), err error)) {
	epoch := e.store.Epoch()
	ctx := e.loopCtx
	e.fetches.Add(1)
	go func() {
		defer e.fetches.Done()
		apply, err := fetch(ctx)
		e.post(ctx, op+".apply", func(context.Context) error {
			if e.store.Epoch() != epoch {
				e.logger.Debug(logging.CategoryEngine, "stale_result", "", map[string]any{"op": op})
				return nil
			}
			if err != nil {
				e.report(op, err)
				return nil
			}
			apply()
			return nil
		})
	}()
}

func (e *Engine) notify(level toast.Level, key, title, message string) {
	if e.toasts == nil {
		return
	}
	e.toasts.Notify(level, key, title, message)
}

// report routes a failure: transport problems become a toast keyed by op,
// malformed payloads are logged only, everything else fills the error slot.
func (e *Engine) report(op string, err error) {
	if err == nil {
		return
	}
	code := errors.GetCode(err)
	e.logger.Warn(logging.CategoryEngine, "action_failed", err.Error(), map[string]any{
		"op":   op,
		"code": string(code),
	})
	e.hub.Publish(telemetry.Event{
		Type:      telemetry.EventActionFailed,
		SessionID: e.store.Snapshot().SessionID(),
		Data:      map[string]any{"op": op, "code": string(code)},
	})

	switch code {
	case errors.ErrCodeTransport:
		e.notify(toast.LevelWarning, "transport."+op, "Connection problem", errors.UserMessage(err))
	case errors.ErrCodeValidation:
	default:
		e.store.SetError(errors.UserMessage(err))
	}
}
