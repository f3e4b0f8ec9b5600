// Package poller runs the periodic reconciliation pulls. Which resources are
// pulled, and how often, is a function of the session phase only.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

// Target is a pullable resource.
type Target string

const (
	TargetSession   Target = "session"
	TargetSubgroups Target = "subgroups"
	TargetIdeas     Target = "ideas"
)

// Intervals holds the per-phase poll periods.
type Intervals struct {
	Waiting time.Duration
	Active  time.Duration
}

// Policy is what to pull and how often. A zero Policy polls nothing.
type Policy struct {
	Targets  []Target
	Interval time.Duration
}

// Idle reports whether the policy has nothing to do.
func (p Policy) Idle() bool {
	return len(p.Targets) == 0 || p.Interval <= 0
}

// PolicyFor maps a phase to its policy. Waiting watches the session for the
// start; Active refreshes ideas and the roster. Every other phase is idle.
func PolicyFor(phase model.Phase, iv Intervals) Policy {
	switch phase {
	case model.PhaseWaiting:
		return Policy{Targets: []Target{TargetSession}, Interval: iv.Waiting}
	case model.PhaseActive:
		return Policy{Targets: []Target{TargetIdeas, TargetSubgroups}, Interval: iv.Active}
	default:
		return Policy{}
	}
}

// Fetcher performs one pull. It runs on the poller goroutine and must return
// once ctx is done.
type Fetcher func(ctx context.Context, sessionID string, target Target) error

type run struct {
	phase     model.Phase
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Poller owns at most one running schedule.
type Poller struct {
	intervals Intervals
	fetch     Fetcher
	logger    *logging.Logger

	mu      sync.Mutex
	current *run
}

func New(iv Intervals, fetch Fetcher, logger *logging.Logger) *Poller {
	return &Poller{intervals: iv, fetch: fetch, logger: logger}
}

// Reconcile makes the running schedule match phase and sessionID. The old
// schedule is stopped and waited for before a new one starts.
func (p *Poller) Reconcile(phase model.Phase, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	policy := PolicyFor(phase, p.intervals)
	if sessionID == "" {
		policy = Policy{}
	}
	if cur := p.current; cur != nil {
		if cur.phase == phase && cur.sessionID == sessionID {
			return
		}
		p.stopLocked()
	}
	if policy.Idle() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{phase: phase, sessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	p.current = r
	p.logger.Debug(logging.CategoryPoll, "schedule_started", "", map[string]any{
		"phase":       string(phase),
		"session_id":  sessionID,
		"interval_ms": policy.Interval.Milliseconds(),
	})
	go p.loop(ctx, r, policy)
}

// Active returns the phase and session being polled.
func (p *Poller) Active() (model.Phase, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return "", "", false
	}
	return p.current.phase, p.current.sessionID, true
}

// Stop halts any running schedule.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.current == nil {
		return
	}
	p.current.cancel()
	<-p.current.done
	p.current = nil
}

func (p *Poller) loop(ctx context.Context, r *run, policy Policy) {
	defer close(r.done)
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, target := range policy.Targets {
			if ctx.Err() != nil {
				return
			}
			err := p.fetch(ctx, r.sessionID, target)
			telemetry.PollRequests.WithLabelValues(string(target), telemetry.Outcome(err)).Inc()
			if err != nil && ctx.Err() == nil {
				p.logger.Warn(logging.CategoryPoll, "poll_failed", err.Error(), map[string]any{
					"target":     string(target),
					"session_id": r.sessionID,
				})
			}
		}
	}
}
