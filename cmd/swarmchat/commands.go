package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/odvcencio/swarmchat/pkg/api"
	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/toast"
	"github.com/odvcencio/swarmchat/pkg/view"
)

func usageError(format string, args ...any) error {
	return withExitCode(fmt.Errorf(format, args...), exitUsage)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withEngine runs fn against a started app whose store is left at Home.
func withEngine(opts globalOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	a.start(ctx)
	defer func() {
		cancel()
		a.wait()
	}()
	return fn(ctx, a)
}

func runCreateCommand(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	var opts globalOptions
	registerGlobalFlags(fs, &opts)
	title := fs.String("title", "", "Session title")
	size := fs.Int("size", api.DefaultSubgroupSize, "Participants per subgroup")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*title) == "" {
		return usageError("--title is required")
	}
	if *size < 2 {
		return usageError("--size must be at least 2")
	}

	return withEngine(opts, func(ctx context.Context, a *app) error {
		session, err := a.engine.CreateSession(ctx, *title, *size)
		if err != nil {
			return err
		}
		fmt.Printf("Created %q\n  id:        %s\n  join code: %s\n", session.Title, session.ID, session.JoinCode)
		return nil
	})
}

func sessionFlag(fs *flag.FlagSet) *string {
	return fs.String("session", "", "Session id")
}

func runStartCommand(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	var opts globalOptions
	registerGlobalFlags(fs, &opts)
	sessionID := sessionFlag(fs)
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*sessionID) == "" {
		return usageError("--session is required")
	}

	return withEngine(opts, func(ctx context.Context, a *app) error {
		groups, err := a.engine.StartSession(ctx, *sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("Started with %d subgroups\n", len(groups))
		for _, g := range groups {
			names := make([]string, 0, len(g.Members))
			for _, m := range g.Members {
				names = append(names, m.DisplayName)
			}
			fmt.Printf("  %s: %s\n", g.Label, strings.Join(names, ", "))
		}
		return nil
	})
}

func runStopCommand(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	var opts globalOptions
	registerGlobalFlags(fs, &opts)
	sessionID := sessionFlag(fs)
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*sessionID) == "" {
		return usageError("--session is required")
	}

	return withEngine(opts, func(ctx context.Context, a *app) error {
		if err := a.engine.StopSession(ctx, *sessionID); err != nil {
			return err
		}
		fmt.Println("Stopped")
		return nil
	})
}

func runJoinCommand(args []string) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	var opts globalOptions
	registerGlobalFlags(fs, &opts)
	code := fs.String("code", "", "Join code")
	name := fs.String("name", "", "Display name")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if strings.TrimSpace(*code) == "" || strings.TrimSpace(*name) == "" {
		return usageError("--code and --name are required")
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	a.start(ctx)
	defer func() {
		cancel()
		a.wait()
	}()

	printer := newWatchPrinter(os.Stdout)
	a.toasts.SetOnChange(printer.toasts)
	if err := a.engine.JoinSession(ctx, *code, *name); err != nil {
		cancel()
		return err
	}
	printer.follow(ctx, a.store)
	return nil
}

func runWatchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var opts globalOptions
	registerGlobalFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	a.start(ctx)
	defer func() {
		cancel()
		a.wait()
	}()

	restored, err := a.restore(ctx)
	if err != nil {
		cancel()
		return err
	}
	if !restored {
		cancel()
		return errors.New(errors.ErrCodeNotFound, "no saved session").
			WithUserMessage("No saved session; use join first")
	}

	printer := newWatchPrinter(os.Stdout)
	a.toasts.SetOnChange(printer.toasts)
	printer.follow(ctx, a.store)
	return nil
}

// watchPrinter writes store changes as plain lines.
type watchPrinter struct {
	mu           sync.Mutex
	w            io.Writer
	screen       view.Screen
	seen         int
	typing       bool
	lastErr      string
	resultsShown bool
	toastIDs     map[string]struct{}
}

func newWatchPrinter(w io.Writer) *watchPrinter {
	return &watchPrinter{w: w, toastIDs: make(map[string]struct{})}
}

func (p *watchPrinter) follow(ctx context.Context, st *store.Store) {
	changes, unsubscribe := st.Subscribe()
	defer unsubscribe()
	p.render(st.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			p.render(st.Snapshot())
		}
	}
}

func (p *watchPrinter) render(st store.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if screen := view.Route(st); screen != p.screen {
		p.screen = screen
		p.resultsShown = false
		fmt.Fprintf(p.w, "== %s ==\n", screen.Title())
		switch screen {
		case view.ScreenWaiting:
			if st.Session != nil {
				fmt.Fprintf(p.w, "session %q, join code %s\n", st.Session.Title, st.Session.JoinCode)
			}
		case view.ScreenChat, view.ScreenVisualizer:
			if st.CurrentSubgroup != nil {
				fmt.Fprintf(p.w, "subgroup %s (%d members)\n", st.CurrentSubgroup.Label, len(st.CurrentSubgroup.Members))
			}
		}
	}

	msgs := st.CurrentMessages()
	if len(msgs) < p.seen {
		p.seen = 0
	}
	for _, m := range msgs[p.seen:] {
		fmt.Fprintf(p.w, "%s\n", formatMessage(m))
	}
	p.seen = len(msgs)

	if st.SurrogateTyping != p.typing {
		p.typing = st.SurrogateTyping
		if p.typing {
			fmt.Fprintln(p.w, "... a surrogate is typing")
		}
	}
	if st.Error != p.lastErr {
		p.lastErr = st.Error
		if st.Error != "" {
			fmt.Fprintf(p.w, "! %s\n", st.Error)
		}
	}
	if st.Results != nil && p.screen == view.ScreenResults && !p.resultsShown {
		p.resultsShown = true
		fmt.Fprintln(p.w, formatResults(st.Results))
	}
}

// toasts is called from toast timers as well; it prints each id once.
func (p *watchPrinter) toasts(active []*toast.Toast) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{}, len(active))
	for _, t := range active {
		live[t.ID] = struct{}{}
		if _, ok := p.toastIDs[t.ID]; ok {
			continue
		}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", t.Level, t.Title, t.Message)
	}
	p.toastIDs = live
}

func formatMessage(m model.Message) string {
	who := m.DisplayName
	switch {
	case who == "" && m.MsgType == model.MsgSurrogate:
		who = "surrogate"
	case who == "":
		who = "anonymous"
	}
	if m.MsgType == model.MsgContributor && m.SourceSubgroupID != "" {
		who += " (from " + m.SourceSubgroupID + ")"
	}
	return fmt.Sprintf("%s  %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}

func formatResults(r *model.Results) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.Title)
	if r.FinalConvergence != nil {
		fmt.Fprintf(&b, "final convergence: %.0f%%\n", *r.FinalConvergence*100)
	}
	if r.Summary != "" {
		fmt.Fprintf(&b, "%s\n", r.Summary)
	}
	fmt.Fprintf(&b, "%d subgroups, %d ideas, %d messages", len(r.Subgroups), len(r.Ideas), len(r.Messages))
	for _, idea := range r.Ideas {
		fmt.Fprintf(&b, "\n  - %s (+%d/-%d)", idea.Summary, idea.SupportCount, idea.ChallengeCount)
	}
	return b.String()
}
