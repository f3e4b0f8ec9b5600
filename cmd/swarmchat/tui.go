package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
	"github.com/odvcencio/swarmchat/pkg/toast"
	"github.com/odvcencio/swarmchat/pkg/view"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	surrogateSty = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Italic(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	toastStyles = map[toast.Level]lipgloss.Style{
		toast.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		toast.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		toast.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		toast.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

func runTUICommand(args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	var opts globalOptions
	registerGlobalFlags(fs, &opts)
	altScreen := fs.Bool("alt-screen", true, "Use the terminal's alternate screen")
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

	if _, err := a.restore(ctx); err != nil {
		// The home screen is still usable.
		a.toasts.Notify(toast.LevelWarning, "resume", "Could not resume", err.Error())
	}

	m := newTUIModel(ctx, a)
	a.toasts.SetOnChange(m.offerToasts)
	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if *altScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	p := tea.NewProgram(m, progOpts...)

	_, err = p.Run()
	cancel()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

type (
	stateMsg  store.State
	toastsMsg []*toast.Toast
	actionMsg struct {
		op  string
		err error
	}
)

// tuiModel renders whatever screen the router picks for the latest snapshot.
type tuiModel struct {
	ctx     context.Context
	app     *app
	changes <-chan store.Change

	// Latest toast snapshot; older pending snapshots are replaced.
	toastMu sync.Mutex
	toastCh chan []*toast.Toast

	st     store.State
	toasts []*toast.Toast
	busy   string

	code, name, input textinput.Model
	focus             int
	log               viewport.Model
	spin              spinner.Model
	width, height     int
}

func newTUIModel(ctx context.Context, a *app) *tuiModel {
	changes, _ := a.store.Subscribe()

	code := textinput.New()
	code.Placeholder = "JOIN CODE"
	code.CharLimit = 12
	code.Focus()
	name := textinput.New()
	name.Placeholder = "display name"
	name.CharLimit = 40
	input := textinput.New()
	input.Placeholder = "say something"
	input.CharLimit = 2000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &tuiModel{
		ctx:     ctx,
		app:     a,
		changes: changes,
		toastCh: make(chan []*toast.Toast, 1),
		st:      a.store.Snapshot(),
		code:    code,
		name:    name,
		input:   input,
		log:     viewport.New(80, 20),
		spin:    sp,
	}
}

func (m *tuiModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ctx.Done():
			return tea.Quit()
		case _, ok := <-m.changes:
			if !ok {
				return tea.Quit()
			}
			return stateMsg(m.app.store.Snapshot())
		}
	}
}

// offerToasts is the toast manager callback. It never blocks.
func (m *tuiModel) offerToasts(active []*toast.Toast) {
	m.toastMu.Lock()
	defer m.toastMu.Unlock()
	select {
	case <-m.toastCh:
	default:
	}
	m.toastCh <- active
}

func (m *tuiModel) waitForToasts() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ctx.Done():
			return nil
		case active := <-m.toastCh:
			return toastsMsg(active)
		}
	}
}

// act runs an engine action off the update loop.
func (m *tuiModel) act(op string, fn func(ctx context.Context) error) tea.Cmd {
	m.busy = op
	return func() tea.Msg {
		return actionMsg{op: op, err: fn(m.ctx)}
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick, m.waitForChange(), m.waitForToasts())
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.log.Width = max(20, msg.Width-4)
		m.log.Height = max(5, msg.Height-10)
		m.input.Width = max(10, msg.Width-6)
		m.refreshLog()
	case stateMsg:
		prev := view.Route(m.st)
		m.st = store.State(msg)
		if next := view.Route(m.st); next != prev {
			m.focusFor(next)
		}
		m.refreshLog()
		cmds = append(cmds, m.waitForChange())
	case toastsMsg:
		m.toasts = msg
		cmds = append(cmds, m.waitForToasts())
	case actionMsg:
		m.busy = ""
		if msg.op == "send" && msg.err == nil {
			m.input.Reset()
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	cmds = append(cmds, m.updateInputs(msg))
	return m, tea.Batch(cmds...)
}

func (m *tuiModel) focusFor(screen view.Screen) {
	m.code.Blur()
	m.name.Blur()
	m.input.Blur()
	switch screen {
	case view.ScreenHome:
		m.focus = 0
		m.code.Focus()
	case view.ScreenChat:
		m.input.Focus()
	}
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	e := m.app.engine
	screen := view.Route(m.st)

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true
	case "esc":
		if m.st.Error != "" {
			return m.act("dismiss", e.DismissError), true
		}
	case "ctrl+l":
		if screen != view.ScreenHome {
			return m.act("leave", e.Leave), true
		}
	case "ctrl+s":
		if m.isAdmin() && screen == view.ScreenWaiting && m.busy == "" {
			return m.act("start", func(ctx context.Context) error {
				_, err := e.StartSession(ctx, "")
				return err
			}), true
		}
	case "ctrl+x":
		if m.isAdmin() && (screen == view.ScreenChat || screen == view.ScreenVisualizer) && m.busy == "" {
			return m.act("stop", func(ctx context.Context) error { return e.StopSession(ctx, "") }), true
		}
	case "ctrl+v":
		switch screen {
		case view.ScreenChat:
			return m.act("view", func(ctx context.Context) error { return e.SetActiveView(ctx, model.ViewVisualizer) }), true
		case view.ScreenVisualizer:
			return m.act("view", func(ctx context.Context) error { return e.SetActiveView(ctx, model.ViewChat) }), true
		}
	case "tab", "shift+tab":
		if screen == view.ScreenHome {
			m.focus = 1 - m.focus
			if m.focus == 0 {
				m.name.Blur()
				m.code.Focus()
			} else {
				m.code.Blur()
				m.name.Focus()
			}
			return nil, true
		}
	case "enter":
		if m.busy != "" {
			return nil, true
		}
		switch screen {
		case view.ScreenHome:
			code, name := m.code.Value(), m.name.Value()
			return m.act("join", func(ctx context.Context) error { return e.JoinSession(ctx, code, name) }), true
		case view.ScreenChat:
			content := m.input.Value()
			if strings.TrimSpace(content) == "" {
				return nil, true
			}
			return m.act("send", func(ctx context.Context) error { return e.SendMessage(ctx, content) }), true
		}
	}
	return nil, false
}

func (m *tuiModel) isAdmin() bool {
	return m.st.User != nil && m.st.User.IsAdmin
}

// adminHelp is appended to a screen's key help for admins.
func (m *tuiModel) adminHelp(keys string) string {
	if !m.isAdmin() {
		return ""
	}
	return " · " + keys
}

func (m *tuiModel) updateInputs(msg tea.Msg) tea.Cmd {
	var cmds [3]tea.Cmd
	switch view.Route(m.st) {
	case view.ScreenHome:
		m.code, cmds[0] = m.code.Update(msg)
		m.name, cmds[1] = m.name.Update(msg)
	case view.ScreenChat:
		m.input, cmds[2] = m.input.Update(msg)
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return tea.Batch(append(cmds[:], cmd)...)
	}
	return tea.Batch(cmds[:]...)
}

func (m *tuiModel) refreshLog() {
	msgs := m.st.CurrentMessages()
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, m.renderMessage(msg))
	}
	atBottom := m.log.AtBottom()
	m.log.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		m.log.GotoBottom()
	}
}

func (m *tuiModel) renderMessage(msg model.Message) string {
	line := formatMessage(msg)
	switch {
	case m.st.User != nil && msg.UserID == m.st.User.ID:
		return selfStyle.Render(line)
	case msg.MsgType != model.MsgHuman:
		return surrogateSty.Render(line)
	}
	return line
}

func (m *tuiModel) View() string {
	screen := view.Route(m.st)
	var b strings.Builder
	b.WriteString(titleStyle.Render("swarmchat · "+screen.Title()) + "\n\n")

	switch screen {
	case view.ScreenHome:
		b.WriteString("Join a session\n\n")
		b.WriteString(m.code.View() + "\n")
		b.WriteString(m.name.View() + "\n\n")
		b.WriteString(mutedStyle.Render("tab switch field · enter join · ctrl+c quit"))
	case view.ScreenJoining:
		b.WriteString(m.spin.View() + " joining…")
	case view.ScreenWaiting:
		b.WriteString(m.renderWaiting())
	case view.ScreenChat:
		b.WriteString(m.renderChat())
	case view.ScreenVisualizer:
		b.WriteString(m.renderVisualizer())
	case view.ScreenResults:
		b.WriteString(m.renderResults())
	}

	if m.st.Error != "" {
		b.WriteString("\n\n" + errorStyle.Render(m.st.Error) + mutedStyle.Render("  (esc to dismiss)"))
	}
	for _, t := range m.toasts {
		style, ok := toastStyles[t.Level]
		if !ok {
			style = mutedStyle
		}
		b.WriteString("\n" + style.Render(fmt.Sprintf("● %s  %s", t.Title, t.Message)))
	}
	return b.String()
}

func (m *tuiModel) renderWaiting() string {
	var b strings.Builder
	if s := m.st.Session; s != nil {
		fmt.Fprintf(&b, "%s\n", s.Title)
		fmt.Fprintf(&b, "join code %s", s.JoinCode)
		if s.UserCount > 0 {
			fmt.Fprintf(&b, " · %d joined", s.UserCount)
		}
		b.WriteString("\n\n")
	}
	b.WriteString(m.spin.View() + " waiting for the host to start\n\n")
	b.WriteString(mutedStyle.Render("ctrl+l leave · ctrl+c quit" + m.adminHelp("ctrl+s start")))
	return b.String()
}

func (m *tuiModel) renderChat() string {
	var b strings.Builder
	if g := m.st.CurrentSubgroup; g != nil {
		names := make([]string, 0, len(g.Members))
		for _, u := range g.Members {
			names = append(names, u.DisplayName)
		}
		fmt.Fprintf(&b, "%s · %s\n", g.Label, mutedStyle.Render(strings.Join(names, ", ")))
	}
	b.WriteString(panelStyle.Render(m.log.View()) + "\n")
	if m.st.SurrogateTyping {
		b.WriteString(surrogateSty.Render("a surrogate is typing…") + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	b.WriteString(mutedStyle.Render("enter send · ctrl+v ideas · ctrl+l leave" + m.adminHelp("ctrl+x stop")))
	return b.String()
}

func (m *tuiModel) renderVisualizer() string {
	var b strings.Builder
	if s := m.st.Session; s != nil && s.Convergence != nil {
		fmt.Fprintf(&b, "convergence %s\n\n", convergenceBar(*s.Convergence, 30))
	}
	ideas := append([]model.Idea(nil), m.st.Ideas...)
	sort.SliceStable(ideas, func(i, j int) bool {
		return ideas[i].SupportCount-ideas[i].ChallengeCount > ideas[j].SupportCount-ideas[j].ChallengeCount
	})
	if len(ideas) == 0 {
		b.WriteString(mutedStyle.Render("no ideas yet") + "\n")
	}
	for _, idea := range ideas {
		fmt.Fprintf(&b, "%s  %s\n", sentimentMark(idea.Sentiment), idea.Summary)
		b.WriteString(mutedStyle.Render(fmt.Sprintf("   +%d / -%d", idea.SupportCount, idea.ChallengeCount)) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render(fmt.Sprintf("%d subgroups · ctrl+v chat · ctrl+l leave", len(m.st.Subgroups))+m.adminHelp("ctrl+x stop")))
	return b.String()
}

func (m *tuiModel) renderResults() string {
	if m.st.Results == nil {
		return m.spin.View() + " fetching results\n\n" + mutedStyle.Render("ctrl+l leave")
	}
	return panelStyle.Render(formatResults(m.st.Results)) + "\n\n" + mutedStyle.Render("ctrl+l leave")
}

func convergenceBar(score float64, width int) string {
	score = min(1, max(0, score))
	filled := int(score * float64(width))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + fmt.Sprintf("] %.0f%%", score*100)
}

func sentimentMark(s float64) string {
	switch {
	case s > 0.2:
		return selfStyle.Render("▲")
	case s < -0.2:
		return errorStyle.Render("▼")
	}
	return mutedStyle.Render("■")
}
