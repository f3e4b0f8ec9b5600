// Package toast holds transient user-facing notifications raised by the
// sync engine: subgroup assignment, session completion, lost connections
// and failed requests.
package toast

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Level indicates the severity of a toast notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const (
	DefaultDuration = 4 * time.Second
	DefaultMaxCount = 5
)

// Sink is what the engine notifies. *Manager implements it.
type Sink interface {
	Notify(level Level, key, title, message string)
}

// Toast represents a toast notification.
type Toast struct {
	ID        string
	Key       string // Toasts sharing a non-empty key replace each other
	Level     Level
	Title     string
	Message   string
	Duration  time.Duration
	CreatedAt time.Time
}

// Manager manages active toast notifications.
type Manager struct {
	mu       sync.RWMutex
	toasts   []*Toast
	timers   map[string]*time.Timer
	maxCount int
	duration time.Duration
	onChange func([]*Toast)
}

// NewManager creates a new toast manager with default limits.
func NewManager() *Manager {
	return &Manager{
		maxCount: DefaultMaxCount,
		duration: DefaultDuration,
		timers:   make(map[string]*time.Timer),
	}
}

// SetDuration changes how long subsequent toasts stay visible.
func (m *Manager) SetDuration(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

// SetOnChange configures the callback for toast updates.
func (m *Manager) SetOnChange(fn func([]*Toast)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.onChange = fn
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

// Notify implements Sink.
func (m *Manager) Notify(level Level, key, title, message string) {
	m.Show(level, key, title, message, 0)
}

// Show creates a new toast and returns its ID. A toast with the same
// non-empty key is dismissed first.
func (m *Manager) Show(level Level, key, title, message string, duration time.Duration) string {
	if m == nil {
		return ""
	}

	m.mu.Lock()
	if duration <= 0 {
		duration = m.duration
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	toast := &Toast{
		ID:        ulid.Make().String(),
		Key:       strings.TrimSpace(key),
		Level:     level,
		Title:     strings.TrimSpace(title),
		Message:   strings.TrimSpace(message),
		Duration:  duration,
		CreatedAt: time.Now(),
	}
	if m.timers == nil {
		m.timers = make(map[string]*time.Timer)
	}
	if m.maxCount <= 0 {
		m.maxCount = DefaultMaxCount
	}
	if toast.Key != "" {
		m.removeLocked(func(t *Toast) bool { return t.Key == toast.Key })
	}
	m.toasts = append(m.toasts, toast)
	m.timers[toast.ID] = time.AfterFunc(duration, func() {
		m.Dismiss(toast.ID)
	})

	if overflow := len(m.toasts) - m.maxCount; overflow > 0 {
		for i := 0; i < overflow; i++ {
			removed := m.toasts[0]
			m.toasts = m.toasts[1:]
			m.stopTimerLocked(removed.ID)
		}
	}

	snapshot := m.snapshotLocked()
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
	return toast.ID
}

// Info shows an informational toast.
func (m *Manager) Info(title, msg string) {
	m.Show(LevelInfo, "", title, msg, 0)
}

// Success shows a success toast.
func (m *Manager) Success(title, msg string) {
	m.Show(LevelSuccess, "", title, msg, 0)
}

// Warning shows a warning toast.
func (m *Manager) Warning(title, msg string) {
	m.Show(LevelWarning, "", title, msg, 0)
}

// Error shows an error toast.
func (m *Manager) Error(title, msg string) {
	m.Show(LevelError, "", title, msg, 0)
}

// Dismiss removes a toast by ID.
func (m *Manager) Dismiss(id string) {
	if m == nil || strings.TrimSpace(id) == "" {
		return
	}
	m.mu.Lock()
	if !m.removeLocked(func(t *Toast) bool { return t.ID == id }) {
		m.mu.Unlock()
		return
	}
	snapshot := m.snapshotLocked()
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
}

// Active returns the visible toasts, oldest first.
func (m *Manager) Active() []*Toast {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Close stops all pending dismissal timers.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.timers {
		m.stopTimerLocked(id)
	}
}

func (m *Manager) removeLocked(match func(*Toast) bool) bool {
	removed := false
	remaining := m.toasts[:0]
	for _, t := range m.toasts {
		if match(t) {
			m.stopTimerLocked(t.ID)
			removed = true
			continue
		}
		remaining = append(remaining, t)
	}
	m.toasts = remaining
	return removed
}

func (m *Manager) stopTimerLocked(id string) {
	if m.timers == nil {
		return
	}
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) snapshotLocked() []*Toast {
	if len(m.toasts) == 0 {
		return nil
	}
	out := make([]*Toast, len(m.toasts))
	copy(out, m.toasts)
	return out
}
