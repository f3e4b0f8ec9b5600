// Package channel owns the two push connections of a participant: one per
// session and one per chat subgroup. Each slot holds at most one handle,
// keyed by identity, and a handle is always torn down before its
// replacement is dialed.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

// Slot names one of the two connection slots.
type Slot string

const (
	SlotSession Slot = "session"
	SlotChat    Slot = "chat"
)

// slots in reconcile order: the session channel is keyed on less identity
// and is settled first.
var slots = []Slot{SlotSession, SlotChat}

// Key identifies a connection: participant plus session or subgroup id.
type Key struct {
	ParticipantID string
	ScopeID       string
}

// Zero reports whether the key lacks either part.
func (k Key) Zero() bool {
	return k.ParticipantID == "" || k.ScopeID == ""
}

// Identity is the tuple the manager reconciles against.
type Identity struct {
	ParticipantID string
	SessionID     string
	SubgroupID    string
}

// SessionKey is set once participant and session are known.
func (i Identity) SessionKey() Key {
	if i.ParticipantID == "" || i.SessionID == "" {
		return Key{}
	}
	return Key{ParticipantID: i.ParticipantID, ScopeID: i.SessionID}
}

// ChatKey additionally requires a subgroup.
func (i Identity) ChatKey() Key {
	if i.SessionKey().Zero() || i.SubgroupID == "" {
		return Key{}
	}
	return Key{ParticipantID: i.ParticipantID, ScopeID: i.SubgroupID}
}

func (i Identity) key(slot Slot) Key {
	if slot == SlotChat {
		return i.ChatKey()
	}
	return i.SessionKey()
}

// Inbound is one decoded frame.
type Inbound struct {
	Slot       Slot
	Key        Key
	Frame      model.Frame
	ReceivedAt time.Time
}

// Handler receives frames on the handle's goroutine. It must return once
// ctx is done; the manager waits for it while closing the handle.
type Handler func(ctx context.Context, in Inbound)

// Status is a handle's connection state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusLost       Status = "lost"
	StatusClosed     Status = "closed"
)

// StatusEvent reports a connection state change.
type StatusEvent struct {
	Slot   Slot
	Key    Key
	Status Status
	Err    error
}

// StatusHandler observes status changes. Same contract as Handler.
type StatusHandler func(ctx context.Context, ev StatusEvent)

// ReconnectPolicy controls redial after an unexpected disconnect. With
// Enabled false a lost handle stays down until the identity changes.
type ReconnectPolicy struct {
	Enabled        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Options configures a Manager.
type Options struct {
	BaseURL      string // ws:// or wss:// root; /ws/... is appended
	Token        string
	PingInterval time.Duration
	PingTimeout  time.Duration
	DialTimeout  time.Duration
	ReadLimit    int64
	Reconnect    ReconnectPolicy
	OnFrame      Handler
	OnStatus     StatusHandler
	Logger       *logging.Logger
	Hub          *telemetry.Hub
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Reconnect.InitialBackoff <= 0 {
		o.Reconnect.InitialBackoff = 500 * time.Millisecond
	}
	if o.Reconnect.MaxBackoff < o.Reconnect.InitialBackoff {
		o.Reconnect.MaxBackoff = 30 * time.Second
	}
}

// ErrNotReady is returned by Send when the chat channel is not open.
var ErrNotReady = errors.New(errors.ErrCodeChannelClosed, "chat channel is not open")

// Manager holds the per-slot handles.
type Manager struct {
	opts Options

	mu      sync.Mutex
	handles map[Slot]*handle
	closed  bool
}

// NewManager builds a manager. Nothing is dialed until Reconcile.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:    opts,
		handles: make(map[Slot]*handle),
	}
}

// Reconcile brings both slots in line with id. For each slot whose key
// changed, the old handle is closed and waited for before the new one is
// started. A slot whose key is unchanged is left alone, even if its
// connection was lost.
func (m *Manager) Reconcile(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	for _, slot := range slots {
		want := id.key(slot)
		cur := m.handles[slot]
		if cur != nil && cur.key == want {
			continue
		}
		if cur != nil {
			cur.close()
			delete(m.handles, slot)
		}
		if want.Zero() {
			continue
		}
		h := newHandle(slot, want, &m.opts)
		m.handles[slot] = h
		h.start()
	}
}

// Ready reports whether slot has an open connection.
func (m *Manager) Ready(slot Slot) bool {
	m.mu.Lock()
	h := m.handles[slot]
	m.mu.Unlock()
	return h != nil && h.status() == StatusOpen
}

// Key returns the key held in slot, or the zero Key.
func (m *Manager) Key(slot Slot) Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handles[slot]; h != nil {
		return h.key
	}
	return Key{}
}

// Status returns the state of slot's handle, or StatusClosed if empty.
func (m *Manager) Status(slot Slot) Status {
	m.mu.Lock()
	h := m.handles[slot]
	m.mu.Unlock()
	if h == nil {
		return StatusClosed
	}
	return h.status()
}

// Handles counts occupied slots.
func (m *Manager) Handles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Send writes a chat:message frame on the chat channel.
func (m *Manager) Send(ctx context.Context, content string) error {
	m.mu.Lock()
	h := m.handles[SlotChat]
	m.mu.Unlock()
	if h == nil {
		return ErrNotReady
	}
	frame, err := model.NewFrame(model.EventChatMessage, model.ChatMessageData{
		Content:    content,
		SubgroupID: h.key.ScopeID,
	})
	if err != nil {
		return err
	}
	return h.send(ctx, frame)
}

// Close tears down both slots. The manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slot, h := range m.handles {
		h.close()
		delete(m.handles, slot)
	}
	m.closed = true
}
