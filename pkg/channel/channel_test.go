package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/sessiontest"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

type recorder struct {
	mu       sync.Mutex
	frames   []Inbound
	statuses []StatusEvent
}

func (r *recorder) onFrame(_ context.Context, in Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, in)
}

func (r *recorder) onStatus(_ context.Context, ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev)
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) sawStatus(slot Slot, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.statuses {
		if ev.Slot == slot && ev.Status == status {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, srv *sessiontest.Server, rec *recorder, reconnect bool) *Manager {
	t.Helper()
	m := NewManager(Options{
		BaseURL:      srv.WSURL,
		Token:        "tok",
		PingInterval: time.Hour,
		DialTimeout:  2 * time.Second,
		Reconnect: ReconnectPolicy{
			Enabled:        reconnect,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
		},
		OnFrame:  rec.onFrame,
		OnStatus: rec.onStatus,
		Logger:   logging.Discard(),
		Hub:      telemetry.NewHub(),
	})
	t.Cleanup(m.Close)
	return m
}

var (
	sessionKey = sessiontest.ConnKey{Kind: sessiontest.KindSession, UserID: "u1", ScopeID: "s1"}
	chatKey    = sessiontest.ConnKey{Kind: sessiontest.KindChat, UserID: "u1", ScopeID: "sg1"}
)

func TestIdentityKeys(t *testing.T) {
	assert.True(t, Identity{}.SessionKey().Zero())
	assert.True(t, Identity{ParticipantID: "u1"}.SessionKey().Zero())
	assert.Equal(t, Key{"u1", "s1"}, Identity{ParticipantID: "u1", SessionID: "s1"}.SessionKey())
	assert.True(t, Identity{ParticipantID: "u1", SessionID: "s1"}.ChatKey().Zero())
	assert.True(t, Identity{ParticipantID: "u1", SubgroupID: "sg1"}.ChatKey().Zero())
	assert.Equal(t, Key{"u1", "sg1"}, Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"}.ChatKey())
}

func TestReconcileOpensSessionThenChat(t *testing.T) {
	srv := sessiontest.New(t)
	rec := &recorder{}
	m := newTestManager(t, srv, rec, false)

	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotSession) }, "session channel")
	assert.False(t, m.Ready(SlotChat))
	assert.Equal(t, 1, m.Handles())
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return srv.Connected(sessionKey) }, "server accepted")

	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotChat) && srv.Connected(chatKey) }, "chat channel")
	assert.Equal(t, Key{"u1", "sg1"}, m.Key(SlotChat))
	assert.Equal(t, []sessiontest.ConnKey{sessionKey, chatKey}, srv.Dials())
}

func TestReconcileUnchangedKeyKeepsHandle(t *testing.T) {
	srv := sessiontest.New(t)
	m := newTestManager(t, srv, &recorder{}, false)
	id := Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"}

	m.Reconcile(id)
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotChat) && m.Ready(SlotSession) }, "both channels")
	m.Reconcile(id)
	m.Reconcile(id)

	assert.Len(t, srv.Dials(), 2)
}

func TestSubgroupChangeClosesBeforeOpening(t *testing.T) {
	srv := sessiontest.New(t)
	m := newTestManager(t, srv, &recorder{}, false)

	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotChat) }, "chat sg1")

	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg2"})
	sg2 := sessiontest.ConnKey{Kind: sessiontest.KindChat, UserID: "u1", ScopeID: "sg2"}
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotChat) && srv.Connected(sg2) }, "chat sg2")
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return !srv.Connected(chatKey) }, "sg1 torn down")

	assert.Equal(t, Key{"u1", "sg2"}, m.Key(SlotChat))
	// Session slot untouched.
	assert.Len(t, srv.Dials(), 3)
}

func TestClearIdentityLeavesNoHandles(t *testing.T) {
	srv := sessiontest.New(t)
	rec := &recorder{}
	m := newTestManager(t, srv, rec, false)

	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotChat) && m.Ready(SlotSession) }, "both channels")

	m.Reconcile(Identity{})
	assert.Equal(t, 0, m.Handles())
	assert.True(t, rec.sawStatus(SlotChat, StatusClosed))
	assert.True(t, rec.sawStatus(SlotSession, StatusClosed))
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return srv.ConnCount() == 0 }, "server side closed")
}

func TestFramesAreDecodedAndMalformedDropped(t *testing.T) {
	srv := sessiontest.New(t)
	rec := &recorder{}
	m := newTestManager(t, srv, rec, false)
	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return srv.Connected(chatKey) && m.Ready(SlotChat) }, "chat channel")

	require.NoError(t, srv.PushRaw(chatKey, []byte(`{not json`)))
	require.NoError(t, srv.PushRaw(chatKey, []byte(`{"data":{}}`)))
	require.NoError(t, srv.Push(chatKey, model.EventChatSurrogateTyping, model.SurrogateTypingData{SubgroupID: "sg1"}))

	sessiontest.WaitFor(t, 2*time.Second, func() bool { return rec.frameCount() == 1 }, "one frame")
	rec.mu.Lock()
	in := rec.frames[0]
	rec.mu.Unlock()
	assert.Equal(t, SlotChat, in.Slot)
	assert.Equal(t, Key{"u1", "sg1"}, in.Key)
	assert.Equal(t, model.EventChatSurrogateTyping, in.Frame.Event)
	assert.False(t, in.ReceivedAt.IsZero())
}

func TestSendWritesChatMessage(t *testing.T) {
	srv := sessiontest.New(t)
	m := newTestManager(t, srv, &recorder{}, false)

	err := m.Send(context.Background(), "too early")
	assert.True(t, errors.IsCode(err, errors.ErrCodeChannelClosed))

	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1", SubgroupID: "sg1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotChat) }, "chat channel")
	require.NoError(t, m.Send(context.Background(), "hello"))

	sessiontest.WaitFor(t, 2*time.Second, func() bool { return len(srv.Received()) == 1 }, "server received")
	got := srv.Received()[0]
	assert.Equal(t, chatKey, got.Key)
	var data model.ChatMessageData
	require.NoError(t, got.Frame.Decode(&data))
	assert.Equal(t, model.ChatMessageData{Content: "hello", SubgroupID: "sg1"}, data)
}

func TestLostConnectionStaysDownWithoutReconnect(t *testing.T) {
	srv := sessiontest.New(t)
	rec := &recorder{}
	m := newTestManager(t, srv, rec, false)
	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotSession) }, "session channel")

	srv.Drop(sessionKey)
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Status(SlotSession) == StatusLost }, "lost")

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, srv.Dials(), 1)
	assert.Equal(t, 1, m.Handles())

	// Same identity does not redial; a new one does.
	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1"})
	assert.Len(t, srv.Dials(), 1)
	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s2"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotSession) }, "session s2")
}

func TestLostConnectionRedialsWithReconnect(t *testing.T) {
	srv := sessiontest.New(t)
	rec := &recorder{}
	m := newTestManager(t, srv, rec, true)
	m.Reconcile(Identity{ParticipantID: "u1", SessionID: "s1"})
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return m.Ready(SlotSession) }, "session channel")

	srv.Drop(sessionKey)
	sessiontest.WaitFor(t, 2*time.Second, func() bool { return len(srv.Dials()) == 2 && m.Ready(SlotSession) }, "redial")
	assert.True(t, rec.sawStatus(SlotSession, StatusLost))
}

func TestDialFailureIsTransportError(t *testing.T) {
	resp := dialError(nil, context.DeadlineExceeded)
	assert.True(t, errors.IsCode(resp, errors.ErrCodeTransport))
	assert.True(t, errors.IsRetryable(resp))
}
