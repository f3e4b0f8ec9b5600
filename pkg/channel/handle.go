package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

const maxDialErrorBodyBytes int64 = 16 << 10

// handle is one connection slot occupant. Its goroutine dials, reads and,
// when the policy allows, redials until close is called.
type handle struct {
	slot Slot
	key  Key
	opts *Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	conn  *websocket.Conn
	state Status
}

func newHandle(slot Slot, key Key, opts *Options) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{
		slot:   slot,
		key:    key,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StatusConnecting,
	}
}

func (h *handle) start() {
	go h.run()
}

// close cancels the goroutine and waits for it to exit.
func (h *handle) close() {
	h.cancel()
	<-h.done
}

func (h *handle) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handle) endpoint() string {
	base := strings.TrimRight(h.opts.BaseURL, "/")
	return fmt.Sprintf("%s/ws/%s/%s/%s", base, h.slot, url.PathEscape(h.key.ParticipantID), url.PathEscape(h.key.ScopeID))
}

func (h *handle) details(extra map[string]any) map[string]any {
	d := map[string]any{
		"slot":        string(h.slot),
		"participant": h.key.ParticipantID,
		"scope":       h.key.ScopeID,
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func (h *handle) setStatus(s Status, err error) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()

	data := map[string]any{"slot": string(h.slot), "scope": h.key.ScopeID}
	switch s {
	case StatusOpen:
		telemetry.LiveConnections.WithLabelValues(string(h.slot)).Inc()
		h.opts.Hub.Publish(telemetry.Event{Type: telemetry.EventChannelOpened, Data: data})
		h.opts.Logger.Info(logging.CategoryChannel, "opened", "", h.details(nil))
	case StatusLost:
		h.opts.Hub.Publish(telemetry.Event{Type: telemetry.EventChannelLost, Data: data})
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		h.opts.Logger.Warn(logging.CategoryChannel, "lost", msg, h.details(map[string]any{
			"reconnect": h.opts.Reconnect.Enabled,
		}))
	case StatusClosed:
		h.opts.Hub.Publish(telemetry.Event{Type: telemetry.EventChannelClosed, Data: data})
		h.opts.Logger.Info(logging.CategoryChannel, "closed", "", h.details(nil))
	}

	if h.opts.OnStatus != nil {
		h.opts.OnStatus(h.ctx, StatusEvent{Slot: h.slot, Key: h.key, Status: s, Err: err})
	}
}

func (h *handle) run() {
	defer close(h.done)
	defer h.setStatus(StatusClosed, nil)

	backoff := h.opts.Reconnect.InitialBackoff
	for {
		conn, err := h.dial()
		if err == nil {
			backoff = h.opts.Reconnect.InitialBackoff
			h.mu.Lock()
			h.conn = conn
			h.mu.Unlock()
			h.setStatus(StatusOpen, nil)

			err = h.readLoop(conn)

			h.mu.Lock()
			h.conn = nil
			h.mu.Unlock()
			telemetry.LiveConnections.WithLabelValues(string(h.slot)).Dec()
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		}

		if h.ctx.Err() != nil {
			return
		}
		h.setStatus(StatusLost, err)
		if !h.opts.Reconnect.Enabled {
			// Stay in the slot as a dead handle until identity changes.
			<-h.ctx.Done()
			return
		}

		h.opts.Logger.Info(logging.CategoryChannel, "reconnect_scheduled", "", h.details(map[string]any{
			"backoff_ms": backoff.Milliseconds(),
		}))
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > h.opts.Reconnect.MaxBackoff {
			backoff = h.opts.Reconnect.MaxBackoff
		}
		h.setStatus(StatusConnecting, nil)
	}
}

func (h *handle) dial() (*websocket.Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if h.opts.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+h.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(h.ctx, h.opts.DialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, h.endpoint(), opts)
	if err != nil {
		return nil, dialError(resp, err)
	}
	conn.SetReadLimit(h.opts.ReadLimit)
	return conn, nil
}

func (h *handle) readLoop(conn *websocket.Conn) error {
	pingCtx, stopPing := context.WithCancel(h.ctx)
	defer stopPing()
	go h.keepalive(pingCtx, conn)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeTransport, "read failed").WithContext("slot", string(h.slot))
		}

		frame, err := model.DecodeFrame(data)
		if err != nil {
			telemetry.FramesDropped.WithLabelValues(string(h.slot), "malformed").Inc()
			h.opts.Logger.Warn(logging.CategoryChannel, "malformed_frame", err.Error(), h.details(nil))
			continue
		}
		telemetry.FramesReceived.WithLabelValues(string(h.slot), frame.Event).Inc()

		if h.opts.OnFrame != nil {
			h.opts.OnFrame(h.ctx, Inbound{
				Slot:       h.slot,
				Key:        h.key,
				Frame:      frame,
				ReceivedAt: time.Now(),
			})
		}
		if h.ctx.Err() != nil {
			return h.ctx.Err()
		}
	}
}

func (h *handle) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					// Unanswered ping: drop the connection so the read loop exits.
					h.opts.Logger.Warn(logging.CategoryChannel, "ping_failed", err.Error(), h.details(nil))
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (h *handle) send(ctx context.Context, frame model.Frame) error {
	h.mu.Lock()
	conn := h.conn
	open := h.state == StatusOpen
	h.mu.Unlock()
	if conn == nil || !open {
		return ErrNotReady
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode frame")
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.opts.PingTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeTransport, "write failed").WithContext("slot", string(h.slot))
	}
	return nil
}

func readBodyLimited(r io.Reader, maxBytes int64) []byte {
	if r == nil || maxBytes <= 0 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(r, maxBytes))
	return data
}

func dialError(resp *http.Response, err error) error {
	wrapped := errors.Wrap(err, errors.ErrCodeTransport, "websocket dial failed").WithRetryable(true)
	if resp == nil {
		return wrapped
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	wrapped.WithContext("status", resp.StatusCode)
	if body := bytes.TrimSpace(readBodyLimited(resp.Body, maxDialErrorBodyBytes)); len(body) > 0 {
		wrapped.WithContext("body", string(body))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		wrapped.WithRetryable(false).WithUserMessage("Not authorized to open the live connection")
	}
	return wrapped
}
