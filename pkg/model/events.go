package model

import (
	"encoding/json"
	"strings"

	"github.com/odvcencio/swarmchat/pkg/errors"
)

// Push channel event names.
const (
	EventChatNewMessage      = "chat:new_message"
	EventChatSurrogateTyping = "chat:surrogate_typing"
	EventChatMessage         = "chat:message"
	EventSessionStarted      = "session:started"
	EventSessionCompleted    = "session:completed"
	EventSessionConvergence  = "session:convergence"
	EventSessionUserJoined   = "session:user_joined"
)

// Frame is the JSON envelope carried on both push channels.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeFrame parses a raw websocket payload into a Frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeValidation, "malformed frame")
	}
	if strings.TrimSpace(f.Event) == "" {
		return Frame{}, errors.New(errors.ErrCodeValidation, "frame has no event name")
	}
	return f, nil
}

// Decode unmarshals the frame's data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return errors.New(errors.ErrCodeValidation, "frame has no data").WithContext("event", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "malformed frame data").WithContext("event", f.Event)
	}
	return nil
}

// NewFrame builds an outbound frame.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, errors.Wrap(err, errors.ErrCodeInternal, "encode frame data")
	}
	return Frame{Event: event, Data: raw}, nil
}

// SessionStartedData is the session:started payload. The per-user form
// carries UserID and Subgroup; the session-wide form carries Subgroups.
type SessionStartedData struct {
	UserID    string     `json:"user_id,omitempty"`
	Subgroup  *Subgroup  `json:"subgroup,omitempty"`
	Subgroups []Subgroup `json:"subgroups,omitempty"`
}

// Targeted reports whether the payload assigns a subgroup to one user.
func (d SessionStartedData) Targeted() bool {
	return d.UserID != "" && d.Subgroup != nil
}

type SessionCompletedData struct {
	SessionID string `json:"session_id"`
}

type ConvergenceData struct {
	Convergence *float64 `json:"convergence"`
}

type UserJoinedData struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	SubgroupID  string `json:"subgroup_id,omitempty"`
}

type SurrogateTypingData struct {
	SubgroupID string `json:"subgroup_id,omitempty"`
}

// ChatMessageData is the outbound chat:message payload.
type ChatMessageData struct {
	Content    string `json:"content"`
	SubgroupID string `json:"subgroup_id"`
}
