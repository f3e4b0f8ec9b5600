// Package model defines the entities exchanged with the session-management
// service and the validation rules the store applies before accepting them.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/swarmchat/pkg/errors"
)

// Phase is the coarse lifecycle state of the local client.
type Phase string

const (
	PhaseHome         Phase = "home"
	PhaseAwaitingJoin Phase = "awaiting_join"
	PhaseWaiting      Phase = "waiting"
	PhaseActive       Phase = "active"
	PhaseCompleted    Phase = "completed"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseHome, PhaseAwaitingJoin, PhaseWaiting, PhaseActive, PhaseCompleted:
		return true
	}
	return false
}

// SessionStatus is the server-owned status of a session.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Rank orders statuses so the store can refuse regressions. Unknown
// statuses rank below waiting.
func (s SessionStatus) Rank() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusActive:
		return 2
	case StatusCompleted:
		return 3
	}
	return 0
}

// MsgType distinguishes participant messages from relayed ones.
type MsgType string

const (
	MsgHuman       MsgType = "human"
	MsgSurrogate   MsgType = "surrogate"
	MsgContributor MsgType = "contributor"
)

// ViewMode selects which Active-phase screen is shown.
type ViewMode string

const (
	ViewChat       ViewMode = "chat"
	ViewVisualizer ViewMode = "visualizer"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamp decodes the server's datetimes, which arrive with or without a
// zone offset. Naive values are taken as UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Session is the client's cached copy of a session.
type Session struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Status        SessionStatus `json:"status"`
	JoinCode      string        `json:"join_code"`
	SubgroupSize  int           `json:"subgroup_size"`
	UserCount     int           `json:"user_count,omitempty"`
	SubgroupCount int           `json:"subgroup_count,omitempty"`
	Convergence   *float64      `json:"convergence,omitempty"`
	CreatedAt     Timestamp     `json:"created_at"`
}

// User is the local participant. SubgroupID is empty until assignment.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	SessionID   string    `json:"session_id"`
	SubgroupID  string    `json:"subgroup_id,omitempty"`
	AccountID   string    `json:"account_id,omitempty"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   Timestamp `json:"created_at"`
}

// Subgroup is a small discussion group. Members keep server order.
type Subgroup struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Label     string    `json:"label"`
	Members   []User    `json:"members"`
	CreatedAt Timestamp `json:"created_at"`
}

// Message is one chat log entry.
type Message struct {
	ID               string    `json:"id"`
	SubgroupID       string    `json:"subgroup_id"`
	UserID           string    `json:"user_id,omitempty"`
	DisplayName      string    `json:"display_name,omitempty"`
	Content          string    `json:"content"`
	MsgType          MsgType   `json:"msg_type"`
	SourceSubgroupID string    `json:"source_subgroup_id,omitempty"`
	CreatedAt        Timestamp `json:"created_at"`
}

// Idea is a clustered idea produced server-side. Poll-only.
type Idea struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	SubgroupID     string    `json:"subgroup_id"`
	Summary        string    `json:"summary"`
	Sentiment      float64   `json:"sentiment"`
	SupportCount   int       `json:"support_count"`
	ChallengeCount int       `json:"challenge_count"`
	CreatedAt      Timestamp `json:"created_at"`
}

// Results is the final bundle fetched after a session completes.
type Results struct {
	SessionID        string        `json:"session_id"`
	Title            string        `json:"title"`
	Status           SessionStatus `json:"status"`
	CreatedAt        Timestamp     `json:"created_at"`
	Summary          string        `json:"summary"`
	FinalConvergence *float64      `json:"final_convergence"`
	Subgroups        []Subgroup    `json:"subgroups"`
	Ideas            []Idea        `json:"ideas"`
	Messages         []Message     `json:"messages"`
}

func invalid(entity, reason string) error {
	return errors.New(errors.ErrCodeValidation, entity+": "+reason).WithContext("entity", entity)
}

// Validate checks the fields the store relies on.
func (s *Session) Validate() error {
	if s == nil {
		return invalid("session", "missing payload")
	}
	if strings.TrimSpace(s.ID) == "" {
		return invalid("session", "id is required")
	}
	if s.Status.Rank() == 0 {
		return invalid("session", fmt.Sprintf("unknown status %q", s.Status))
	}
	return nil
}

func (u *User) Validate() error {
	if u == nil {
		return invalid("user", "missing payload")
	}
	if strings.TrimSpace(u.ID) == "" {
		return invalid("user", "id is required")
	}
	if strings.TrimSpace(u.SessionID) == "" {
		return invalid("user", "session_id is required")
	}
	return nil
}

func (g *Subgroup) Validate() error {
	if g == nil {
		return invalid("subgroup", "missing payload")
	}
	if strings.TrimSpace(g.ID) == "" {
		return invalid("subgroup", "id is required")
	}
	return nil
}

func (m *Message) Validate() error {
	if m == nil {
		return invalid("message", "missing payload")
	}
	if strings.TrimSpace(m.ID) == "" {
		return invalid("message", "id is required")
	}
	if strings.TrimSpace(m.SubgroupID) == "" {
		return invalid("message", "subgroup_id is required")
	}
	switch m.MsgType {
	case MsgHuman, MsgSurrogate, MsgContributor:
	default:
		return invalid("message", fmt.Sprintf("unknown msg_type %q", m.MsgType))
	}
	return nil
}

func (i *Idea) Validate() error {
	if i == nil {
		return invalid("idea", "missing payload")
	}
	if strings.TrimSpace(i.ID) == "" {
		return invalid("idea", "id is required")
	}
	if i.Sentiment < -1 || i.Sentiment > 1 {
		return invalid("idea", fmt.Sprintf("sentiment %v outside [-1, 1]", i.Sentiment))
	}
	return nil
}

func (r *Results) Validate() error {
	if r == nil {
		return invalid("results", "missing payload")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return invalid("results", "session_id is required")
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Convergence != nil {
		v := *s.Convergence
		out.Convergence = &v
	}
	return &out
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	return &out
}

// Clone copies the subgroup including its member list.
func (g Subgroup) Clone() Subgroup {
	g.Members = append([]User(nil), g.Members...)
	return g
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
