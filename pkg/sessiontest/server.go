// Package sessiontest runs an in-process session server for tests: the REST
// routes under /api and both websocket endpoints, backed by in-memory state.
package sessiontest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/odvcencio/swarmchat/pkg/model"
)

const (
	KindChat    = "chat"
	KindSession = "session"
)

// ConnKey identifies a websocket the server accepted.
type ConnKey struct {
	Kind    string
	UserID  string
	ScopeID string
}

// Received is a frame a client sent.
type Received struct {
	Key   ConnKey
	Frame model.Frame
}

type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *wsConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is the fake. Zero value is not usable; call New.
type Server struct {
	URL   string
	WSURL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[string]*model.Session
	users     map[string]*model.User
	order     []string // user ids in join order
	subgroups map[string][]model.Subgroup
	messages  map[string][]model.Message
	ideas     map[string][]model.Idea
	results   map[string]*model.Results
	conns     map[ConnKey]*wsConn
	dials     []ConnKey
	received  []Received
	failures  map[string]int
	requests  map[string]int
	authz     []string
}

// New starts a server that is closed with the test.
func New(t testing.TB) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions:  make(map[string]*model.Session),
		users:     make(map[string]*model.User),
		subgroups: make(map[string][]model.Subgroup),
		messages:  make(map[string][]model.Message),
		ideas:     make(map[string][]model.Idea),
		results:   make(map[string]*model.Results),
		conns:     make(map[ConnKey]*wsConn),
		failures:  make(map[string]int),
		requests:  make(map[string]int),
	}
	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// Close drops every websocket and stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	for key, c := range s.conns {
		_ = c.ws.Close()
		delete(s.conns, key)
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.route("create_session", s.handleCreateSession))
		r.Get("/sessions/{id}", s.route("get_session", s.handleGetSession))
		r.Post("/sessions/{id}/start", s.route("start_session", s.handleStart))
		r.Post("/sessions/{id}/stop", s.route("stop_session", s.handleStop))
		r.Get("/sessions/{id}/subgroups", s.route("list_subgroups", s.handleSubgroups))
		r.Get("/sessions/{id}/ideas", s.route("list_ideas", s.handleIdeas))
		r.Get("/sessions/{id}/results", s.route("get_results", s.handleResults))
		r.Post("/users", s.route("join_session", s.handleJoin))
		r.Get("/users/{id}", s.route("get_user", s.handleGetUser))
		r.Get("/users/{id}/messages", s.route("list_messages", s.handleMessages))
	})
	r.Get("/ws/{kind}/{user}/{scope}", s.handleWebsocket)
	return r
}

// route counts requests and applies injected failures.
func (s *Server) route(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[op]++
		s.authz = append(s.authz, r.Header.Get("Authorization"))
		status, fail := s.failures[op]
		if fail {
			delete(s.failures, op)
		}
		s.mu.Unlock()
		if fail {
			writeDetail(w, status, fmt.Sprintf("injected %s failure", op))
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// FailNext makes the next request to op answer with status.
func (s *Server) FailNext(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = status
}

// Requests counts calls to op.
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// AuthHeaders lists the Authorization headers seen on REST calls.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authz...)
}

// AddSession seeds a session and returns a copy of it.
func (s *Server) AddSession(title string, status model.SessionStatus) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSessionLocked(title, 5, status).Clone()
}

func (s *Server) addSessionLocked(title string, size int, status model.SessionStatus) *model.Session {
	id := uuid.NewString()
	sess := &model.Session{
		ID:           id,
		Title:        title,
		Status:       status,
		JoinCode:     strings.ToUpper(strings.ReplaceAll(id, "-", "")[:6]),
		SubgroupSize: size,
		CreatedAt:    model.NewTimestamp(time.Now()),
	}
	s.sessions[id] = sess
	return sess
}

// AddUser seeds a participant; subgroupID may be empty.
func (s *Server) AddUser(sessionID, name, subgroupID string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(sessionID, name, subgroupID).Clone()
}

func (s *Server) addUserLocked(sessionID, name, subgroupID string) *model.User {
	u := &model.User{
		ID:          uuid.NewString(),
		DisplayName: name,
		SessionID:   sessionID,
		SubgroupID:  subgroupID,
		CreatedAt:   model.NewTimestamp(time.Now()),
	}
	s.users[u.ID] = u
	s.order = append(s.order, u.ID)
	if sess := s.sessions[sessionID]; sess != nil {
		sess.UserCount++
	}
	return u
}

// AssignUser sets a participant's subgroup server-side.
func (s *Server) AssignUser(userID, subgroupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[userID]; u != nil {
		u.SubgroupID = subgroupID
	}
}

// SetSessionStatus changes status without any push.
func (s *Server) SetSessionStatus(sessionID string, status model.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[sessionID]; sess != nil {
		sess.Status = status
	}
}

func (s *Server) SetSubgroups(sessionID string, groups []model.Subgroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subgroups[sessionID] = groups
	if sess := s.sessions[sessionID]; sess != nil {
		sess.SubgroupCount = len(groups)
	}
}

func (s *Server) SetMessages(subgroupID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[subgroupID] = msgs
}

func (s *Server) SetIdeas(sessionID string, ideas []model.Idea) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ideas[sessionID] = ideas
}

func (s *Server) SetResults(sessionID string, res *model.Results) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sessionID] = res
}

// Session returns a copy of a stored session.
func (s *Server) Session(id string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Clone()
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title        string `json:"title"`
		SubgroupSize int    `json:"subgroup_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	if in.SubgroupSize <= 0 {
		in.SubgroupSize = 5
	}
	s.mu.Lock()
	sess := s.addSessionLocked(in.Title, in.SubgroupSize, model.StatusWaiting).Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.sessions[chi.URLParam(r, "id")].Clone()
	s.mu.Unlock()
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DisplayName string `json:"display_name"`
		JoinCode    string `json:"join_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DisplayName == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{
				"loc":  []string{"body", "display_name"},
				"msg":  "field required",
				"type": "value_error.missing",
			}},
		})
		return
	}

	s.mu.Lock()
	var sess *model.Session
	for _, candidate := range s.sessions {
		if candidate.JoinCode == strings.ToUpper(in.JoinCode) {
			sess = candidate
			break
		}
	}
	if sess == nil {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Invalid join code")
		return
	}
	if sess.Status == model.StatusCompleted {
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Session has ended")
		return
	}
	u := s.addUserLocked(sess.ID, in.DisplayName, "").Clone()
	joined := s.sessionConnsLocked(sess.ID)
	s.mu.Unlock()

	frame, _ := model.NewFrame(model.EventSessionUserJoined, model.UserJoinedData{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
	})
	broadcast(joined, frame)
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	sess := s.sessions[id]
	switch {
	case sess == nil:
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	case sess.Status != model.StatusWaiting:
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Session already started")
		return
	}

	var members []*model.User
	for _, uid := range s.order {
		if u := s.users[uid]; u.SessionID == id && !u.IsAdmin {
			members = append(members, u)
		}
	}
	if len(members) < 2 {
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Need at least 2 users to start")
		return
	}

	var groups []model.Subgroup
	for i := 0; i < len(members); i += sess.SubgroupSize {
		end := min(i+sess.SubgroupSize, len(members))
		g := model.Subgroup{
			ID:        uuid.NewString(),
			SessionID: id,
			Label:     fmt.Sprintf("ThinkTank %d", len(groups)+1),
			CreatedAt: model.NewTimestamp(time.Now()),
		}
		for _, u := range members[i:end] {
			u.SubgroupID = g.ID
			g.Members = append(g.Members, *u.Clone())
		}
		groups = append(groups, g)
	}
	sess.Status = model.StatusActive
	sess.SubgroupCount = len(groups)
	s.subgroups[id] = groups

	type push struct {
		conn  *wsConn
		frame model.Frame
	}
	var pushes []push
	for _, g := range groups {
		for _, m := range g.Members {
			c := s.conns[ConnKey{Kind: KindSession, UserID: m.ID, ScopeID: id}]
			if c == nil {
				continue
			}
			frame, _ := model.NewFrame(model.EventSessionStarted, model.SessionStartedData{
				UserID:   m.ID,
				Subgroup: &g,
			})
			pushes = append(pushes, push{conn: c, frame: frame})
		}
	}
	s.mu.Unlock()

	for _, p := range pushes {
		broadcast([]*wsConn{p.conn}, p.frame)
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	sess.Status = model.StatusCompleted
	conns := s.sessionConnsLocked(id)
	s.mu.Unlock()

	frame, _ := model.NewFrame(model.EventSessionCompleted, model.SessionCompletedData{SessionID: id})
	broadcast(conns, frame)
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleSubgroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	groups := append([]model.Subgroup{}, s.subgroups[chi.URLParam(r, "id")]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleIdeas(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ideas := append([]model.Idea{}, s.ideas[chi.URLParam(r, "id")]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, ideas)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	if res := s.results[id]; res != nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	res := model.Results{
		SessionID:        id,
		Title:            sess.Title,
		Status:           sess.Status,
		CreatedAt:        sess.CreatedAt,
		FinalConvergence: sess.Convergence,
		Subgroups:        append([]model.Subgroup{}, s.subgroups[id]...),
		Ideas:            append([]model.Idea{}, s.ideas[id]...),
		Messages:         []model.Message{},
	}
	for _, g := range res.Subgroups {
		res.Messages = append(res.Messages, s.messages[g.ID]...)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u := s.users[chi.URLParam(r, "id")].Clone()
	s.mu.Unlock()
	if u == nil {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[chi.URLParam(r, "id")]
	if u == nil {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, append([]model.Message{}, s.messages[u.SubgroupID]...))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	key := ConnKey{
		Kind:    chi.URLParam(r, "kind"),
		UserID:  chi.URLParam(r, "user"),
		ScopeID: chi.URLParam(r, "scope"),
	}
	if key.Kind != KindChat && key.Kind != KindSession {
		http.NotFound(w, r)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{ws: ws}

	s.mu.Lock()
	if prev := s.conns[key]; prev != nil {
		_ = prev.ws.Close()
	}
	s.conns[key] = c
	s.dials = append(s.dials, key)
	s.mu.Unlock()

	go s.readPump(key, c)
}

func (s *Server) readPump(key ConnKey, c *wsConn) {
	defer func() {
		s.mu.Lock()
		if s.conns[key] == c {
			delete(s.conns, key)
		}
		s.mu.Unlock()
		_ = c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := model.DecodeFrame(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, Received{Key: key, Frame: frame})
		s.mu.Unlock()

		if key.Kind == KindChat && frame.Event == model.EventChatMessage {
			s.echoChat(key, frame)
		}
	}
}

// echoChat stores an outbound chat message and fans it out to the subgroup.
func (s *Server) echoChat(key ConnKey, frame model.Frame) {
	var in model.ChatMessageData
	if err := frame.Decode(&in); err != nil {
		return
	}
	s.mu.Lock()
	u := s.users[key.UserID]
	m := model.Message{
		ID:         uuid.NewString(),
		SubgroupID: key.ScopeID,
		UserID:     key.UserID,
		Content:    in.Content,
		MsgType:    model.MsgHuman,
		CreatedAt:  model.NewTimestamp(time.Now()),
	}
	if u != nil {
		m.DisplayName = u.DisplayName
	}
	s.messages[key.ScopeID] = append(s.messages[key.ScopeID], m)
	var peers []*wsConn
	for k, c := range s.conns {
		if k.Kind == KindChat && k.ScopeID == key.ScopeID {
			peers = append(peers, c)
		}
	}
	s.mu.Unlock()

	out, _ := model.NewFrame(model.EventChatNewMessage, m)
	broadcast(peers, out)
}

func (s *Server) sessionConnsLocked(sessionID string) []*wsConn {
	var out []*wsConn
	for k, c := range s.conns {
		if k.Kind == KindSession && k.ScopeID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func broadcast(conns []*wsConn, frame model.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range conns {
		_ = c.write(data)
	}
}

// Push sends event/data to the websocket at key.
func (s *Server) Push(key ConnKey, event string, data any) error {
	frame, err := model.NewFrame(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.PushRaw(key, raw)
}

// PushRaw writes raw bytes to the websocket at key.
func (s *Server) PushRaw(key ConnKey, raw []byte) error {
	s.mu.Lock()
	c := s.conns[key]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("sessiontest: no connection for %+v", key)
	}
	return c.write(raw)
}

// Drop closes the server side of the websocket at key.
func (s *Server) Drop(key ConnKey) {
	s.mu.Lock()
	c := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()
	if c != nil {
		_ = c.ws.Close()
	}
}

// Connected reports whether a websocket is live at key.
func (s *Server) Connected(key ConnKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[key] != nil
}

// ConnCount counts live websockets.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Dials lists every accepted websocket in order.
func (s *Server) Dials() []ConnKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnKey(nil), s.dials...)
}

// Received lists frames clients sent.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, msg)
}
