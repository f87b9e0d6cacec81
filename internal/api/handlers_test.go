package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"igniteme/internal/auth"
	"igniteme/internal/config"
	"igniteme/internal/dialogue"
	"igniteme/internal/models"
	"igniteme/internal/service/board"
	"igniteme/internal/service/coach"
	"igniteme/internal/session"
	"igniteme/internal/storage"
	"igniteme/internal/worker"
)

const (
	clarifyReply = `{"success": false, "response": "How much time per week?"}`
	confirmReply = `{"success": false, "response": "Goal: Learn guitar. Obstacle: no time. Correct?"}`
	summaryReply = "```json\n" + `{"success": true, "response": "Great", "goal": {"content": "Learn guitar"}, "obstacles": [{"content": "no time"}]}` + "\n```"
)

type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func (s *scriptedChat) Chat(ctx context.Context, _ []models.Turn, _ string) (string, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	started, gate := s.started, s.gate
	s.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if idx >= len(s.replies) {
		return "", errors.New("no scripted reply")
	}
	return s.replies[idx], nil
}

// hold makes every later call signal started and wait for gate.
func (s *scriptedChat) hold(started, gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started, s.gate = started, gate
}

func (s *scriptedChat) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type client struct {
	t       *testing.T
	router  *gin.Engine
	sid     string
	headers map[string]string
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	headers := map[string]string{}
	for k, v := range c.headers {
		headers[k] = v
	}
	if c.sid != "" {
		headers[session.HeaderName] = c.sid
	}
	rec := doJSONRequest(c.t, c.router, method, path, body, headers)
	if sid := rec.Header().Get(session.HeaderName); sid != "" {
		c.sid = sid
	}
	return rec
}

type sessionBody struct {
	Phase          dialogue.Phase          `json:"phase"`
	Goal           string                  `json:"goal"`
	Reply          string                  `json:"reply"`
	PendingSummary *dialogue.Summary       `json:"pending_summary"`
	PendingMessage *session.PendingMessage `json:"pending_message"`
	Banner         string                  `json:"banner"`
	ViewPost       string                  `json:"view_post"`
	ViewObstacle   string                  `json:"view_obstacle"`
}

type outcomeBody struct {
	Outcome coach.Outcome `json:"outcome"`
	Session sessionBody   `json:"session"`
	Code    string        `json:"code"`
}

func TestLearnGuitarFlowPublishesAfterSignUp(t *testing.T) {
	chat := &scriptedChat{replies: []string{clarifyReply, confirmReply, summaryReply}}
	router, db := newTestServer(t, chat)
	defer db.Close()
	c := &client{t: t, router: router}

	resp := c.do(http.MethodPost, "/api/dialogue/goal", map[string]string{"goal": "Learn guitar"})
	assertStatus(t, resp, http.StatusOK)
	if c.sid == "" {
		t.Fatalf("expected session id header")
	}

	resp = c.do(http.MethodPost, "/api/dialogue/obstacles", map[string]any{"obstacles": []string{"no time", "", ""}})
	assertStatus(t, resp, http.StatusOK)
	var out outcomeBody
	decodeJSON(t, resp.Body.Bytes(), &out)
	if out.Outcome.Status != coach.StatusClarifying || out.Outcome.Reply != "How much time per week?" {
		t.Fatalf("unexpected outcome %+v", out.Outcome)
	}
	if out.Session.Phase != dialogue.PhaseClarifying {
		t.Fatalf("expected clarifying phase, got %s", out.Session.Phase)
	}

	resp = c.do(http.MethodPost, "/api/dialogue/answer", map[string]string{"answer": "2 hours"})
	assertStatus(t, resp, http.StatusOK)
	resp = c.do(http.MethodPost, "/api/dialogue/answer", map[string]string{"answer": "yes"})
	assertStatus(t, resp, http.StatusOK)
	out = outcomeBody{}
	decodeJSON(t, resp.Body.Bytes(), &out)
	if out.Outcome.Status != coach.StatusAuthRequired {
		t.Fatalf("expected auth_required, got %s", out.Outcome.Status)
	}
	if out.Session.PendingSummary == nil || out.Session.PendingSummary.Goal != "Learn guitar" {
		t.Fatalf("expected pending summary, got %+v", out.Session.PendingSummary)
	}

	resp = c.do(http.MethodPost, "/api/auth/signin", map[string]string{
		"email": "ann@example.com", "password": "secret1", "display_name": "Ann",
	})
	assertStatus(t, resp, http.StatusCreated)
	var signed struct {
		AuthToken string          `json:"auth_token"`
		Resumed   []coach.Outcome `json:"resumed"`
		Session   sessionBody     `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &signed)
	if len(signed.Resumed) != 1 || signed.Resumed[0].Status != coach.StatusPublished {
		t.Fatalf("expected replayed publish, got %+v", signed.Resumed)
	}
	if signed.Session.PendingSummary != nil || signed.Session.Phase != dialogue.PhaseIdle || signed.Session.Goal != "" {
		t.Fatalf("session not reset after publish: %+v", signed.Session)
	}

	resp = c.do(http.MethodGet, "/api/posts", nil)
	assertStatus(t, resp, http.StatusOK)
	var feed struct {
		Posts []models.Post `json:"posts"`
	}
	decodeJSON(t, resp.Body.Bytes(), &feed)
	if len(feed.Posts) != 1 || feed.Posts[0].Content != "Learn guitar" || feed.Posts[0].Author.DisplayName != "Ann" {
		t.Fatalf("unexpected feed %+v", feed.Posts)
	}

	resp = c.do(http.MethodGet, "/api/posts/"+feed.Posts[0].ID, nil)
	assertStatus(t, resp, http.StatusOK)
	var detail struct {
		Obstacles []models.Obstacle `json:"obstacles"`
	}
	decodeJSON(t, resp.Body.Bytes(), &detail)
	if len(detail.Obstacles) != 1 || detail.Obstacles[0].Content != "no time" || detail.Obstacles[0].Position != 0 {
		t.Fatalf("unexpected obstacles %+v", detail.Obstacles)
	}
	if chat.count() != 3 {
		t.Fatalf("expected 3 chat calls, got %d", chat.count())
	}
}

func TestAnonymousMessageReplayedAfterSignIn(t *testing.T) {
	router, db := newTestServer(t, &scriptedChat{})
	defer db.Close()
	postID, obstacleID := seedPost(t, db)

	c := &client{t: t, router: router}
	path := "/api/posts/" + postID + "/obstacles/" + obstacleID + "/messages"

	resp := c.do(http.MethodGet, path, nil)
	assertStatus(t, resp, http.StatusOK)

	resp = c.do(http.MethodPost, path, map[string]string{"content": "try 10 minutes a day"})
	assertStatus(t, resp, http.StatusUnauthorized)
	var denied outcomeBody
	decodeJSON(t, resp.Body.Bytes(), &denied)
	if denied.Code != "auth_required" {
		t.Fatalf("expected auth_required code, got %q", denied.Code)
	}
	if denied.Session.PendingMessage == nil || denied.Session.ViewObstacle != obstacleID {
		t.Fatalf("expected pending message and obstacle view, got %+v", denied.Session)
	}

	resp = c.do(http.MethodPost, "/api/auth/signup", map[string]string{
		"email": "bob@example.com", "password": "secret1", "display_name": "Bob",
	})
	assertStatus(t, resp, http.StatusCreated)

	resp = c.do(http.MethodGet, path, nil)
	assertStatus(t, resp, http.StatusOK)
	var thread struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &thread)
	if len(thread.Messages) != 1 || thread.Messages[0].Author.DisplayName != "Bob" {
		t.Fatalf("expected replayed message by Bob, got %+v", thread.Messages)
	}

	resp = c.do(http.MethodGet, "/api/session", nil)
	assertStatus(t, resp, http.StatusOK)
	var view struct {
		Session sessionBody `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &view)
	if view.Session.PendingMessage != nil {
		t.Fatalf("pending message should be consumed")
	}
}

func TestSignInUnknownEmailRequiresSignUp(t *testing.T) {
	router, db := newTestServer(t, &scriptedChat{})
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/signin", map[string]string{
		"email": "carol@example.com", "password": "secret1",
	}, nil)
	assertStatus(t, resp, http.StatusNotFound)
	var body struct {
		Code string `json:"code"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Code != "signup_required" {
		t.Fatalf("expected signup_required, got %q", body.Code)
	}
}

func TestCredentialsAreValidated(t *testing.T) {
	router, db := newTestServer(t, &scriptedChat{})
	defer db.Close()

	for _, body := range []map[string]string{
		{"email": "not-an-email", "password": "secret1", "display_name": "Ann"},
		{"email": "ann@example.com", "display_name": "Ann"},
		{"password": "secret1"},
	} {
		resp := doJSONRequest(t, router, http.MethodPost, "/api/auth/signup", body, nil)
		assertStatus(t, resp, http.StatusBadRequest)
	}
	var users int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if users != 0 {
		t.Fatalf("invalid sign-up created %d users", users)
	}
}

func TestObstaclesValidation(t *testing.T) {
	chat := &scriptedChat{}
	router, db := newTestServer(t, chat)
	defer db.Close()
	c := &client{t: t, router: router}

	resp := c.do(http.MethodPost, "/api/dialogue/obstacles", map[string]any{"goal": "Learn guitar", "obstacles": []string{"", ""}})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = c.do(http.MethodPost, "/api/dialogue/obstacles", map[string]any{"goal": "", "obstacles": []string{"no time"}})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = c.do(http.MethodPost, "/api/dialogue/answer", map[string]string{"answer": "yes"})
	assertStatus(t, resp, http.StatusConflict)

	if chat.count() != 0 {
		t.Fatalf("validation failures must not reach the model, got %d calls", chat.count())
	}
}

func TestMalformedReplyReturnsBadGateway(t *testing.T) {
	router, db := newTestServer(t, &scriptedChat{replies: []string{"sure, tell me more"}})
	defer db.Close()
	c := &client{t: t, router: router}

	resp := c.do(http.MethodPost, "/api/dialogue/obstacles", map[string]any{"goal": "Learn guitar", "obstacles": []string{"no time"}})
	assertStatus(t, resp, http.StatusBadGateway)
	var out outcomeBody
	decodeJSON(t, resp.Body.Bytes(), &out)
	if out.Session.Phase != dialogue.PhaseIdle || out.Session.Banner == "" {
		t.Fatalf("expected idle session with banner, got %+v", out.Session)
	}
}

func TestDuplicateSubmitCallsModelOnce(t *testing.T) {
	chat := &scriptedChat{replies: []string{clarifyReply}}
	env := newTestEnv(t, chat)
	c := &client{t: t, router: env.router}
	assertStatus(t, c.do(http.MethodGet, "/api/session", nil), http.StatusOK)

	body := map[string]any{"goal": "Learn guitar", "obstacles": []string{"no time"}}
	key := env.turnKey(c.sid, dialogue.SubmitObstacles{Goal: "Learn guitar", Obstacles: []string{"no time"}})
	codes := env.submitTwice(chat, c, "/api/dialogue/obstacles", body, key)

	if chat.count() != 1 {
		t.Fatalf("expected one model call, got %d", chat.count())
	}
	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d: unexpected status %d", i, code)
		}
	}
}

func TestDuplicateConfirmationPublishesOnce(t *testing.T) {
	chat := &scriptedChat{replies: []string{clarifyReply, summaryReply}}
	env := newTestEnv(t, chat)
	c := &client{t: t, router: env.router}

	resp := c.do(http.MethodPost, "/api/auth/signup", map[string]string{
		"email": "ann@example.com", "password": "secret1", "display_name": "Ann",
	})
	assertStatus(t, resp, http.StatusCreated)
	var signed struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &signed)
	c.headers = map[string]string{"Authorization": "Bearer " + signed.AuthToken}

	resp = c.do(http.MethodPost, "/api/dialogue/obstacles", map[string]any{"goal": "Learn guitar", "obstacles": []string{"no time"}})
	assertStatus(t, resp, http.StatusOK)

	key := env.turnKey(c.sid, dialogue.SubmitAnswer{Answer: "yes"})
	codes := env.submitTwice(chat, c, "/api/dialogue/answer", map[string]string{"answer": "yes"}, key)
	for i, code := range codes {
		if code != http.StatusCreated {
			t.Fatalf("request %d: unexpected status %d", i, code)
		}
	}
	if chat.count() != 2 {
		t.Fatalf("expected two model calls, got %d", chat.count())
	}
	var posts int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&posts); err != nil {
		t.Fatalf("count posts: %v", err)
	}
	if posts != 1 {
		t.Fatalf("posts = %d, want 1", posts)
	}
}

func TestLogoutSignsSessionOut(t *testing.T) {
	router, db := newTestServer(t, &scriptedChat{})
	defer db.Close()
	c := &client{t: t, router: router}

	resp := c.do(http.MethodPost, "/api/auth/signup", map[string]string{
		"email": "dan@example.com", "password": "secret1", "display_name": "Dan",
	})
	assertStatus(t, resp, http.StatusCreated)
	var signed struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &signed)
	c.headers = map[string]string{"Authorization": "Bearer " + signed.AuthToken}

	assertStatus(t, c.do(http.MethodPost, "/api/auth/logout", nil), http.StatusNoContent)

	resp = c.do(http.MethodGet, "/api/session", nil)
	assertStatus(t, resp, http.StatusOK)
	var view struct {
		Session struct {
			User *models.User `json:"user"`
		} `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &view)
	if view.Session.User != nil {
		t.Fatalf("expected anonymous session after logout")
	}
}

func TestPostNotFound(t *testing.T) {
	router, db := newTestServer(t, &scriptedChat{})
	defer db.Close()
	resp := doJSONRequest(t, router, http.MethodGet, "/api/posts/missing", nil, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

type testEnv struct {
	t        *testing.T
	router   *gin.Engine
	db       *sql.DB
	turns    *worker.Manager
	sessions *session.MemoryStore
}

func newTestServer(t *testing.T, chat dialogue.Chatter) (*gin.Engine, *sql.DB) {
	env := newTestEnv(t, chat)
	return env.router, env.db
}

func newTestEnv(t *testing.T, chat dialogue.Chatter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	turns := worker.NewManager(worker.Config{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16}, nil)
	t.Cleanup(turns.Stop)
	sessions := session.NewMemoryStore(time.Hour)
	boardSvc := board.NewService(db)
	coachSvc := coach.NewService(dialogue.NewMachine(chat), turns, boardSvc)
	authSvc := auth.NewService(db, nil, time.Hour)
	handler := NewHandler(authSvc, boardSvc, coachSvc, sessions, time.Hour, 10)

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testEnv{t: t, router: router, db: db, turns: turns, sessions: sessions}
}

// turnKey is the key the next dialogue turn of the session will run under.
func (e *testEnv) turnKey(sid string, ev dialogue.Event) string {
	e.t.Helper()
	st, err := e.sessions.Load(context.Background(), sid)
	if err != nil {
		e.t.Fatalf("load session: %v", err)
	}
	return dialogue.TurnKey(st.Dialogue, ev)
}

// submitTwice sends the same request twice so that the second one arrives
// while the model call of the first is still running.
func (e *testEnv) submitTwice(chat *scriptedChat, c *client, path string, body any, key string) []int {
	e.t.Helper()
	started, gate := make(chan struct{}, 2), make(chan struct{})
	chat.hold(started, gate)
	headers := map[string]string{session.HeaderName: c.sid}
	for k, v := range c.headers {
		headers[k] = v
	}
	codes := make([]int, 2)
	var wg sync.WaitGroup
	submit := func(i int) {
		defer wg.Done()
		codes[i] = doJSONRequest(e.t, e.router, http.MethodPost, path, body, headers).Code
	}
	wg.Add(1)
	go submit(0)
	<-started
	wg.Add(1)
	go submit(1)
	waitFor(e.t, func() bool { return e.turns.Waiters(c.sid, key) == 2 })
	close(gate)
	wg.Wait()
	return codes
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func seedPost(t *testing.T, db *sql.DB) (string, string) {
	t.Helper()
	authSvc := auth.NewService(db, nil, time.Hour)
	author, err := authSvc.CreateUser(context.Background(), "ann@example.com", "secret1", "Ann")
	if err != nil {
		t.Fatalf("create author: %v", err)
	}
	boardSvc := board.NewService(db)
	postID, err := boardSvc.CreatePost(context.Background(), "Learn guitar", author, []string{"no time"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	obstacles, err := boardSvc.ListObstacles(context.Background(), postID)
	if err != nil || len(obstacles) != 1 {
		t.Fatalf("list obstacles: %v", err)
	}
	return postID, obstacles[0].ID
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
