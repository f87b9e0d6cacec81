package coach

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"igniteme/internal/dialogue"
	"igniteme/internal/models"
	"igniteme/internal/service/ai"
	"igniteme/internal/service/board"
	"igniteme/internal/session"
	"igniteme/internal/worker"
)

type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	started chan struct{} // optional, signalled when a call begins
	gate    chan struct{} // optional, holds every call until closed
}

func (s *scriptedChat) Chat(ctx context.Context, _ []models.Turn, _ string) (string, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	if idx >= len(s.replies) {
		return "", errors.New("no scripted reply")
	}
	return s.replies[idx], nil
}

func (s *scriptedChat) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeBoard struct {
	mu       sync.Mutex
	posts    []models.Post
	obs      map[string][]string
	messages []models.Message
	failPost error
	creates  int
	keys     map[string]string
}

func (f *fakeBoard) CreatePostOnce(_ context.Context, key, content string, author *models.User, obstacles []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if author == nil {
		return "", board.ErrUnauthenticated
	}
	if f.failPost != nil {
		return "", f.failPost
	}
	if id, ok := f.keys[key]; ok && key != "" {
		return id, nil
	}
	id := fmt.Sprintf("post-%d", len(f.posts)+1)
	if f.keys == nil {
		f.keys = make(map[string]string)
	}
	f.keys[key] = id
	f.posts = append(f.posts, models.Post{ID: id, Content: content, Author: author.Author()})
	if f.obs == nil {
		f.obs = make(map[string][]string)
	}
	f.obs[id] = obstacles
	return id, nil
}

func (f *fakeBoard) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeBoard) PostMessage(_ context.Context, postID, obstacleID, content string, author *models.User) (*models.Message, error) {
	if author == nil {
		return nil, board.ErrUnauthenticated
	}
	msg := models.Message{ID: "m", PostID: postID, ObstacleID: obstacleID, Content: content, Author: author.Author()}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

const (
	clarifyReply = `{"success": false, "response": "How much time per week?"}`
	confirmReply = `{"success": false, "response": "Goal: Learn guitar. Obstacle: no time. Correct?"}`
	summaryReply = `{"success": true, "response": "Great", "goal": {"content": "Learn guitar"}, "obstacles": [{"content": "no time"}]}`
)

func newTestService(t *testing.T, chat dialogue.Chatter, b Board) *Service {
	t.Helper()
	turns := worker.NewManager(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, nil)
	t.Cleanup(turns.Stop)
	return NewService(dialogue.NewMachine(chat), turns, b)
}

var ann = &models.User{ID: 1, DisplayName: "Ann", Email: "ann@example.com"}

func TestLearnGuitarAnonymousThenSignIn(t *testing.T) {
	chat := &scriptedChat{replies: []string{clarifyReply, confirmReply, summaryReply}}
	fb := &fakeBoard{}
	svc := newTestService(t, chat, fb)
	ctx := context.Background()
	st := session.New("sid")

	if _, err := svc.CommitGoal(ctx, st, "Learn guitar"); err != nil {
		t.Fatalf("CommitGoal: %v", err)
	}
	res, err := svc.SubmitObstacles(ctx, st, "", []string{"no time", "", ""})
	if err != nil {
		t.Fatalf("SubmitObstacles: %v", err)
	}
	if res.Status != StatusClarifying || res.Reply != "How much time per week?" {
		t.Fatalf("unexpected outcome %+v", res)
	}
	if _, err := svc.SubmitAnswer(ctx, st, "2 hours"); err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	res, err = svc.SubmitAnswer(ctx, st, "yes")
	if err != nil {
		t.Fatalf("answer 2: %v", err)
	}
	if res.Status != StatusAuthRequired {
		t.Fatalf("status = %s", res.Status)
	}
	if len(fb.posts) != 0 {
		t.Fatalf("anonymous summary persisted")
	}
	if ps := st.PendingSummary; ps == nil || ps.ID == "" || ps.Goal != "Learn guitar" || !reflect.DeepEqual(ps.Obstacles, []string{"no time"}) {
		t.Fatalf("pending summary = %+v", st.PendingSummary)
	}

	_ = st.Set(session.KeyUser, ann)
	outcomes := svc.Resume(ctx, st)
	if len(outcomes) != 1 || outcomes[0].Status != StatusPublished {
		t.Fatalf("resume outcomes = %+v", outcomes)
	}
	if len(fb.posts) != 1 || fb.posts[0].Content != "Learn guitar" || fb.posts[0].Author.DisplayName != "Ann" {
		t.Fatalf("posts = %+v", fb.posts)
	}
	if !reflect.DeepEqual(fb.obs[fb.posts[0].ID], []string{"no time"}) {
		t.Fatalf("obstacles = %v", fb.obs)
	}
	if st.Dialogue.Phase != dialogue.PhaseIdle || st.Goal != "" || st.PendingSummary != nil {
		t.Fatalf("dialogue not folded to idle: %+v", st)
	}
	if again := svc.Resume(ctx, st); len(again) != 0 || len(fb.posts) != 1 {
		t.Fatalf("pending summary replayed twice")
	}
}

func TestSignedInSummaryPublishesImmediately(t *testing.T) {
	chat := &scriptedChat{replies: []string{clarifyReply, summaryReply}}
	fb := &fakeBoard{}
	svc := newTestService(t, chat, fb)
	ctx := context.Background()
	st := session.New("sid")
	_ = st.Set(session.KeyUser, ann)

	if _, err := svc.SubmitObstacles(ctx, st, "Learn guitar", []string{"no time"}); err != nil {
		t.Fatalf("SubmitObstacles: %v", err)
	}
	res, err := svc.SubmitAnswer(ctx, st, "yes")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if res.Status != StatusPublished || res.PostID == "" {
		t.Fatalf("outcome = %+v", res)
	}
	if st.Dialogue.Phase != dialogue.PhaseIdle {
		t.Fatalf("phase = %s", st.Dialogue.Phase)
	}
}

func TestMalformedReplyAbortsDialogue(t *testing.T) {
	chat := &scriptedChat{replies: []string{"Sure, let me think about it."}}
	svc := newTestService(t, chat, &fakeBoard{})
	ctx := context.Background()
	st := session.New("sid")

	if _, err := svc.CommitGoal(ctx, st, "Learn guitar"); err != nil {
		t.Fatalf("CommitGoal: %v", err)
	}
	if _, err := svc.SubmitObstacles(ctx, st, "", []string{"no time"}); !errors.Is(err, dialogue.ErrMalformedReply) {
		t.Fatalf("expected malformed reply, got %v", err)
	}
	if st.Dialogue.Phase != dialogue.PhaseIdle || st.Goal != "" {
		t.Fatalf("dialogue not aborted: %+v", st.Dialogue)
	}
	if st.Banner != BannerMalformed {
		t.Fatalf("banner = %q", st.Banner)
	}
}

func TestTransientFailureKeepsDialogue(t *testing.T) {
	transient := fmt.Errorf("%w: timeout", ai.ErrTransient)
	chat := &scriptedChat{replies: []string{clarifyReply, "", clarifyReply}, errs: []error{nil, transient}}
	svc := newTestService(t, chat, &fakeBoard{})
	ctx := context.Background()
	st := session.New("sid")

	if _, err := svc.SubmitObstacles(ctx, st, "Learn guitar", []string{"no time"}); err != nil {
		t.Fatalf("SubmitObstacles: %v", err)
	}
	before := st.Dialogue.Clone()
	if _, err := svc.SubmitAnswer(ctx, st, "2 hours"); !errors.Is(err, ai.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !reflect.DeepEqual(st.Dialogue, before) {
		t.Fatalf("dialogue changed after transient failure")
	}
	if st.Banner != BannerUnavailable {
		t.Fatalf("banner = %q", st.Banner)
	}
	if _, err := svc.SubmitAnswer(ctx, st, "2 hours"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if st.Banner != "" {
		t.Fatalf("banner not cleared")
	}
}

func TestValidationDoesNotCallChat(t *testing.T) {
	chat := &scriptedChat{}
	svc := newTestService(t, chat, &fakeBoard{})
	ctx := context.Background()
	st := session.New("sid")

	if _, err := svc.CommitGoal(ctx, st, "   "); !dialogue.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.SubmitObstacles(ctx, st, "Learn guitar", []string{"", "later"}); !dialogue.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if chat.count() != 0 {
		t.Fatalf("chat called %d times", chat.count())
	}
	if st.Dialogue.Phase != dialogue.PhaseIdle {
		t.Fatalf("phase = %s", st.Dialogue.Phase)
	}
}

func TestPublishFailureKeepsPendingSummary(t *testing.T) {
	fb := &fakeBoard{failPost: fmt.Errorf("%w: disk full", board.ErrPersistence)}
	svc := newTestService(t, &scriptedChat{}, fb)
	ctx := context.Background()
	st := session.New("sid")
	_ = st.Set(session.KeyUser, ann)
	_ = st.Set(session.KeyPendingSummary, &dialogue.Summary{Goal: "Ship v1", Obstacles: []string{"scope"}})

	res, err := svc.Publish(ctx, st)
	if !errors.Is(err, board.ErrPersistence) || res.Status != StatusPublishFailed {
		t.Fatalf("Publish = %+v, %v", res, err)
	}
	if st.PendingSummary == nil || st.Banner != BannerPersistence {
		t.Fatalf("pending summary dropped: %+v", st)
	}

	fb.failPost = nil
	res, err = svc.Publish(ctx, st)
	if err != nil || res.Status != StatusPublished {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if st.PendingSummary != nil || st.Banner != "" {
		t.Fatalf("state not cleared after publish: %+v", st)
	}
	if _, err := svc.Publish(ctx, st); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
}

func TestAnonymousMessageIsReplayedOnce(t *testing.T) {
	fb := &fakeBoard{}
	svc := newTestService(t, &scriptedChat{}, fb)
	ctx := context.Background()
	st := session.New("sid")

	res, err := svc.PostMessage(ctx, st, "p1", "o1", "try mornings")
	if !errors.Is(err, board.ErrUnauthenticated) || res.Status != StatusAuthRequired {
		t.Fatalf("PostMessage = %+v, %v", res, err)
	}
	if len(fb.messages) != 0 {
		t.Fatalf("anonymous message reached the board")
	}
	if st.PendingMessage == nil || st.PendingMessage.Content != "try mornings" {
		t.Fatalf("pending message = %+v", st.PendingMessage)
	}

	_ = st.Set(session.KeyUser, ann)
	outcomes := svc.Resume(ctx, st)
	if len(outcomes) != 1 || outcomes[0].Status != StatusPosted {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if len(fb.messages) != 1 || fb.messages[0].Author.DisplayName != "Ann" {
		t.Fatalf("messages = %+v", fb.messages)
	}
	if st.PendingMessage != nil {
		t.Fatalf("pending message kept")
	}
	svc.Resume(ctx, st)
	if len(fb.messages) != 1 {
		t.Fatalf("message replayed twice")
	}
}

func TestCloseDiscardsDialogue(t *testing.T) {
	svc := newTestService(t, &scriptedChat{replies: []string{clarifyReply}}, &fakeBoard{})
	ctx := context.Background()
	st := session.New("sid")
	if _, err := svc.SubmitObstacles(ctx, st, "Learn guitar", []string{"no time"}); err != nil {
		t.Fatalf("SubmitObstacles: %v", err)
	}
	if res := svc.Close(ctx, st); res.Status != StatusIdle {
		t.Fatalf("status = %s", res.Status)
	}
	if st.Dialogue.Phase != dialogue.PhaseIdle || st.Goal != "" {
		t.Fatalf("dialogue not discarded: %+v", st)
	}
}

func clarifyingSession(id string) *session.State {
	st := session.New(id)
	_ = st.Set(session.KeyUser, ann)
	_ = st.Set(session.KeyGoal, "Learn guitar")
	_ = st.Set(session.KeyDialogue, dialogue.Session{
		Phase:     dialogue.PhaseClarifying,
		Goal:      "Learn guitar",
		Obstacles: []string{"no time"},
		Transcript: []models.Turn{
			{Role: models.RoleUser, Content: "My goal is: Learn guitar"},
			{Role: models.RoleAssistant, Content: "Goal: Learn guitar. Obstacle: no time. Correct?"},
		},
		Pending: "Goal: Learn guitar. Obstacle: no time. Correct?",
	})
	return st
}

func TestDoubleSubmitOfConfirmationCreatesOnePost(t *testing.T) {
	chat := &scriptedChat{
		replies: []string{summaryReply},
		started: make(chan struct{}, 2),
		gate:    make(chan struct{}),
	}
	fb := &fakeBoard{}
	svc := newTestService(t, chat, fb)
	turns := svc.turns.(*worker.Manager)

	// two requests of one session, each holding its own copy of the state
	states := []*session.State{clarifyingSession("sid"), clarifyingSession("sid")}
	key := dialogue.TurnKey(states[0].Dialogue, dialogue.SubmitAnswer{Answer: "yes"})
	results := make([]Outcome, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	submit := func(i int) {
		defer wg.Done()
		results[i], errs[i] = svc.SubmitAnswer(context.Background(), states[i], "yes")
	}
	wg.Add(1)
	go submit(0)
	<-chat.started
	wg.Add(1)
	go submit(1)
	waitFor(t, func() bool { return turns.Waiters("sid", key) == 2 })
	close(chat.gate)
	wg.Wait()

	if chat.count() != 1 {
		t.Fatalf("chat called %d times", chat.count())
	}
	if fb.createCalls() != 1 || len(fb.posts) != 1 {
		t.Fatalf("posts created = %d", fb.createCalls())
	}
	for i := range results {
		if errs[i] != nil || results[i].Status != StatusPublished || results[i].PostID != fb.posts[0].ID {
			t.Fatalf("caller %d: %+v, %v", i, results[i], errs[i])
		}
		if states[i].Dialogue.Phase != dialogue.PhaseIdle || states[i].PendingSummary != nil {
			t.Fatalf("caller %d state not folded: %+v", i, states[i])
		}
	}
}

func TestRepeatedPublishCreatesOnePost(t *testing.T) {
	fb := &fakeBoard{}
	svc := newTestService(t, &scriptedChat{}, fb)
	ctx := context.Background()
	sum := &dialogue.Summary{ID: "sum-1", Goal: "Ship v1", Obstacles: []string{"scope"}}

	// two requests loaded the same pending summary before either stored it
	states := []*session.State{session.New("sid"), session.New("sid")}
	for _, st := range states {
		_ = st.Set(session.KeyUser, ann)
		_ = st.Set(session.KeyPendingSummary, sum)
	}
	first, err := svc.Publish(ctx, states[0])
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	second, err := svc.Publish(ctx, states[1])
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if first.PostID != second.PostID {
		t.Fatalf("publishes returned %s and %s", first.PostID, second.PostID)
	}
	if len(fb.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(fb.posts))
	}
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
