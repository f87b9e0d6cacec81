package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"igniteme/internal/dialogue"
	"igniteme/internal/logger"
	"igniteme/internal/metrics"
	"igniteme/internal/models"
	"igniteme/internal/service/ai"
	"igniteme/internal/service/board"
	"igniteme/internal/session"
	"igniteme/internal/worker"
)

// Status tells the client what to render after an action.
type Status string

const (
	StatusCollecting    Status = "collecting"
	StatusClarifying    Status = "clarifying"
	StatusAuthRequired  Status = "auth_required"
	StatusPublished     Status = "published"
	StatusPublishFailed Status = "publish_failed"
	StatusIdle          Status = "idle"
	StatusPosted        Status = "posted"
)

// Banners shown to the user after a failed action.
const (
	BannerMalformed   = "The coach gave an answer we could not read. Please start again."
	BannerUnavailable = "The coach is unreachable right now. Please resubmit."
	BannerPersistence = "We could not publish your goal. Please try again."
	BannerBusy        = "The coach is busy right now. Please resubmit in a moment."
)

// ErrNothingPending is returned by Publish when no summary awaits storage.
var ErrNothingPending = errors.New("no pending summary")

// Outcome is the result of one dialogue action.
type Outcome struct {
	Status  Status            `json:"status"`
	Reply   string            `json:"reply,omitempty"`
	PostID  string            `json:"post_id,omitempty"`
	Summary *dialogue.Summary `json:"summary,omitempty"`
	Message *models.Message   `json:"message,omitempty"`
	Shared  bool              `json:"-"`
}

// Turns runs a dialogue turn with per-session exclusion.
type Turns interface {
	Run(ctx context.Context, sessionID, fingerprint string, fn worker.TurnFunc) (any, bool, error)
}

// Board is the persistence the coach writes through. CreatePostOnce must
// return the existing post for a publish key it already stored.
type Board interface {
	CreatePostOnce(ctx context.Context, publishKey, content string, author *models.User, obstacles []string) (string, error)
	PostMessage(ctx context.Context, postID, obstacleID, content string, author *models.User) (*models.Message, error)
}

// Service drives the clarification dialogue held in a session and writes
// confirmed goals and discussion messages to the board.
type Service struct {
	machine *dialogue.Machine
	turns   Turns
	board   Board
	log     zerolog.Logger
}

func NewService(machine *dialogue.Machine, turns Turns, b Board) *Service {
	return &Service{
		machine: machine,
		turns:   turns,
		board:   b,
		log:     logger.Component("coach"),
	}
}

// CommitGoal starts a new dialogue, discarding any previous one.
func (s *Service) CommitGoal(ctx context.Context, st *session.State, goal string) (Outcome, error) {
	t, _, err := s.step(ctx, st, dialogue.CommitGoal{Goal: goal})
	if err != nil {
		return Outcome{}, err
	}
	_ = st.Set(session.KeyGoal, t.next.Goal)
	_ = st.Reset(session.KeyPendingSummary)
	return Outcome{Status: StatusCollecting}, nil
}

// SubmitObstacles sends the goal and obstacles for the first clarification.
func (s *Service) SubmitObstacles(ctx context.Context, st *session.State, goal string, obstacles []string) (Outcome, error) {
	if strings.TrimSpace(goal) == "" {
		goal = st.Goal
	}
	return s.converse(ctx, st, dialogue.SubmitObstacles{Goal: goal, Obstacles: obstacles})
}

// SubmitAnswer answers the pending clarification question.
func (s *Service) SubmitAnswer(ctx context.Context, st *session.State, answer string) (Outcome, error) {
	return s.converse(ctx, st, dialogue.SubmitAnswer{Answer: answer})
}

// Close discards the dialogue and everything waiting on it.
func (s *Service) Close(ctx context.Context, st *session.State) Outcome {
	next, _ := s.machine.Step(ctx, st.Dialogue, dialogue.Close{})
	s.apply(st, next)
	_ = st.Reset(session.KeyGoal, session.KeyPendingSummary, session.KeyBanner)
	metrics.DialogueTurns.WithLabelValues(dialogue.Close{}.Name(), "ok").Inc()
	return Outcome{Status: StatusIdle}
}

// Publish stores the pending summary for the signed-in user. Publishing
// is serialized per session and keyed by the summary, so repeated or
// concurrent calls for one summary create one post.
func (s *Service) Publish(ctx context.Context, st *session.State) (Outcome, error) {
	if st.PendingSummary == nil {
		return Outcome{}, ErrNothingPending
	}
	if st.User == nil {
		return Outcome{Status: StatusAuthRequired, Summary: st.PendingSummary}, board.ErrUnauthenticated
	}
	sum := st.PendingSummary
	if sum.ID == "" {
		keyed := *sum
		keyed.ID = uuid.NewString()
		sum = &keyed
		_ = st.Set(session.KeyPendingSummary, sum)
	}
	author := st.User
	val, _, err := s.turns.Run(ctx, st.ID, "publish/"+sum.ID, func(turnCtx context.Context) (any, error) {
		var t turn
		t.postID, t.postErr = s.board.CreatePostOnce(turnCtx, sum.ID, sum.Goal, author, sum.Obstacles)
		return t, nil
	})
	if err != nil {
		return Outcome{Summary: sum}, s.fail(st, dialogue.Persisted{}, err)
	}
	t := val.(turn)
	if t.postErr != nil {
		return s.publishFailed(st, sum, t.postErr)
	}
	return s.published(ctx, st, sum, t.postID), nil
}

// published folds the dialogue back to idle once its summary is stored.
func (s *Service) published(ctx context.Context, st *session.State, sum *dialogue.Summary, postID string) Outcome {
	if st.Dialogue.Phase == dialogue.PhaseSummarizing {
		if next, err := s.machine.Step(ctx, st.Dialogue, dialogue.Persisted{}); err == nil {
			s.apply(st, next)
		}
	}
	_ = st.Reset(session.KeyGoal, session.KeyPendingSummary, session.KeyBanner)
	metrics.DialogueTurns.WithLabelValues("publish", "ok").Inc()
	s.log.Info().Str("post", postID).Str("session", st.ID).Msg("goal published")
	return Outcome{Status: StatusPublished, PostID: postID, Summary: sum}
}

func (s *Service) publishFailed(st *session.State, sum *dialogue.Summary, err error) (Outcome, error) {
	metrics.DialogueTurns.WithLabelValues("publish", "error").Inc()
	_ = st.Set(session.KeyBanner, BannerPersistence)
	return Outcome{Status: StatusPublishFailed, Summary: sum}, err
}

// PostMessage adds a discussion message. Anonymous messages are kept in the
// session and sent once the user signs in.
func (s *Service) PostMessage(ctx context.Context, st *session.State, postID, obstacleID, content string) (Outcome, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Outcome{}, fmt.Errorf("%w: message content required", board.ErrInvalidInput)
	}
	if st.User == nil {
		_ = st.Set(session.KeyPendingMessage, &session.PendingMessage{
			PostID:     postID,
			ObstacleID: obstacleID,
			Content:    content,
		})
		return Outcome{Status: StatusAuthRequired}, board.ErrUnauthenticated
	}
	msg, err := s.board.PostMessage(ctx, postID, obstacleID, content, st.User)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: StatusPosted, Message: msg}, nil
}

// Resume replays the actions suspended while the session was anonymous.
// Each pending action is attempted once and then dropped, except a summary
// whose storage failed, which stays for a manual retry.
func (s *Service) Resume(ctx context.Context, st *session.State) []Outcome {
	if st.User == nil {
		return nil
	}
	var out []Outcome
	if st.PendingSummary != nil {
		res, err := s.Publish(ctx, st)
		if err != nil {
			s.log.Warn().Err(err).Msg("replay pending summary")
		}
		out = append(out, res)
	}
	if pm := st.PendingMessage; pm != nil {
		_ = st.Reset(session.KeyPendingMessage)
		res, err := s.PostMessage(ctx, st, pm.PostID, pm.ObstacleID, pm.Content)
		if err != nil {
			s.log.Warn().Err(err).Str("obstacle", pm.ObstacleID).Msg("replay pending message")
			_ = st.Set(session.KeyBanner, "Your message could not be posted.")
		} else {
			out = append(out, res)
		}
	}
	return out
}

// turn is what one dialogue turn hands to every caller sharing it. A turn
// that produces a summary for a signed-in user also stores it, so callers
// joining the turn reuse the post instead of writing their own.
type turn struct {
	next    dialogue.Session
	postID  string
	postErr error
}

// step runs one event through the turn manager and stores the new
// dialogue on the session.
func (s *Service) step(ctx context.Context, st *session.State, ev dialogue.Event) (turn, bool, error) {
	if err := dialogue.Validate(st.Dialogue, ev); err != nil {
		return turn{next: st.Dialogue}, false, s.fail(st, ev, err)
	}
	snapshot := st.Dialogue.Clone()
	author := st.User
	val, shared, err := s.turns.Run(ctx, st.ID, dialogue.TurnKey(snapshot, ev), func(turnCtx context.Context) (any, error) {
		next, err := s.machine.Step(turnCtx, snapshot, ev)
		if err != nil {
			return nil, err
		}
		t := turn{next: next}
		if next.Phase == dialogue.PhaseSummarizing && next.Summary != nil {
			sum := *next.Summary
			sum.ID = uuid.NewString()
			t.next.Summary = &sum
			if author != nil {
				t.postID, t.postErr = s.board.CreatePostOnce(turnCtx, sum.ID, sum.Goal, author, sum.Obstacles)
			}
		}
		return t, nil
	})
	if err != nil {
		return turn{next: st.Dialogue}, false, s.fail(st, ev, err)
	}
	t := val.(turn)
	s.apply(st, t.next)
	_ = st.Reset(session.KeyBanner)
	metrics.DialogueTurns.WithLabelValues(ev.Name(), "ok").Inc()
	return t, shared, nil
}

func (s *Service) converse(ctx context.Context, st *session.State, ev dialogue.Event) (Outcome, error) {
	t, shared, err := s.step(ctx, st, ev)
	if err != nil {
		return Outcome{}, err
	}
	next := t.next
	if next.Goal != "" {
		_ = st.Set(session.KeyGoal, next.Goal)
	}
	if next.Phase != dialogue.PhaseSummarizing {
		return Outcome{Status: StatusClarifying, Reply: next.Pending, Shared: shared}, nil
	}
	_ = st.Set(session.KeyPendingSummary, next.Summary)

	var res Outcome
	switch {
	case t.postID != "":
		res = s.published(ctx, st, next.Summary, t.postID)
	case t.postErr != nil:
		res, err = s.publishFailed(st, next.Summary, t.postErr)
	case st.User == nil:
		res = Outcome{Status: StatusAuthRequired, Summary: next.Summary}
	default:
		// signed in while the turn was running
		res, err = s.Publish(ctx, st)
	}
	res.Reply = next.Pending
	res.Shared = shared
	return res, err
}

// fail records the error on the session. A malformed reply aborts the
// dialogue; transient failures keep it so the user can resubmit.
func (s *Service) fail(st *session.State, ev dialogue.Event, err error) error {
	outcome := "error"
	switch {
	case dialogue.IsValidation(err):
		outcome = "invalid"
	case errors.Is(err, dialogue.ErrMalformedReply):
		outcome = "malformed"
		s.apply(st, dialogue.Idle())
		_ = st.Reset(session.KeyGoal, session.KeyPendingSummary)
		_ = st.Set(session.KeyBanner, BannerMalformed)
	case errors.Is(err, ai.ErrTransient):
		outcome = "transient"
		_ = st.Set(session.KeyBanner, BannerUnavailable)
	case errors.Is(err, worker.ErrTurnInFlight):
		outcome = "in_flight"
	case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrStopped):
		outcome = "busy"
		_ = st.Set(session.KeyBanner, BannerBusy)
	}
	metrics.DialogueTurns.WithLabelValues(ev.Name(), outcome).Inc()
	if outcome == "error" || outcome == "malformed" {
		s.log.Warn().Err(err).Str("event", ev.Name()).Str("session", st.ID).Msg("dialogue turn failed")
	}
	return err
}

func (s *Service) apply(st *session.State, next dialogue.Session) {
	_ = st.Set(session.KeyDialogue, next)
}
