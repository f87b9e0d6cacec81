package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"igniteme/internal/models"
)

// ValidationError reports user input that cannot start or continue a turn.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(msg string) error { return &ValidationError{Msg: msg} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

const requiredFieldsMsg = "please fill all required fields"

// Chatter sends a user prompt on top of the transcript so far and returns the
// assistant text.
type Chatter interface {
	Chat(ctx context.Context, transcript []models.Turn, prompt string) (string, error)
}

// Machine owns the transition function of the dialogue.
type Machine struct {
	chat Chatter
}

func NewMachine(chat Chatter) *Machine {
	return &Machine{chat: chat}
}

// Validate checks an event against the session without calling the model.
func Validate(s Session, ev Event) error {
	s = s.Normalized()
	switch e := ev.(type) {
	case CommitGoal:
		if strings.TrimSpace(e.Goal) == "" {
			return invalid("please enter a goal")
		}
	case SubmitObstacles:
		if s.Phase != PhaseIdle && s.Phase != PhaseCollecting {
			return &InvalidTransitionError{Phase: s.Phase, Event: ev.Name()}
		}
		goal := strings.TrimSpace(e.Goal)
		if goal == "" {
			goal = s.Goal
		}
		if goal == "" || len(e.Obstacles) == 0 || strings.TrimSpace(e.Obstacles[0]) == "" {
			return invalid(requiredFieldsMsg)
		}
		if len(e.Obstacles) > MaxObstacles {
			return invalid(fmt.Sprintf("at most %d obstacles", MaxObstacles))
		}
	case SubmitAnswer:
		if s.Phase != PhaseClarifying {
			return &InvalidTransitionError{Phase: s.Phase, Event: ev.Name()}
		}
		if strings.TrimSpace(e.Answer) == "" {
			return invalid("please enter an answer")
		}
	case Persisted:
		if s.Phase != PhaseSummarizing {
			return &InvalidTransitionError{Phase: s.Phase, Event: ev.Name()}
		}
	case Close:
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

// Step applies ev to s. On error the returned session equals s.
func (m *Machine) Step(ctx context.Context, s Session, ev Event) (Session, error) {
	s = s.Normalized()
	if err := Validate(s, ev); err != nil {
		return s, err
	}
	switch e := ev.(type) {
	case CommitGoal:
		return Session{Phase: PhaseCollecting, Goal: strings.TrimSpace(e.Goal)}, nil
	case SubmitObstacles:
		return m.submitObstacles(ctx, s, e)
	case SubmitAnswer:
		return m.submitAnswer(ctx, s, e)
	case Persisted, Close:
		return Idle(), nil
	}
	return s, fmt.Errorf("unknown event %T", ev)
}

func (m *Machine) submitObstacles(ctx context.Context, s Session, e SubmitObstacles) (Session, error) {
	goal := strings.TrimSpace(e.Goal)
	if goal == "" {
		goal = s.Goal
	}
	obstacles := nonEmpty(e.Obstacles)
	prompt := obstaclesPrompt(goal, obstacles)

	text, err := m.chat.Chat(ctx, s.Transcript, prompt)
	if err != nil {
		return s, fmt.Errorf("clarification turn: %w", err)
	}
	reply, err := ParseClarifying(text)
	if err != nil {
		return s, err
	}

	next := s.Clone()
	next.Phase = PhaseClarifying
	next.Goal = goal
	next.Obstacles = obstacles
	next.Transcript = appendTurns(next.Transcript, prompt, text)
	next.Pending = reply.Response
	next.Summary = nil
	return next, nil
}

func (m *Machine) submitAnswer(ctx context.Context, s Session, e SubmitAnswer) (Session, error) {
	prompt := answerPrompt(strings.TrimSpace(e.Answer))

	text, err := m.chat.Chat(ctx, s.Transcript, prompt)
	if err != nil {
		return s, fmt.Errorf("answer turn: %w", err)
	}
	reply, err := ParseReply(text)
	if err != nil {
		return s, err
	}

	next := s.Clone()
	next.Transcript = appendTurns(next.Transcript, prompt, text)
	next.Pending = reply.Text()
	if sum, ok := reply.(SummaryReply); ok {
		next.Phase = PhaseSummarizing
		summary := sum.Summary
		next.Summary = &summary
	}
	return next, nil
}

func appendTurns(transcript []models.Turn, prompt, reply string) []models.Turn {
	return append(transcript,
		models.Turn{Role: models.RoleUser, Content: prompt},
		models.Turn{Role: models.RoleAssistant, Content: reply},
	)
}
