package dialogue

import (
	"fmt"

	"igniteme/internal/models"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCollecting  Phase = "collecting"
	PhaseClarifying  Phase = "clarifying"
	PhaseSummarizing Phase = "summarizing"
)

// MaxObstacles is the number of obstacle slots offered to the user.
const MaxObstacles = 3

// Summary is the structured goal the chat model produces once the user
// confirms it. ID is assigned when the summary is accepted and keys its
// publication, so one summary yields at most one post.
type Summary struct {
	ID        string   `json:"id,omitempty"`
	Goal      string   `json:"goal"`
	Obstacles []string `json:"obstacles"`
}

// Session is the transient dialogue state of one browser session.
type Session struct {
	Phase      Phase         `json:"phase"`
	Goal       string        `json:"goal,omitempty"`
	Obstacles  []string      `json:"obstacles,omitempty"`
	Transcript []models.Turn `json:"transcript,omitempty"`
	// Pending is the latest assistant message awaiting an answer.
	Pending string   `json:"pending,omitempty"`
	Summary *Summary `json:"summary,omitempty"`
}

// Idle returns the zero dialogue.
func Idle() Session {
	return Session{Phase: PhaseIdle}
}

// Normalized treats an unset phase as idle.
func (s Session) Normalized() Session {
	if s.Phase == "" {
		s.Phase = PhaseIdle
	}
	return s
}

// Clone deep-copies the slices so callers can mutate freely.
func (s Session) Clone() Session {
	out := s
	if s.Obstacles != nil {
		out.Obstacles = append([]string(nil), s.Obstacles...)
	}
	if s.Transcript != nil {
		out.Transcript = append([]models.Turn(nil), s.Transcript...)
	}
	if s.Summary != nil {
		sum := *s.Summary
		sum.Obstacles = append([]string(nil), s.Summary.Obstacles...)
		out.Summary = &sum
	}
	return out
}

// InvalidTransitionError reports an event that does not apply to the phase.
type InvalidTransitionError struct {
	Phase Phase
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot handle %s while %s", e.Event, e.Phase)
}
