package dialogue

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Event drives one transition of the dialogue.
type Event interface {
	Name() string
}

// CommitGoal starts a new dialogue, replacing any previous one.
type CommitGoal struct {
	Goal string
}

// SubmitObstacles sends the goal and obstacles for the first clarification.
// Goal may be empty when it was committed earlier.
type SubmitObstacles struct {
	Goal      string
	Obstacles []string
}

// SubmitAnswer answers the pending assistant question.
type SubmitAnswer struct {
	Answer string
}

// Persisted acknowledges that the pending summary was stored.
type Persisted struct{}

// Close discards the dialogue.
type Close struct{}

func (CommitGoal) Name() string      { return "commit_goal" }
func (SubmitObstacles) Name() string { return "submit_obstacles" }
func (SubmitAnswer) Name() string    { return "submit_answer" }
func (Persisted) Name() string       { return "persisted" }
func (Close) Name() string           { return "close" }

// Fingerprint identifies an event by content so identical resubmissions can
// be recognised.
func Fingerprint(ev Event) string {
	h := sha256.New()
	h.Write([]byte(ev.Name()))
	switch e := ev.(type) {
	case CommitGoal:
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(e.Goal)))
	case SubmitObstacles:
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(e.Goal)))
		for _, o := range e.Obstacles {
			h.Write([]byte{0})
			h.Write([]byte(strings.TrimSpace(o)))
		}
	case SubmitAnswer:
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(e.Answer)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TurnKey identifies ev applied to s. The same event resubmitted from the
// same dialogue state gets the same key; a repeated answer in a later round
// does not.
func TurnKey(s Session, ev Event) string {
	s = s.Normalized()
	h := sha256.New()
	for _, part := range []string{string(s.Phase), s.Goal, strconv.Itoa(len(s.Transcript)), s.Pending, Fingerprint(ev)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
