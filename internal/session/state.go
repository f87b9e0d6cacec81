package session

import (
	"errors"
	"fmt"
	"time"

	"igniteme/internal/dialogue"
	"igniteme/internal/models"
)

// Key names one slot of the per-session state.
type Key string

const (
	KeyGoal           Key = "goal"
	KeyDialogue       Key = "dialogue"
	KeyUser           Key = "user"
	KeyPendingSummary Key = "pending_summary"
	KeyPendingMessage Key = "pending_message"
	KeyViewPost       Key = "view_post"
	KeyViewObstacle   Key = "view_obstacle"
	KeyBanner         Key = "banner"
)

// Keys lists every valid key.
var Keys = []Key{
	KeyGoal, KeyDialogue, KeyUser, KeyPendingSummary,
	KeyPendingMessage, KeyViewPost, KeyViewObstacle, KeyBanner,
}

var (
	ErrUnknownKey = errors.New("unknown session key")
	ErrWrongType  = errors.New("wrong value type for session key")
)

// PendingMessage is a discussion message typed before signing in.
type PendingMessage struct {
	PostID     string `json:"post_id"`
	ObstacleID string `json:"obstacle_id"`
	Content    string `json:"content"`
}

// State is the server-side state of one browser session.
type State struct {
	ID             string            `json:"id"`
	Goal           string            `json:"goal,omitempty"`
	Dialogue       dialogue.Session  `json:"dialogue"`
	User           *models.User      `json:"user,omitempty"`
	PendingSummary *dialogue.Summary `json:"pending_summary,omitempty"`
	PendingMessage *PendingMessage   `json:"pending_message,omitempty"`
	ViewPost       string            `json:"view_post,omitempty"`
	ViewObstacle   string            `json:"view_obstacle,omitempty"`
	Banner         string            `json:"banner,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`

	dirty map[Key]struct{}
}

// New returns the default state for a fresh session id.
func New(id string) *State {
	return &State{ID: id, Dialogue: dialogue.Idle()}
}

func valid(key Key) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value stored under key.
func (s *State) Get(key Key) (any, error) {
	switch key {
	case KeyGoal:
		return s.Goal, nil
	case KeyDialogue:
		return s.Dialogue, nil
	case KeyUser:
		return s.User, nil
	case KeyPendingSummary:
		return s.PendingSummary, nil
	case KeyPendingMessage:
		return s.PendingMessage, nil
	case KeyViewPost:
		return s.ViewPost, nil
	case KeyViewObstacle:
		return s.ViewObstacle, nil
	case KeyBanner:
		return s.Banner, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// Set stores value under key. The value must have the key's type.
func (s *State) Set(key Key, value any) error {
	if !valid(key) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	ok := true
	switch key {
	case KeyGoal, KeyViewPost, KeyViewObstacle, KeyBanner:
		var v string
		if v, ok = value.(string); ok {
			s.setString(key, v)
		}
	case KeyDialogue:
		var v dialogue.Session
		if v, ok = value.(dialogue.Session); ok {
			s.Dialogue = v.Normalized()
		}
	case KeyUser:
		var v *models.User
		if v, ok = value.(*models.User); ok {
			s.User = v
		}
	case KeyPendingSummary:
		var v *dialogue.Summary
		if v, ok = value.(*dialogue.Summary); ok {
			s.PendingSummary = v
		}
	case KeyPendingMessage:
		var v *PendingMessage
		if v, ok = value.(*PendingMessage); ok {
			s.PendingMessage = v
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q got %T", ErrWrongType, key, value)
	}
	s.markDirty(key)
	return nil
}

func (s *State) setString(key Key, v string) {
	switch key {
	case KeyGoal:
		s.Goal = v
	case KeyViewPost:
		s.ViewPost = v
	case KeyViewObstacle:
		s.ViewObstacle = v
	case KeyBanner:
		s.Banner = v
	}
}

// Reset restores the given keys to their defaults. No key is touched when
// any of them is unknown.
func (s *State) Reset(keys ...Key) error {
	for _, k := range keys {
		if !valid(k) {
			return fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
	}
	for _, k := range keys {
		switch k {
		case KeyGoal, KeyViewPost, KeyViewObstacle, KeyBanner:
			s.setString(k, "")
		case KeyDialogue:
			s.Dialogue = dialogue.Idle()
		case KeyUser:
			s.User = nil
		case KeyPendingSummary:
			s.PendingSummary = nil
		case KeyPendingMessage:
			s.PendingMessage = nil
		}
		s.markDirty(k)
	}
	return nil
}

// Dirty reports whether any key changed since the state was loaded.
func (s *State) Dirty() bool {
	return len(s.dirty) > 0
}

func (s *State) markDirty(key Key) {
	if s.dirty == nil {
		s.dirty = make(map[Key]struct{})
	}
	s.dirty[key] = struct{}{}
}

func (s *State) clean() {
	s.dirty = nil
}

// mergeInto copies the keys changed on s onto dst, leaving the others as
// another request may have written them.
func (s *State) mergeInto(dst *State) {
	for k := range s.dirty {
		v, _ := s.Get(k)
		_ = dst.Set(k, v)
	}
	dst.clean()
}
