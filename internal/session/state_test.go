package session

import (
	"errors"
	"testing"

	"igniteme/internal/dialogue"
	"igniteme/internal/models"
)

func TestStateGetSetReset(t *testing.T) {
	st := New("abc")
	if st.Dirty() {
		t.Fatalf("fresh state should be clean")
	}
	if err := st.Set(KeyGoal, "Learn guitar"); err != nil {
		t.Fatalf("Set goal: %v", err)
	}
	got, err := st.Get(KeyGoal)
	if err != nil || got.(string) != "Learn guitar" {
		t.Fatalf("Get goal = %v, %v", got, err)
	}
	if err := st.Set(KeyUser, &models.User{ID: 1, DisplayName: "Ann"}); err != nil {
		t.Fatalf("Set user: %v", err)
	}
	if err := st.Set(KeyGoal, 42); !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
	if err := st.Set(Key("theme"), "dark"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := st.Get(Key("theme")); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}

	if err := st.Reset(KeyGoal, Key("nope")); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if st.Goal != "Learn guitar" {
		t.Fatalf("partial reset applied")
	}
	if err := st.Reset(KeyGoal, KeyUser); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if st.Goal != "" || st.User != nil {
		t.Fatalf("reset did not restore defaults: %+v", st)
	}
	if !st.Dirty() {
		t.Fatalf("state should be dirty")
	}
}

func TestStateDialogueNormalized(t *testing.T) {
	st := New("abc")
	if err := st.Set(KeyDialogue, dialogue.Session{}); err != nil {
		t.Fatalf("Set dialogue: %v", err)
	}
	if st.Dialogue.Phase != dialogue.PhaseIdle {
		t.Fatalf("phase = %q", st.Dialogue.Phase)
	}
}
