// Package dialogue implements the goal clarification conversation as an
// explicit state machine.
//
// A Session moves Idle → Collecting → Clarifying → Summarizing and folds back
// to Idle once the summary is persisted. Machine.Step is the only transition
// function; the single side effect it performs is the call to the chat model.
// On any error Step returns the input session unchanged.
package dialogue
