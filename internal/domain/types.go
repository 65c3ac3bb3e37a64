package domain

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunReady      RunStatus = "READY"
	RunIncomplete RunStatus = "INCOMPLETE"
	RunComplete   RunStatus = "COMPLETE"
	RunFail       RunStatus = "FAIL"
)

// Startable reports whether a run in this status may be (re-)started
func (s RunStatus) Startable() bool {
	return s == RunReady || s == RunFail
}

// Pending reports whether the run has not reached a terminal status yet
func (s RunStatus) Pending() bool {
	return s == RunReady || s == RunIncomplete
}

// Valid reports whether s is one of the known statuses
func (s RunStatus) Valid() bool {
	switch s {
	case RunReady, RunIncomplete, RunComplete, RunFail:
		return true
	}
	return false
}

// Score is the outcome of evaluating a completed run. The zero value means
// the run has not been scored and serializes as JSON null.
type Score string

const (
	ScoreNone      Score = ""
	ScoreCorrect   Score = "CORRECT"
	ScoreIncorrect Score = "INCORRECT"
)

// MarshalJSON encodes ScoreNone as null
func (s Score) MarshalJSON() ([]byte, error) {
	if s == ScoreNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts null or one of the score strings
func (s *Score) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ScoreNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch Score(raw) {
	case ScoreCorrect, ScoreIncorrect, ScoreNone:
		*s = Score(raw)
		return nil
	}
	return fmt.Errorf("invalid score %q", raw)
}

// String returns "-" for an unscored run
func (s Score) String() string {
	if s == ScoreNone {
		return "-"
	}
	return string(s)
}
