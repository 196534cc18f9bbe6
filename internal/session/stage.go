package session

import "fmt"

// Stage is the position of a session in the training workflow.
type Stage int

const (
	StageCaseSelected Stage = iota
	StageAnamnesis
	StageExamDone
	StageDifferentials
	StageDiagnostics
	StageFinalEntered
	StageFeedbackGenerating
	StageFeedbackDone
	StageFeedbackFailed
)

var stageNames = map[Stage]string{
	StageCaseSelected:       "case-selected",
	StageAnamnesis:          "anamnesis",
	StageExamDone:           "exam-done",
	StageDifferentials:      "ddx-entered",
	StageDiagnostics:        "diagnostics",
	StageFinalEntered:       "final-entered",
	StageFeedbackGenerating: "feedback-generating",
	StageFeedbackDone:       "feedback-done",
	StageFeedbackFailed:     "feedback-failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// MarshalText renders the stage name in JSON
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name
func (s *Stage) UnmarshalText(text []byte) error {
	for stage, name := range stageNames {
		if name == string(text) {
			*s = stage
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// transitions lists, for every target stage, the stages it may be entered from.
// Entering a stage from itself is how repeated operations (another question,
// another round, a corrected diagnosis) are expressed.
var transitions = map[Stage][]Stage{
	StageAnamnesis:          {StageCaseSelected, StageAnamnesis},
	StageExamDone:           {StageAnamnesis},
	StageDifferentials:      {StageExamDone, StageDifferentials},
	StageDiagnostics:        {StageDifferentials, StageDiagnostics},
	StageFinalEntered:       {StageDiagnostics, StageFinalEntered},
	StageFeedbackGenerating: {StageFinalEntered, StageFeedbackFailed},
	StageFeedbackDone:       {StageFeedbackGenerating},
	StageFeedbackFailed:     {StageFeedbackGenerating},
}

// CanTransition reports whether a session in from may move to to.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
