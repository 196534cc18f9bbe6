package prompt

import (
	"strings"
	"testing"

	"medsim/internal/cases"
)

func testCase() *cases.Case {
	return &cases.Case{
		ScenarioID:      "appendicitis",
		Description:     "Right lower quadrant pain for 24 hours.",
		ExaminationHint: "McBurney tenderness.",
		Age:             24,
		Gender:          cases.Female,
		Job:             "nurse",
		Name:            "Anna Fischer",
		Behavior:        cases.Anxious,
	}
}

func TestEmptyFinalDiagnosisRendersPlaceholder(t *testing.T) {
	c := NewComposer()

	out, err := c.FeedbackPrompt(Context{Case: testCase()})
	if err != nil {
		t.Fatalf("FeedbackPrompt: %v", err)
	}

	if !strings.Contains(out, "## Final diagnosis\n"+NoDiagnosis) {
		t.Errorf("placeholder missing:\n%s", out)
	}
	for _, artifact := range []string{"{{", "}}", "<no value>", "{final_diagnose}"} {
		if strings.Contains(out, artifact) {
			t.Errorf("template artifact %q in output", artifact)
		}
	}
}

func TestAllPlaceholdersRendered(t *testing.T) {
	c := NewComposer()

	out, err := c.ContextBlock(Context{Case: testCase(), FinalDiagnosis: "   "})
	if err != nil {
		t.Fatalf("ContextBlock: %v", err)
	}

	for _, p := range []string{NoTranscript, NoExamination, NoDifferentials, NoRequests, NoFindings, NoDiagnosis, NoTherapy, NoCareSetting, NoKnowledgeBase} {
		if !strings.Contains(out, p) {
			t.Errorf("missing placeholder %q", p)
		}
	}

	sparse := testCase()
	sparse.Job = ""
	sparse.Description = " "
	sparse.ExaminationHint = ""

	tests := []struct {
		name   string
		render func() (string, error)
		want   []string
	}{
		{"context", func() (string, error) { return c.ContextBlock(Context{Case: sparse}) }, []string{NoJob, NoDescription}},
		{"examination", func() (string, error) { return c.ExaminationPrompt(Context{Case: sparse}) }, []string{NoDescription, NoExaminationHint}},
		{"patient", func() (string, error) { return c.PatientInstruction(sparse) }, []string{NoJob, NoDescription}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.render()
			if err != nil {
				t.Fatal(err)
			}
			for _, p := range tt.want {
				if !strings.Contains(out, p) {
					t.Errorf("missing placeholder %q in:\n%s", p, out)
				}
			}
			if strings.Contains(out, "Presentation: \n") || strings.Contains(out, "Occupation: .") {
				t.Errorf("blank case field in:\n%s", out)
			}
		})
	}
}

func TestDeterministic(t *testing.T) {
	c := NewComposer()
	ctx := Context{
		Case:           testCase(),
		UserTranscript: "Where is the pain?",
		Examination:    "Guarding in RLQ.",
		Differentials:  "Appendicitis, ovarian torsion",
		RoundRequests:  "### Round 1\nCBC",
		RoundFindings:  "### Round 1\nWBC 14",
		FinalDiagnosis: "Acute appendicitis",
		Therapy:        "Laparoscopic appendectomy",
		CareSetting:    "Emergency department",
		KnowledgeBase:  "Alvarado score >= 7 suggests appendicitis.",
	}

	a, err := c.TaskPrompt(ctx, "Therapy", "Assess the therapy.")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewComposer().TaskPrompt(ctx, "Therapy", "Assess the therapy.")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical inputs produced different prompts")
	}

	for _, want := range []string{"Acute appendicitis", "Laparoscopic appendectomy", "Emergency department", "Alvarado", `"Therapy"`} {
		if !strings.Contains(a, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestFindingsPrompt(t *testing.T) {
	c := NewComposer()

	out, err := c.FindingsPrompt(Context{Case: testCase(), RoundFindings: "### Round 1\nCRP 80 mg/L"}, 2, "CT abdomen")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "round 2") || !strings.Contains(out, "CT abdomen") || !strings.Contains(out, "CRP 80 mg/L") {
		t.Errorf("unexpected findings prompt:\n%s", out)
	}

	out, err = c.FindingsPrompt(Context{Case: testCase()}, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, NoInvestigations) {
		t.Error("empty request should render placeholder")
	}
}

func TestPatientInstruction(t *testing.T) {
	c := NewComposer()

	out, err := c.PatientInstruction(testCase())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Anna Fischer") || !strings.Contains(out, cases.Anxious.Describe()) {
		t.Errorf("unexpected instruction:\n%s", out)
	}

	if _, err := c.PatientInstruction(nil); err == nil {
		t.Error("expected error for nil case")
	}
}

func TestContextRequiresCase(t *testing.T) {
	c := NewComposer()

	if _, err := c.ExaminationPrompt(Context{}); err == nil {
		t.Error("expected error without case")
	}
}
