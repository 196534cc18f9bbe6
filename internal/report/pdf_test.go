package report

import (
	"bytes"
	"os"
	"testing"
	"time"

	"medsim/internal/cases"
	"medsim/internal/feedback"
	"medsim/internal/session"
)

func TestLayout(t *testing.T) {
	text := "## Overview\n\nGood history taking.\n\n---\n\n## Therapy\n\n  Antibiotics were missing.  "

	got := layout(text)
	want := []line{
		{text: "Overview", heading: true},
		{text: "Good history taking."},
		{rule: true},
		{text: "Therapy", heading: true},
		{text: "Antibiotics were missing."},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRenderMissingFont(t *testing.T) {
	r := NewRenderer("/nonexistent/font.ttf")
	err := r.Render(&bytes.Buffer{}, testSnapshot(), &feedback.Document{Text: "x"})
	if err == nil {
		t.Fatal("expected font error")
	}
}

func TestRenderRequiresInput(t *testing.T) {
	if err := NewRenderer("").Render(&bytes.Buffer{}, nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRender(t *testing.T) {
	font := ""
	for _, p := range DefaultFontPaths {
		if _, err := os.Stat(p); err == nil {
			font = p
			break
		}
	}
	if font == "" {
		t.Skip("DejaVuSans.ttf not installed")
	}

	var body bytes.Buffer
	for i := 0; i < 80; i++ {
		body.WriteString("## Section\n\nThe student asked about onset, character and radiation of the pain and documented it.\n\n---\n\n")
	}

	doc := &feedback.Document{Text: body.String(), Mode: feedback.ModeParallel, GeneratedAt: time.Now()}

	var out bytes.Buffer
	if err := NewRenderer(font).Render(&out, testSnapshot(), doc); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(out.Bytes(), []byte("%PDF")) {
		t.Errorf("output is not a PDF")
	}
}

func testSnapshot() *session.Snapshot {
	return &session.Snapshot{
		ID: "s1",
		Case: cases.Case{
			ScenarioID: "appendicitis",
			Title:      "Acute appendicitis",
			Name:       "Anna Fischer",
			Age:        24,
			Gender:     cases.Female,
		},
	}
}
