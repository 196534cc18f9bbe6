// Package report renders the feedback document as a PDF.
package report

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/signintech/gopdf"

	"medsim/internal/feedback"
	"medsim/internal/session"
)

const (
	fontFamily = "DejaVu"
	margin     = 50.0
	lineWidth  = 495.0 // A4 width minus both margins
)

// DefaultFontPaths are tried in order when no font is configured.
var DefaultFontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
}

// Renderer writes feedback PDFs. The font must cover the document's script.
type Renderer struct {
	fontPaths []string
}

// NewRenderer creates a renderer. An empty fontPath falls back to DefaultFontPaths.
func NewRenderer(fontPath string) *Renderer {
	if fontPath == "" {
		return &Renderer{fontPaths: DefaultFontPaths}
	}
	return &Renderer{fontPaths: []string{fontPath}}
}

// line is one logical line of the document.
type line struct {
	text    string
	heading bool
	rule    bool
}

// layout splits the markdown-ish feedback text into lines. "## " starts a
// heading, "---" a separator, everything else is body text.
func layout(text string) []line {
	var out []line
	for _, raw := range strings.Split(text, "\n") {
		s := strings.TrimSpace(raw)
		switch {
		case s == "":
			continue
		case s == "---":
			out = append(out, line{rule: true})
		case strings.HasPrefix(s, "#"):
			out = append(out, line{text: strings.TrimSpace(strings.TrimLeft(s, "#")), heading: true})
		default:
			out = append(out, line{text: s})
		}
	}
	return out
}

// Render writes the PDF of doc for the session in snap to w.
func (r *Renderer) Render(w io.Writer, snap *session.Snapshot, doc *feedback.Document) error {
	if snap == nil || doc == nil {
		return fmt.Errorf("report: session and document are required")
	}

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.SetMargins(margin, margin, margin, margin)
	pdf.AddPage()

	if err := r.loadFont(&pdf); err != nil {
		return err
	}

	p := &pager{pdf: &pdf}

	p.write(18, "Case evaluation")
	p.br(10)
	p.write(10, fmt.Sprintf("Session %s", snap.ID))
	p.write(10, fmt.Sprintf("Case: %s (%s)", snap.Case.Title, snap.Case.ScenarioID))
	p.write(10, fmt.Sprintf("Patient: %s, %d, %s", snap.Case.Name, snap.Case.Age, snap.Case.Gender))
	p.write(10, fmt.Sprintf("Diagnostic rounds: %d", len(snap.Rounds)))
	p.write(10, fmt.Sprintf("Generated: %s (%s mode)", doc.GeneratedAt.Format("2006-01-02 15:04"), doc.Mode))
	p.br(15)

	for _, l := range layout(doc.Text) {
		switch {
		case l.rule:
			p.br(8)
		case l.heading:
			p.br(6)
			p.write(14, l.text)
			p.br(4)
		default:
			p.write(11, l.text)
		}
	}
	if p.err != nil {
		return p.err
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to write PDF: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

func (r *Renderer) loadFont(pdf *gopdf.GoPdf) error {
	var lastErr error
	for _, path := range r.fontPaths {
		if err := pdf.AddTTFFont(fontFamily, path); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to load font for PDF (tried %s): %w", strings.Join(r.fontPaths, ", "), lastErr)
}

// pager wraps lines and starts new pages. The first error sticks.
type pager struct {
	pdf *gopdf.GoPdf
	err error
}

func (p *pager) write(size float64, text string) {
	if p.err != nil {
		return
	}
	if err := p.pdf.SetFont(fontFamily, "", size); err != nil {
		p.err = err
		return
	}

	wrapped, err := p.pdf.SplitText(text, lineWidth)
	if err != nil {
		p.err = fmt.Errorf("failed to wrap text: %w", err)
		return
	}

	height := size * 1.3
	for _, s := range wrapped {
		if p.pdf.GetY()+height > gopdf.PageSizeA4.H-margin {
			p.pdf.AddPage()
		}
		p.pdf.SetX(margin)
		if err := p.pdf.Cell(nil, s); err != nil {
			p.err = err
			return
		}
		p.pdf.Br(height)
	}
}

func (p *pager) br(h float64) {
	if p.err == nil {
		p.pdf.Br(h)
	}
}
