package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-pdf/fpdf"

	"github.com/starford/voicenotes/internal/models"
)

// Page geometry in millimetres (A4 portrait).
const (
	PageWidth  = 210.0
	PageHeight = 297.0
	Margin     = 20.0
	LineHeight = 7.0

	Title = "Voice Notes"
)

// LineKind is the role of a laid-out line.
type LineKind int

const (
	KindTitle LineKind = iota
	KindLabel
	KindBody
	KindTags
)

// Line is one positioned line of text. Y is the baseline.
type Line struct {
	Kind LineKind
	Text string
	X, Y float64
}

// Page is a list of lines.
type Page struct {
	Lines []Line
}

// WrapFunc splits text into lines no wider than width.
type WrapFunc func(text string, width float64) []string

// Layout places the title and then, per note, a relative-age label, the
// wrapped body and a tag line. A new page starts whenever the next line
// would cross the bottom margin.
func Layout(notes models.NoteSet, now time.Time, wrap WrapFunc) []Page {
	pages := []Page{{}}
	y := Margin
	width := PageWidth - 2*Margin

	place := func(kind LineKind, text string) {
		if y+LineHeight > PageHeight-Margin {
			pages = append(pages, Page{})
			y = Margin
		}
		p := &pages[len(pages)-1]
		p.Lines = append(p.Lines, Line{Kind: kind, Text: text, X: Margin, Y: y})
		y += LineHeight
	}

	place(KindTitle, Title)
	y += LineHeight

	for _, n := range notes {
		place(KindLabel, humanize.RelTime(n.Timestamp, now, "ago", "from now"))
		for _, line := range wrap(n.Text, width) {
			place(KindBody, line)
		}
		if len(n.Tags) > 0 {
			place(KindTags, TagLine(n.Tags))
		}
		y += LineHeight
	}
	return pages
}

// TagLine renders tags as "#a #b".
func TagLine(tags []string) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = "#" + t
	}
	return strings.Join(parts, " ")
}

// WritePDF renders notes as an A4 PDF. now fixes both the relative-age
// labels and the document dates, so identical input gives identical bytes.
func WritePDF(w io.Writer, notes models.NoteSet, now time.Time) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(Margin, Margin, Margin)
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)
	pdf.SetCatalogSort(true)
	pdf.SetTitle(Title, true)

	// Core fonts are cp1252; convert once so wrapping measures what is drawn.
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	encoded := make(models.NoteSet, len(notes))
	for i, n := range notes {
		n = n.Clone()
		n.Text = tr(n.Text)
		for j, t := range n.Tags {
			n.Tags[j] = tr(t)
		}
		encoded[i] = n
	}

	pdf.SetFont("Helvetica", "", 12)
	wrap := func(text string, width float64) []string {
		if text == "" {
			return nil
		}
		var out []string
		for _, para := range strings.Split(text, "\n") {
			for _, line := range pdf.SplitText(widen(para), width) {
				out = append(out, narrow(line))
			}
		}
		return out
	}

	for _, page := range Layout(encoded, now, wrap) {
		pdf.AddPage()
		for _, l := range page.Lines {
			switch l.Kind {
			case KindTitle:
				pdf.SetFont("Helvetica", "", 20)
				pdf.SetTextColor(0, 0, 0)
			case KindLabel:
				pdf.SetFont("Helvetica", "", 10)
				pdf.SetTextColor(128, 128, 128)
			case KindBody:
				pdf.SetFont("Helvetica", "", 12)
				pdf.SetTextColor(0, 0, 0)
			case KindTags:
				pdf.SetFont("Helvetica", "", 10)
				pdf.SetTextColor(0, 0, 255)
			}
			pdf.Text(l.X, l.Y, l.Text)
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("export: render pdf: %w", err)
	}
	return nil
}

// widen maps each cp1252 byte to the rune of the same value. SplitText
// measures runes against a 256-entry width table.
func widen(s string) string {
	r := make([]rune, len(s))
	for i := 0; i < len(s); i++ {
		r[i] = rune(s[i])
	}
	return string(r)
}

// narrow reverses widen.
func narrow(s string) string {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		b = append(b, byte(r))
	}
	return string(b)
}
