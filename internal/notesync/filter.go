package notesync

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/starford/voicenotes/internal/models"
)

// Query is the view filter: a search term and a selected tag. Zero values
// match everything.
type Query struct {
	Search string `json:"search"`
	Tag    string `json:"tag"`
}

// Filter returns the notes whose text contains q.Search (Unicode case-folded)
// and, when q.Tag is set, that carry exactly that tag. The input is not
// modified.
func Filter(notes models.NoteSet, q Query) models.NoteSet {
	fold := cases.Fold()
	needle := fold.String(q.Search)
	out := make(models.NoteSet, 0, len(notes))
	for _, n := range notes {
		if needle != "" && !strings.Contains(fold.String(n.Text), needle) {
			continue
		}
		if q.Tag != "" && !n.HasTag(q.Tag) {
			continue
		}
		out = append(out, n.Clone())
	}
	return out
}

// TagUniverse returns the distinct tags of notes in first-appearance order.
func TagUniverse(notes models.NoteSet) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, n := range notes {
		for _, t := range n.Tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
