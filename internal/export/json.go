// Package export renders note sets as JSON documents and paginated PDFs.
// Every function is a pure transform of its input.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/starford/voicenotes/internal/models"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type jsonNote struct {
	Text      string   `json:"text"`
	Timestamp string   `json:"timestamp"`
	Tags      []string `json:"tags"`
}

// WriteJSON writes notes as a compact JSON array of {text, timestamp, tags}.
func WriteJSON(w io.Writer, notes models.NoteSet) error {
	out := make([]jsonNote, 0, len(notes))
	for _, n := range notes {
		tags := n.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, jsonNote{
			Text:      n.Text,
			Timestamp: n.Timestamp.UTC().Format(TimestampLayout),
			Tags:      tags,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("export: encode json: %w", err)
	}
	if _, err := w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))); err != nil {
		return fmt.Errorf("export: write json: %w", err)
	}
	return nil
}

// FileName names an export created at now, e.g.
// voice-notes-2024-03-01T12:00:00.000Z.json.
func FileName(ext string, now time.Time) string {
	return "voice-notes-" + now.UTC().Format(TimestampLayout) + "." + ext
}
