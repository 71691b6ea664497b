package notesync

import (
	"context"
	"strings"

	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/outcome"
)

// AppendToDraft appends a transcribed chunk, separated by a single space.
// Blank chunks are ignored.
func (c *Core) AppendToDraft(chunk string) error {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return nil
	}
	return c.do(func() {
		if c.draft == "" {
			c.draft = chunk
		} else {
			c.draft += " " + chunk
		}
		c.changed()
	})
}

// SetDraft replaces the draft with manually edited text.
func (c *Core) SetDraft(text string) error {
	return c.do(func() {
		if c.draft == text {
			return
		}
		c.draft = text
		c.changed()
	})
}

// ClearDraft discards the draft.
func (c *Core) ClearDraft() error {
	return c.SetDraft("")
}

// SaveDraft turns the trimmed draft into a new note with no tags and clears
// the draft at once, whatever the write's eventual result. An empty draft is a
// no-op; without an identity nothing happens and ErrNoIdentity is returned.
func (c *Core) SaveDraft() error {
	var opErr error
	err := c.do(func() {
		saved, err := c.create(c.draft)
		if err != nil {
			opErr = err
			return
		}
		if saved {
			c.draft = ""
			c.changed()
		}
	})
	return firstErr(err, opErr)
}

// SaveText creates a note from text the way SaveDraft does, leaving the
// draft untouched.
func (c *Core) SaveText(text string) error {
	var opErr error
	err := c.do(func() {
		_, opErr = c.create(text)
	})
	return firstErr(err, opErr)
}

// create issues the store write for a new note. It reports false when the
// trimmed text is empty.
func (c *Core) create(text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	owner, err := c.requireIdentity()
	if err != nil {
		return false, err
	}
	fields := models.NoteFields{
		Text:      text,
		Timestamp: c.now(),
		Tags:      []string{},
		OwnerID:   owner,
	}
	c.write(outcome.OpCreate, "", owner, func(ctx context.Context) (string, error) {
		return c.store.Create(ctx, fields)
	})
	return true, nil
}

// SetRecording updates the recording indicator.
func (c *Core) SetRecording(on bool) error {
	return c.do(func() {
		if c.recording == on {
			return
		}
		c.recording = on
		c.changed()
	})
}

// SetSupported records the result of the transcription capability probe. A
// nil error means recording is available.
func (c *Core) SetSupported(probe error) error {
	return c.do(func() {
		c.unsupported = probe
		c.changed()
	})
}
