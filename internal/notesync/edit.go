package notesync

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/outcome"
)

// BeginEdit opens an edit session on note id with its current text. Any
// other open session is cancelled.
func (c *Core) BeginEdit(id string) error {
	var opErr error
	err := c.do(func() {
		n, ok := c.find(id)
		if !ok {
			opErr = fmt.Errorf("notesync: edit %s: %w", id, apperr.ErrNotFound)
			return
		}
		c.edit = &editSession{noteID: id, text: n.Text}
		c.changed()
	})
	return firstErr(err, opErr)
}

// SetEditText replaces the edit buffer.
func (c *Core) SetEditText(text string) error {
	var opErr error
	err := c.do(func() {
		if c.edit == nil {
			opErr = fmt.Errorf("notesync: no edit session: %w", apperr.ErrInvalidState)
			return
		}
		c.edit.text = text
		c.changed()
	})
	return firstErr(err, opErr)
}

// CommitEdit sends the edit buffer of note id to the store and closes the
// session without waiting for the write.
func (c *Core) CommitEdit(id string) error {
	var opErr error
	err := c.do(func() {
		if c.edit == nil || c.edit.noteID != id {
			opErr = fmt.Errorf("notesync: no edit session for %s: %w", id, apperr.ErrInvalidState)
			return
		}
		owner, _ := c.requireIdentity()
		text := c.edit.text
		c.edit = nil
		c.write(outcome.OpUpdate, id, owner, func(ctx context.Context) (string, error) {
			return "", c.store.Update(ctx, id, models.NotePatch{Text: &text})
		})
		c.changed()
	})
	return firstErr(err, opErr)
}

// CancelEdit discards the edit session, if any.
func (c *Core) CancelEdit() error {
	return c.do(func() {
		if c.edit == nil {
			return
		}
		c.edit = nil
		c.changed()
	})
}

// AddTag appends tag to note id. The tag is trimmed and NFC-normalized; an
// empty tag, an unknown note or a tag the note already carries is a no-op.
func (c *Core) AddTag(id, tag string) error {
	tag = norm.NFC.String(strings.TrimSpace(tag))
	if tag == "" {
		return nil
	}
	return c.do(func() {
		n, ok := c.find(id)
		if !ok || n.HasTag(tag) {
			return
		}
		tags := append(slices.Clone(n.Tags), tag)
		c.write(outcome.OpUpdate, id, n.OwnerID, func(ctx context.Context) (string, error) {
			return "", c.store.Update(ctx, id, models.NotePatch{Tags: tags})
		})
	})
}

// Delete removes note id from the store. The collection changes when the
// store pushes the next snapshot.
func (c *Core) Delete(id string) error {
	var opErr error
	err := c.do(func() {
		n, ok := c.find(id)
		if !ok {
			opErr = fmt.Errorf("notesync: delete %s: %w", id, apperr.ErrNotFound)
			return
		}
		c.write(outcome.OpDelete, id, n.OwnerID, func(ctx context.Context) (string, error) {
			return "", c.store.Delete(ctx, id)
		})
	})
	return firstErr(err, opErr)
}
