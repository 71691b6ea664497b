package notesync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/models"
)

// UnsupportedNotice is shown instead of the recording controls when no
// speech engine is available.
const UnsupportedNotice = "Speech recognition is not supported on this device."

// EditState is the open edit session.
type EditState struct {
	NoteID string `json:"noteId"`
	Text   string `json:"text"`
}

// View is the read model rendered by the view layer. It is a snapshot; the
// caller owns it.
type View struct {
	// Resolved is false until the first identity decision arrives.
	Resolved bool `json:"resolved"`
	// Loaded is true once the first snapshot for Identity has arrived.
	Loaded     bool             `json:"loaded"`
	Identity   *models.Identity `json:"identity"`
	Notes      models.NoteSet   `json:"notes"`
	Tags       []string         `json:"tags"`
	Draft      string           `json:"draft"`
	DraftWords int              `json:"draftWords"`
	DraftChars int              `json:"draftChars"`
	Editing    *EditState       `json:"editing,omitempty"`
	Recording  bool             `json:"recording"`
	Supported  bool             `json:"supported"`
	Notice     string           `json:"notice,omitempty"`
	SyncError  string           `json:"syncError,omitempty"`
	Version    uint64           `json:"version"`
}

// Visible applies q to the view's notes.
func (v View) Visible(q Query) models.NoteSet {
	return Filter(v.Notes, q)
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// CharCount counts characters (runes).
func CharCount(s string) int {
	return utf8.RuneCountInString(s)
}

// buildView assembles the read model from loop-owned state.
func (c *Core) buildView() View {
	notes := c.notes.Clone()
	var editing *EditState
	if c.edit != nil {
		editing = &EditState{NoteID: c.edit.noteID, Text: c.edit.text}
		for i := range notes {
			if notes[i].ID == c.edit.noteID {
				notes[i].Text = c.edit.text
			}
		}
	}
	var ident *models.Identity
	if c.identity != nil {
		cp := *c.identity
		ident = &cp
	}
	v := View{
		Resolved:   c.resolved,
		Loaded:     c.loaded,
		Identity:   ident,
		Notes:      notes,
		Tags:       slices.Clone(c.tags),
		Draft:      c.draft,
		DraftWords: WordCount(c.draft),
		DraftChars: CharCount(c.draft),
		Editing:    editing,
		Recording:  c.recording,
		Supported:  c.unsupported == nil,
		Version:    c.version,
	}
	if c.unsupported != nil {
		v.Notice = UnsupportedNotice
	}
	if c.syncErr != nil {
		v.SyncError = c.syncErr.Error()
	}
	return v
}

// changed bumps the version and pushes the new view to every watcher. A
// watcher that has not consumed the previous view only sees the latest.
func (c *Core) changed() {
	c.version++
	if len(c.watchers) == 0 {
		return
	}
	v := c.buildView()
	for _, ch := range c.watchers {
		offer(ch, v)
	}
}

func offer(ch chan View, v View) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// View returns the current read model.
func (c *Core) View() (View, error) {
	var v View
	err := c.do(func() { v = c.buildView() })
	return v, err
}

// VisibleNotes returns the current notes filtered by search and tag, with the
// edit buffer overlaid.
func (c *Core) VisibleNotes(search, tag string) (models.NoteSet, error) {
	v, err := c.View()
	if err != nil {
		return nil, err
	}
	return v.Visible(Query{Search: search, Tag: tag}), nil
}

// Watch returns a channel that receives the current view at once and then
// every change, conflated to the latest. cancel stops delivery and closes the
// channel.
func (c *Core) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)
	var id int
	err := c.do(func() {
		id = c.nextWatcher
		c.nextWatcher++
		c.watchers[id] = ch
		ch <- c.buildView()
	})
	if err != nil {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		_ = c.do(func() {
			if _, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// WaitLoaded blocks until the notes of the signed-in identity have arrived.
// It fails with ErrNoIdentity once the session is known to be anonymous.
func (c *Core) WaitLoaded(ctx context.Context) error {
	ch, cancel := c.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("notesync: waiting for notes: %w", ctx.Err())
		case v, ok := <-ch:
			if !ok {
				return apperr.ErrClosed
			}
			if v.Resolved && v.Identity == nil {
				return apperr.ErrNoIdentity
			}
			if v.Loaded {
				return nil
			}
		}
	}
}
