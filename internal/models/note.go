// Package models defines the domain types for voicenotes.
package models

import (
	"slices"
	"time"
)

// Note is a persisted voice note owned by exactly one identity.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Tags      []string  `json:"tags"`
	OwnerID   string    `json:"owner_id"`
}

// Clone returns a deep copy of n.
func (n Note) Clone() Note {
	n.Tags = slices.Clone(n.Tags)
	if n.Tags == nil {
		n.Tags = []string{}
	}
	return n
}

// HasTag reports whether n carries tag (exact, case-sensitive match).
func (n Note) HasTag(tag string) bool {
	return slices.Contains(n.Tags, tag)
}

// NoteSet is the complete set of notes of one owner, newest first.
type NoteSet []Note

// Clone returns a deep copy of s.
func (s NoteSet) Clone() NoteSet {
	out := make(NoteSet, len(s))
	for i, n := range s {
		out[i] = n.Clone()
	}
	return out
}

// NoteFields is the payload of a create request.
type NoteFields struct {
	Text      string
	Timestamp time.Time // zero means "assigned by the store"
	Tags      []string
	OwnerID   string
}

// NotePatch is a partial update. Nil fields are left unchanged.
type NotePatch struct {
	Text *string
	Tags []string
}

// Identity is the authenticated user as reported by the identity provider.
type Identity struct {
	ID    string `json:"id" yaml:"id"`
	Email string `json:"email" yaml:"email"`
}
