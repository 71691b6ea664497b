package web

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/notesync"
)

const (
	maxTextLen = 100_000
	maxTagLen  = 200
)

// FilterRequest is the body of PUT /api/filter.
type FilterRequest struct {
	Search string `json:"search"`
	Tag    string `json:"tag"`
}

// Validate implements validation.Validatable.
func (r FilterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Search, validation.RuneLength(0, 1000)),
		validation.Field(&r.Tag, validation.RuneLength(0, maxTagLen)),
	)
}

// TextRequest is the body of PUT /api/draft and PUT /api/notes/{id}/edit.
type TextRequest struct {
	Text string `json:"text"`
}

// Validate implements validation.Validatable.
func (r TextRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Text, validation.RuneLength(0, maxTextLen)),
	)
}

// TagRequest is the body of POST /api/notes/{id}/tags. An empty tag is
// accepted and ignored.
type TagRequest struct {
	Tag string `json:"tag"`
}

// Validate implements validation.Validatable.
func (r TagRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Tag, validation.RuneLength(0, maxTagLen)),
	)
}

// PrefsRequest is the body of PUT /api/prefs.
type PrefsRequest struct {
	DarkMode *bool `json:"darkMode"`
}

// Validate implements validation.Validatable.
func (r PrefsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DarkMode, validation.NotNil),
	)
}

// ViewResponse is the read model as served to the browser: the full view
// plus the notes that pass the current filter.
type ViewResponse struct {
	notesync.View
	Filter  notesync.Query `json:"filter"`
	Visible models.NoteSet `json:"visible"`
}
