// Package docstore is the remote note store adapter: a SQLite document store
// with live, owner-filtered snapshot subscriptions.
package docstore

import (
	"context"

	"github.com/starford/voicenotes/internal/models"
)

// Store is what the sync core needs from a note backend.
type Store interface {
	// Subscribe delivers the owner's complete note set immediately and again
	// whenever it changes.
	Subscribe(ownerID string) (Subscription, error)
	Create(ctx context.Context, fields models.NoteFields) (string, error)
	// Update applies a partial patch. Unknown ids yield apperr.ErrNotFound.
	Update(ctx context.Context, id string, patch models.NotePatch) error
	// Delete removes a note. Unknown ids yield apperr.ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// Subscription is a live feed of full snapshots for one owner.
//
// Snapshots are newest-first. Consecutive identical snapshots are suppressed
// and a slow reader only ever sees the latest one. The channel is closed when
// the subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Snapshots() <-chan models.NoteSet
	Err() error
	// Close is idempotent. Once it returns nothing more is readable from
	// Snapshots.
	Close()
}

var _ Store = (*SQLite)(nil)
