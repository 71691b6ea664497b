package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/models"
)

// Create inserts a new note and returns its id.
func (s *SQLite) Create(ctx context.Context, fields models.NoteFields) (string, error) {
	if fields.OwnerID == "" {
		return "", fmt.Errorf("docstore: create: %w", apperr.ErrNoIdentity)
	}
	ts := fields.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	tags, err := encodeTags(fields.Tags)
	if err != nil {
		return "", err
	}
	id := s.newID()
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO notes (id, owner_id, text, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, fields.OwnerID, fields.Text, tags, ts.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("docstore: create: %w", err)
	}
	s.feed.publish(fields.OwnerID)
	return id, nil
}

// Update applies patch to note id.
func (s *SQLite) Update(ctx context.Context, id string, patch models.NotePatch) error {
	owner, err := s.ownerOf(ctx, id)
	if err != nil {
		return err
	}
	if patch.Text != nil {
		if _, err := s.conn.ExecContext(ctx, `UPDATE notes SET text = ? WHERE id = ?`, *patch.Text, id); err != nil {
			return fmt.Errorf("docstore: update text: %w", err)
		}
	}
	if patch.Tags != nil {
		tags, err := encodeTags(patch.Tags)
		if err != nil {
			return err
		}
		if _, err := s.conn.ExecContext(ctx, `UPDATE notes SET tags = ? WHERE id = ?`, tags, id); err != nil {
			return fmt.Errorf("docstore: update tags: %w", err)
		}
	}
	s.feed.publish(owner)
	return nil
}

// Delete removes note id.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	owner, err := s.ownerOf(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("docstore: delete: %w", err)
	}
	s.feed.publish(owner)
	return nil
}

// Notes returns the current snapshot for owner without subscribing.
func (s *SQLite) Notes(ctx context.Context, ownerID string) (models.NoteSet, error) {
	return s.query(ctx, ownerID)
}

// Subscribe implements Store.
func (s *SQLite) Subscribe(ownerID string) (Subscription, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("docstore: subscribe: %w", apperr.ErrNoIdentity)
	}
	return s.feed.subscribe(ownerID)
}

func (s *SQLite) ownerOf(ctx context.Context, id string) (string, error) {
	var owner string
	err := s.conn.QueryRowContext(ctx, `SELECT owner_id FROM notes WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("docstore: note %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("docstore: lookup owner: %w", err)
	}
	return owner, nil
}

// snapshot is the feed's query function.
func (s *SQLite) snapshot(ownerID string) (models.NoteSet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.query(ctx, ownerID)
}

func (s *SQLite) query(ctx context.Context, ownerID string) (models.NoteSet, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, owner_id, text, tags, created_at FROM notes
		 WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("docstore: query: %w", err)
	}
	defer rows.Close()

	set := models.NoteSet{}
	for rows.Next() {
		var (
			n       models.Note
			tagsRaw string
			ms      int64
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Text, &tagsRaw, &ms); err != nil {
			return nil, fmt.Errorf("docstore: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsRaw), &n.Tags); err != nil {
			return nil, fmt.Errorf("docstore: decode tags of %s: %w", n.ID, err)
		}
		if n.Tags == nil {
			n.Tags = []string{}
		}
		n.Timestamp = time.UnixMilli(ms).UTC()
		set = append(set, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: rows: %w", err)
	}
	return set, nil
}

// encodeTags stores tags deduplicated in insertion order.
func encodeTags(tags []string) (string, error) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("docstore: encode tags: %w", err)
	}
	return string(b), nil
}
