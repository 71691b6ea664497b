package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/models"
)

var quietLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func testStore(t *testing.T, path string) *SQLite {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "notes.db")
	}
	s, err := Open(path, WithClock(stepClock()), WithLogger(quietLogger))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recv(t *testing.T, sub Subscription) models.NoteSet {
	t.Helper()
	select {
	case set, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return set
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot within timeout")
		return nil
	}
}

func expectQuiet(t *testing.T, sub Subscription, d time.Duration) {
	t.Helper()
	select {
	case set, ok := <-sub.Snapshots():
		if ok {
			t.Fatalf("unexpected snapshot: %+v", set)
		}
	case <-time.After(d):
	}
}

func mustCreate(t *testing.T, s *SQLite, owner, text string, tags ...string) string {
	t.Helper()
	id, err := s.Create(context.Background(), models.NoteFields{Text: text, OwnerID: owner, Tags: tags})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestSchemaCreation(t *testing.T) {
	s := testStore(t, "")
	var count int
	if err := s.conn.QueryRow(`SELECT count(*) FROM notes`).Scan(&count); err != nil {
		t.Fatalf("notes table missing: %v", err)
	}
}

func TestSubscribe_InitialSnapshot(t *testing.T) {
	s := testStore(t, "")
	mustCreate(t, s, "u1", "first")
	mustCreate(t, s, "u1", "second", "work")
	mustCreate(t, s, "u2", "other owner")

	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	set := recv(t, sub)
	if len(set) != 2 {
		t.Fatalf("len = %d, want 2", len(set))
	}
	if set[0].Text != "second" || set[1].Text != "first" {
		t.Errorf("not newest first: %q, %q", set[0].Text, set[1].Text)
	}
	if len(set[0].Tags) != 1 || set[0].Tags[0] != "work" {
		t.Errorf("tags = %v", set[0].Tags)
	}
	if set[1].Tags == nil {
		t.Error("empty tags should be an empty slice")
	}
	for _, n := range set {
		if n.OwnerID != "u1" {
			t.Errorf("leaked note of %s", n.OwnerID)
		}
	}
}

func TestSubscribe_RequiresOwner(t *testing.T) {
	s := testStore(t, "")
	if _, err := s.Subscribe(""); !errors.Is(err, apperr.ErrNoIdentity) {
		t.Errorf("err = %v, want ErrNoIdentity", err)
	}
}

func TestSubscribe_ReceivesChanges(t *testing.T) {
	s := testStore(t, "")
	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if set := recv(t, sub); len(set) != 0 {
		t.Fatalf("initial len = %d", len(set))
	}

	id := mustCreate(t, s, "u1", "hello")
	if set := recv(t, sub); len(set) != 1 || set[0].ID != id {
		t.Fatalf("after create: %+v", set)
	}

	text := "hello world"
	if err := s.Update(context.Background(), id, models.NotePatch{Text: &text}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	set := recv(t, sub)
	if set[0].Text != "hello world" {
		t.Errorf("text = %q", set[0].Text)
	}
	created := set[0].Timestamp

	if err := s.Update(context.Background(), id, models.NotePatch{Tags: []string{"a", "b", "a"}}); err != nil {
		t.Fatalf("Update tags: %v", err)
	}
	set = recv(t, sub)
	if fmt.Sprint(set[0].Tags) != "[a b]" {
		t.Errorf("tags = %v, want [a b]", set[0].Tags)
	}
	if set[0].Text != "hello world" {
		t.Error("tag patch must not touch text")
	}
	if !set[0].Timestamp.Equal(created) {
		t.Error("timestamp changed on update")
	}

	if err := s.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if set := recv(t, sub); len(set) != 0 {
		t.Errorf("after delete len = %d", len(set))
	}
}

func TestSubscribe_OtherOwnerChangesNotDelivered(t *testing.T) {
	s := testStore(t, "")
	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	recv(t, sub)

	mustCreate(t, s, "u2", "not yours")
	expectQuiet(t, sub, 150*time.Millisecond)
}

func TestSubscribe_IdenticalSnapshotsSuppressed(t *testing.T) {
	s := testStore(t, "")
	id := mustCreate(t, s, "u1", "same")
	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	recv(t, sub)

	text := "same"
	if err := s.Update(context.Background(), id, models.NotePatch{Text: &text}); err != nil {
		t.Fatal(err)
	}
	s.feed.publishAll()
	expectQuiet(t, sub, 150*time.Millisecond)
}

func TestSubscribe_SlowReaderSeesLatest(t *testing.T) {
	s := testStore(t, "")
	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Do not read the initial snapshot; later ones must replace it.
	for i := range 5 {
		mustCreate(t, s, "u1", fmt.Sprintf("n%d", i))
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		set := recv(t, sub)
		if len(set) == 5 {
			if set[0].Text != "n4" {
				t.Errorf("newest = %q", set[0].Text)
			}
			return
		}
	}
	t.Fatal("never observed the final snapshot")
}

func TestUpdateDelete_NotFound(t *testing.T) {
	s := testStore(t, "")
	text := "x"
	if err := s.Update(context.Background(), "missing", models.NotePatch{Text: &text}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Update err = %v", err)
	}
	if err := s.Delete(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Delete err = %v", err)
	}
}

func TestCreate_RequiresOwner(t *testing.T) {
	s := testStore(t, "")
	_, err := s.Create(context.Background(), models.NoteFields{Text: "orphan"})
	if !errors.Is(err, apperr.ErrNoIdentity) {
		t.Errorf("err = %v, want ErrNoIdentity", err)
	}
}

func TestCreate_UsesIDGenerator(t *testing.T) {
	var n atomic.Int64
	s, err := Open(filepath.Join(t.TempDir(), "notes.db"),
		WithClock(stepClock()),
		WithLogger(quietLogger),
		WithIDs(func() string { return fmt.Sprintf("note-%d", n.Add(1)) }),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	first := mustCreate(t, s, "u1", "first")
	second := mustCreate(t, s, "u1", "second")
	if first != "note-1" || second != "note-2" {
		t.Fatalf("ids = %q, %q", first, second)
	}
	set, err := s.Notes(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 || set[0].ID != "note-2" || set[1].ID != "note-1" {
		t.Errorf("notes = %+v, want newest first", set)
	}
}

func TestCreate_KeepsExplicitTimestamp(t *testing.T) {
	s := testStore(t, "")
	ts := time.Date(2020, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	_, err := s.Create(context.Background(), models.NoteFields{Text: "old", OwnerID: "u1", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	set, err := s.Notes(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !set[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", set[0].Timestamp, ts)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := testStore(t, "")
	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Snapshots(); ok {
		t.Error("channel should be closed and drained after Close")
	}
	if sub.Err() != nil {
		t.Errorf("Err after Close = %v", sub.Err())
	}
	if n := s.feed.subscriberCount(); n != 0 {
		t.Errorf("subscribers = %d", n)
	}
}

func TestStoreClose_EndsSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	s, err := Open(path, WithLogger(quietLogger))
	if err != nil {
		t.Fatal(err)
	}
	sub, err := s.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	if _, ok := <-sub.Snapshots(); ok {
		t.Error("expected closed channel")
	}
	if !errors.Is(sub.Err(), apperr.ErrClosed) {
		t.Errorf("Err = %v, want ErrClosed", sub.Err())
	}
	sub.Close()

	if _, err := s.Subscribe("u1"); !errors.Is(err, apperr.ErrClosed) {
		t.Errorf("Subscribe after close err = %v", err)
	}
}

func TestWatch_ExternalWriterRepublished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.db")
	a := testStore(t, path)
	b := testStore(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	sub, err := a.Subscribe("u1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	recv(t, sub)

	mustCreate(t, b, "u1", "written elsewhere")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case set := <-sub.Snapshots():
			if len(set) == 1 && set[0].Text == "written elsewhere" {
				return
			}
		case <-deadline:
			t.Fatal("external write not republished")
		}
	}
}
