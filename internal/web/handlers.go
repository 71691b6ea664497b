package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/export"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/notesync"
	"github.com/starford/voicenotes/internal/prefs"
	"github.com/starford/voicenotes/internal/sse"
)

// GetView handles GET /api/view. A browser without the session sees the
// signed-out view.
func (s *Server) GetView(w http.ResponseWriter, r *http.Request) {
	v, err := s.core.View()
	if err != nil {
		writeError(w, s.logger, "get view", err)
		return
	}
	if id := s.identityOf(r); id == nil || !sameIdentity(v.Identity, id) {
		writeJSON(w, http.StatusOK, s.render(signedOut(v), notesync.Query{}))
		return
	}
	writeJSON(w, http.StatusOK, s.render(v, s.filter.get()))
}

// PutFilter handles PUT /api/filter and answers with the refiltered view.
func (s *Server) PutFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if !decode(w, r, &req) {
		return
	}
	q := notesync.Query{Search: req.Search, Tag: req.Tag}
	s.filter.set(q)
	v, err := s.viewFor(r)
	if err != nil {
		writeError(w, s.logger, "set filter", err)
		return
	}
	s.refresh()
	writeJSON(w, http.StatusOK, s.render(v, q))
}

// PutDraft handles PUT /api/draft.
func (s *Server) PutDraft(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, "set draft", http.StatusNoContent, s.core.SetDraft(req.Text))
}

// DeleteDraft handles DELETE /api/draft.
func (s *Server) DeleteDraft(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, "clear draft", http.StatusNoContent, s.core.ClearDraft())
}

// SaveDraft handles POST /api/draft/save. The note is created in the
// background; 202 means the draft was accepted and cleared.
func (s *Server) SaveDraft(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, "save draft", http.StatusAccepted, s.core.SaveDraft())
}

// StartRecording handles POST /api/recording/start.
func (s *Server) StartRecording(w http.ResponseWriter, r *http.Request) {
	// The recording outlives the request.
	err := s.dict.Start(context.WithoutCancel(r.Context()))
	s.respond(w, "start recording", http.StatusNoContent, err)
}

// StopRecording handles POST /api/recording/stop.
func (s *Server) StopRecording(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, "stop recording", http.StatusNoContent, s.dict.Stop())
}

// BeginEdit handles POST /api/notes/{id}/edit.
func (s *Server) BeginEdit(w http.ResponseWriter, r *http.Request) {
	s.respond(w, "begin edit", http.StatusNoContent, s.core.BeginEdit(chi.URLParam(r, "id")))
}

// UpdateEdit handles PUT /api/notes/{id}/edit.
func (s *Server) UpdateEdit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req TextRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.core.View()
	if err != nil {
		writeError(w, s.logger, "update edit", err)
		return
	}
	if v.Editing == nil || v.Editing.NoteID != id {
		writeError(w, s.logger, "update edit", fmt.Errorf("web: note %s is not being edited: %w", id, apperr.ErrInvalidState))
		return
	}
	s.respond(w, "update edit", http.StatusNoContent, s.core.SetEditText(req.Text))
}

// CancelEdit handles DELETE /api/notes/{id}/edit.
func (s *Server) CancelEdit(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, "cancel edit", http.StatusNoContent, s.core.CancelEdit())
}

// CommitEdit handles POST /api/notes/{id}/edit/commit.
func (s *Server) CommitEdit(w http.ResponseWriter, r *http.Request) {
	s.respond(w, "commit edit", http.StatusAccepted, s.core.CommitEdit(chi.URLParam(r, "id")))
}

// AddTag handles POST /api/notes/{id}/tags.
func (s *Server) AddTag(w http.ResponseWriter, r *http.Request) {
	var req TagRequest
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, "add tag", http.StatusAccepted, s.core.AddTag(chi.URLParam(r, "id"), req.Tag))
}

// DeleteNote handles DELETE /api/notes/{id}.
func (s *Server) DeleteNote(w http.ResponseWriter, r *http.Request) {
	s.respond(w, "delete note", http.StatusAccepted, s.core.Delete(chi.URLParam(r, "id")))
}

// ExportJSON handles GET /api/export.json.
func (s *Server) ExportJSON(w http.ResponseWriter, r *http.Request) {
	notes, err := s.visible(r)
	if err != nil {
		writeError(w, s.logger, "export json", err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteJSON(&buf, notes); err != nil {
		writeError(w, s.logger, "export json", err)
		return
	}
	s.attachment(w, "application/json", export.FileName("json", s.now()), buf.Bytes())
}

// ExportPDF handles GET /api/export.pdf.
func (s *Server) ExportPDF(w http.ResponseWriter, r *http.Request) {
	notes, err := s.visible(r)
	if err != nil {
		writeError(w, s.logger, "export pdf", err)
		return
	}
	now := s.now()
	var buf bytes.Buffer
	if err := export.WritePDF(&buf, notes, now); err != nil {
		writeError(w, s.logger, "export pdf", err)
		return
	}
	s.attachment(w, "application/pdf", export.FileName("pdf", now), buf.Bytes())
}

// GetPrefs handles GET /api/prefs.
func (s *Server) GetPrefs(w http.ResponseWriter, _ *http.Request) {
	p, err := s.prefs.Load()
	if err != nil {
		writeError(w, s.logger, "load prefs", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutPrefs handles PUT /api/prefs.
func (s *Server) PutPrefs(w http.ResponseWriter, r *http.Request) {
	var req PrefsRequest
	if !decode(w, r, &req) {
		return
	}
	p := prefs.Prefs{DarkMode: *req.DarkMode}
	if err := s.prefs.Save(p); err != nil {
		writeError(w, s.logger, "save prefs", err)
		return
	}
	if s.broker != nil {
		s.broker.Publish(sse.Event{Type: "prefs", Data: p})
	}
	writeJSON(w, http.StatusOK, p)
}

// viewFor returns the read model if it still belongs to the requester.
func (s *Server) viewFor(r *http.Request) (notesync.View, error) {
	v, err := s.core.View()
	if err != nil {
		return notesync.View{}, err
	}
	if !sameIdentity(v.Identity, requestIdentity(r)) {
		return notesync.View{}, fmt.Errorf("web: view belongs to another identity: %w", apperr.ErrNoIdentity)
	}
	return v, nil
}

// visible returns the requester's notes that pass the current filter.
func (s *Server) visible(r *http.Request) (models.NoteSet, error) {
	v, err := s.viewFor(r)
	if err != nil {
		return nil, err
	}
	return v.Visible(s.filter.get()), nil
}

func (s *Server) respond(w http.ResponseWriter, op string, status int, err error) {
	if err != nil {
		writeError(w, s.logger, op, err)
		return
	}
	w.WriteHeader(status)
}

func (s *Server) attachment(w http.ResponseWriter, contentType, name string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, name))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("export write failed", slog.String("file", name), slog.String("error", err.Error()))
	}
}
