// Package web serves the voice-notes read model and accepts user intents over
// HTTP, with live updates pushed through Server-Sent Events.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/notesync"
	"github.com/starford/voicenotes/internal/prefs"
	"github.com/starford/voicenotes/internal/session"
	"github.com/starford/voicenotes/internal/sse"
)

// Sessions is the part of the session manager the web layer drives.
type Sessions interface {
	Current() *models.Identity
	Listen(fn session.Listener) (cancel func())
	BeginSignIn() string
	CompleteSignIn(ctx context.Context, state, code string) error
	AbortSignIn(state, reason string) error
	SignOut()
}

// Server holds the HTTP handlers.
//
// Only the browser that completed the sign-in holds a valid session cookie.
// Every identity change revokes all cookies, resets the filter and
// disconnects the live clients.
type Server struct {
	core     *notesync.Core
	dict     *notesync.Dictation
	sessions Sessions
	prefs    *prefs.Store
	broker   *sse.Broker
	logger   *slog.Logger
	now      func() time.Time
	baseURL  string
	home     string
	secure   bool
	origins  *http.CrossOriginProtection

	stopListen func()
	nudge      chan struct{}
	filter     filterState

	mu     sync.Mutex
	owner  *models.Identity
	tokens map[string]string // session token -> identity id
}

// Option configures a Server.
type Option func(*Server)

// WithBroker enables GET /api/events and live publishing.
func WithBroker(b *sse.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the clock used for export timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithBaseURL sets the public URL of the server. Its origin is trusted for
// state-changing requests, the browser lands there after signing in, and an
// https URL makes the session cookie Secure.
func WithBaseURL(raw string) Option {
	return func(s *Server) { s.baseURL = raw }
}

// NewServer creates a Server and starts following the session. Call Close to
// stop.
func NewServer(core *notesync.Core, dict *notesync.Dictation, sessions Sessions, ps *prefs.Store, opts ...Option) *Server {
	s := &Server{
		core:     core,
		dict:     dict,
		sessions: sessions,
		prefs:    ps,
		logger:   slog.Default(),
		now:      time.Now,
		home:     "/",
		origins:  http.NewCrossOriginProtection(),
		nudge:    make(chan struct{}, 1),
		tokens:   make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	s.origins.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, errorBody("cross-origin request rejected"))
	}))
	if s.baseURL != "" {
		s.trustBaseURL()
	}
	s.stopListen = sessions.Listen(s.identityChanged)
	return s
}

func (s *Server) trustBaseURL() {
	u, err := url.Parse(s.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		s.logger.Warn("web: ignoring base URL", slog.String("url", s.baseURL))
		return
	}
	if err := s.origins.AddTrustedOrigin(u.Scheme + "://" + u.Host); err != nil {
		s.logger.Warn("web: untrusted base URL", slog.String("error", err.Error()))
	}
	s.secure = u.Scheme == "https"
	s.home = strings.TrimRight(s.baseURL, "/") + "/"
}

// Close stops following the session.
func (s *Server) Close() {
	s.stopListen()
}

// identityChanged runs synchronously on every session transition.
func (s *Server) identityChanged(id *models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sameIdentity(s.owner, id) {
		return
	}
	s.owner = id
	clear(s.tokens)
	s.filter.set(notesync.Query{})
	if s.broker != nil {
		s.broker.Reset()
	}
}

func sameIdentity(a, b *models.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// Router returns a chi router with the auth and API routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.origins.Handler)

	r.Get("/auth/login", s.Login)
	r.Get("/auth/callback", s.Callback)
	r.Post("/auth/logout", s.Logout)

	r.Route("/api", func(r chi.Router) {
		// Usable without a session.
		r.Get("/view", s.GetView)
		r.Get("/prefs", s.GetPrefs)
		r.Put("/prefs", s.PutPrefs)

		r.Group(func(r chi.Router) {
			r.Use(s.RequireSession)

			r.Put("/filter", s.PutFilter)

			r.Put("/draft", s.PutDraft)
			r.Delete("/draft", s.DeleteDraft)
			r.Post("/draft/save", s.SaveDraft)

			r.Post("/recording/start", s.StartRecording)
			r.Post("/recording/stop", s.StopRecording)

			r.Post("/notes/{id}/edit", s.BeginEdit)
			r.Put("/notes/{id}/edit", s.UpdateEdit)
			r.Delete("/notes/{id}/edit", s.CancelEdit)
			r.Post("/notes/{id}/edit/commit", s.CommitEdit)
			r.Post("/notes/{id}/tags", s.AddTag)
			r.Delete("/notes/{id}", s.DeleteNote)

			r.Get("/export.json", s.ExportJSON)
			r.Get("/export.pdf", s.ExportPDF)

			if s.broker != nil {
				r.Get("/events", s.broker.ServeHTTP)
			}
		})
	})

	return r
}

// PublishViews pushes every change of the read model, and every filter
// change, to the SSE broker until ctx is done or the core shuts down. It is
// the only publisher of view events.
func (s *Server) PublishViews(ctx context.Context) error {
	ch, cancel := s.core.Watch()
	defer cancel()
	var last *notesync.View
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.nudge:
			if last != nil {
				s.publish(*last)
			}
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			last = &v
			s.publish(v)
		}
	}
}

// refresh asks PublishViews to re-render the latest view.
func (s *Server) refresh() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// publish drops views that do not belong to the signed-in identity.
func (s *Server) publish(v notesync.View) {
	if s.broker == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sameIdentity(v.Identity, s.owner) {
		return
	}
	s.broker.Publish(sse.Event{Type: "view", Data: s.render(v, s.filter.get())})
}

func (s *Server) render(v notesync.View, q notesync.Query) ViewResponse {
	return ViewResponse{View: v, Filter: q, Visible: v.Visible(q)}
}

// signedOut is what a browser without the session sees.
func signedOut(v notesync.View) notesync.View {
	return notesync.View{
		Resolved:  v.Resolved,
		Notes:     models.NoteSet{},
		Tags:      []string{},
		Supported: v.Supported,
		Notice:    v.Notice,
	}
}
