package web

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/starford/voicenotes/internal/models"
)

const sessionCookie = "voicenotes_session"

type identityKey struct{}

// RequireSession rejects requests that do not carry the session cookie of
// the signed-in identity, and stores that identity in the request context.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.identityOf(r)
		if id == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody("not signed in"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// requestIdentity returns the identity stored by RequireSession.
func requestIdentity(r *http.Request) *models.Identity {
	id, _ := r.Context().Value(identityKey{}).(*models.Identity)
	return id
}

// identityOf returns the signed-in identity if r carries its session cookie.
func (s *Server) identityOf(r *http.Request) *models.Identity {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == nil || s.tokens[c.Value] != s.owner.ID {
		return nil
	}
	cp := *s.owner
	return &cp
}

// issueToken binds a new session token to id. It fails when id is no longer
// the signed-in identity.
func (s *Server) issueToken(id *models.Identity) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == nil || !sameIdentity(s.owner, id) {
		return "", false
	}
	token := uuid.NewString()
	s.tokens[token] = id.ID
	return token, true
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	c := &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if token == "" {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}
