package web

import (
	"net/http"
)

// Login handles GET /auth/login by redirecting to the identity provider.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.sessions.BeginSignIn(), http.StatusFound)
}

// Callback handles GET /auth/callback. A failed or cancelled sign-in leaves
// the user signed out and may simply be retried. Success binds the session
// to this browser with a cookie.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if reason := q.Get("error"); reason != "" {
		_ = s.sessions.AbortSignIn(state, reason)
		writeJSON(w, http.StatusUnauthorized, errorBody("sign-in cancelled"))
		return
	}
	if err := s.sessions.CompleteSignIn(r.Context(), state, q.Get("code")); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("sign-in failed"))
		return
	}
	token, ok := s.issueToken(s.sessions.Current())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("sign-in failed"))
		return
	}
	s.setSessionCookie(w, token)
	http.Redirect(w, r, s.home, http.StatusFound)
}

// Logout handles POST /auth/logout. The cookie is cleared either way; only
// the signed-in browser can sign out.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	signedIn := s.identityOf(r) != nil
	s.setSessionCookie(w, "")
	if !signedIn {
		writeJSON(w, http.StatusUnauthorized, errorBody("not signed in"))
		return
	}
	s.sessions.SignOut()
	w.WriteHeader(http.StatusNoContent)
}
