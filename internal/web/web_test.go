package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/voicenotes/internal/audio"
	"github.com/starford/voicenotes/internal/docstore"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/notesync"
	"github.com/starford/voicenotes/internal/outcome"
	"github.com/starford/voicenotes/internal/prefs"
	"github.com/starford/voicenotes/internal/session"
	"github.com/starford/voicenotes/internal/sse"
	"github.com/starford/voicenotes/internal/testutil"
	"github.com/starford/voicenotes/internal/transcribe"
)

var (
	alice   = models.Identity{ID: "alice", Email: "alice@example.com"}
	bob     = models.Identity{ID: "bob", Email: "bob@example.com"}
	exportT = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

const testBaseURL = "http://localhost:8080"

// accounts signs in whoever is set with signInAs, through the full
// login/callback round-trip.
type accounts struct {
	mu  sync.Mutex
	who models.Identity
}

func (a *accounts) signInAs(id models.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.who = id
}

func (a *accounts) AuthCodeURL(state string) string {
	return "/auth/callback?" + url.Values{"code": {"ok"}, "state": {state}}.Encode()
}

func (a *accounts) Exchange(_ context.Context, code string) (session.Grant, error) {
	if code != "ok" {
		return session.Grant{}, session.ErrExchangeFailed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return session.Grant{Identity: a.who}, nil
}

type testEnv struct {
	cookie   *http.Cookie
	router   http.Handler
	server   *Server
	core     *notesync.Core
	store    *docstore.SQLite
	sessions *session.Manager
	rec      *outcome.Recorder
	broker   *sse.Broker
}

// newTestEnv wires a server over a temp SQLite store with the local identity
// provider. A nil engine means transcription is unavailable.
func newTestEnv(t *testing.T, engine transcribe.Engine) *testEnv {
	t.Helper()
	return newTestEnvWith(t, engine, session.NewLocalProvider(alice, "/auth/callback"), testBaseURL)
}

func newTestEnvWith(t *testing.T, engine transcribe.Engine, provider session.Provider, baseURL string) *testEnv {
	t.Helper()
	logger := testutil.Logger()

	store := testutil.TestStore(t)
	rec := outcome.NewRecorder()
	core := notesync.New(store, notesync.WithSink(rec), notesync.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = core.Close(ctx)
	})

	sessions := session.NewManager(provider, session.WithLogger(logger))
	t.Cleanup(sessions.Close)
	sessions.Listen(func(id *models.Identity) { _ = core.SetIdentity(id) })
	if err := sessions.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var src notesync.Source
	if engine != nil {
		src = transcribe.NewSource(engine, audio.NewSilence(audio.Config{}, 5*time.Millisecond), logger, transcribe.Callbacks{
			OnChunk: func(text string) { _ = core.AppendToDraft(text) },
			OnState: func(on bool, _ error) { _ = core.SetRecording(on) },
		})
	}
	dict := notesync.NewDictation(core, src)
	_ = dict.Probe()

	_, files := testutil.TestDataDir(t)
	broker := sse.NewBroker(time.Second)
	t.Cleanup(broker.Close)

	srv := NewServer(core, dict, sessions, prefs.NewStore(files, "prefs.yaml"),
		WithBroker(broker),
		WithLogger(logger),
		WithClock(func() time.Time { return exportT }),
		WithBaseURL(baseURL),
	)
	t.Cleanup(srv.Close)
	return &testEnv{
		router:   srv.Router(),
		server:   srv,
		core:     core,
		store:    store,
		sessions: sessions,
		rec:      rec,
		broker:   broker,
	}
}

// do sends a request from the signed-in browser.
func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	r := newRequest(t, method, target, body)
	if e.cookie != nil {
		r.AddCookie(e.cookie)
	}
	return e.serve(r)
}

func (e *testEnv) serve(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

// newRequest builds a JSON request; a string body is sent as is.
func newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var r *http.Request
	switch b := body.(type) {
	case nil:
		r = httptest.NewRequest(method, target, nil)
	case string:
		r = httptest.NewRequest(method, target, strings.NewReader(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, target, bytes.NewReader(raw))
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	return r
}

// signIn runs the login redirect and callback round-trip and keeps the
// session cookie.
func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	w := e.do(t, http.MethodGet, "/auth/login", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("login status = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, w.Header().Get("Location"), nil)
	if w.Code != http.StatusFound {
		t.Fatalf("callback = %d, body = %s", w.Code, w.Body.String())
	}
	e.cookie = sessionCookieOf(t, w)
}

func sessionCookieOf(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in %v", sessionCookie, w.Header().Values("Set-Cookie"))
	return nil
}

func (e *testEnv) view(t *testing.T) ViewResponse {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/view", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("view status = %d", w.Code)
	}
	var v ViewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func (e *testEnv) waitView(t *testing.T, what string, pred func(ViewResponse) bool) ViewResponse {
	t.Helper()
	var v ViewResponse
	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		v = e.view(t)
		return pred(v)
	}, what)
	return v
}

func (e *testEnv) seed(t *testing.T, text string, at time.Time, tags ...string) string {
	t.Helper()
	id, err := e.store.Create(context.Background(), models.NoteFields{Text: text, Timestamp: at, Tags: tags, OwnerID: alice.ID})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}

func TestAnonymousAccess(t *testing.T) {
	e := newTestEnv(t, nil)

	v := e.view(t)
	if !v.Resolved || v.Identity != nil {
		t.Errorf("view = resolved %v identity %v, want resolved anonymous", v.Resolved, v.Identity)
	}
	if w := e.do(t, http.MethodGet, "/api/prefs", nil); w.Code != http.StatusOK {
		t.Errorf("prefs status = %d", w.Code)
	}
	for _, tc := range []struct{ method, path string }{
		{http.MethodPut, "/api/draft"},
		{http.MethodPost, "/api/draft/save"},
		{http.MethodPost, "/api/recording/start"},
		{http.MethodDelete, "/api/notes/x"},
		{http.MethodGet, "/api/export.json"},
		{http.MethodGet, "/api/events"},
	} {
		if w := e.do(t, tc.method, tc.path, nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", tc.method, tc.path, w.Code)
		}
	}
}

func TestSignInAndOut(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	v := e.view(t)
	if v.Identity == nil || v.Identity.Email != alice.Email {
		t.Fatalf("identity = %+v", v.Identity)
	}

	w := e.do(t, http.MethodPost, "/auth/logout", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", w.Code)
	}
	if c := sessionCookieOf(t, w); c.MaxAge >= 0 || c.Value != "" {
		t.Errorf("logout did not clear the cookie: %+v", c)
	}
	if v := e.view(t); v.Identity != nil {
		t.Errorf("identity after logout = %+v", v.Identity)
	}

	// The old cookie stays dead after the next sign-in.
	stale := e.cookie
	e.signIn(t)
	r := newRequest(t, http.MethodGet, "/api/export.json", nil)
	r.AddCookie(stale)
	if w := e.serve(r); w.Code != http.StatusUnauthorized {
		t.Errorf("revoked cookie = %d", w.Code)
	}
}

func TestCallbackFailuresAllowRetry(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodGet, "/auth/callback?error=access_denied&state=whatever", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("cancelled callback = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/auth/callback?state=unknown&code=abc", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown state = %d", w.Code)
	}
	if e.sessions.Current() != nil {
		t.Fatal("failed sign-in changed the identity")
	}

	e.signIn(t)
	if e.sessions.Current() == nil {
		t.Fatal("retry did not sign in")
	}
}

func TestDraftSave(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	if w := e.do(t, http.MethodPut, "/api/draft", TextRequest{Text: "  buy milk today "}); w.Code != http.StatusNoContent {
		t.Fatalf("put draft = %d", w.Code)
	}
	v := e.view(t)
	if v.DraftWords != 3 || v.DraftChars != 17 {
		t.Errorf("counts = %d words %d chars", v.DraftWords, v.DraftChars)
	}

	if w := e.do(t, http.MethodPost, "/api/draft/save", nil); w.Code != http.StatusAccepted {
		t.Fatalf("save = %d", w.Code)
	}
	if v := e.view(t); v.Draft != "" {
		t.Errorf("draft not cleared: %q", v.Draft)
	}
	if got := e.rec.Wait(1, 2*time.Second); len(got) != 1 || !got[0].OK() {
		t.Fatalf("outcomes = %+v", got)
	}

	v = e.waitView(t, "saved note never arrived", func(v ViewResponse) bool { return len(v.Notes) == 1 })
	if v.Notes[0].Text != "buy milk today" || len(v.Notes[0].Tags) != 0 {
		t.Errorf("note = %+v", v.Notes[0])
	}

	if w := e.do(t, http.MethodDelete, "/api/draft", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete draft = %d", w.Code)
	}
}

func TestFilterAndExportJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)
	e.seed(t, "Team meeting", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), "work")
	e.seed(t, "buy milk", time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), "home")
	e.waitView(t, "seeded notes never arrived", func(v ViewResponse) bool { return len(v.Notes) == 2 })

	w := e.do(t, http.MethodPut, "/api/filter", FilterRequest{Search: "MEET"})
	if w.Code != http.StatusOK {
		t.Fatalf("filter = %d", w.Code)
	}
	var v ViewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if len(v.Visible) != 1 || v.Visible[0].Text != "Team meeting" {
		t.Fatalf("visible = %+v", v.Visible)
	}
	if len(v.Notes) != 2 {
		t.Errorf("filter dropped notes from the full list: %d", len(v.Notes))
	}
	if strings.Join(v.Tags, ",") != "home,work" {
		t.Errorf("tags = %v", v.Tags)
	}

	w = e.do(t, http.MethodGet, "/api/export.json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	want := `[{"text":"Team meeting","timestamp":"2024-03-01T09:00:00.000Z","tags":["work"]}]`
	if w.Body.String() != want {
		t.Errorf("export body = %s", w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "voice-notes-2024-03-01T12:00:00.000Z.json") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	e.do(t, http.MethodPut, "/api/filter", FilterRequest{Tag: "Work"})
	if v := e.view(t); len(v.Visible) != 0 {
		t.Errorf("tag match must be exact, got %d", len(v.Visible))
	}
}

func TestExportPDF(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)
	e.seed(t, "café notes", exportT.Add(-time.Hour), "a")
	e.waitView(t, "seeded note never arrived", func(v ViewResponse) bool { return len(v.Notes) == 1 })

	w := e.do(t, http.MethodGet, "/api/export.pdf", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")) {
		t.Errorf("not a PDF: %q", w.Body.Bytes()[:min(8, w.Body.Len())])
	}
}

func TestEditFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)
	id := e.seed(t, "first draft", exportT)
	other := e.seed(t, "other", exportT.Add(-time.Minute))
	e.waitView(t, "seeded notes never arrived", func(v ViewResponse) bool { return len(v.Notes) == 2 })

	if w := e.do(t, http.MethodPost, "/api/notes/missing/edit", nil); w.Code != http.StatusNotFound {
		t.Errorf("edit unknown = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/notes/"+id+"/edit", nil); w.Code != http.StatusNoContent {
		t.Fatalf("begin edit = %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/api/notes/"+other+"/edit", TextRequest{Text: "x"}); w.Code != http.StatusConflict {
		t.Errorf("edit of a note not being edited = %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/api/notes/"+id+"/edit", TextRequest{Text: "second draft"}); w.Code != http.StatusNoContent {
		t.Fatalf("update edit = %d", w.Code)
	}
	v := e.view(t)
	if v.Editing == nil || v.Editing.Text != "second draft" || v.Notes[0].Text != "second draft" {
		t.Fatalf("edit overlay missing: %+v", v)
	}

	if w := e.do(t, http.MethodPost, "/api/notes/"+id+"/edit/commit", nil); w.Code != http.StatusAccepted {
		t.Fatalf("commit = %d", w.Code)
	}
	e.waitView(t, "commit never reached the store", func(v ViewResponse) bool {
		return v.Editing == nil && len(v.Notes) == 2 && v.Notes[0].Text == "second draft"
	})

	e.do(t, http.MethodPost, "/api/notes/"+id+"/edit", nil)
	if w := e.do(t, http.MethodDelete, "/api/notes/"+id+"/edit", nil); w.Code != http.StatusNoContent {
		t.Errorf("cancel = %d", w.Code)
	}
	if v := e.view(t); v.Editing != nil {
		t.Errorf("edit still open: %+v", v.Editing)
	}
}

func TestAddTagAndDelete(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)
	id := e.seed(t, "note", exportT, "a")
	e.waitView(t, "seeded note never arrived", func(v ViewResponse) bool { return len(v.Notes) == 1 })

	if w := e.do(t, http.MethodPost, "/api/notes/"+id+"/tags", TagRequest{Tag: " b "}); w.Code != http.StatusAccepted {
		t.Fatalf("add tag = %d", w.Code)
	}
	e.waitView(t, "tag never arrived", func(v ViewResponse) bool {
		return len(v.Notes) == 1 && strings.Join(v.Notes[0].Tags, ",") == "a,b"
	})

	if w := e.do(t, http.MethodDelete, "/api/notes/unknown", nil); w.Code != http.StatusNotFound {
		t.Errorf("delete unknown = %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/notes/"+id, nil); w.Code != http.StatusAccepted {
		t.Fatalf("delete = %d", w.Code)
	}
	e.waitView(t, "note never went away", func(v ViewResponse) bool { return len(v.Notes) == 0 })
}

func TestRecordingUnsupported(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	w := e.do(t, http.MethodPost, "/api/recording/start", nil)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("start = %d", w.Code)
	}
	var body errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error != notesync.UnsupportedNotice {
		t.Errorf("error = %q", body.Error)
	}
	v := e.view(t)
	if v.Supported || v.Notice != notesync.UnsupportedNotice {
		t.Errorf("supported = %v notice = %q", v.Supported, v.Notice)
	}
}

func TestRecordingFillsDraft(t *testing.T) {
	e := newTestEnv(t, &transcribe.Fake{Chunks: []string{"hello", "world"}})
	e.signIn(t)
	e.do(t, http.MethodPut, "/api/draft", TextRequest{Text: "stale"})

	if w := e.do(t, http.MethodPost, "/api/recording/start", nil); w.Code != http.StatusNoContent {
		t.Fatalf("start = %d, body = %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodPost, "/api/recording/start", nil); w.Code != http.StatusConflict {
		t.Errorf("second start = %d", w.Code)
	}
	e.waitView(t, "chunks never reached the draft", func(v ViewResponse) bool {
		return v.Draft == "hello world" && v.Recording
	})

	if w := e.do(t, http.MethodPost, "/api/recording/stop", nil); w.Code != http.StatusNoContent {
		t.Fatalf("stop = %d", w.Code)
	}
	e.waitView(t, "recording flag stayed on", func(v ViewResponse) bool { return !v.Recording })
}

func TestPrefs(t *testing.T) {
	e := newTestEnv(t, nil)

	if w := e.do(t, http.MethodPut, "/api/prefs", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing darkMode = %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/api/prefs", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d", w.Code)
	}
	if w := e.do(t, http.MethodPut, "/api/prefs", `{"darkMode":true}`); w.Code != http.StatusOK {
		t.Fatalf("put prefs = %d", w.Code)
	}
	w := e.do(t, http.MethodGet, "/api/prefs", nil)
	var p prefs.Prefs
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil || !p.DarkMode {
		t.Errorf("prefs = %+v, err = %v", p, err)
	}
}

func TestPublishViews(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	ch := e.broker.Subscribe()
	defer e.broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.server.PublishViews(ctx) }()

	if err := e.core.SetDraft("dictated"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case msg := <-ch:
			found = strings.HasPrefix(string(msg), "event: view") && strings.Contains(string(msg), `"draft":"dictated"`)
		case <-deadline:
			t.Fatal("draft change was never published")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("PublishViews = %v", err)
	}
}

func TestSessionCookie(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, http.MethodGet, "/auth/login", nil)
	w = e.do(t, http.MethodGet, w.Header().Get("Location"), nil)
	if loc := w.Header().Get("Location"); loc != testBaseURL+"/" {
		t.Errorf("landing = %q", loc)
	}
	c := sessionCookieOf(t, w)
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.Path != "/" || c.Secure {
		t.Errorf("cookie = %+v", c)
	}

	https := newTestEnvWith(t, nil, session.NewLocalProvider(alice, "/auth/callback"), "https://notes.example.com")
	w = https.do(t, http.MethodGet, "/auth/login", nil)
	w = https.do(t, http.MethodGet, w.Header().Get("Location"), nil)
	if c := sessionCookieOf(t, w); !c.Secure {
		t.Errorf("cookie for an https base URL is not Secure: %+v", c)
	}
}

func TestOtherClientsCannotReadOrWrite(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)
	id := e.seed(t, "secret diary", exportT)
	e.waitView(t, "seeded note never arrived", func(v ViewResponse) bool { return len(v.Notes) == 1 })

	for _, cookie := range []*http.Cookie{nil, {Name: sessionCookie, Value: "guessed"}} {
		for _, tc := range []struct {
			method, path string
			body         any
		}{
			{http.MethodGet, "/api/export.json", nil},
			{http.MethodGet, "/api/events", nil},
			{http.MethodPost, "/api/notes/" + id + "/tags", TagRequest{Tag: "pwned"}},
			{http.MethodDelete, "/api/notes/" + id, nil},
			{http.MethodPost, "/auth/logout", nil},
		} {
			r := newRequest(t, tc.method, tc.path, tc.body)
			r.RemoteAddr = "192.168.1.77:40000"
			if cookie != nil {
				r.AddCookie(cookie)
			}
			if w := e.serve(r); w.Code != http.StatusUnauthorized {
				t.Errorf("%s %s with cookie %v = %d, want 401", tc.method, tc.path, cookie, w.Code)
			}
		}

		r := newRequest(t, http.MethodGet, "/api/view", nil)
		if cookie != nil {
			r.AddCookie(cookie)
		}
		var v ViewResponse
		if err := json.Unmarshal(e.serve(r).Body.Bytes(), &v); err != nil {
			t.Fatal(err)
		}
		if v.Identity != nil || len(v.Notes) != 0 || len(v.Visible) != 0 || !v.Resolved {
			t.Errorf("view without the session = %+v", v)
		}
	}

	v := e.view(t)
	if len(v.Notes) != 1 || len(v.Notes[0].Tags) != 0 || e.sessions.Current() == nil {
		t.Errorf("state changed by other clients: %+v", v)
	}
}

func TestCrossSiteWritesRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)
	id := e.seed(t, "note", exportT)
	e.waitView(t, "seeded note never arrived", func(v ViewResponse) bool { return len(v.Notes) == 1 })

	tag := func(contentType string, header http.Header) int {
		r := httptest.NewRequest(http.MethodPost, "/api/notes/"+id+"/tags", strings.NewReader(`{"tag":"pwned"}`))
		r.Header.Set("Content-Type", contentType)
		for k, vs := range header {
			r.Header[k] = vs
		}
		r.AddCookie(e.cookie)
		return e.serve(r).Code
	}

	if code := tag("text/plain", http.Header{"Origin": {"https://evil.example"}}); code != http.StatusForbidden {
		t.Errorf("cross-origin post = %d", code)
	}
	if code := tag("application/json", http.Header{"Sec-Fetch-Site": {"cross-site"}}); code != http.StatusForbidden {
		t.Errorf("cross-site fetch = %d", code)
	}
	if code := tag("text/plain", http.Header{"Origin": {testBaseURL}}); code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain body = %d", code)
	}

	r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	r.Header.Set("Origin", "https://evil.example")
	r.AddCookie(e.cookie)
	if w := e.serve(r); w.Code != http.StatusForbidden || e.sessions.Current() == nil {
		t.Errorf("cross-origin logout = %d", w.Code)
	}

	r = newRequest(t, http.MethodPost, "/api/notes/"+id+"/tags", TagRequest{Tag: "work"})
	r.Header.Set("Origin", testBaseURL)
	r.AddCookie(e.cookie)
	if w := e.serve(r); w.Code != http.StatusAccepted {
		t.Fatalf("same-origin post = %d", w.Code)
	}
	e.waitView(t, "tag never arrived", func(v ViewResponse) bool {
		return len(v.Notes) == 1 && strings.Join(v.Notes[0].Tags, ",") == "work"
	})
}

func TestIdentitySwitchIsolatesLiveClients(t *testing.T) {
	acc := &accounts{who: alice}
	e := newTestEnvWith(t, nil, acc, testBaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.server.PublishViews(ctx) }()

	e.signIn(t)
	aliceCookie := e.cookie
	e.seed(t, "secret diary", exportT)
	e.do(t, http.MethodPut, "/api/filter", FilterRequest{Search: "diary", Tag: "x"})
	e.waitView(t, "seeded note never arrived", func(v ViewResponse) bool { return len(v.Notes) == 1 })
	aliceView, err := e.core.View()
	if err != nil {
		t.Fatal(err)
	}

	aliceCh := e.broker.Subscribe()
	if w := e.do(t, http.MethodPost, "/auth/logout", nil); w.Code != http.StatusNoContent {
		t.Fatalf("logout = %d", w.Code)
	}
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-aliceCh:
		case <-deadline:
			t.Fatal("live client of the previous identity was not disconnected")
		}
	}

	acc.signInAs(bob)
	e.signIn(t)

	// A view rendered for the previous identity arriving late is dropped.
	e.server.publish(aliceView)
	e.broker.ClientCount()

	fresh := e.broker.Subscribe()
	defer e.broker.Unsubscribe(fresh)
	quiet := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case msg := <-fresh:
			if strings.Contains(string(msg), "secret diary") || strings.Contains(string(msg), `"alice"`) {
				t.Fatalf("previous identity replayed to a new client: %s", msg)
			}
		case <-quiet:
			done = true
		}
	}

	v := e.view(t)
	if v.Identity == nil || v.Identity.ID != bob.ID || len(v.Notes) != 0 {
		t.Errorf("bob's view = %+v", v)
	}
	if v.Filter != (notesync.Query{}) {
		t.Errorf("filter carried over: %+v", v.Filter)
	}

	r := newRequest(t, http.MethodGet, "/api/export.json", nil)
	r.AddCookie(aliceCookie)
	if w := e.serve(r); w.Code != http.StatusUnauthorized {
		t.Errorf("previous identity's cookie = %d", w.Code)
	}
}
