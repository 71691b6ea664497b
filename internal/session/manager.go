// Package session owns the signed-in identity: the provider round-trip, the
// persisted session and change notification.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/storage"
)

// State is the session state.
type State int

const (
	// StateUnknown means no decision has been made yet.
	StateUnknown State = iota
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Listener receives the current identity, or nil when signed out.
type Listener func(id *models.Identity)

type listener struct {
	id int
	fn Listener
}

// persisted is the on-disk session file.
type persisted struct {
	ID        string    `yaml:"id"`
	Email     string    `yaml:"email"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// Manager is the session manager.
//
// Transitions and their notifications are serialized by dispatchMu, so every
// listener observes the same sequence of identities. Listeners run
// synchronously in registration order and must not call back into
// transitions.
type Manager struct {
	provider    Provider
	files       storage.Provider
	sessionFile string
	logger      *slog.Logger
	now         func() time.Time
	stateTTL    time.Duration

	dispatchMu sync.Mutex

	mu        sync.RWMutex
	state     State
	identity  *models.Identity
	expiry    time.Time
	timer     *time.Timer
	pending   map[string]time.Time
	listeners []listener
	nextID    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionFile persists the signed-in identity to path within files.
func WithSessionFile(files storage.Provider, path string) Option {
	return func(m *Manager) {
		m.files = files
		m.sessionFile = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager in StateUnknown.
func NewManager(p Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: p,
		logger:   slog.Default(),
		now:      time.Now,
		stateTTL: 10 * time.Minute,
		pending:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns a copy of the signed-in identity, or nil.
func (m *Manager) Current() *models.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil
	}
	cp := *m.identity
	return &cp
}

// Listen registers fn. When the state is already decided fn is called at once
// with the current identity. The returned cancel removes fn.
func (m *Manager) Listen(fn Listener) (cancel func()) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	state := m.state
	m.mu.Unlock()

	if state != StateUnknown {
		fn(m.Current())
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Restore resolves StateUnknown from the session file. A missing, unreadable
// or expired session means anonymous.
func (m *Manager) Restore(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.State() != StateUnknown {
		return nil
	}
	p, err := m.load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("session: discarding unreadable session", slog.String("error", err.Error()))
		}
		m.transition(nil, time.Time{}, "restore")
		return nil
	}
	if !p.ExpiresAt.IsZero() && !m.now().Before(p.ExpiresAt) {
		m.logger.Info("session: persisted session expired", slog.String("user", p.ID))
		m.transition(nil, time.Time{}, "restore")
		return nil
	}
	m.transition(&models.Identity{ID: p.ID, Email: p.Email}, p.ExpiresAt, "restore")
	return nil
}

// BeginSignIn starts the provider flow and returns the URL to send the user
// to.
func (m *Manager) BeginSignIn() string {
	state := uuid.NewString()
	now := m.now()
	m.mu.Lock()
	for s, created := range m.pending {
		if now.Sub(created) > m.stateTTL {
			delete(m.pending, s)
		}
	}
	m.pending[state] = now
	m.mu.Unlock()
	return m.provider.AuthCodeURL(state)
}

// CompleteSignIn finishes the flow started by BeginSignIn. On any failure the
// identity is left as it was, the failure is logged and returned, and a new
// attempt may be made.
func (m *Manager) CompleteSignIn(ctx context.Context, state, code string) error {
	if !m.takePending(state) {
		err := fmt.Errorf("session: unknown sign-in state: %w", apperr.ErrInvalidState)
		m.logger.Warn("session: sign-in rejected", slog.String("error", err.Error()))
		return err
	}
	if code == "" {
		err := fmt.Errorf("%w: missing code", ErrExchangeFailed)
		m.logger.Warn("session: sign-in rejected", slog.String("error", err.Error()))
		return err
	}
	grant, err := m.provider.Exchange(ctx, code)
	if err != nil {
		m.logger.Warn("session: sign-in failed", slog.String("error", err.Error()))
		return err
	}
	id := grant.Identity
	m.transition(&id, grant.Expiry, "sign-in")
	m.logger.Info("session: signed in", slog.String("user", id.ID), slog.String("email", id.Email))
	return nil
}

// AbortSignIn records a flow the provider or the user cancelled.
func (m *Manager) AbortSignIn(state, reason string) error {
	m.takePending(state)
	err := fmt.Errorf("%w: %s", ErrExchangeFailed, reason)
	m.logger.Warn("session: sign-in aborted", slog.String("error", err.Error()))
	return err
}

// SignOut clears the identity and the persisted session.
func (m *Manager) SignOut() {
	m.transition(nil, time.Time{}, "sign-out")
}

// Close stops the expiry timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) takePending(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, ok := m.pending[state]
	if !ok {
		return false
	}
	delete(m.pending, state)
	return m.now().Sub(created) <= m.stateTTL
}

// transition moves to id (nil = anonymous) and notifies every listener.
func (m *Manager) transition(id *models.Identity, expiry time.Time, reason string) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if id == nil {
		m.state = StateAnonymous
		m.identity = nil
		m.expiry = time.Time{}
	} else {
		cp := *id
		m.state = StateAuthenticated
		m.identity = &cp
		m.expiry = expiry
		if !expiry.IsZero() {
			userID := id.ID
			m.timer = time.AfterFunc(expiry.Sub(m.now()), func() { m.expire(userID) })
		}
	}
	listeners := append([]listener(nil), m.listeners...)
	m.mu.Unlock()

	m.persist(id, expiry)
	m.logger.Debug("session: transition", slog.String("reason", reason), slog.String("state", m.State().String()))

	for _, l := range listeners {
		var arg *models.Identity
		if id != nil {
			cp := *id
			arg = &cp
		}
		l.fn(arg)
	}
}

// expire signs userID out if they are still the current identity.
func (m *Manager) expire(userID string) {
	cur := m.Current()
	if cur == nil || cur.ID != userID {
		return
	}
	m.logger.Info("session: expired", slog.String("user", userID))
	m.transition(nil, time.Time{}, "expired")
}

func (m *Manager) load() (persisted, error) {
	var p persisted
	if m.files == nil {
		return p, fs.ErrNotExist
	}
	raw, err := m.files.Read(m.sessionFile)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("session: decode: %w", err)
	}
	if p.ID == "" {
		return p, fmt.Errorf("session: decode: empty id")
	}
	return p, nil
}

func (m *Manager) persist(id *models.Identity, expiry time.Time) {
	if m.files == nil {
		return
	}
	if id == nil {
		if err := m.files.Delete(m.sessionFile); err != nil {
			m.logger.Warn("session: remove session file", slog.String("error", err.Error()))
		}
		return
	}
	raw, err := yaml.Marshal(persisted{ID: id.ID, Email: id.Email, ExpiresAt: expiry})
	if err != nil {
		m.logger.Warn("session: encode", slog.String("error", err.Error()))
		return
	}
	if err := m.files.Write(m.sessionFile, raw); err != nil {
		m.logger.Warn("session: write session file", slog.String("error", err.Error()))
	}
}
