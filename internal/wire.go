package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/voicenotes/internal/audio"
	"github.com/starford/voicenotes/internal/docstore"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/notesync"
	"github.com/starford/voicenotes/internal/outcome"
	"github.com/starford/voicenotes/internal/prefs"
	"github.com/starford/voicenotes/internal/session"
	"github.com/starford/voicenotes/internal/storage"
	"github.com/starford/voicenotes/internal/transcribe"
)

// components is the application object: every long-lived part, built once
// and torn down in reverse order.
type components struct {
	logger   *slog.Logger
	files    storage.Provider
	store    *docstore.SQLite
	core     *notesync.Core
	sessions *session.Manager
	source   *transcribe.Source
	capture  audio.Capture
	dict     *notesync.Dictation
	prefs    *prefs.Store
	outcomes io.Closer
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// build wires the components. On error everything built so far is closed.
func build(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{logger: logger}
	defer func() {
		if err != nil {
			c.close(context.Background())
		}
	}()

	c.files, err = storage.NewFS(cfg.App.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init data dir: %w", err)
	}
	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	c.store, err = docstore.Open(cfg.Store.Path, docstore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	sink, closer, err := openOutcomeSink(cfg.Outcomes.Path)
	if err != nil {
		return nil, err
	}
	c.outcomes = closer
	c.core = notesync.New(c.store, notesync.WithSink(sink), notesync.WithLogger(logger))

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.sessions = session.NewManager(provider,
		session.WithSessionFile(c.files, cfg.Auth.SessionFile),
		session.WithLogger(logger),
	)

	c.source, c.capture = newSource(cfg, logger, c.core)
	if c.source != nil {
		c.dict = notesync.NewDictation(c.core, c.source)
	} else {
		c.dict = notesync.NewDictation(c.core, nil)
	}

	c.prefs = prefs.NewStore(c.files, cfg.Prefs.Path)

	// The core follows the session; a sign-out also ends any recording.
	c.sessions.Listen(func(id *models.Identity) {
		if id == nil && c.source != nil {
			if err := c.source.Stop(); err != nil {
				logger.Warn("stop recording on sign-out", slog.String("error", err.Error()))
			}
		}
		if err := c.core.SetIdentity(id); err != nil {
			logger.Warn("apply identity", slog.String("error", err.Error()))
		}
	})
	if err := c.sessions.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}

	if err := c.dict.Probe(); err != nil {
		logger.Info("speech recognition unavailable", slog.String("reason", err.Error()))
	}
	return c, nil
}

func newProvider(ctx context.Context, cfg *Config) (session.Provider, error) {
	callback := cfg.App.HTTP.CallbackURL()
	if cfg.Auth.Mode == AuthModeLocal {
		return session.NewLocalProvider(models.Identity{ID: cfg.Auth.Local.ID, Email: cfg.Auth.Local.Email}, callback), nil
	}
	p, err := session.NewOIDCProvider(ctx, session.OIDCConfig{
		Issuer:       cfg.Auth.Issuer,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURL:  callback,
		Scopes:       cfg.Auth.Scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("init identity provider: %w", err)
	}
	return p, nil
}

// newSource returns nil when transcription is switched off.
func newSource(cfg *Config, logger *slog.Logger, core *notesync.Core) (*transcribe.Source, audio.Capture) {
	tc := cfg.Transcription
	acfg := audio.Config{SampleRate: uint32(tc.SampleRate), Channels: 1}

	var engine transcribe.Engine
	var capture audio.Capture
	switch tc.Engine {
	case EngineDeepgram:
		engine = transcribe.NewDeepgram(transcribe.DeepgramConfig{
			APIKey:     tc.APIKey,
			URL:        tc.URL,
			Model:      tc.Model,
			Language:   tc.Language,
			SampleRate: tc.SampleRate,
			Channels:   1,
		})
		capture = audio.NewMalgo(acfg)
	case EngineFake:
		engine = &transcribe.Fake{Chunks: tc.FakeChunks, Interval: 500 * time.Millisecond}
		capture = audio.NewSilence(acfg, 100*time.Millisecond)
	default:
		return nil, nil
	}

	src := transcribe.NewSource(engine, capture, logger, transcribe.Callbacks{
		OnChunk: func(text string) {
			if err := core.AppendToDraft(text); err != nil {
				logger.Warn("append transcript", slog.String("error", err.Error()))
			}
		},
		OnState: func(recording bool, _ error) {
			_ = core.SetRecording(recording)
		},
	})
	return src, capture
}

func openOutcomeSink(path string) (outcome.Sink, io.Closer, error) {
	if path == "" {
		return outcome.NewZerologSink(os.Stderr), nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open outcomes log: %w", err)
	}
	return outcome.NewZerologSink(f), f, nil
}

// close tears everything down. The core is given until ctx is done to finish
// in-flight writes.
func (c *components) close(ctx context.Context) {
	var errs []error
	if c.source != nil {
		errs = append(errs, c.source.Stop())
	}
	if c.capture != nil {
		c.capture.Close()
	}
	if c.sessions != nil {
		c.sessions.Close()
	}
	if c.core != nil {
		errs = append(errs, c.core.Close(ctx))
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.outcomes != nil {
		errs = append(errs, c.outcomes.Close())
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Error("shutdown", slog.String("error", err.Error()))
	}
}
