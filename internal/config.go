package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Auth modes.
const (
	AuthModeOIDC  = "oidc"
	AuthModeLocal = "local"
)

// Transcription engines.
const (
	EngineDeepgram = "deepgram"
	EngineFake     = "fake"
	EngineNone     = "none"
)

// Config represents the application configuration.
type Config struct {
	App           ApplicationConfig   `yaml:"app"`
	Store         StoreConfig         `yaml:"store"`
	Auth          AuthConfig          `yaml:"auth"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Prefs         PrefsConfig         `yaml:"prefs"`
	Outcomes      OutcomesConfig      `yaml:"outcomes"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription: %w", err)
	}
	if err := c.Prefs.Validate(); err != nil {
		return fmt.Errorf("prefs: %w", err)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	// DataDir holds the preferences and session files.
	DataDir string     `yaml:"data_dir"`
	HTTP    HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Host is the interface to listen on. Empty means every interface.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is where the browser reaches this server; the sign-in callback
	// is derived from it.
	BaseURL string `yaml:"base_url"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CallbackURL returns the OAuth redirect target.
func (c *HTTPConfig) CallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/callback"
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, is.Host),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.BaseURL, validation.Required, is.URL),
	)
}

// StoreConfig holds the note database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// LocalIdentity is the fixed user of the local auth mode.
type LocalIdentity struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
}

// AuthConfig holds identity provider configuration.
//
// Mode controls how users sign in:
//   - "local" (default): everyone is the configured local identity, suitable for local dev.
//   - "oidc": authorization-code flow against Issuer; ClientID must be set.
type AuthConfig struct {
	Mode         string        `yaml:"mode"`
	Issuer       string        `yaml:"issuer"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	SessionFile  string        `yaml:"session_file"`
	Local        LocalIdentity `yaml:"local"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeLocal
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeOIDC, AuthModeLocal)),
		validation.Field(&c.SessionFile, validation.Required, validation.By(relativePath)),
		validation.Field(&c.Issuer, validation.When(c.Mode == AuthModeOIDC, validation.Required, is.URL)),
		validation.Field(&c.ClientID, validation.When(c.Mode == AuthModeOIDC, validation.Required)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeLocal {
		return validation.ValidateStruct(&c.Local,
			validation.Field(&c.Local.ID, validation.Required),
			validation.Field(&c.Local.Email, is.EmailFormat),
		)
	}
	return nil
}

// TranscriptionConfig selects and configures the speech engine.
type TranscriptionConfig struct {
	Engine     string `yaml:"engine"`
	APIKey     string `yaml:"api_key"`
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	// FakeChunks are emitted by the fake engine on every recording.
	FakeChunks []string `yaml:"fake_chunks"`
}

// Validate validates the transcription configuration. A missing API key is
// not an error: the engine then reports itself unsupported.
func (c *TranscriptionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Engine, validation.Required, validation.In(EngineDeepgram, EngineFake, EngineNone)),
		validation.Field(&c.URL, is.RequestURL),
		validation.Field(&c.SampleRate, validation.Min(8000), validation.Max(48000)),
	)
}

// PrefsConfig holds the preferences file location within the data dir.
type PrefsConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the prefs configuration.
func (c *PrefsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required, validation.By(relativePath)),
	)
}

// OutcomesConfig holds where store write outcomes are logged. An empty path
// means stderr.
type OutcomesConfig struct {
	Path string `yaml:"path"`
}

func relativePath(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if filepath.IsAbs(s) || strings.HasPrefix(filepath.Clean(s), "..") {
		return errors.New("must be a path inside app.data_dir")
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			DataDir:  "./data",
			HTTP: HTTPConfig{
				Host:    "127.0.0.1",
				Port:    8080,
				BaseURL: "http://localhost:8080",
			},
		},
		Store: StoreConfig{
			Path: "./data/notes.db",
		},
		Auth: AuthConfig{
			Mode:        AuthModeLocal,
			Issuer:      "https://accounts.google.com",
			SessionFile: "session.yaml",
			Local: LocalIdentity{
				ID:    "local",
				Email: "local@example.com",
			},
		},
		Transcription: TranscriptionConfig{
			Engine:     EngineDeepgram,
			Model:      "nova-3",
			SampleRate: 16000,
		},
		Prefs: PrefsConfig{
			Path: "prefs.yaml",
		},
	}
}
