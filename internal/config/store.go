package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// SourceSettings are the operator-editable upstream data source settings.
// The token is stored encrypted and masked on read.
type SourceSettings struct {
	LapisURL string `json:"lapisUrl"`
	APIToken string `json:"apiToken"`
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(s SourceSettings)

// SettingsStore manages persistent settings with encrypted secrets.
// Inspired by Gitea/Grafana settings architecture: settings stored as JSON,
// secrets encrypted at rest, masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	current  SourceSettings
	onChange []OnChangeFunc
}

const settingsKey = "source_settings"

type storedSettings struct {
	LapisURL       string `json:"lapisUrl"`
	EncryptedToken string `json:"encryptedToken,omitempty"`
}

// NewSettingsStore loads settings from the DB, seeding them with defaults on
// first run. defaults.APIToken is stored encrypted if present.
func NewSettingsStore(logger *slog.Logger, repo SettingsRepository, secret *SecretKey, defaults SourceSettings) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	ctx := context.Background()
	settings, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		settings = defaults
		if err := store.saveToDB(ctx, settings); err != nil {
			return nil, fmt.Errorf("failed to save default settings: %w", err)
		}
	}

	store.current = settings
	return store, nil
}

// OnChange registers a callback invoked after each successful update.
// Used to hot-swap the upstream client's credentials without a restart.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Get returns the current settings with the decrypted token.
func (s *SettingsStore) Get() SourceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Token returns the current decrypted API token. Safe to call from any
// goroutine; the upstream client holds this as its credential source.
func (s *SettingsStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.APIToken
}

// GetMasked returns settings safe for an API response (token masked).
func (s *SettingsStore) GetMasked() SourceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.current
	cp.APIToken = MaskSecret(cp.APIToken)
	return cp
}

// Update validates, encrypts the token, persists, and triggers onChange
// callbacks. Smart merge: an empty or masked token keeps the existing one.
func (s *SettingsStore) Update(ctx context.Context, update SourceSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.APIToken == "" || isMasked(update.APIToken) {
		update.APIToken = s.current.APIToken
	}
	if update.LapisURL == "" {
		update.LapisURL = s.current.LapisURL
	}

	if err := s.saveToDB(ctx, update); err != nil {
		return err
	}

	s.current = update
	s.logger.Info("settings updated", "lapis_url", update.LapisURL, "token_set", update.APIToken != "")

	for _, fn := range s.onChange {
		fn(update)
	}
	return nil
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (SourceSettings, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return SourceSettings{}, err
	}

	var stored storedSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return SourceSettings{}, fmt.Errorf("unmarshal settings: %w", err)
	}

	settings := SourceSettings{LapisURL: stored.LapisURL}
	if stored.EncryptedToken != "" {
		token, err := s.secret.Decrypt(stored.EncryptedToken)
		if err != nil {
			s.logger.Warn("failed to decrypt API token", "error", err)
		} else {
			settings.APIToken = token
		}
	}
	return settings, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, settings SourceSettings) error {
	stored := storedSettings{LapisURL: settings.LapisURL}
	if settings.APIToken != "" {
		enc, err := s.secret.Encrypt(settings.APIToken)
		if err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		stored.EncryptedToken = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

func isMasked(v string) bool {
	return strings.HasPrefix(v, "****")
}
