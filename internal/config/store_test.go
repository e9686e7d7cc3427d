package config

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	values map[string]string
}

func (m *memRepo) GetSetting(_ context.Context, key string) (string, error) {
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return "", os.ErrNotExist
}

func (m *memRepo) SaveSetting(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

func newTestStore(t *testing.T) (*SettingsStore, *memRepo) {
	t.Helper()
	t.Setenv("EFFLUENT_SECRET_KEY", "settings-test-key")

	sk, err := NewSecretKey()
	require.NoError(t, err)

	repo := &memRepo{}
	store, err := NewSettingsStore(slog.New(slog.DiscardHandler), repo, sk, SourceSettings{
		LapisURL: "https://lapis.example.org/v2",
	})
	require.NoError(t, err)
	return store, repo
}

func TestSettingsStore_DefaultsSeeded(t *testing.T) {
	store, repo := newTestStore(t)

	assert.Equal(t, "https://lapis.example.org/v2", store.Get().LapisURL)
	assert.Empty(t, store.Token())
	assert.Contains(t, repo.values, settingsKey)
}

func TestSettingsStore_TokenEncryptedAtRest(t *testing.T) {
	store, repo := newTestStore(t)

	err := store.Update(context.Background(), SourceSettings{APIToken: "lapis-secret-token"})
	require.NoError(t, err)

	assert.Equal(t, "lapis-secret-token", store.Token())
	assert.NotContains(t, repo.values[settingsKey], "lapis-secret-token")
	assert.Equal(t, "****oken", store.GetMasked().APIToken)
}

func TestSettingsStore_MaskedTokenKeepsExisting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, SourceSettings{APIToken: "original-token"}))
	require.NoError(t, store.Update(ctx, SourceSettings{
		LapisURL: "https://other.example.org/v2",
		APIToken: "****oken",
	}))

	assert.Equal(t, "original-token", store.Token())
	assert.Equal(t, "https://other.example.org/v2", store.Get().LapisURL)
}

func TestSettingsStore_OnChangeFires(t *testing.T) {
	store, _ := newTestStore(t)

	var got SourceSettings
	store.OnChange(func(s SourceSettings) { got = s })

	require.NoError(t, store.Update(context.Background(), SourceSettings{APIToken: "tok"}))
	assert.Equal(t, "tok", got.APIToken)
}

func TestSettingsStore_ReloadFromDB(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, SourceSettings{APIToken: "persisted-token"}))

	t.Setenv("EFFLUENT_SECRET_KEY", "settings-test-key")
	sk, err := NewSecretKey()
	require.NoError(t, err)

	reloaded, err := NewSettingsStore(slog.New(slog.DiscardHandler), repo, sk, SourceSettings{})
	require.NoError(t, err)
	assert.Equal(t, "persisted-token", reloaded.Token())
}
