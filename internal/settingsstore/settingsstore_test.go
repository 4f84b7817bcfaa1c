package settingsstore

import (
	"os"
	"strings"
	"testing"

	"bitriver-multistream/internal/credentials"
	"bitriver-multistream/internal/eventbus"
	"bitriver-multistream/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir, credentials.NewStore(dir), eventbus.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return store
}

func TestSaveEncryptsSensitiveFieldsOnDisk(t *testing.T) {
	dir := t.TempDir()
	creds := credentials.NewStore(dir)
	bus := eventbus.New()
	store, err := New(dir, creds, bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	settings := models.Settings{
		TwitchOauthAccessToken: "plain-access-token",
		LogLevel:               "info",
	}
	if err := store.Save(settings); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw := readRawSettingsFile(t, dir)
	if strings.Contains(raw, "plain-access-token") {
		t.Fatalf("expected sensitive field to be encrypted at rest, found plaintext in: %s", raw)
	}
	if !strings.Contains(raw, "\"logLevel\": \"info\"") {
		t.Fatalf("expected non-sensitive field to remain plaintext, got: %s", raw)
	}
}

func TestLoadDecryptsSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	creds := credentials.NewStore(dir)
	store, err := New(dir, creds, eventbus.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := store.Save(models.Settings{TwitchOauthAccessToken: "secret-token"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Fresh store instance forces a disk read instead of the cache.
	store2, err := New(dir, creds, eventbus.New())
	if err != nil {
		t.Fatalf("new 2: %v", err)
	}
	got, err := store2.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.TwitchOauthAccessToken != "secret-token" {
		t.Fatalf("expected decrypted token on load, got %q", got.TwitchOauthAccessToken)
	}
}

func TestLoadReturnsDefaultsWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != (models.Settings{}) {
		t.Fatalf("expected zero-value defaults, got %+v", got)
	}
}

func TestSavePublishesSettingsChanged(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New()
	store, err := New(dir, credentials.NewStore(dir), bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ch, cancel := bus.Subscribe(eventbus.TopicSettingsChanged, 1)
	defer cancel()

	if err := store.Save(models.Settings{LogLevel: "debug"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case ev := <-ch:
		settings, ok := ev.Payload.(models.Settings)
		if !ok || settings.LogLevel != "debug" {
			t.Fatalf("unexpected payload: %+v", ev.Payload)
		}
	default:
		t.Fatalf("expected settings_changed to be published synchronously")
	}
}

func TestRefreshOAuthTokenUpdatesOnlyThatPlatform(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(models.Settings{YoutubeOauthAccessToken: "yt-access"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.RefreshOAuthToken("twitch", "new-access", "new-refresh"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.TwitchOauthAccessToken != "new-access" || got.TwitchOauthRefreshToken != "new-refresh" {
		t.Fatalf("expected twitch tokens updated, got %+v", got)
	}
	if got.YoutubeOauthAccessToken != "yt-access" {
		t.Fatalf("expected youtube token untouched, got %q", got.YoutubeOauthAccessToken)
	}
}

func readRawSettingsFile(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(dir + "/settings.json")
	if err != nil {
		t.Fatalf("read settings file: %v", err)
	}
	return string(data)
}
