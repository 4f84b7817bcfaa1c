// Package settingsstore implements the Settings Store: a single JSON
// document holding application-wide configuration, with a fixed allowlist
// of sensitive fields encrypted at rest via the Credential Store's token
// wrapping. Grounded on the original settings_manager.rs's SENSITIVE_FIELDS
// constant and its load order (in-memory cache, then disk, then defaults).
package settingsstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"bitriver-multistream/internal/atomicfile"
	"bitriver-multistream/internal/credentials"
	"bitriver-multistream/internal/errs"
	"bitriver-multistream/internal/eventbus"
	"bitriver-multistream/internal/models"
)

// sensitiveFields is the fixed allowlist of models.Settings JSON field
// names encrypted at rest, taken verbatim from the original
// settings_manager.rs SENSITIVE_FIELDS constant.
var sensitiveFields = map[string]struct{}{
	"twitchOauthAccessToken":   {},
	"twitchOauthRefreshToken":  {},
	"youtubeOauthAccessToken":  {},
	"youtubeOauthRefreshToken": {},
	"chatYoutubeApiKey":        {},
	"obsPassword":              {},
	"backendToken":             {},
	"discordWebhookUrl":        {},
}

// Store holds the single settings document for the application.
type Store struct {
	path  string
	creds *credentials.Store
	bus   *eventbus.Bus

	mu     sync.Mutex
	cached *models.Settings
}

// New constructs a Store backed by a settings.json file under dir.
func New(dir string, creds *credentials.Store, bus *eventbus.Bus) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.New(errs.Io, "settingsstore.new", err)
	}
	return &Store{path: filepath.Join(dir, "settings.json"), creds: creds, bus: bus}, nil
}

// Load returns the current settings. Order of resolution: in-memory cache,
// then disk, then the zero-value default (an empty Settings document,
// which is always valid).
func (s *Store) Load() (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (models.Settings, error) {
	if s.cached != nil {
		return *s.cached, nil
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		defaults := models.Settings{}
		s.cached = &defaults
		return defaults, nil
	}
	if err != nil {
		return models.Settings{}, errs.New(errs.Io, "settingsstore.load", err)
	}

	var onDisk models.Settings
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return models.Settings{}, errs.New(errs.Malformed, "settingsstore.load", err)
	}

	decrypted, err := s.decryptSensitiveFields(onDisk)
	if err != nil {
		return models.Settings{}, err
	}

	s.cached = &decrypted
	return decrypted, nil
}

// Save persists settings, encrypting every sensitive field,
// refreshes the in-memory cache, and publishes settings_changed.
func (s *Store) Save(settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toPersist, err := s.encryptSensitiveFields(settings)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(toPersist, "", "  ")
	if err != nil {
		return errs.New(errs.Malformed, "settingsstore.save", err)
	}
	if err := atomicfile.WriteFile(s.path, data, 0o600); err != nil {
		return errs.New(errs.Io, "settingsstore.save", err)
	}

	s.cached = &settings
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicSettingsChanged, settings)
	}
	return nil
}

// RefreshOAuthToken updates the access/refresh token pair for a platform
// after an OAuth refresh, without requiring the caller to round-trip the
// rest of the settings document. platform is "twitch" or "youtube".
func (s *Store) RefreshOAuthToken(platform string, accessToken, refreshToken string) error {
	s.mu.Lock()
	current, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	switch platform {
	case "twitch":
		current.TwitchOauthAccessToken = accessToken
		current.TwitchOauthRefreshToken = refreshToken
	case "youtube":
		current.YoutubeOauthAccessToken = accessToken
		current.YoutubeOauthRefreshToken = refreshToken
	default:
		return errs.New(errs.InvalidConfig, "settingsstore.refresh_oauth_token", errNotAKnownPlatform(platform))
	}

	return s.Save(current)
}

func errNotAKnownPlatform(platform string) error {
	return &unknownPlatformError{platform: platform}
}

type unknownPlatformError struct{ platform string }

func (e *unknownPlatformError) Error() string {
	return "settingsstore: unknown OAuth platform " + e.platform
}

// encryptSensitiveFields wraps every allowlisted field's current value via
// the Credential Store, leaving non-sensitive fields untouched. Wrapping is
// idempotent, so values already wrapped are left as-is.
func (s *Store) encryptSensitiveFields(settings models.Settings) (models.Settings, error) {
	return s.transformSensitiveFields(settings, s.creds.EncryptToken)
}

func (s *Store) decryptSensitiveFields(settings models.Settings) (models.Settings, error) {
	return s.transformSensitiveFields(settings, s.creds.DecryptToken)
}

func (s *Store) transformSensitiveFields(settings models.Settings, transform func(string) (string, error)) (models.Settings, error) {
	v := reflect.ValueOf(&settings).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		jsonName := jsonFieldName(field)
		if _, sensitive := sensitiveFields[jsonName]; !sensitive {
			continue
		}
		fv := v.Field(i)
		if fv.Kind() != reflect.String || fv.String() == "" {
			continue
		}
		out, err := transform(fv.String())
		if err != nil {
			return models.Settings{}, err
		}
		fv.SetString(out)
	}
	return settings, nil
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}
