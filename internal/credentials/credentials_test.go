package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"bitriver-multistream/internal/errs"
	"bitriver-multistream/internal/models"
)

func TestPassphraseRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox")
	blob, err := EncryptWithPassphrase(plaintext, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptWithPassphrase(blob, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestPassphraseWrongPasswordFailsAuth(t *testing.T) {
	blob, err := EncryptWithPassphrase([]byte("secret"), "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	_, err = DecryptWithPassphrase(blob, "wrong")
	if !errs.Is(err, errs.AuthFailed) {
		t.Fatalf("expected AuthFailed, got %v", err)
	}
}

func TestPassphraseTruncatedBlobIsMalformed(t *testing.T) {
	_, err := DecryptWithPassphrase([]byte("short"), "hunter2")
	if !errs.Is(err, errs.Malformed) {
		t.Fatalf("expected Malformed, got %v", err)
	}
}

func TestTokenIdempotentAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	wrapped, err := store.EncryptToken("abc123")
	if err != nil {
		t.Fatalf("encrypt token: %v", err)
	}
	if !IsEncrypted(wrapped) {
		t.Fatalf("expected wrapped token to carry ENC:: prefix")
	}

	wrappedAgain, err := store.EncryptToken(wrapped)
	if err != nil {
		t.Fatalf("re-encrypt token: %v", err)
	}
	if wrappedAgain != wrapped {
		t.Fatalf("expected idempotent wrap, got %q want %q", wrappedAgain, wrapped)
	}

	plain, err := store.DecryptToken(wrapped)
	if err != nil {
		t.Fatalf("decrypt token: %v", err)
	}
	if plain != "abc123" {
		t.Fatalf("decrypt mismatch: got %q", plain)
	}
}

func TestTokenEmptyStringUnchanged(t *testing.T) {
	store := NewStore(t.TempDir())
	out, err := store.EncryptToken("")
	if err != nil {
		t.Fatalf("encrypt empty: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty string to pass through, got %q", out)
	}
}

func TestDecryptTokenWithoutPrefixUnchanged(t *testing.T) {
	store := NewStore(t.TempDir())
	out, err := store.DecryptToken("plain-value")
	if err != nil {
		t.Fatalf("decrypt plain: %v", err)
	}
	if out != "plain-value" {
		t.Fatalf("expected unchanged passthrough, got %q", out)
	}
}

func TestMachineKeyPersistsAndIsOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	key1, err := store.GetOrCreateMachineKey()
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	path := filepath.Join(dir, machineKeyFileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}

	// A fresh store reading the same directory must see the same key.
	store2 := NewStore(dir)
	key2, err := store2.GetOrCreateMachineKey()
	if err != nil {
		t.Fatalf("get or create (2nd store): %v", err)
	}
	if key1 != key2 {
		t.Fatalf("expected persisted key to be stable across store instances")
	}
}

func writeProfile(t *testing.T, dir, name string, profile models.Profile) {
	t.Helper()
	data, err := json.Marshal(profile)
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func TestRotateMachineKeyScenarioS3(t *testing.T) {
	appDir := t.TempDir()
	profilesDir := filepath.Join(appDir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o700); err != nil {
		t.Fatalf("mkdir profiles: %v", err)
	}

	store := NewStore(appDir)

	wrap := func(plain string) string {
		w, err := store.EncryptToken(plain)
		if err != nil {
			t.Fatalf("wrap: %v", err)
		}
		return w
	}

	makeProfile := func(name string, keys ...string) models.Profile {
		targets := make([]models.StreamTarget, len(keys))
		for i, k := range keys {
			targets[i] = models.StreamTarget{ID: k, StreamKey: wrap(k), Enabled: true}
		}
		return models.Profile{
			Name: name,
			OutputGroups: []models.OutputGroup{
				{ID: "g1", StreamTargets: targets},
			},
		}
	}

	writeProfile(t, profilesDir, "alpha.json", makeProfile("alpha", "key-a1", "key-a2"))
	writeProfile(t, profilesDir, "beta.json", makeProfile("beta", "key-b1", "key-b2"))

	// Passphrase-protected profile: opaque blob, skipped by rotation.
	if err := os.WriteFile(filepath.Join(profilesDir, "gamma.mgs"), []byte("opaque-blob"), 0o600); err != nil {
		t.Fatalf("write mgs: %v", err)
	}

	oldKey, err := store.GetOrCreateMachineKey()
	if err != nil {
		t.Fatalf("get old key: %v", err)
	}

	report, err := store.RotateMachineKey(profilesDir)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if report.ProfilesUpdated != 2 {
		t.Fatalf("expected 2 profiles updated, got %d", report.ProfilesUpdated)
	}
	if report.KeysReencrypted != 4 {
		t.Fatalf("expected 4 keys reencrypted, got %d", report.KeysReencrypted)
	}
	if report.TotalProfiles != 3 {
		t.Fatalf("expected 3 total profiles, got %d", report.TotalProfiles)
	}

	if _, err := os.Stat(filepath.Join(appDir, machineKeyFileName)); err != nil {
		t.Fatalf("expected a machine key file to exist after rotation: %v", err)
	}

	newKey, err := store.GetOrCreateMachineKey()
	if err != nil {
		t.Fatalf("get new key: %v", err)
	}
	if newKey == oldKey {
		t.Fatalf("expected the machine key to change after rotation")
	}

	// Every wrapped key in alpha.json now decrypts under the new key and
	// fails under the old one.
	raw, err := os.ReadFile(filepath.Join(profilesDir, "alpha.json"))
	if err != nil {
		t.Fatalf("read alpha.json: %v", err)
	}
	var alpha models.Profile
	if err := json.Unmarshal(raw, &alpha); err != nil {
		t.Fatalf("unmarshal alpha.json: %v", err)
	}
	for _, target := range alpha.OutputGroups[0].StreamTargets {
		if _, err := decryptTokenWithKey(target.StreamKey, newKey); err != nil {
			t.Fatalf("expected key to decrypt under new key: %v", err)
		}
		if _, err := decryptTokenWithKey(target.StreamKey, oldKey); err == nil {
			t.Fatalf("expected key to fail decryption under old key")
		}
	}

	backupRoot := filepath.Join(appDir, backupDirName)
	entries, err := os.ReadDir(backupRoot)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected a backup directory to exist, err=%v entries=%v", err, entries)
	}
}
