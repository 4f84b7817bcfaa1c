// Package credentials implements the machine-key lifecycle, the
// Argon2id/AES-256-GCM passphrase scheme, and the token/stream-key
// encryption helpers used by the Profile Store and the Settings Store. It is
// grounded on the original Rust encryption.rs this spec was distilled from:
// the wire formats, the rotation step order, and the secure-delete procedure
// all mirror that file's behavior exactly.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"bitriver-multistream/internal/atomicfile"
	"bitriver-multistream/internal/errs"
	"bitriver-multistream/internal/models"
)

const (
	saltLen = 32
	nonceLen = 12
	keyLen   = 32

	// TokenPrefix marks a machine-key-wrapped value on disk or in memory.
	TokenPrefix = "ENC::"

	machineKeyFileName  = ".stream_key"
	backupDirName       = "profiles_backup"
	defaultBackupsToKeep = 5

	argon2Time    = 3
	argon2MemoryKB = 64 * 1024
	argon2Threads = 4
)

// Store owns the machine key file for one app data directory. All
// encrypt/decrypt-by-machine-key requests flow through it; it never shares
// its key buffer with callers by value without an explicit copy.
type Store struct {
	appDataDir string

	mu        sync.Mutex
	cachedKey *[keyLen]byte
}

// NewStore returns a Store rooted at appDataDir. The machine key file is not
// read or created until the first encryption request.
func NewStore(appDataDir string) *Store {
	return &Store{appDataDir: appDataDir}
}

func (s *Store) machineKeyPath() string {
	return filepath.Join(s.appDataDir, machineKeyFileName)
}

// GetOrCreateMachineKey returns the current machine key, generating and
// persisting one with owner-only permissions if none exists yet.
func (s *Store) GetOrCreateMachineKey() ([keyLen]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateMachineKeyLocked()
}

func (s *Store) getOrCreateMachineKeyLocked() ([keyLen]byte, error) {
	if s.cachedKey != nil {
		return *s.cachedKey, nil
	}

	path := s.machineKeyPath()
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyLen {
			return [keyLen]byte{}, errs.New(errs.Malformed, "credentials.load_machine_key", fmt.Errorf("machine key file has %d bytes, want %d", len(data), keyLen))
		}
		var key [keyLen]byte
		copy(key[:], data)
		zero(data)
		s.cachedKey = &key
		return key, nil
	}
	if !os.IsNotExist(err) {
		return [keyLen]byte{}, errs.New(errs.Io, "credentials.load_machine_key", err)
	}

	var key [keyLen]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [keyLen]byte{}, errs.New(errs.Internal, "credentials.generate_machine_key", err)
	}
	if err := writeMachineKeyFile(path, key); err != nil {
		return [keyLen]byte{}, err
	}
	s.cachedKey = &key
	return key, nil
}

func writeMachineKeyFile(path string, key [keyLen]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errs.New(errs.Io, "credentials.write_machine_key", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return errs.New(errs.Io, "credentials.write_machine_key", err)
	}
	// Owner-only permissions are enforced explicitly in case the umask was
	// permissive; on Windows the additional hidden+system attributes would
	// be set here via a platform-specific syscall, which is outside this
	// pack's dependency surface (no golang.org/x/sys/windows in go.mod).
	if err := os.Chmod(path, 0o600); err != nil {
		return errs.New(errs.Io, "credentials.chmod_machine_key", err)
	}
	return nil
}

// deriveKey runs Argon2id with the spec-mandated parameters
// (m=64MiB, t=3, p=4, output 32 bytes).
func deriveKey(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argon2Time, argon2MemoryKB, argon2Threads, keyLen)
}

func seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptWithPassphrase derives a key from passphrase with a fresh random
// salt and returns salt(32) || nonce(12) || ciphertext_and_tag.
func EncryptWithPassphrase(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.New(errs.Internal, "credentials.encrypt_with_passphrase", err)
	}
	key := deriveKey([]byte(passphrase), salt)
	defer zero(key)

	nonce, ciphertext, err := seal(key, plaintext)
	if err != nil {
		return nil, errs.New(errs.Internal, "credentials.encrypt_with_passphrase", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase. A wrong passphrase or
// tampered ciphertext returns AuthFailed, never a partial plaintext; a blob
// shorter than the fixed header returns Malformed.
func DecryptWithPassphrase(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < saltLen+nonceLen {
		return nil, errs.New(errs.Malformed, "credentials.decrypt_with_passphrase", fmt.Errorf("ciphertext too short"))
	}
	salt := blob[:saltLen]
	nonce := blob[saltLen : saltLen+nonceLen]
	ciphertext := blob[saltLen+nonceLen:]

	key := deriveKey([]byte(passphrase), salt)
	defer zero(key)

	plaintext, err := open(key, nonce, ciphertext)
	if err != nil {
		return nil, errs.New(errs.AuthFailed, "credentials.decrypt_with_passphrase", nil)
	}
	return plaintext, nil
}

// IsEncrypted reports whether s carries the machine-key wrapper prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, TokenPrefix)
}

// EncryptToken wraps plaintext with the store's machine key, producing
// "ENC::<base64(nonce||ciphertext)>". It is idempotent (already-wrapped
// input is returned unchanged) and leaves empty strings untouched.
func (s *Store) EncryptToken(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	key, err := s.GetOrCreateMachineKey()
	if err != nil {
		return "", err
	}
	defer zero(key[:])
	return encryptTokenWithKey(plaintext, key)
}

// DecryptToken reverses EncryptToken. Input without the prefix is returned
// unchanged (it was never wrapped).
func (s *Store) DecryptToken(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	key, err := s.GetOrCreateMachineKey()
	if err != nil {
		return "", err
	}
	defer zero(key[:])
	return decryptTokenWithKey(value, key)
}

func encryptTokenWithKey(plaintext string, key [keyLen]byte) (string, error) {
	nonce, ciphertext, err := seal(key[:], []byte(plaintext))
	if err != nil {
		return "", errs.New(errs.Internal, "credentials.encrypt_token", err)
	}
	payload := append(append([]byte{}, nonce...), ciphertext...)
	return TokenPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

func decryptTokenWithKey(value string, key [keyLen]byte) (string, error) {
	encoded := strings.TrimPrefix(value, TokenPrefix)
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errs.New(errs.Malformed, "credentials.decrypt_token", err)
	}
	if len(payload) < nonceLen {
		return "", errs.New(errs.Malformed, "credentials.decrypt_token", fmt.Errorf("ciphertext too short"))
	}
	nonce := payload[:nonceLen]
	ciphertext := payload[nonceLen:]
	plaintext, err := open(key[:], nonce, ciphertext)
	if err != nil {
		return "", errs.New(errs.AuthFailed, "credentials.decrypt_token", nil)
	}
	return string(plaintext), nil
}

// RotationReport summarizes a completed machine-key rotation.
type RotationReport struct {
	ProfilesUpdated  int       `json:"profilesUpdated"`
	KeysReencrypted  int       `json:"keysReencrypted"`
	TotalProfiles    int       `json:"totalProfiles"`
	Timestamp        time.Time `json:"timestamp"`
}

// RotateMachineKey implements the rotation protocol exactly: back up the
// profiles directory, re-encrypt every plaintext profile's wrapped stream
// keys under a freshly generated key, and only then retire the old key file.
// Any failure while re-encrypting restores every profile from the backup and
// aborts before the old key is touched.
func (s *Store) RotateMachineKey(profilesDir string) (RotationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := RotationReport{Timestamp: time.Now()}

	backupDir, err := backupProfilesDirectory(s.appDataDir, profilesDir)
	if err != nil {
		return report, err
	}

	oldKey, err := s.getOrCreateMachineKeyLocked()
	if err != nil {
		return report, err
	}

	var newKey [keyLen]byte
	if _, err := rand.Read(newKey[:]); err != nil {
		return report, errs.New(errs.Internal, "credentials.rotate_machine_key", err)
	}
	defer zero(newKey[:])

	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return report, errs.New(errs.Io, "credentials.rotate_machine_key", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".mgs") {
			continue
		}
		report.TotalProfiles++

		if strings.HasSuffix(name, ".mgs") {
			// Passphrase-encrypted profiles carry plaintext stream keys once
			// unlocked; they are re-enciphered on their next save, not here.
			continue
		}

		path := filepath.Join(profilesDir, name)
		updated, err := reencryptProfileFile(path, oldKey, newKey)
		if err != nil {
			restoreErr := restoreFromBackup(backupDir, profilesDir)
			if restoreErr != nil {
				return report, errs.New(errs.Internal, "credentials.rotate_machine_key",
					fmt.Errorf("rotation failed on %s (%w) and restore also failed: %v", path, err, restoreErr))
			}
			return report, errs.New(errs.Internal, "credentials.rotate_machine_key",
				fmt.Errorf("rotation failed while updating %s: %w; all changes rolled back", path, err))
		}
		if updated > 0 {
			report.ProfilesUpdated++
			report.KeysReencrypted += updated
		}
	}

	if err := securelyDeleteKeyFile(s.machineKeyPath()); err != nil {
		return report, err
	}
	if err := writeMachineKeyFile(s.machineKeyPath(), newKey); err != nil {
		return report, err
	}
	s.cachedKey = &newKey

	if err := cleanupOldBackups(filepath.Join(s.appDataDir, backupDirName), defaultBackupsToKeep); err != nil {
		return report, err
	}

	return report, nil
}

func reencryptProfileFile(path string, oldKey, newKey [keyLen]byte) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var profile models.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return 0, err
	}

	updated := 0
	for gi := range profile.OutputGroups {
		targets := profile.OutputGroups[gi].StreamTargets
		for ti := range targets {
			key := targets[ti].StreamKey
			if !IsEncrypted(key) {
				continue
			}
			plaintext, err := decryptTokenWithKey(key, oldKey)
			if err != nil {
				return updated, err
			}
			reencrypted, err := encryptTokenWithKey(plaintext, newKey)
			plaintext = ""
			if err != nil {
				return updated, err
			}
			targets[ti].StreamKey = reencrypted
			updated++
		}
	}

	if updated == 0 {
		return 0, nil
	}

	out, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return updated, err
	}
	return updated, writeFileAtomic(path, out)
}

func backupProfilesDirectory(appDataDir, profilesDir string) (string, error) {
	stamp := time.Now().Format("20060102_150405")
	backupDir := filepath.Join(appDataDir, backupDirName, "backup_"+stamp)
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return "", errs.New(errs.Io, "credentials.backup_profiles", err)
	}

	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return backupDir, nil
		}
		return "", errs.New(errs.Io, "credentials.backup_profiles", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".mgs") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(profilesDir, name))
		if err != nil {
			return "", errs.New(errs.Io, "credentials.backup_profiles", err)
		}
		if err := os.WriteFile(filepath.Join(backupDir, name), data, 0o600); err != nil {
			return "", errs.New(errs.Io, "credentials.backup_profiles", err)
		}
	}

	return backupDir, nil
}

func restoreFromBackup(backupDir, profilesDir string) error {
	current, err := os.ReadDir(profilesDir)
	if err == nil {
		for _, entry := range current {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".mgs") {
				_ = os.Remove(filepath.Join(profilesDir, name))
			}
		}
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(backupDir, entry.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(profilesDir, entry.Name()), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

func cleanupOldBackups(backupsRoot string, keep int) error {
	entries, err := os.ReadDir(backupsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.Io, "credentials.cleanup_old_backups", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(backupsRoot, name)); err != nil {
			return errs.New(errs.Io, "credentials.cleanup_old_backups", err)
		}
	}
	return nil
}

// securelyDeleteKeyFile overwrites the file with zeros, then random bytes,
// then unlinks it. Best-effort against wear-leveling SSDs, but matches the
// original implementation's intent exactly.
func securelyDeleteKeyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.Io, "credentials.securely_delete_key", err)
	}
	size := info.Size()

	if err := overwriteFile(path, size, false); err != nil {
		return errs.New(errs.Io, "credentials.securely_delete_key", err)
	}
	if err := overwriteFile(path, size, true); err != nil {
		return errs.New(errs.Io, "credentials.securely_delete_key", err)
	}
	if err := os.Remove(path); err != nil {
		return errs.New(errs.Io, "credentials.securely_delete_key", err)
	}
	return nil
}

func overwriteFile(path string, size int64, random bool) error {
	buf := make([]byte, size)
	if random {
		if _, err := rand.Read(buf); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

func writeFileAtomic(path string, data []byte) error {
	return atomicfile.WriteFile(path, data, 0o600)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
