// Package profiles implements the Profile Store: CRUD over broadcast
// profiles persisted under one directory, either as a plaintext JSON file or
// as a passphrase-encrypted blob, with ingress-conflict validation and
// atomic temp-then-rename persistence, grounded on the teacher's
// storage.Storage (persistDataset) generalized from one shared dataset file
// to one file per profile (matching the original capture service's layout,
// where each profile is independently rotatable and independently
// passphrase-protectable).
package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bitriver-multistream/internal/atomicfile"
	"bitriver-multistream/internal/credentials"
	"bitriver-multistream/internal/errs"
	"bitriver-multistream/internal/models"
)

const (
	jsonExt = ".json"
	blobExt = ".mgs"
	metaExt = ".meta"
)

// Summary is the lightweight, passphrase-independent metadata kept alongside
// every stored profile artifact (plaintext or encrypted), used for
// ingress-conflict validation and listing without requiring a passphrase.
type Summary struct {
	Name      string
	Ingress   models.RtmpIngress
	Encrypted bool
	UpdatedAt time.Time
}

// Store manages the on-disk collection of broadcast profiles under one
// directory.
type Store struct {
	dir   string
	creds *credentials.Store

	mu sync.Mutex
}

// New constructs a Store rooted at dir, creating it (0700) if absent.
func New(dir string, creds *credentials.Store) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.New(errs.Io, "profiles.new", err)
	}
	return &Store{dir: dir, creds: creds}, nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '\x00':
			return '_'
		default:
			return r
		}
	}, name)
}

func (s *Store) plainPath(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+jsonExt)
}

func (s *Store) blobPath(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+blobExt)
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.dir, sanitizeName(name)+metaExt)
}

// List returns a Profile for every stored profile, sorted by name.
// Plaintext profiles are fully loaded with stream keys decrypted;
// passphrase-protected profiles come back as a shell (name, ingress,
// PassphraseProtected) since decrypting them needs a passphrase this
// operation doesn't take.
func (s *Store) List() ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas, err := s.readAllMetaLocked()
	if err != nil {
		return nil, err
	}

	out := make([]models.Profile, 0, len(metas))
	for _, meta := range metas {
		if meta.Encrypted {
			out = append(out, models.Profile{
				Name:                meta.Name,
				Ingress:             meta.Ingress,
				PassphraseProtected: true,
				UpdatedAt:           meta.UpdatedAt,
			})
			continue
		}
		profile, err := s.loadLocked(meta.Name, "")
		if err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, nil
}

// Summary returns name, ingress, and encryption status for a stored profile
// without requiring its passphrase.
func (s *Store) Summary(name string) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetaLocked(name)
}

// IsEncrypted reports whether name's stored artifact is a passphrase blob.
func (s *Store) IsEncrypted(name string) (bool, error) {
	meta, err := s.Summary(name)
	if err != nil {
		return false, err
	}
	return meta.Encrypted, nil
}

// Get loads a profile by name with no passphrase; it is a convenience
// wrapper over Load for the common unencrypted case. ENC::-wrapped stream
// keys are decrypted back to plaintext via the Credential Store.
func (s *Store) Get(name string) (models.Profile, error) {
	return s.Load(name, "")
}

// Load reads a stored profile by name. If the stored artifact is a
// passphrase blob, passphrase is used to decrypt it; for a plaintext
// artifact passphrase is ignored. Either way, any ENC::-wrapped stream key
// is decrypted via the Credential Store before the profile is returned;
// "${NAME}" environment references are left untouched.
func (s *Store) Load(name, passphrase string) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(name, passphrase)
}

func (s *Store) loadLocked(name, passphrase string) (models.Profile, error) {
	sanitized := sanitizeName(name)

	if _, err := os.Stat(s.blobPath(sanitized)); err == nil {
		if passphrase == "" {
			return models.Profile{}, errs.New(errs.InvalidConfig, "profiles.load",
				fmt.Errorf("profile %q is passphrase-protected; a passphrase is required", name))
		}
		raw, err := os.ReadFile(s.blobPath(sanitized))
		if err != nil {
			return models.Profile{}, errs.New(errs.Io, "profiles.load", err)
		}
		plaintext, err := credentials.DecryptWithPassphrase(raw, passphrase)
		if err != nil {
			return models.Profile{}, err
		}
		var profile models.Profile
		if err := json.Unmarshal(plaintext, &profile); err != nil {
			return models.Profile{}, errs.New(errs.Malformed, "profiles.load", err)
		}
		return s.decryptStreamKeys(profile)
	}

	profile, err := s.readPlainLocked(sanitized + jsonExt)
	if err != nil {
		return models.Profile{}, err
	}
	return s.decryptStreamKeys(profile)
}

func (s *Store) readPlainLocked(filename string) (models.Profile, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return models.Profile{}, errs.New(errs.NotActive, "profiles.get", fmt.Errorf("profile %s not found", filename))
		}
		return models.Profile{}, errs.New(errs.Io, "profiles.get", err)
	}
	var profile models.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return models.Profile{}, errs.New(errs.Malformed, "profiles.get", err)
	}
	return profile, nil
}

func (s *Store) decryptStreamKeys(profile models.Profile) (models.Profile, error) {
	for gi, group := range profile.OutputGroups {
		for ti, target := range group.StreamTargets {
			plain, err := s.creds.DecryptToken(target.StreamKey)
			if err != nil {
				return models.Profile{}, err
			}
			profile.OutputGroups[gi].StreamTargets[ti].StreamKey = plain
		}
	}
	return profile, nil
}

// Save validates profile (ingress-conflict check against every other stored
// profile) and atomically persists it. If passphrase is non-empty, the
// entire profile is encrypted as a ".mgs" blob; otherwise it is written as
// plaintext JSON. If encryptStreamKeys is true, every stream key is
// additionally wrapped via the Credential Store before persisting,
// independent of whether the artifact itself is passphrase-protected.
func (s *Store) Save(profile models.Profile, passphrase string, encryptStreamKeys bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIngressConflictLocked(profile); err != nil {
		return err
	}

	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	profile.PassphraseProtected = passphrase != ""

	if encryptStreamKeys {
		for gi, group := range profile.OutputGroups {
			for ti, target := range group.StreamTargets {
				wrapped, err := s.creds.EncryptToken(target.StreamKey)
				if err != nil {
					return err
				}
				profile.OutputGroups[gi].StreamTargets[ti].StreamKey = wrapped
			}
		}
	}

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return errs.New(errs.Malformed, "profiles.save", err)
	}

	if passphrase != "" {
		ciphertext, err := credentials.EncryptWithPassphrase(data, passphrase)
		if err != nil {
			return err
		}
		if err := atomicfile.WriteFile(s.blobPath(profile.Name), ciphertext, 0o600); err != nil {
			return errs.New(errs.Io, "profiles.save", err)
		}
		if err := os.Remove(s.plainPath(profile.Name)); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.Io, "profiles.save", err)
		}
	} else {
		if err := atomicfile.WriteFile(s.plainPath(profile.Name), data, 0o600); err != nil {
			return errs.New(errs.Io, "profiles.save", err)
		}
		if err := os.Remove(s.blobPath(profile.Name)); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.Io, "profiles.save", err)
		}
	}

	return s.writeMetaLocked(profile)
}

// Delete removes a stored profile by name, whichever artifacts exist
// (plaintext, blob, meta). Deleting an absent profile is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.plainPath(name), s.blobPath(name), s.metaPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.Io, "profiles.delete", err)
		}
	}
	return nil
}

type persistedMeta struct {
	Name      string             `json:"name"`
	Ingress   models.RtmpIngress `json:"ingress"`
	Encrypted bool               `json:"encrypted"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func (s *Store) writeMetaLocked(profile models.Profile) error {
	meta := persistedMeta{
		Name:      profile.Name,
		Ingress:   profile.Ingress,
		Encrypted: profile.PassphraseProtected,
		UpdatedAt: profile.UpdatedAt,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return errs.New(errs.Malformed, "profiles.save", err)
	}
	if err := atomicfile.WriteFile(s.metaPath(profile.Name), data, 0o600); err != nil {
		return errs.New(errs.Io, "profiles.save", err)
	}
	return nil
}

func (s *Store) readMetaLocked(name string) (Summary, error) {
	raw, err := os.ReadFile(s.metaPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, errs.New(errs.NotActive, "profiles.summary", fmt.Errorf("profile %q not found", name))
		}
		return Summary{}, errs.New(errs.Io, "profiles.summary", err)
	}
	var meta persistedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Summary{}, errs.New(errs.Malformed, "profiles.summary", err)
	}
	return Summary{Name: meta.Name, Ingress: meta.Ingress, Encrypted: meta.Encrypted, UpdatedAt: meta.UpdatedAt}, nil
}

func (s *Store) readAllMetaLocked() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.New(errs.Io, "profiles.list", err)
	}
	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), metaExt)
		meta, err := s.readMetaLocked(name)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// checkIngressConflictLocked fails if any other stored profile binds the
// same ingress bind address, port, and application — two profiles may not
// claim the same listen socket. Validated against the plaintext meta
// sidecar so it works without a passphrase even for encrypted profiles.
func (s *Store) checkIngressConflictLocked(candidate models.Profile) error {
	metas, err := s.readAllMetaLocked()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.Name == candidate.Name {
			continue
		}
		if sameIngress(meta.Ingress, candidate.Ingress) {
			return errs.New(errs.IngressConflict, "profiles.check_ingress",
				fmt.Errorf("profile %q already binds %s:%d/%s", meta.Name, candidate.Ingress.BindAddress, candidate.Ingress.Port, candidate.Ingress.Application))
		}
	}
	return nil
}

func sameIngress(a, b models.RtmpIngress) bool {
	return a.BindAddress == b.BindAddress && a.Port == b.Port && a.Application == b.Application
}
