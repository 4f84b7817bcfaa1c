// Package recording implements the Recording Supervisor: optional
// per-session capture of a group's audio/video, either from a raw frame
// source (native capture) or by pulling from the shared relay endpoint,
// with passphrase encryption applied on completion.
package recording

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"bitriver-multistream/internal/credentials"
	"bitriver-multistream/internal/encoder"
	"bitriver-multistream/internal/errs"
	"bitriver-multistream/internal/models"
)

var unsafeFilenameChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)

// sanitizeFilename replaces characters that are unsafe in a filename (path
// separators, reserved Windows characters, control characters) with "_".
func sanitizeFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

func generateID() (string, error) {
	return "rec_" + uuid.NewString(), nil
}

// Launcher starts a recording's ffmpeg subprocess. Production wiring uses
// encoder.New; tests substitute a fake.
type Launcher func(spec encoder.Spec) (encoder.Process, error)

// Config describes one recording request.
type Config struct {
	Name      string
	Format    models.RecordingFormat
	Encrypt   bool
	Passphrase string

	// RelayURL pulls from the shared relay endpoint (shared-ingress path).
	// If empty, NativeParams must be set instead (native-capture path).
	RelayURL string
	Native   *NativeParams
}

// NativeParams describes a raw-frame capture fed via the encoder's stdin.
type NativeParams struct {
	Width, Height, FPS int
	PixelFormat        string
}

type activeRecording struct {
	id        string
	proc      encoder.Process
	tempPath  string
	finalPath string
	cfg       Config
	startedAt time.Time
}

// Supervisor manages concurrent recordings under one recordings directory.
type Supervisor struct {
	ffmpegPath    string
	launch        Launcher
	recordingsDir string
	credStore     *credentials.Store

	mu     sync.Mutex
	active map[string]*activeRecording

	// exportGroup collapses concurrent Export calls for the same path into a
	// single passphrase-decrypt, since Argon2id key derivation is deliberately
	// expensive and callers (e.g. repeated UI refreshes) may race each other.
	exportGroup singleflight.Group
}

// New constructs a Supervisor. recordingsDir is created with 0700
// permissions if it doesn't already exist.
func New(ffmpegPath string, launch Launcher, recordingsDir string, credStore *credentials.Store) (*Supervisor, error) {
	if err := os.MkdirAll(recordingsDir, 0o700); err != nil {
		return nil, errs.New(errs.Io, "recording.new", err)
	}
	return &Supervisor{
		ffmpegPath:    ffmpegPath,
		launch:        launch,
		recordingsDir: recordingsDir,
		credStore:     credStore,
		active:        make(map[string]*activeRecording),
	}, nil
}

// Start begins a recording per cfg and returns its generated id.
func (s *Supervisor) Start(cfg Config) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", errs.New(errs.Internal, "recording.start", err)
	}

	base := fmt.Sprintf("%s_%s.%s", sanitizeFilename(cfg.Name), time.Now().UTC().Format("20060102_150405"), cfg.Format.Extension())
	finalPath := filepath.Join(s.recordingsDir, base)
	outputPath := finalPath
	tempPath := ""
	if cfg.Encrypt {
		// The plaintext container is written to a .tmp scratch file; the
		// ciphertext that finalizeEncrypted produces lands beside it with a
		// .enc suffix, so List/Export can tell encrypted artifacts apart by
		// name alone.
		tempPath = finalPath + ".tmp"
		outputPath = tempPath
		finalPath = finalPath + ".enc"
	}

	var args []string
	switch {
	case cfg.RelayURL != "":
		args = relayPullArgs(cfg.RelayURL, cfg.Format, outputPath)
	case cfg.Native != nil:
		args = nativeCaptureArgs(*cfg.Native, cfg.Format, outputPath)
	default:
		return "", errs.New(errs.InvalidConfig, "recording.start", fmt.Errorf("either a relay URL or native capture params are required"))
	}

	proc, err := s.launch(encoder.Spec{Path: s.ffmpegPath, Argv: args})
	if err != nil {
		return "", errs.New(errs.EncoderLaunch, "recording.start", err)
	}
	if err := proc.Start(); err != nil {
		return "", errs.New(errs.EncoderLaunch, "recording.start", err)
	}

	s.mu.Lock()
	s.active[id] = &activeRecording{id: id, proc: proc, tempPath: tempPath, finalPath: finalPath, cfg: cfg, startedAt: time.Now()}
	s.mu.Unlock()

	return id, nil
}

func relayPullArgs(relayURL string, format models.RecordingFormat, outputPath string) []string {
	return []string{
		"-i", relayURL,
		"-c:v", "copy", "-c:a", "copy",
		"-f", format.FFmpegFormat(),
		"-y", outputPath,
	}
}

func nativeCaptureArgs(p NativeParams, format models.RecordingFormat, outputPath string) []string {
	pixFmt := p.PixelFormat
	if pixFmt == "" {
		pixFmt = "yuv420p"
	}
	return []string{
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-r", strconv.Itoa(p.FPS),
		"-i", "pipe:0",
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-f", format.FFmpegFormat(),
		"-y", outputPath,
	}
}

// Stdin returns the writer a native-capture caller should write raw frames
// to. It is nil for a relay-pull recording.
func (s *Supervisor) Stdin(id string) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok || a.cfg.Native == nil {
		return nil
	}
	return a.proc.Stdin()
}

// Stop terminates the recording via the standard graceful-shutdown policy,
// finalizes encryption if requested, and returns a Recording descriptor.
func (s *Supervisor) Stop(ctx context.Context, id string) (models.Recording, error) {
	s.mu.Lock()
	a, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return models.Recording{}, errs.New(errs.NotActive, "recording.stop", fmt.Errorf("recording %s is not active", id))
	}

	if err := a.proc.GracefulStop(ctx); err != nil {
		return models.Recording{}, errs.New(errs.EncoderRuntime, "recording.stop", err)
	}

	outputPath := a.finalPath
	if a.cfg.Encrypt {
		if err := s.finalizeEncrypted(a); err != nil {
			return models.Recording{}, err
		}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return models.Recording{}, errs.New(errs.Io, "recording.stop", err)
	}

	return models.Recording{
		ID:          a.id,
		Name:        a.cfg.Name,
		FilePath:    outputPath,
		Format:      a.cfg.Format,
		Encrypted:   a.cfg.Encrypt,
		SizeBytes:   info.Size(),
		DurationSec: time.Since(a.startedAt).Seconds(),
		CreatedAt:   a.startedAt,
		Completed:   true,
	}, nil
}

// finalizeEncrypted reads the temp capture, encrypts it with the recording's
// passphrase, writes the ciphertext to the final path, and unlinks the temp
// file. Matches the original capture pipeline's order: kill, encrypt,
// unlink.
func (s *Supervisor) finalizeEncrypted(a *activeRecording) error {
	plaintext, err := os.ReadFile(a.tempPath)
	if err != nil {
		return errs.New(errs.Io, "recording.finalize", err)
	}

	ciphertext, err := credentials.EncryptWithPassphrase(plaintext, a.cfg.Passphrase)
	if err != nil {
		return err
	}

	if err := os.WriteFile(a.finalPath, ciphertext, 0o600); err != nil {
		return errs.New(errs.Io, "recording.finalize", err)
	}
	if err := os.Remove(a.tempPath); err != nil {
		return errs.New(errs.Io, "recording.finalize", err)
	}
	return nil
}

// StopAll stops every active recording concurrently and best-effort; one
// recording's graceful-shutdown wait never blocks another's.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, _ = s.Stop(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// ActiveCount returns the number of recordings currently in progress.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// List returns every completed recording file under the recordings
// directory, newest first. In-progress (.tmp) files are skipped.
func (s *Supervisor) List() ([]models.Recording, error) {
	entries, err := os.ReadDir(s.recordingsDir)
	if err != nil {
		return nil, errs.New(errs.Io, "recording.list", err)
	}

	var out []models.Recording
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, models.Recording{
			Name:      entry.Name(),
			FilePath:  filepath.Join(s.recordingsDir, entry.Name()),
			Encrypted: strings.HasSuffix(entry.Name(), ".enc"),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
			Completed: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Export returns the plaintext bytes of a recording, decrypting it first if
// it carries a ".enc" suffix.
func (s *Supervisor) Export(path, passphrase string) ([]byte, error) {
	if err := s.checkContained(path); err != nil {
		return nil, err
	}

	result, err, _ := s.exportGroup.Do(path+"\x00"+passphrase, func() (any, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.New(errs.Io, "recording.export", err)
		}
		if strings.HasSuffix(path, ".enc") {
			return credentials.DecryptWithPassphrase(data, passphrase)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Delete removes a recording file, refusing to touch anything outside the
// recordings directory.
func (s *Supervisor) Delete(path string) error {
	if err := s.checkContained(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return errs.New(errs.Io, "recording.delete", err)
	}
	return nil
}

// checkContained ensures path resolves to somewhere inside the recordings
// directory, guarding against path traversal in Export/Delete.
func (s *Supervisor) checkContained(path string) error {
	absRecordings, err := filepath.Abs(s.recordingsDir)
	if err != nil {
		return errs.New(errs.Io, "recording.contained", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return errs.New(errs.Io, "recording.contained", err)
	}
	rel, err := filepath.Rel(absRecordings, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errs.New(errs.PermissionDenied, "recording.contained", fmt.Errorf("access denied"))
	}
	return nil
}
