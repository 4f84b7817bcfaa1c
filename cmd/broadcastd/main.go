// Command broadcastd is the composition root: it wires together the
// Credential Store, Profile Store, Settings Store, Relay Supervisor, Group
// Supervisor, Recording Supervisor, and Event Bus, then blocks until asked
// to shut down.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitriver-multistream/internal/credentials"
	"bitriver-multistream/internal/encoder"
	"bitriver-multistream/internal/eventbus"
	"bitriver-multistream/internal/observability/logging"
	"bitriver-multistream/internal/platform"
	"bitriver-multistream/internal/profiles"
	"bitriver-multistream/internal/recording"
	"bitriver-multistream/internal/relay"
	"bitriver-multistream/internal/settingsstore"
	streamgroup "bitriver-multistream/internal/group"
)

func main() {
	appDataDir := envOrDefault("BROADCASTD_APP_DATA_DIR", "./data")
	ffmpegPath := envOrDefault("BROADCASTD_FFMPEG_PATH", "ffmpeg")

	logger := logging.Init(logging.Config{
		Level:  envOrDefault("BROADCASTD_LOG_LEVEL", "info"),
		Format: envOrDefault("BROADCASTD_LOG_FORMAT", string(logging.FormatJSON)),
	})

	if err := run(appDataDir, ffmpegPath, logger); err != nil {
		logger.Error("broadcastd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(appDataDir, ffmpegPath string, logger *slog.Logger) error {
	if err := os.MkdirAll(appDataDir, 0o700); err != nil {
		return err
	}

	bus := eventbus.New()
	credStore := credentials.NewStore(appDataDir)

	profileStore, err := profiles.New(appDataDir+"/profiles", credStore)
	if err != nil {
		return err
	}
	settingsStore, err := settingsstore.New(appDataDir, credStore, bus)
	if err != nil {
		return err
	}
	recordingSupervisor, err := recording.New(ffmpegPath, encoder.New, appDataDir+"/recordings", credStore)
	if err != nil {
		return err
	}

	relaySupervisor := relay.New(ffmpegPath, encoder.New)
	groupSupervisor := streamgroup.New(ffmpegPath, encoder.New, relaySupervisor, platform.NewRegistry(), bus)

	logger.Info("broadcastd ready",
		"app_data_dir", appDataDir,
		"ffmpeg_path", ffmpegPath,
	)

	_ = profileStore
	_ = settingsStore
	_ = groupSupervisor
	_ = recordingSupervisor

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("broadcastd shutting down")
	groupSupervisor.StopAll(context.Background())
	recordingSupervisor.StopAll(context.Background())
	return nil
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
