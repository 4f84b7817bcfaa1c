// Package models holds the plain data types shared across the supervisors,
// stores, and the event bus. None of these types own goroutines or files;
// persistence and process lifecycle live in the packages that use them.
package models

import (
	"strings"
	"time"
)

// RtmpIngress describes the single inbound RTMP listener a profile owns.
type RtmpIngress struct {
	BindAddress string `json:"bindAddress"`
	Port        int    `json:"port"`
	Application string `json:"application"`
}

// VideoParams configures the video leg of a group's encoder. Codec "copy"
// (case-insensitive) means stream-copy; width/height/bitrate are ignored in
// that case.
type VideoParams struct {
	Codec           string `json:"codec"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	FrameRate       int    `json:"frameRate,omitempty"`
	Bitrate         string `json:"bitrate,omitempty"`
	Preset          string `json:"preset,omitempty"`
	Profile         string `json:"profile,omitempty"`
	KeyframeSeconds int    `json:"keyframeSeconds,omitempty"`
}

// IsCopy reports whether the video leg is configured for stream-copy.
func (v VideoParams) IsCopy() bool {
	return isCopyCodec(v.Codec)
}

// AudioParams configures the audio leg of a group's encoder.
type AudioParams struct {
	Codec      string `json:"codec"`
	Bitrate    string `json:"bitrate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// IsCopy reports whether the audio leg is configured for stream-copy.
func (a AudioParams) IsCopy() bool {
	return isCopyCodec(a.Codec)
}

func isCopyCodec(codec string) bool {
	return strings.EqualFold(codec, "copy")
}

// StreamTarget is a single destination within an OutputGroup. StreamKey may
// be plaintext, an "ENC::" machine-key-wrapped ciphertext, or a "${NAME}"
// environment reference resolved at group start.
type StreamTarget struct {
	ID        string `json:"id"`
	Service   string `json:"service"`
	URL       string `json:"url"`
	StreamKey string `json:"streamKey"`
	Enabled   bool   `json:"enabled"`
}

// OutputGroup bundles a set of destinations behind one encoder configuration.
type OutputGroup struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Video         VideoParams    `json:"video"`
	Audio         AudioParams    `json:"audio"`
	Container     string         `json:"container"`
	StreamTargets []StreamTarget `json:"streamTargets"`
}

// Passthrough reports whether both codec families are stream-copy.
func (g OutputGroup) Passthrough() bool {
	return g.Video.IsCopy() && g.Audio.IsCopy()
}

// EnabledTargets returns the targets with Enabled set, preserving order.
func (g OutputGroup) EnabledTargets() []StreamTarget {
	out := make([]StreamTarget, 0, len(g.StreamTargets))
	for _, t := range g.StreamTargets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Profile is a named broadcast configuration: one ingress and an ordered set
// of output groups.
type Profile struct {
	Name              string        `json:"name"`
	Ingress           RtmpIngress   `json:"ingress"`
	OutputGroups      []OutputGroup `json:"outputGroups"`
	PassphraseProtected bool        `json:"passphraseProtected"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Settings is the single non-secret + sensitive-field document persisted at
// <data>/settings.json. Field names match the original sensitive-field
// allowlist exactly so the on-disk shape stays stable.
type Settings struct {
	TwitchOauthAccessToken  string `json:"twitchOauthAccessToken,omitempty"`
	TwitchOauthRefreshToken string `json:"twitchOauthRefreshToken,omitempty"`
	YoutubeOauthAccessToken string `json:"youtubeOauthAccessToken,omitempty"`
	YoutubeOauthRefreshToken string `json:"youtubeOauthRefreshToken,omitempty"`
	ChatYoutubeAPIKey       string `json:"chatYoutubeApiKey,omitempty"`
	OBSPassword             string `json:"obsPassword,omitempty"`
	BackendToken            string `json:"backendToken,omitempty"`
	DiscordWebhookURL       string `json:"discordWebhookUrl,omitempty"`

	DefaultFfmpegPath string `json:"defaultFfmpegPath,omitempty"`
	LogLevel          string `json:"logLevel,omitempty"`
}

// MachineKey is the device-local 32-byte secret used to wrap small values at
// rest. It never leaves the device and is not itself serialized to JSON.
type MachineKey struct {
	Bytes [32]byte
}

// Zero overwrites the key bytes in place.
func (k *MachineKey) Zero() {
	for i := range k.Bytes {
		k.Bytes[i] = 0
	}
}

// RecordingFormat enumerates the container formats the Recording Supervisor
// can write.
type RecordingFormat string

const (
	RecordingFormatMP4  RecordingFormat = "mp4"
	RecordingFormatMKV  RecordingFormat = "mkv"
	RecordingFormatMOV  RecordingFormat = "mov"
	RecordingFormatWebM RecordingFormat = "webm"
	RecordingFormatTS   RecordingFormat = "ts"
	RecordingFormatFLV  RecordingFormat = "flv"
)

// Extension returns the on-disk file extension for the format.
func (f RecordingFormat) Extension() string {
	return string(f)
}

// FFmpegFormat returns the -f muxer name FFmpeg expects for the format.
func (f RecordingFormat) FFmpegFormat() string {
	switch f {
	case RecordingFormatMKV:
		return "matroska"
	case RecordingFormatTS:
		return "mpegts"
	default:
		return string(f)
	}
}

// Recording describes one capture, active or completed.
type Recording struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	FilePath    string          `json:"filePath"`
	Format      RecordingFormat `json:"format"`
	Encrypted   bool            `json:"encrypted"`
	SizeBytes   int64           `json:"sizeBytes"`
	DurationSec float64         `json:"durationSecs,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Completed   bool            `json:"completed"`
}

// StreamStats is a transient, unpersisted snapshot broadcast over the event
// bus for one active group.
type StreamStats struct {
	GroupID      string  `json:"groupId"`
	UptimeSec    float64 `json:"uptimeSecs"`
	Frames       int64   `json:"frames"`
	BitrateKbps  float64 `json:"bitrateKbps"`
	TotalBytes   int64   `json:"totalBytes"`
}
