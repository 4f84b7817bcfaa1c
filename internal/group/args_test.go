package group

import (
	"strings"
	"testing"

	"bitriver-multistream/internal/models"
	"bitriver-multistream/internal/platform"
)

func sampleGroup(videoCodec, audioCodec, container string) models.OutputGroup {
	return models.OutputGroup{
		ID:        "g1",
		Video:     models.VideoParams{Codec: videoCodec, Width: 1920, Height: 1080, FrameRate: 60, Bitrate: "6000k", Preset: "balanced", KeyframeSeconds: 2},
		Audio:     models.AudioParams{Codec: audioCodec, Bitrate: "160k", Channels: 2, SampleRate: 48000},
		Container: container,
		StreamTargets: []models.StreamTarget{
			{ID: "t1", Service: "twitch", URL: "rtmp://live.twitch.tv/app", StreamKey: "livekey", Enabled: true},
		},
	}
}

func TestBuildArgsPassthroughUsesStreamCopy(t *testing.T) {
	g := sampleGroup("copy", "copy", "flv")
	args := BuildArgs(g, platform.NewRegistry(), nil)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-c:v copy") || !strings.Contains(joined, "-c:a copy") {
		t.Fatalf("expected stream copy args, got %q", joined)
	}
	if !strings.Contains(joined, "-bsf:a aac_adtstoasc") {
		t.Fatalf("expected passthrough FLV audio bitstream filter, got %q", joined)
	}
}

func TestBuildArgsReencodeAppliesCBRAndKeyframes(t *testing.T) {
	g := sampleGroup("libx264", "aac", "flv")
	args := BuildArgs(g, platform.NewRegistry(), nil)
	joined := strings.Join(args, " ")

	for _, want := range []string{"-minrate 6000k", "-maxrate 6000k", "-bufsize 12000k", "-x264-params nal-hrd=cbr:force-cfr=1", "-g 120", "-keyint_min 120", "-sc_threshold 0"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in args, got %q", want, joined)
		}
	}
}

func TestBuildArgsSkipsDisabledTargets(t *testing.T) {
	g := sampleGroup("copy", "copy", "flv")
	g.StreamTargets = append(g.StreamTargets, models.StreamTarget{ID: "t2", Service: "custom", URL: "rtmp://example.com/app", StreamKey: "key2", Enabled: true})

	disabled := map[string]struct{}{"t2": {}}
	args := BuildArgs(g, platform.NewRegistry(), disabled)
	joined := strings.Join(args, " ")

	if strings.Contains(joined, "key2") {
		t.Fatalf("expected disabled target to be excluded, got %q", joined)
	}
}

func TestBuildArgsAlwaysAddsMeterLeg(t *testing.T) {
	g := sampleGroup("copy", "copy", "flv")
	args := BuildArgs(g, platform.NewRegistry(), nil)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "f=mpegts:onfail=ignore") {
		t.Fatalf("expected a meter tee leg, got %q", joined)
	}
}

func TestMultipleTargetsGetOnfailIgnore(t *testing.T) {
	g := sampleGroup("copy", "copy", "flv")
	g.StreamTargets = append(g.StreamTargets, models.StreamTarget{ID: "t2", Service: "custom", URL: "rtmp://example.com/app", StreamKey: "key2", Enabled: true})

	args := BuildArgs(g, platform.NewRegistry(), nil)
	joined := strings.Join(args, " ")
	if strings.Count(joined, "onfail=ignore") != 3 {
		t.Fatalf("expected every destination leg plus the meter leg to use onfail=ignore, got %q", joined)
	}
}

func TestMapNVENCPreset(t *testing.T) {
	cases := map[string]string{
		"ultrafast": "p1",
		"p5":        "p5",
		"veryslow":  "p7",
		"":          "p4",
		"unknown":   "p4",
	}
	for in, want := range cases {
		if got := mapNVENCPreset(in); got != want {
			t.Fatalf("mapNVENCPreset(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQSVH264Level(t *testing.T) {
	if got := qsvH264Level(1080, 30); got != "4.1" {
		t.Fatalf("expected 4.1 for 1080p30, got %s", got)
	}
	if got := qsvH264Level(1080, 60); got != "4.2" {
		t.Fatalf("expected 4.2 for 1080p60, got %s", got)
	}
	if got := qsvH264Level(2160, 30); got != "5.1" {
		t.Fatalf("expected 5.1 for 4K30, got %s", got)
	}
}

func TestDoubleBitrate(t *testing.T) {
	if got := doubleBitrate("6000k"); got != "12000k" {
		t.Fatalf("got %s want 12000k", got)
	}
	if got := doubleBitrate("3M"); got != "6M" {
		t.Fatalf("got %s want 6M", got)
	}
}

func TestResolveStreamKeyFallsBackWhenEnvMissing(t *testing.T) {
	got := resolveStreamKey("${DEFINITELY_NOT_SET_12345}")
	if got != "${DEFINITELY_NOT_SET_12345}" {
		t.Fatalf("expected literal fallback, got %q", got)
	}
}
