package stats

import (
	"testing"
	"time"
)

func TestFeedParsesProgressLineAndEmits(t *testing.T) {
	p := NewParser("g1", time.Now().Add(-5*time.Second), nil)

	p.Feed("frame=120")
	p.Feed("total_size=1000000")
	snap, due := p.Feed("progress=continue")

	if !due {
		t.Fatalf("expected a progress= line to always be a snapshot boundary")
	}
	if snap.Frames != 120 {
		t.Fatalf("expected frames=120, got %d", snap.Frames)
	}
	if snap.TotalBytes != 1_000_000 {
		t.Fatalf("expected total_size carried over, got %d", snap.TotalBytes)
	}
	if snap.BitrateKbps <= 0 {
		t.Fatalf("expected a derived bitrate from bytes/time, got %f", snap.BitrateKbps)
	}
}

func TestFeedMeterSampleOverridesDerivedBitrate(t *testing.T) {
	calls := 0
	meter := func() (float64, bool) {
		calls++
		return 4242, true
	}
	p := NewParser("g1", time.Now(), meter)

	p.Feed("total_size=1000000")
	snap, due := p.Feed("progress=continue")

	if !due {
		t.Fatalf("expected emission")
	}
	if snap.BitrateKbps != 4242 {
		t.Fatalf("expected meter sample to override derived bitrate, got %f", snap.BitrateKbps)
	}
	if calls == 0 {
		t.Fatalf("expected meter sample function to be consulted")
	}
}

func TestRecentLinesCapAt40AndAreRedacted(t *testing.T) {
	p := NewParser("g1", time.Now(), nil)
	for i := 0; i < 50; i++ {
		p.Feed("rtmp://host/app/super-secret-key-value")
	}
	lines := p.RecentLines()
	if len(lines) != RecentLinesKept {
		t.Fatalf("expected %d recent lines kept, got %d", RecentLinesKept, len(lines))
	}
	for _, l := range lines {
		if contains(l, "super-secret-key-value") {
			t.Fatalf("expected stream key to be redacted from recent line: %q", l)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestClassifyExit(t *testing.T) {
	cases := []struct {
		name        string
		intentional bool
		exitCode    int
		observed    bool
		want        ExitOutcome
	}{
		{"intentional stop wins", true, 1, true, ExitIntentional},
		{"clean exit", false, 0, true, ExitClean},
		{"nonzero exit is an error", false, 1, true, ExitError},
		{"unobservable status is an error", false, 0, false, ExitError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyExit(tc.intentional, tc.exitCode, tc.observed)
			if got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestParseFFmpegTimecode(t *testing.T) {
	secs, ok := parseFFmpegTimecode("00:01:05.50")
	if !ok {
		t.Fatalf("expected valid timecode to parse")
	}
	if secs < 65.49 || secs > 65.51 {
		t.Fatalf("expected ~65.5s, got %f", secs)
	}
}
