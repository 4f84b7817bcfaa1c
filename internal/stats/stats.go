// Package stats implements the Stats Parser: it consumes a group
// subprocess's stderr line by line, extracts ffmpeg "-progress" key/value
// pairs, and produces rate-limited StreamStats snapshots. It also applies
// the redaction policy to every stderr line before the line is allowed to
// reach a log sink, and classifies the subprocess's exit as a clean stop,
// a clean end-of-input, or an error.
package stats

import (
	"strconv"
	"strings"
	"time"

	"bitriver-multistream/internal/models"
	"bitriver-multistream/internal/platform"
)

const (
	// EmitInterval bounds how often a StreamStats snapshot is produced from
	// steady frame-progress lines (progress boundaries may emit sooner).
	EmitInterval = time.Second

	// RecentLinesKept is how many redacted stderr lines are preserved for
	// the error report on an unexpected exit.
	RecentLinesKept = 40
)

// Snapshot is one rolling progress accumulation for a single group.
type Snapshot struct {
	GroupID     string
	UptimeSec   float64
	Frames      int64
	TotalBytes  int64
	BitrateKbps float64
}

func (s Snapshot) toModel() models.StreamStats {
	return models.StreamStats{
		GroupID:     s.GroupID,
		UptimeSec:   s.UptimeSec,
		Frames:      s.Frames,
		TotalBytes:  s.TotalBytes,
		BitrateKbps: s.BitrateKbps,
	}
}

// MeterSample is how the Parser asks for the Bitrate Meter's current
// smoothed estimate. ok is false until the meter has produced one sample.
type MeterSample func() (kbps float64, ok bool)

// Parser accumulates progress key/value pairs for one group's stderr stream
// and decides when a snapshot is due.
type Parser struct {
	groupID    string
	startedAt  time.Time
	meterKbps  MeterSample
	lastEmit   time.Time
	recent     []string
	snapshot   Snapshot
	hasEmitted bool
}

// NewParser returns a Parser for groupID. startedAt is the group
// subprocess's start time, used to derive uptime when ffmpeg doesn't
// report `time=`. meterSample may be nil if the group has no meter (it
// always should, per §4.5, but tests may omit it).
func NewParser(groupID string, startedAt time.Time, meterSample MeterSample) *Parser {
	return &Parser{
		groupID:   groupID,
		startedAt: startedAt,
		meterKbps: meterSample,
		recent:    make([]string, 0, RecentLinesKept),
	}
}

// Feed processes one raw stderr line. It returns a snapshot and true when a
// new StreamStats emission is due.
func (p *Parser) Feed(line string) (models.StreamStats, bool) {
	redacted := platform.GenericRedact(line)
	p.pushRecent(redacted)

	isProgressLine := strings.HasPrefix(strings.TrimSpace(line), "progress=")
	parsed := p.applyLine(line)

	now := time.Now()
	due := isProgressLine || (parsed && now.Sub(p.lastEmit) >= EmitInterval)
	if !due {
		return models.StreamStats{}, false
	}

	if p.snapshot.UptimeSec <= 0 {
		p.snapshot.UptimeSec = now.Sub(p.startedAt).Seconds()
	}

	metered := false
	if p.meterKbps != nil {
		if kbps, ok := p.meterKbps(); ok {
			p.snapshot.BitrateKbps = kbps
			metered = true
		}
	}
	if !metered && p.snapshot.BitrateKbps == 0 && p.snapshot.TotalBytes > 0 && p.snapshot.UptimeSec > 0 {
		avg := float64(p.snapshot.TotalBytes) * 8.0 / 1000.0 / p.snapshot.UptimeSec
		if isFinitePositive(avg) {
			p.snapshot.BitrateKbps = avg
		}
	}

	p.lastEmit = now
	p.hasEmitted = true
	out := p.snapshot.toModel()
	return out, true
}

// RecentLines returns the last RecentLinesKept redacted stderr lines seen,
// for inclusion in an error report.
func (p *Parser) RecentLines() []string {
	return append([]string(nil), p.recent...)
}

func (p *Parser) pushRecent(line string) {
	if len(p.recent) == RecentLinesKept {
		p.recent = p.recent[1:]
	}
	p.recent = append(p.recent, line)
}

// applyLine recognizes ffmpeg "-progress" key=value lines and folds
// recognized keys into the rolling snapshot. Returns true if the line
// contributed a recognized key.
func (p *Parser) applyLine(line string) bool {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.snapshot.Frames = n
			return true
		}
	case "bitrate":
		trimmed := strings.TrimSuffix(strings.TrimSpace(value), "kbits/s")
		if f, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64); err == nil {
			p.snapshot.BitrateKbps = f
			return true
		}
	case "out_time_ms", "out_time_us":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.snapshot.UptimeSec = float64(n) / 1_000_000
			return true
		}
	case "time":
		if secs, ok := parseFFmpegTimecode(value); ok {
			p.snapshot.UptimeSec = secs
			return true
		}
	case "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.snapshot.TotalBytes = n
			return true
		}
	}
	return false
}

func parseFFmpegTimecode(v string) (float64, bool) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.ParseFloat(parts[0], 64)
	minutes, err2 := strconv.ParseFloat(parts[1], 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return hours*3600 + minutes*60 + seconds, true
}

func isFinitePositive(f float64) bool {
	return f > 0 && f < 1e18
}

// ExitOutcome classifies how a group subprocess ended.
type ExitOutcome int

const (
	// ExitIntentional means the group id was in the stopping set or had
	// already been removed from the active set: emit stream_ended, no
	// error.
	ExitIntentional ExitOutcome = iota
	// ExitClean means the subprocess exited with code 0 on its own
	// (input ended): emit stream_ended.
	ExitClean
	// ExitError means the subprocess exited non-zero or its status
	// couldn't be observed: emit stream_error with the recent lines.
	ExitError
)

// ClassifyExit decides the outcome of a group subprocess's exit.
func ClassifyExit(intentional bool, exitCode int, observedStatus bool) ExitOutcome {
	if intentional {
		return ExitIntentional
	}
	if observedStatus && exitCode == 0 {
		return ExitClean
	}
	return ExitError
}
