// Package metrics aggregates in-memory counters and gauges for the
// supervisors. There is no push/pull exporter here (that is a collaborator
// concern, out of scope); the Recorder exists so the event bus and tests can
// observe relay/group lifecycle and encoder health without scraping logs.
package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Recorder aggregates relay restarts, active group/recording gauges, encoder
// launch/runtime failures, and the most recent bitrate sample per group.
type Recorder struct {
	mu sync.RWMutex

	relayRestarts      uint64
	encoderLaunchFails map[string]uint64
	encoderRuntimeExit map[string]uint64
	bitrateSamples     map[string]float64

	activeGroups     atomic.Int64
	activeRecordings atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		encoderLaunchFails: make(map[string]uint64),
		encoderRuntimeExit: make(map[string]uint64),
		bitrateSamples:     make(map[string]float64),
	}
}

// Default returns the singleton Recorder instance used when the composition
// root does not wire a dedicated one.
func Default() *Recorder {
	return defaultRecorder
}

// RelayRestarted increments the relay restart counter. The Relay Supervisor
// does not call it; a caller that wants restarts counted calls it itself.
func (r *Recorder) RelayRestarted() {
	r.mu.Lock()
	r.relayRestarts++
	r.mu.Unlock()
}

// RelayRestarts returns the current relay restart count.
func (r *Recorder) RelayRestarts() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relayRestarts
}

// GroupStarted increments the active-group gauge.
func (r *Recorder) GroupStarted() { r.activeGroups.Add(1) }

// GroupStopped decrements the active-group gauge, floored at zero.
func (r *Recorder) GroupStopped() { decrementGauge(&r.activeGroups) }

// ActiveGroups exposes the current active-group gauge.
func (r *Recorder) ActiveGroups() int64 { return r.activeGroups.Load() }

// RecordingStarted increments the active-recording gauge.
func (r *Recorder) RecordingStarted() { r.activeRecordings.Add(1) }

// RecordingStopped decrements the active-recording gauge, floored at zero.
func (r *Recorder) RecordingStopped() { decrementGauge(&r.activeRecordings) }

// ActiveRecordings exposes the current active-recording gauge.
func (r *Recorder) ActiveRecordings() int64 { return r.activeRecordings.Load() }

// EncoderLaunchFailed records a failed subprocess spawn for the given group.
func (r *Recorder) EncoderLaunchFailed(groupID string) {
	r.mu.Lock()
	r.encoderLaunchFails[normalize(groupID)]++
	r.mu.Unlock()
}

// EncoderExited records a subprocess exit keyed by group id and a coarse
// outcome label ("clean" or "error").
func (r *Recorder) EncoderExited(groupID string, clean bool) {
	label := "clean"
	if !clean {
		label = "error"
	}
	r.mu.Lock()
	r.encoderRuntimeExit[normalize(groupID)+":"+label]++
	r.mu.Unlock()
}

// ObserveBitrate records the most recent smoothed bitrate sample (kbps) for a
// group.
func (r *Recorder) ObserveBitrate(groupID string, kbps float64) {
	r.mu.Lock()
	r.bitrateSamples[normalize(groupID)] = kbps
	r.mu.Unlock()
}

// BitrateSample returns the last recorded bitrate sample for a group, if
// any.
func (r *Recorder) BitrateSample(groupID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.bitrateSamples[normalize(groupID)]
	return v, ok
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayRestarts = 0
	r.encoderLaunchFails = make(map[string]uint64)
	r.encoderRuntimeExit = make(map[string]uint64)
	r.bitrateSamples = make(map[string]float64)
	r.activeGroups.Store(0)
	r.activeRecordings.Store(0)
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

func decrementGauge(g *atomic.Int64) {
	for {
		cur := g.Load()
		if cur <= 0 {
			if g.CompareAndSwap(cur, 0) {
				return
			}
			continue
		}
		if g.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
