// Package relay owns the single shared ingress subprocess: it terminates the
// incoming RTMP(S) publish and tee-muxes the raw stream out to one local TCP
// endpoint per active output group, so each group's encoder can read from
// the relay independently and restart without disturbing the publisher.
//
// Port assignment is deterministic: each group's relay port is derived by
// hashing its ID with FNV-1a and folding the result into a fixed range, so
// the same group always lands on the same port across restarts without any
// shared allocator state.
package relay

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"bitriver-multistream/internal/encoder"
	"bitriver-multistream/internal/errs"
)

const (
	// Host is where the relay listens for group readers and publishes tee
	// outputs; groups and the relay always run on the same machine.
	Host = "localhost"

	// PortBase and PortRange bound the deterministic per-group port space.
	PortBase  = 20000
	PortRange = 20000

	tcpOutQuery = "tcp_nodelay=1"
	tcpInQuery  = "listen=1&tcp_nodelay=1"

	// RTMPTimeoutSeconds bounds how long the relay will wait on the
	// publishing connection; a week is effectively "until stopped".
	RTMPTimeoutSeconds = 604_800
	rtmpTCPNoDelay     = "1"

	teeFifoOptions = "fifo_format=mpegts:queue_size=512:drop_pkts_on_overflow=1:attempt_recovery=1:recover_any_error=1"
)

// PortForGroup returns the deterministic TCP port the relay uses to fan out
// to groupID.
func PortForGroup(groupID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupID))
	return PortBase + int(h.Sum32()%uint32(PortRange))
}

// OutputURL is the tee destination the relay writes group groupID's stream
// to (relay's point of view: it connects out).
func OutputURL(groupID string) string {
	return fmt.Sprintf("tcp://%s:%d?%s", Host, PortForGroup(groupID), tcpOutQuery)
}

// InputURL is the address a group's encoder listens on to read its slice of
// the relay's tee fan-out (group's point of view: it listens).
func InputURL(groupID string) string {
	return fmt.Sprintf("tcp://%s:%d?%s", Host, PortForGroup(groupID), tcpInQuery)
}

// NormalizeIngressURL strips query strings and trailing slashes from an
// rtmp(s) URL and rewrites a bind host of 0.0.0.0 to 127.0.0.1 so the relay
// can be addressed locally by other components.
func NormalizeIngressURL(raw string) string {
	if !strings.HasPrefix(raw, "rtmp://") && !strings.HasPrefix(raw, "rtmps://") {
		return raw
	}

	withoutQuery := raw
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		withoutQuery = raw[:idx]
	}
	trimmed := strings.TrimRight(withoutQuery, "/")

	scheme, rest, ok := strings.Cut(trimmed, "://")
	if !ok {
		return raw
	}

	host, path, _ := strings.Cut(rest, "/")
	if host == "" {
		return raw
	}
	switch {
	case host == "0.0.0.0":
		host = "127.0.0.1"
	case strings.HasPrefix(host, "0.0.0.0:"):
		host = "127.0.0.1" + strings.TrimPrefix(host, "0.0.0.0")
	}

	var app string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			app = segment
			break
		}
	}

	if app == "" {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s/%s", scheme, host, app)
}

func teeOutputList(groupIDs []string) string {
	ids := append([]string(nil), groupIDs...)
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("[f=mpegts]%s", OutputURL(id))
	}
	return strings.Join(parts, "|")
}

func buildArgs(ffmpegPath, incomingURL string, groupIDs []string) []string {
	_ = ffmpegPath
	return []string{
		"-listen", "1",
		"-timeout", fmt.Sprintf("%d", RTMPTimeoutSeconds),
		"-tcp_nodelay", rtmpTCPNoDelay,
		"-i", NormalizeIngressURL(incomingURL),
		"-c:v", "copy",
		"-c:a", "copy",
		"-map", "0:v",
		"-map", "0:a",
		"-f", "tee",
		"-use_fifo", "1",
		"-fifo_options", teeFifoOptions,
		teeOutputList(groupIDs),
	}
}

// Launcher starts the relay subprocess. Production wiring uses
// encoder.New; tests substitute a fake.
type Launcher func(spec encoder.Spec) (encoder.Process, error)

// Supervisor owns the single relay subprocess shared by every active group.
type Supervisor struct {
	ffmpegPath string
	launch     Launcher

	mu          sync.Mutex
	proc        encoder.Process
	incomingURL string
	groupIDs    map[string]struct{}
}

// New constructs a Supervisor. launch is typically a thin wrapper around
// encoder.New; tests pass a fake that never shells out.
func New(ffmpegPath string, launch Launcher) *Supervisor {
	return &Supervisor{
		ffmpegPath: ffmpegPath,
		launch:     launch,
		groupIDs:   make(map[string]struct{}),
	}
}

// IsRunning reports whether the relay subprocess is currently alive. A
// process that has already exited (e.g. crashed) is reaped and reported as
// not running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunningLocked()
}

func (s *Supervisor) isRunningLocked() bool {
	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.Done():
		s.proc = nil
		s.groupIDs = make(map[string]struct{})
		return false
	default:
		return true
	}
}

// EnsureRunning guarantees the relay is running for incomingURL and fanning
// out to at least the given groupIDs. If the relay is already running for a
// different incoming URL, it returns an IngressConflict error. If it is
// running for the same URL but a narrower set of groups, it is restarted
// with the union (ffmpeg's tee output list cannot be changed in place).
func (s *Supervisor) EnsureRunning(ctx context.Context, incomingURL string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return errs.New(errs.InvalidConfig, "relay.ensure_running", fmt.Errorf("at least one group is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.isRunningLocked()
	if running {
		if s.incomingURL != incomingURL {
			return errs.New(errs.IngressConflict, "relay.ensure_running",
				fmt.Errorf("relay already serving a different incoming URL"))
		}
		if supersetOf(s.groupIDs, groupIDs) {
			return nil
		}
	}

	union := make(map[string]struct{}, len(s.groupIDs)+len(groupIDs))
	for id := range s.groupIDs {
		union[id] = struct{}{}
	}
	for _, id := range groupIDs {
		union[id] = struct{}{}
	}

	if running {
		s.stopLocked(ctx)
	}

	unionIDs := make([]string, 0, len(union))
	for id := range union {
		unionIDs = append(unionIDs, id)
	}

	spec := encoder.Spec{Path: s.ffmpegPath, Argv: buildArgs(s.ffmpegPath, incomingURL, unionIDs)}
	proc, err := s.launch(spec)
	if err != nil {
		return errs.New(errs.EncoderLaunch, "relay.ensure_running", err)
	}
	if err := proc.Start(); err != nil {
		return errs.New(errs.EncoderLaunch, "relay.ensure_running", err)
	}

	s.proc = proc
	s.incomingURL = incomingURL
	s.groupIDs = union
	return nil
}

// Stop tears down the relay subprocess if running.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) {
	if s.proc == nil {
		return
	}
	_ = s.proc.GracefulStop(ctx)
	s.proc = nil
	s.groupIDs = make(map[string]struct{})
}

func supersetOf(have map[string]struct{}, want []string) bool {
	for _, id := range want {
		if _, ok := have[id]; !ok {
			return false
		}
	}
	return true
}
