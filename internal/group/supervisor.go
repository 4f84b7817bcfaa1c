package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bitriver-multistream/internal/encoder"
	"bitriver-multistream/internal/errs"
	"bitriver-multistream/internal/eventbus"
	"bitriver-multistream/internal/meter"
	"bitriver-multistream/internal/models"
	"bitriver-multistream/internal/platform"
	"bitriver-multistream/internal/relay"
	"bitriver-multistream/internal/stats"
)

// Launcher starts a group's ffmpeg subprocess. Production wiring uses
// encoder.New; tests substitute a fake that never shells out.
type Launcher func(spec encoder.Spec) (encoder.Process, error)

type active struct {
	group       models.OutputGroup
	ingressURL  string
	proc        encoder.Process
	meter       *meter.Meter
	parser      *stats.Parser
	startedAt   time.Time
}

// Supervisor coordinates the relay subprocess and one ffmpeg subprocess per
// active output group, implementing the start/start_all/stop/stop_all/
// restart_group operations. It owns relay_refcount bookkeeping: the relay
// shuts down once the last group subprocess using it exits.
type Supervisor struct {
	ffmpegPath string
	launch     Launcher
	relay      *relay.Supervisor
	registry   *platform.Registry
	bus        *eventbus.Bus

	mu       sync.Mutex
	groups   map[string]*active
	stopping map[string]struct{}
	disabled map[string]struct{}
}

// New constructs a Supervisor. launch is typically a thin wrapper around
// encoder.New; tests pass a fake.
func New(ffmpegPath string, launch Launcher, relaySupervisor *relay.Supervisor, registry *platform.Registry, bus *eventbus.Bus) *Supervisor {
	return &Supervisor{
		ffmpegPath: ffmpegPath,
		launch:     launch,
		relay:      relaySupervisor,
		registry:   registry,
		bus:        bus,
		groups:     make(map[string]*active),
		stopping:   make(map[string]struct{}),
		disabled:   make(map[string]struct{}),
	}
}

// Start begins streaming group against ingressURL. If another active group
// has a different ingress URL, this fails with errs.IngressConflict. If the
// group is already running, its existing PID-equivalent handle is reused
// (this is a no-op).
func (s *Supervisor) Start(ctx context.Context, group models.OutputGroup, ingressURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIngressLocked(ingressURL); err != nil {
		return err
	}
	if _, ok := s.groups[group.ID]; ok {
		return nil
	}

	if err := s.startGroupLocked(group, ingressURL); err != nil {
		return err
	}
	return s.ensureRelayLocked(ctx, ingressURL)
}

// StartAll starts every group in groups against ingressURL in one batch. It
// fails if any group is already active. Groups with no stream targets are
// skipped; if none remain, it fails.
func (s *Supervisor) StartAll(ctx context.Context, groups []models.OutputGroup, ingressURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.groups) > 0 {
		return errs.New(errs.AlreadyActive, "group.start_all", fmt.Errorf("streams already running"))
	}

	var toStart []models.OutputGroup
	for _, g := range groups {
		if len(g.StreamTargets) == 0 {
			continue
		}
		toStart = append(toStart, g)
	}
	if len(toStart) == 0 {
		return errs.New(errs.InvalidConfig, "group.start_all", fmt.Errorf("at least one stream target is required"))
	}

	for _, g := range toStart {
		if err := s.startGroupLocked(g, ingressURL); err != nil {
			return err
		}
	}
	return s.ensureRelayLocked(ctx, ingressURL)
}

// Stop terminates groupID's subprocess gracefully. If no groups remain
// active, the relay is also stopped.
func (s *Supervisor) Stop(ctx context.Context, groupID string) error {
	s.mu.Lock()
	a, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.stopping[groupID] = struct{}{}
	delete(s.groups, groupID)
	empty := len(s.groups) == 0
	s.mu.Unlock()

	s.stopGroupProcess(ctx, a)

	if empty {
		s.relay.Stop(ctx)
	}
	return nil
}

// StopAll terminates every active group concurrently, then the relay.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*active, 0, len(s.groups))
	for id, a := range s.groups {
		s.stopping[id] = struct{}{}
		all = append(all, a)
	}
	s.groups = make(map[string]*active)
	s.mu.Unlock()

	var g errgroup.Group
	for _, a := range all {
		a := a
		g.Go(func() error {
			s.stopGroupProcess(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	s.relay.Stop(ctx)
}

// RestartGroup stops group (if running) and starts it again with its
// current configuration, used when a destination target is toggled.
func (s *Supervisor) RestartGroup(ctx context.Context, group models.OutputGroup, ingressURL string) error {
	if s.IsActive(group.ID) {
		if err := s.Stop(ctx, group.ID); err != nil {
			return err
		}
	}
	return s.Start(ctx, group, ingressURL)
}

// IsActive reports whether groupID currently has a running subprocess.
func (s *Supervisor) IsActive(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[groupID]
	return ok
}

// ActiveGroupIDs returns the ids of every currently active group.
func (s *Supervisor) ActiveGroupIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	return ids
}

// DisableTarget excludes targetID from future argv builds without altering
// the persisted profile.
func (s *Supervisor) DisableTarget(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[targetID] = struct{}{}
}

// EnableTarget reverses DisableTarget.
func (s *Supervisor) EnableTarget(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disabled, targetID)
}

func (s *Supervisor) checkIngressLocked(ingressURL string) error {
	for _, a := range s.groups {
		if a.ingressURL != ingressURL {
			return errs.New(errs.IngressConflict, "group.start", fmt.Errorf("incoming URL differs from active groups"))
		}
	}
	return nil
}

func (s *Supervisor) startGroupLocked(group models.OutputGroup, ingressURL string) error {
	args := BuildArgs(group, s.registry, s.disabled)
	spec := encoder.Spec{Path: s.ffmpegPath, Argv: args}

	proc, err := s.launch(spec)
	if err != nil {
		return errs.New(errs.EncoderLaunch, "group.start", err)
	}
	if err := proc.Start(); err != nil {
		return errs.New(errs.EncoderLaunch, "group.start", err)
	}

	m, err := meter.Start(group.ID)
	if err != nil {
		_ = proc.GracefulStop(context.Background())
		return errs.New(errs.EncoderLaunch, "group.start", err)
	}

	startedAt := time.Now()
	sampler := meter.NewSampler()
	parser := stats.NewParser(group.ID, startedAt, func() (float64, bool) {
		return sampler.Observe(m.Bytes(), time.Now())
	})

	a := &active{group: group, ingressURL: ingressURL, proc: proc, meter: m, parser: parser, startedAt: startedAt}
	s.groups[group.ID] = a

	go s.pumpStderr(a)

	return nil
}

func (s *Supervisor) pumpStderr(a *active) {
	for line := range a.proc.StderrLines() {
		if snap, due := a.parser.Feed(line); due {
			s.bus.Publish(eventbus.TopicStreamStats, snap)
		}
	}

	groupID := a.group.ID
	a.meter.Stop()

	s.mu.Lock()
	_, wasStopping := s.stopping[groupID]
	delete(s.stopping, groupID)
	_, stillTracked := s.groups[groupID]
	s.mu.Unlock()

	intentional := wasStopping || !stillTracked
	_ = a.proc.Wait()
	exitCode := a.proc.ExitCode()
	outcome := stats.ClassifyExit(intentional, exitCode, true)

	switch outcome {
	case stats.ExitClean, stats.ExitIntentional:
		s.bus.Publish(eventbus.TopicStreamEnded, groupID)
	case stats.ExitError:
		s.bus.Publish(eventbus.TopicStreamError, map[string]any{
			"groupId": groupID,
			"error":   fmt.Sprintf("ffmpeg exited with code %d", exitCode),
			"lines":   a.parser.RecentLines(),
		})
	}

	if stillTracked {
		s.mu.Lock()
		delete(s.groups, groupID)
		empty := len(s.groups) == 0
		s.mu.Unlock()
		if empty {
			s.relay.Stop(context.Background())
		}
	}
}

func (s *Supervisor) stopGroupProcess(ctx context.Context, a *active) {
	_ = a.proc.GracefulStop(ctx)
}

func (s *Supervisor) ensureRelayLocked(ctx context.Context, ingressURL string) error {
	ids := make(map[string]struct{}, len(s.groups))
	for id := range s.groups {
		ids[id] = struct{}{}
	}
	return s.relay.EnsureRunning(ctx, ingressURL, sortedIDs(ids))
}
