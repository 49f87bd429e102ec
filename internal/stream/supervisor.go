// Package stream supervises one transcoder process per active camera.
//
// Reconcile is the only operation that creates entries: it tears down every
// running entry, clears the output directory and starts a fresh entry per
// active camera, pacing the starts. Each entry then restarts its own process
// after failures until a later Reconcile or StopAll supersedes it. A
// generation counter stamped on every entry keeps superseded entries from
// ever launching again.
package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/types"
)

// Config holds supervisor timing.
type Config struct {
	StartupPacing   time.Duration // Delay between consecutive starts in one pass
	RestartCooldown time.Duration // Delay before an entry relaunches after a failure
	StableAfter     time.Duration // Running time after which EventStable is published
}

func (c Config) withDefaults() Config {
	if c.StartupPacing < 0 {
		c.StartupPacing = 0
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = types.DefaultRestartCooldown
	}
	if c.StableAfter <= 0 {
		c.StableAfter = types.DefaultStableAfter
	}
	return c
}

// Supervisor owns the set of stream entries.
type Supervisor struct {
	cameras  CameraSource
	launcher Launcher
	store    Artifacts
	cfg      Config

	generation  atomic.Uint64
	reconcileMu sync.Mutex // held for the whole of a reconciliation, pacing included
	closed      atomic.Bool

	mu      sync.RWMutex
	entries []*Entry
	live    map[*Entry]struct{} // entries whose goroutine has not returned, superseded ones included
	current []camera.Camera     // active list of the last reconciliation

	wg sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []func(types.StreamEvent)
}

// NewSupervisor creates a supervisor. Nothing runs until Reconcile is called.
func NewSupervisor(cameras CameraSource, launcher Launcher, store Artifacts, cfg Config) *Supervisor {
	return &Supervisor{
		cameras:  cameras,
		launcher: launcher,
		store:    store,
		cfg:      cfg.withDefaults(),
		live:     make(map[*Entry]struct{}),
	}
}

// Subscribe registers fn to receive every lifecycle event. fn is called on
// the publishing goroutine and must not block.
func (s *Supervisor) Subscribe(fn func(types.StreamEvent)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Supervisor) emit(ev types.StreamEvent) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(ev)
	}
}

// Reconcile replaces all running streams with one entry per active camera
// and returns the active cameras it started, in order. That is the whole
// active list unless ctx ended or StopAll ran during the paced starts.
// It never fails: a directory read error is logged and treated as an empty
// list, which stops every stream. Concurrent calls are serialized; ctx
// cancellation aborts the remaining starts but not the teardown.
func (s *Supervisor) Reconcile(ctx context.Context) []camera.Camera {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	return s.reconcileLocked(ctx)
}

// ReconcileIfChanged reconciles only when the active-camera list differs
// from the one the last reconciliation started. It reports whether it did.
func (s *Supervisor) ReconcileIfChanged(ctx context.Context) bool {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	cams, err := s.cameras.ListActive()
	if err == nil {
		s.mu.RLock()
		unchanged := slices.EqualFunc(cams, s.current, sameCamera)
		s.mu.RUnlock()
		if unchanged {
			return false
		}
	}
	s.reconcileLocked(ctx)
	return true
}

// sameCamera ignores labels; only fields that reach the transcoder count.
func sameCamera(a, b camera.Camera) bool {
	return a.Name == b.Name && a.SourceURL == b.SourceURL
}

func (s *Supervisor) reconcileLocked(ctx context.Context) []camera.Camera {
	logger := slog.With("reconcile_id", uuid.NewString())
	started := time.Now()

	gen := s.advance()
	s.stopEntries()

	// Superseded entries write placeholders under s.mu.RLock, so none can
	// land after the clear.
	s.mu.Lock()
	err := s.store.Clear()
	s.mu.Unlock()
	if err != nil {
		logger.Warn("failed to clear stream artifacts", "error", err)
	}

	cams, err := s.cameras.ListActive()
	if err != nil {
		logger.Error("failed to read camera directory, treating as no active cameras", "error", err)
		cams = nil
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if s.closed.Load() {
		logger.Info("supervisor shut down, not starting streams")
		return nil
	}

	logger.Info("reconciling streams", "generation", gen, "cameras", len(cams))

	n := 0
	for i, cam := range cams {
		if i > 0 && !s.pace(ctx, gen) {
			logger.Warn("reconciliation interrupted", "started", i, "cameras", len(cams))
			break
		}

		cam.Index = i
		e := newEntry(s, cam, gen)

		s.mu.Lock()
		s.entries = append(s.entries, e)
		s.live[e] = struct{}{}
		s.current = append(s.current, cam)
		s.mu.Unlock()

		s.wg.Add(1)
		go e.run()
		n++
	}

	logger.Info("reconciliation finished", "generation", gen, "started", n, "duration", time.Since(started).Round(time.Millisecond))
	s.emit(types.StreamEvent{Type: types.EventReconciled, Generation: gen, Time: time.Now()})
	return cams[:n]
}

// advance bumps the generation and publishes it before any entry of the
// new generation exists.
func (s *Supervisor) advance() uint64 {
	gen := s.generation.Add(1)
	s.emit(types.StreamEvent{Type: types.EventGeneration, Generation: gen, Time: time.Now()})
	return gen
}

// pace waits the startup interval. It returns false if ctx ended or the
// generation moved on (StopAll) while waiting.
func (s *Supervisor) pace(ctx context.Context, gen uint64) bool {
	if s.cfg.StartupPacing > 0 {
		timer := time.NewTimer(s.cfg.StartupPacing)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return ctx.Err() == nil && s.generation.Load() == gen
}

// StopAll supersedes every entry and requests termination of their
// processes without waiting for them to exit.
func (s *Supervisor) StopAll() {
	s.advance()
	s.stopEntries()
}

func (s *Supervisor) stopEntries() {
	s.mu.Lock()
	old := s.entries
	s.entries = nil
	s.mu.Unlock()

	for _, e := range old {
		e.stop()
	}
	if len(old) > 0 {
		slog.Info("stopping streams", "count", len(old))
	}
}

// Shutdown stops every stream and waits for their goroutines to finish.
// No streams are started afterwards. If ctx ends first, remaining
// processes are killed and ctx.Err is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.StopAll()

	done := make(chan struct{})
	go func() {
		// An in-flight reconciliation notices the new generation after its
		// current pacing wait; after that no entry can be added.
		s.reconcileMu.Lock()
		s.reconcileMu.Unlock() //nolint:staticcheck // barrier only
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.RLock()
		for e := range s.live {
			e.kill()
		}
		s.mu.RUnlock()
		slog.Warn("streams did not stop in time, killed")
		return ctx.Err()
	}
}

func (s *Supervisor) release(e *Entry) {
	s.mu.Lock()
	delete(s.live, e)
	s.mu.Unlock()
}

// Statuses returns a snapshot of every current entry in stream order.
func (s *Supervisor) Statuses() []types.StreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]types.StreamStatus, 0, len(s.entries))
	for _, e := range s.entries {
		statuses = append(statuses, e.Status())
	}
	return statuses
}

// Entries returns the current entries in stream order.
func (s *Supervisor) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// Cameras returns the active cameras of the last reconciliation.
func (s *Supervisor) Cameras() []camera.Camera {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.current)
}

// Generation returns the current generation.
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}
