package stream

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/config"
	"github.com/camwall/camstream/internal/hls"
	"github.com/camwall/camstream/internal/notify"
	"github.com/camwall/camstream/internal/types"
)

type harness struct {
	sup      *Supervisor
	dir      *fakeDirectory
	launcher *fakeLauncher
	store    *hls.Store
	events   *eventRecorder
}

func newHarness(t *testing.T, cfg Config, cams ...camera.Camera) *harness {
	t.Helper()
	store, err := hls.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		dir:      &fakeDirectory{cameras: cams},
		launcher: &fakeLauncher{},
		store:    store,
		events:   &eventRecorder{},
	}
	h.sup = NewSupervisor(h.dir, h.launcher, store, cfg)
	h.sup.Subscribe(h.events.record)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.sup.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return h
}

func fastConfig() Config {
	return Config{
		StartupPacing:   5 * time.Millisecond,
		RestartCooldown: 30 * time.Millisecond,
		StableAfter:     time.Hour,
	}
}

func (h *harness) entry(t *testing.T, i int) *Entry {
	t.Helper()
	entries := h.sup.Entries()
	if i >= len(entries) {
		t.Fatalf("have %d entries, want index %d", len(entries), i)
	}
	return entries[i]
}

func TestReconcileStartsActiveCamerasInOrderWithPacing(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupPacing = 60 * time.Millisecond
	h := newHarness(t, cfg,
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
		cam("C", "rtsp://10.0.0.3/c", true),
	)

	start := time.Now()
	got := h.sup.Reconcile(context.Background())
	elapsed := time.Since(start)

	if len(got) != 3 {
		t.Fatalf("Reconcile() returned %d cameras, want 3", len(got))
	}
	if elapsed < 2*cfg.StartupPacing {
		t.Errorf("Reconcile() took %v, want at least two pacing intervals", elapsed)
	}

	recs := waitForLaunches(t, h.launcher, 3)
	for i, want := range []struct{ id, name string }{{"stream1", "A"}, {"stream2", "B"}, {"stream3", "C"}} {
		if recs[i].req.StreamID != want.id || recs[i].req.Camera.Name != want.name {
			t.Errorf("launch %d = %s/%s, want %s/%s", i, recs[i].req.StreamID, recs[i].req.Camera.Name, want.id, want.name)
		}
		if recs[i].req.Profile != types.ProfilePrimary {
			t.Errorf("launch %d profile = %s, want primary", i, recs[i].req.Profile)
		}
	}
	for i := 1; i < 3; i++ {
		if gap := recs[i].at.Sub(recs[i-1].at); gap < cfg.StartupPacing*3/4 {
			t.Errorf("gap between launch %d and %d = %v, want about %v", i-1, i, gap, cfg.StartupPacing)
		}
	}
}

func TestReconcileReturnsStartedCamerasWhenCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupPacing = 300 * time.Millisecond
	h := newHarness(t, cfg,
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
		cam("C", "rtsp://10.0.0.3/c", true),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	got := h.sup.Reconcile(ctx)
	if len(got) != 1 || got[0].Name != "A" {
		t.Fatalf("Reconcile() = %+v, want only A", got)
	}
	if n := len(h.sup.Cameras()); n != 1 {
		t.Errorf("Cameras() = %d, want 1", n)
	}
	if n := len(h.sup.Entries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}

	// The unfinished pass differs from the directory, so it is redone.
	if !h.sup.ReconcileIfChanged(context.Background()) {
		t.Error("ReconcileIfChanged() kept an interrupted pass")
	}
	if n := len(h.sup.Cameras()); n != 3 {
		t.Errorf("Cameras() = %d, want 3", n)
	}
}

func TestGenerationPublishedBeforeStreamsStart(t *testing.T) {
	h := newHarness(t, fastConfig(),
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
	)

	h.sup.Reconcile(context.Background())
	eventually(t, time.Second, func() bool {
		return h.events.count(types.EventStarted, "stream2") == 1
	}, "stream2 never started")

	gen := h.events.first(types.EventGeneration, "")
	if gen < 0 {
		t.Fatal("no generation event")
	}
	for _, id := range []string{"stream1", "stream2"} {
		if started := h.events.first(types.EventStarted, id); started < gen {
			t.Errorf("%s started at event %d, before generation event %d", id, started, gen)
		}
	}
	if got := h.events.generations(); !slices.Equal(got, []uint64{1}) {
		t.Errorf("generations = %v, want [1]", got)
	}
}

func TestFailureDuringPacingAlertsOnce(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupPacing = 300 * time.Millisecond
	cfg.RestartCooldown = 50 * time.Millisecond
	h := newHarness(t, cfg,
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
		cam("C", "rtsp://10.0.0.3/c", true),
	)
	h.launcher.setExitCode("stream1", 1)

	logPath := filepath.Join(t.TempDir(), "alerts.jsonl")
	n := notify.NewStreamNotifier(config.NotificationsConfig{FailureThreshold: 2, LogPath: logPath})
	h.sup.Subscribe(n.HandleEvent)

	h.sup.Reconcile(context.Background())
	time.Sleep(100 * time.Millisecond)
	n.Wait()

	if exited, reconciled := h.events.first(types.EventExited, "stream1"), h.events.first(types.EventReconciled, ""); exited < 0 || exited > reconciled {
		t.Fatalf("stream1 did not fail while later cameras were pacing (exited %d, reconciled %d)", exited, reconciled)
	}

	entries, err := notify.ReadLog(logPath, 100)
	if err != nil {
		t.Fatal(err)
	}
	down := 0
	for _, e := range entries {
		if e.Event == "stream_down" && e.StreamID == "stream1" {
			down++
		}
	}
	if down != 1 {
		t.Errorf("stream_down alerts for stream1 = %d, want 1 (log %+v)", down, entries)
	}
}

func TestReconcileSkipsInactiveCameras(t *testing.T) {
	h := newHarness(t, fastConfig(),
		cam("A", "proto://u:p@10.0.0.5:554/x", true),
		cam("B", "proto://u:p@10.0.0.6:554/y", false),
	)

	got := h.sup.Reconcile(context.Background())
	if len(got) != 1 || got[0].Name != "A" {
		t.Fatalf("Reconcile() = %+v, want [A]", got)
	}

	waitForLaunches(t, h.launcher, 1)
	time.Sleep(50 * time.Millisecond)

	recs := h.launcher.records()
	if len(recs) != 1 {
		t.Fatalf("launches = %d, want 1", len(recs))
	}
	if recs[0].req.StreamID != "stream1" || recs[0].req.Camera.Name != "A" {
		t.Errorf("launched %s for %s, want stream1 for A", recs[0].req.StreamID, recs[0].req.Camera.Name)
	}

	statuses := h.sup.Statuses()
	if len(statuses) != 1 || statuses[0].SourceURL != "proto://*****@10.0.0.5:554/x" {
		t.Errorf("Statuses() = %+v, want one entry with masked URL", statuses)
	}
}

func TestReconcileTwiceLeavesOneProcessPerStream(t *testing.T) {
	h := newHarness(t, fastConfig(),
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
	)

	h.sup.Reconcile(context.Background())
	h.sup.Reconcile(context.Background())

	want := map[string]int{"stream1": 1, "stream2": 1}
	eventually(t, 2*time.Second, func() bool {
		return maps.Equal(h.launcher.liveByStream(), want)
	}, "live processes = %v, want %v", h.launcher.liveByStream(), want)

	if got := len(h.sup.Entries()); got != 2 {
		t.Errorf("entries = %d, want 2", got)
	}
}

func TestConcurrentReconcilesConverge(t *testing.T) {
	h := newHarness(t, fastConfig(),
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
		cam("C", "rtsp://10.0.0.3/c", true),
	)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sup.Reconcile(context.Background())
		}()
	}
	wg.Wait()

	want := map[string]int{"stream1": 1, "stream2": 1, "stream3": 1}
	eventually(t, 2*time.Second, func() bool {
		return maps.Equal(h.launcher.liveByStream(), want)
	}, "live processes = %v, want %v", h.launcher.liveByStream(), want)

	if got := h.sup.Generation(); got != 8 {
		t.Errorf("Generation() = %d, want 8", got)
	}
}

func TestSupersededRestartingEntryStops(t *testing.T) {
	cfg := fastConfig()
	cfg.RestartCooldown = 300 * time.Millisecond
	h := newHarness(t, cfg, cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	old := h.entry(t, 0)
	waitForLaunches(t, h.launcher, 1)[0].proc.Exit(1)

	eventually(t, time.Second, func() bool {
		return old.Status().State == types.StateRestarting
	}, "old entry never reached restarting")

	h.sup.Reconcile(context.Background())

	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("superseded entry did not stop")
	}
	if st := old.Status().State; st != types.StateStopped {
		t.Errorf("old entry state = %s, want stopped", st)
	}

	// Only the new generation's entry may launch, even after the old cooldown would have elapsed.
	time.Sleep(cfg.RestartCooldown + 100*time.Millisecond)
	if n := h.launcher.count(); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
}

func TestGenerationGuardWithoutCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.RestartCooldown = 100 * time.Millisecond
	h := newHarness(t, cfg, cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	e := h.entry(t, 0)
	waitForLaunches(t, h.launcher, 1)[0].proc.Exit(1)
	eventually(t, time.Second, func() bool {
		return e.Status().State == types.StateRestarting
	}, "entry never reached restarting")

	// Bump the generation without touching the entry's context.
	h.sup.generation.Add(1)

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("stale entry kept running")
	}
	if n := h.launcher.count(); n != 1 {
		t.Errorf("launches = %d, want 1 (no restart under stale generation)", n)
	}
}

func TestStopAllStopsRestartingEntries(t *testing.T) {
	cfg := fastConfig()
	cfg.RestartCooldown = time.Second
	h := newHarness(t, cfg, cam("A", "rtsp://10.0.0.1/a", true), cam("B", "rtsp://10.0.0.2/b", true))

	h.sup.Reconcile(context.Background())
	recs := waitForLaunches(t, h.launcher, 2)
	a, b := h.entry(t, 0), h.entry(t, 1)
	recs[0].proc.Exit(1)
	eventually(t, time.Second, func() bool {
		return a.Status().State == types.StateRestarting
	}, "entry A never reached restarting")

	h.sup.StopAll()

	for _, e := range []*Entry{a, b} {
		select {
		case <-e.Done():
		case <-time.After(time.Second):
			t.Fatalf("%s did not stop", e.StreamID())
		}
	}
	if !recs[1].proc.terminated.Load() {
		t.Error("running process was not asked to terminate")
	}
	if len(h.sup.Entries()) != 0 {
		t.Error("entries not cleared")
	}
}

func TestStopAllPublishesGeneration(t *testing.T) {
	h := newHarness(t, fastConfig(), cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	waitForLaunches(t, h.launcher, 1)
	h.sup.StopAll()

	if g := h.sup.Generation(); g != 2 {
		t.Errorf("Generation() = %d, want 2", g)
	}
	if got := h.events.generations(); !slices.Equal(got, []uint64{1, 2}) {
		t.Errorf("generations = %v, want [1 2]", got)
	}
}

func TestSupersededFailureWritesNoPlaceholder(t *testing.T) {
	h := newHarness(t, fastConfig(),
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
	)

	h.sup.Reconcile(context.Background())
	waitForLaunches(t, h.launcher, 2)
	old := h.entry(t, 1)

	h.dir.set([]camera.Camera{cam("A", "rtsp://10.0.0.1/a", true)}, nil)
	h.sup.Reconcile(context.Background())

	// A failure recorded after the clear must not recreate the removed stream.
	old.fail(types.ProfilePrimary, "Connection refused")

	if _, err := os.Stat(h.store.PlaylistPath("stream2")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("superseded entry wrote a playlist: %v", err)
	}
	if st := old.Status(); st.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", st.RetryCount)
	}
}

func TestCleanExitDoesNotRestart(t *testing.T) {
	h := newHarness(t, fastConfig(), cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	e := h.entry(t, 0)
	waitForLaunches(t, h.launcher, 1)[0].proc.Exit(0)

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("entry did not stop after clean exit")
	}
	time.Sleep(3 * fastConfig().RestartCooldown)

	st := e.Status()
	if st.State != types.StateStopped || st.RetryCount != 0 {
		t.Errorf("status = %+v, want stopped with no retries", st)
	}
	if n := h.launcher.count(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	if _, err := os.Stat(h.store.PlaylistPath("stream1")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("placeholder written after clean exit: %v", err)
	}
}

func TestRepeatedFailuresCountRetriesAndWritePlaceholder(t *testing.T) {
	cfg := fastConfig()
	cfg.RestartCooldown = 200 * time.Millisecond
	h := newHarness(t, cfg, cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	e := h.entry(t, 0)

	for i := 1; i <= 3; i++ {
		recs := waitForLaunches(t, h.launcher, i)
		recs[i-1].proc.Exit(137)
	}

	eventually(t, time.Second, func() bool {
		st := e.Status()
		return st.RetryCount == 3 && st.State == types.StateRestarting
	}, "status = %+v, want 3 retries while restarting", e.Status())

	if n := h.launcher.count(); n != 3 {
		t.Errorf("launches = %d, want 3", n)
	}
	data, err := os.ReadFile(h.store.PlaylistPath("stream1"))
	if err != nil {
		t.Fatalf("placeholder playlist missing: %v", err)
	}
	if string(data) != hls.EmptyPlaylist {
		t.Errorf("playlist = %q, want placeholder", data)
	}
	eventually(t, time.Second, func() bool {
		return h.events.count(types.EventExited, "stream1") == 3
	}, "exited events = %d, want 3", h.events.count(types.EventExited, "stream1"))
}

func TestPrimaryLaunchFailureFallsBackPerAttempt(t *testing.T) {
	h := newHarness(t, fastConfig(), cam("A", "rtsp://10.0.0.1/a", true))
	h.launcher.setFailures(true, false)

	h.sup.Reconcile(context.Background())
	e := h.entry(t, 0)
	recs := waitForLaunches(t, h.launcher, 2)

	if recs[0].req.Profile != types.ProfilePrimary || recs[0].proc != nil {
		t.Fatalf("first launch = %+v, want failed primary", recs[0])
	}
	if recs[1].req.Profile != types.ProfileFallback || recs[1].proc == nil {
		t.Fatalf("second launch = %+v, want running fallback", recs[1])
	}
	eventually(t, time.Second, func() bool {
		st := e.Status()
		return st.State == types.StateRunning && st.Profile == types.ProfileFallback
	}, "status = %+v, want running on fallback", e.Status())
	if st := e.Status(); st.RetryCount != 0 {
		t.Errorf("retry count = %d after successful fallback, want 0", st.RetryCount)
	}

	// The next attempt starts from primary again.
	recs[1].proc.Exit(1)
	recs = waitForLaunches(t, h.launcher, 4)
	if recs[2].req.Profile != types.ProfilePrimary || recs[3].req.Profile != types.ProfileFallback {
		t.Errorf("retry profiles = %s, %s; want primary then fallback", recs[2].req.Profile, recs[3].req.Profile)
	}
}

func TestBothProfilesFailingEntersCooldown(t *testing.T) {
	cfg := fastConfig()
	cfg.RestartCooldown = 500 * time.Millisecond
	h := newHarness(t, cfg, cam("A", "rtsp://10.0.0.1/a", true))
	h.launcher.setFailures(true, true)

	h.sup.Reconcile(context.Background())
	e := h.entry(t, 0)
	waitForLaunches(t, h.launcher, 2)

	eventually(t, time.Second, func() bool {
		st := e.Status()
		return st.State == types.StateRestarting && st.RetryCount == 1
	}, "status = %+v, want restarting after launch failure", e.Status())

	if st := e.Status(); st.Profile != types.ProfileFallback || st.LastError == "" {
		t.Errorf("status = %+v, want fallback profile with error", st)
	}
	eventually(t, time.Second, func() bool {
		return h.events.count(types.EventLaunchFailed, "stream1") == 1
	}, "launch_failed events = %d, want 1", h.events.count(types.EventLaunchFailed, "stream1"))
	if _, err := os.Stat(h.store.PlaylistPath("stream1")); err != nil {
		t.Errorf("placeholder missing after launch failure: %v", err)
	}
	if n := h.launcher.count(); n != 2 {
		t.Errorf("launches during cooldown = %d, want 2", n)
	}
}

func TestDirectoryErrorStopsAllStreams(t *testing.T) {
	h := newHarness(t, fastConfig(), cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	proc := waitForLaunches(t, h.launcher, 1)[0].proc

	h.dir.set(nil, errors.New("cameras file unreadable"))
	got := h.sup.Reconcile(context.Background())

	if len(got) != 0 {
		t.Errorf("Reconcile() = %+v, want no cameras", got)
	}
	if len(h.sup.Statuses()) != 0 {
		t.Errorf("Statuses() = %+v, want none", h.sup.Statuses())
	}
	eventually(t, time.Second, func() bool { return !proc.alive() }, "process kept running after directory error")
}

func TestReconcileClearsArtifacts(t *testing.T) {
	h := newHarness(t, fastConfig())
	stale := h.store.PlaylistPath("stream9")
	if err := os.WriteFile(stale, []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.sup.Reconcile(context.Background())

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale playlist survived reconcile: %v", err)
	}
}

func TestReconcileIfChanged(t *testing.T) {
	h := newHarness(t, fastConfig(), cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())
	waitForLaunches(t, h.launcher, 1)

	if h.sup.ReconcileIfChanged(context.Background()) {
		t.Error("ReconcileIfChanged() reconciled an unchanged list")
	}
	if g := h.sup.Generation(); g != 1 {
		t.Errorf("Generation() = %d, want 1", g)
	}

	relabeled := cam("A", "rtsp://10.0.0.1/a", true)
	relabeled.DisplayName = "Front gate"
	h.dir.set([]camera.Camera{relabeled}, nil)
	if h.sup.ReconcileIfChanged(context.Background()) {
		t.Error("ReconcileIfChanged() reconciled a display-name change")
	}

	h.dir.set([]camera.Camera{
		cam("A", "rtsp://10.0.0.1/a", true),
		cam("B", "rtsp://10.0.0.2/b", true),
	}, nil)
	if !h.sup.ReconcileIfChanged(context.Background()) {
		t.Error("ReconcileIfChanged() ignored an added camera")
	}
	if got := len(h.sup.Cameras()); got != 2 {
		t.Errorf("Cameras() = %d, want 2", got)
	}
}

func TestStableEventPublished(t *testing.T) {
	cfg := fastConfig()
	cfg.StableAfter = 20 * time.Millisecond
	h := newHarness(t, cfg, cam("A", "rtsp://10.0.0.1/a", true))

	h.sup.Reconcile(context.Background())

	eventually(t, time.Second, func() bool {
		return h.events.count(types.EventStable, "stream1") == 1
	}, "stable event not published")
	if n := h.events.count(types.EventStarted, "stream1"); n != 1 {
		t.Errorf("started events = %d, want 1", n)
	}
	if n := h.events.count(types.EventReconciled, ""); n != 1 {
		t.Errorf("reconciled events = %d, want 1", n)
	}
}

func TestShutdownKillsUnresponsiveProcesses(t *testing.T) {
	h := newHarness(t, fastConfig(), cam("A", "rtsp://10.0.0.1/a", true))
	h.launcher.ignoreSignal = true

	h.sup.Reconcile(context.Background())
	proc := waitForLaunches(t, h.launcher, 1)[0].proc
	eventually(t, time.Second, func() bool {
		return h.entry(t, 0).Status().State == types.StateRunning
	}, "entry never started running")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.sup.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown() error = %v, want deadline exceeded", err)
	}
	if !proc.killed.Load() {
		t.Error("unresponsive process was not killed")
	}

	// Nothing starts after shutdown.
	h.sup.Reconcile(context.Background())
	if len(h.sup.Entries()) != 0 {
		t.Error("Reconcile() started entries after Shutdown")
	}
}

func TestLaunchErrorUnwraps(t *testing.T) {
	base := errors.New("exec: not found")
	err := error(&LaunchError{Profile: types.ProfilePrimary, Err: base})
	if !errors.Is(err, base) {
		t.Error("LaunchError does not unwrap to its cause")
	}
	if err.Error() != "launch primary profile: exec: not found" {
		t.Errorf("Error() = %q", err.Error())
	}
}
