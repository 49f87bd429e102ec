package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/types"
)

// fakeProcess exits when a code is sent on exit or when terminated.
type fakeProcess struct {
	pid          int
	exit         chan int
	terminated   atomic.Bool
	killed       atomic.Bool
	exited       atomic.Bool
	ignoreSignal bool
	lastError    string
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan int, 1)}
}

func (p *fakeProcess) Wait() (int, error) {
	code := <-p.exit
	p.exited.Store(true)
	if code != 0 {
		return code, fmt.Errorf("exit status %d", code)
	}
	return 0, nil
}

func (p *fakeProcess) Terminate() {
	p.terminated.Store(true)
	if p.ignoreSignal {
		return
	}
	select {
	case p.exit <- -1:
	default:
	}
}

func (p *fakeProcess) Kill() {
	p.killed.Store(true)
	select {
	case p.exit <- -1:
	default:
	}
}

func (p *fakeProcess) Pid() int          { return p.pid }
func (p *fakeProcess) LastError() string { return p.lastError }

// Exit makes the process exit with code.
func (p *fakeProcess) Exit(code int) {
	p.exit <- code
}

func (p *fakeProcess) alive() bool {
	return !p.terminated.Load() && !p.killed.Load() && !p.exited.Load()
}

type launchRecord struct {
	req  LaunchRequest
	at   time.Time
	proc *fakeProcess // nil when the launch failed
}

type fakeLauncher struct {
	mu           sync.Mutex
	launches     []launchRecord
	failPrimary  bool
	failFallback bool
	ignoreSignal bool
	nextPid      int
	exitCodes    map[string]int // streams whose processes exit right after launch
}

func (l *fakeLauncher) Launch(_ context.Context, req LaunchRequest) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := launchRecord{req: req, at: time.Now()}
	if (req.Profile == types.ProfilePrimary && l.failPrimary) ||
		(req.Profile == types.ProfileFallback && l.failFallback) {
		l.launches = append(l.launches, rec)
		return nil, &LaunchError{Profile: req.Profile, Err: errors.New("executable not found")}
	}

	l.nextPid++
	rec.proc = newFakeProcess(1000 + l.nextPid)
	rec.proc.ignoreSignal = l.ignoreSignal
	if code, ok := l.exitCodes[req.StreamID]; ok {
		rec.proc.exit <- code
	}
	l.launches = append(l.launches, rec)
	return rec.proc, nil
}

func (l *fakeLauncher) setFailures(primary, fallback bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failPrimary = primary
	l.failFallback = fallback
}

// setExitCode makes every launch for streamID exit immediately with code.
func (l *fakeLauncher) setExitCode(streamID string, code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exitCodes == nil {
		l.exitCodes = make(map[string]int)
	}
	l.exitCodes[streamID] = code
}

func (l *fakeLauncher) records() []launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.launches)
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

// liveByStream returns the processes that have not been asked to stop, per stream id.
func (l *fakeLauncher) liveByStream() map[string]int {
	live := make(map[string]int)
	for _, r := range l.records() {
		if r.proc != nil && r.proc.alive() {
			live[r.req.StreamID]++
		}
	}
	return live
}

// fakeDirectory mimics camera.Directory.ListActive over an in-memory list.
type fakeDirectory struct {
	mu      sync.Mutex
	cameras []camera.Camera
	err     error
}

func (d *fakeDirectory) ListActive() ([]camera.Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var active []camera.Camera
	for _, c := range d.cameras {
		if c.Active {
			c.Index = len(active)
			active = append(active, c)
		}
	}
	return active, nil
}

func (d *fakeDirectory) set(cams []camera.Camera, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameras = cams
	d.err = err
}

// eventRecorder collects published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []types.StreamEvent
}

func (r *eventRecorder) record(ev types.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(t types.EventType, streamID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t && ev.StreamID == streamID {
			n++
		}
	}
	return n
}

// first returns the position of the first event of type t for streamID, or -1.
func (r *eventRecorder) first(t types.EventType, streamID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.IndexFunc(r.events, func(ev types.StreamEvent) bool {
		return ev.Type == t && ev.StreamID == streamID
	})
}

// generations returns the generations announced so far, in order.
func (r *eventRecorder) generations() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var gens []uint64
	for _, ev := range r.events {
		if ev.Type == types.EventGeneration {
			gens = append(gens, ev.Generation)
		}
	}
	return gens
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(types.PollInterval / 5)
	}
	if !cond() {
		t.Fatalf(format, args...)
	}
}

// waitForLaunches blocks until at least n launches were recorded.
func waitForLaunches(t *testing.T, l *fakeLauncher, n int) []launchRecord {
	t.Helper()
	eventually(t, 2*time.Second, func() bool { return l.count() >= n }, "expected %d launches, got %d", n, l.count())
	return l.records()
}

func cam(name, url string, active bool) camera.Camera {
	return camera.Camera{Name: name, DisplayName: name, SourceURL: url, Active: active}
}
