package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/ffmpeg"
	"github.com/camwall/camstream/internal/types"
)

// Entry supervises the transcoder of one camera for one reconciliation pass.
// Its goroutine is the only writer of the process handle and retry count;
// the supervisor may only cancel it.
type Entry struct {
	streamID   string
	camera     camera.Camera
	generation uint64
	sup        *Supervisor
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      types.StreamState
	profile    types.Profile
	retryCount int
	proc       Process
	lastError  string
	since      time.Time
}

func newEntry(sup *Supervisor, cam camera.Camera, generation uint64) *Entry {
	ctx, cancel := context.WithCancel(context.Background())
	id := cam.StreamID()
	return &Entry{
		streamID:   id,
		camera:     cam,
		generation: generation,
		sup:        sup,
		logger:     slog.With("stream_id", id, "camera", cam.Name, "generation", generation),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      types.StateStarting,
		profile:    types.ProfilePrimary,
		since:      time.Now(),
	}
}

// StreamID returns the entry's stream identifier.
func (e *Entry) StreamID() string {
	return e.streamID
}

// Done is closed once the entry reaches Stopped.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Status returns a snapshot of the entry.
func (e *Entry) Status() types.StreamStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := types.StreamStatus{
		StreamID:   e.streamID,
		Index:      e.camera.Index,
		Camera:     e.camera.Label(),
		SourceURL:  camera.MaskCredentials(e.camera.SourceURL),
		State:      e.state,
		Profile:    e.profile,
		RetryCount: e.retryCount,
		Generation: e.generation,
		LastError:  e.lastError,
		Since:      e.since,
	}
	if e.proc != nil {
		status.PID = e.proc.Pid()
	}
	return status
}

// stop requests termination without waiting for the process to exit.
func (e *Entry) stop() {
	e.cancel()

	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		proc.Terminate()
	}
}

// kill force-stops a process that ignored the graceful request.
func (e *Entry) kill() {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// superseded reports whether a newer reconciliation or StopAll has replaced this entry.
func (e *Entry) superseded() bool {
	return e.ctx.Err() != nil || e.sup.generation.Load() != e.generation
}

// run drives the state machine until the entry is superseded or its
// process exits cleanly.
func (e *Entry) run() {
	defer e.sup.wg.Done()
	defer e.sup.release(e)
	defer close(e.done)
	defer e.cancel()

	for {
		if e.superseded() {
			e.finish("superseded")
			return
		}

		proc, profile, err := e.launch()
		if err != nil {
			if e.superseded() {
				e.finish("superseded")
				return
			}
			e.logger.Error("failed to launch stream", "error", err)
			e.fail(profile, err.Error())
			e.sup.emit(e.event(types.EventLaunchFailed, profile, 0, err.Error()))
		} else {
			code, waitErr := e.supervise(proc, profile)
			if e.superseded() {
				e.finish("superseded")
				return
			}
			if code == 0 {
				e.logger.Info("stream exited cleanly, not restarting", "profile", profile)
				e.finish("exited")
				return
			}

			msg := e.exitMessage(proc, waitErr)
			e.logger.Error("stream exited", "profile", profile, "exit_code", code, "error", msg)
			e.fail(profile, msg)
			e.sup.emit(e.event(types.EventExited, profile, code, msg))
		}

		e.logger.Info("stream restarting after cooldown", "delay", e.sup.cfg.RestartCooldown, "retry", e.RetryCount())
		if !e.cooldown() {
			e.finish("superseded")
			return
		}
	}
}

// launch tries the primary profile and falls back for this attempt only.
func (e *Entry) launch() (Process, types.Profile, error) {
	profiles := []types.Profile{types.ProfilePrimary, types.ProfileFallback}

	var lastErr error
	profile := profiles[0]
	for i, p := range profiles {
		profile = p
		e.setState(types.StateStarting, p)

		proc, err := e.sup.launcher.Launch(e.ctx, LaunchRequest{StreamID: e.streamID, Camera: e.camera, Profile: p})
		if err == nil {
			return proc, p, nil
		}

		var le *LaunchError
		if !errors.As(err, &le) {
			err = &LaunchError{Profile: p, Err: err}
		}
		lastErr = err
		if e.ctx.Err() != nil || i == len(profiles)-1 {
			break
		}

		if errors.Is(err, ffmpeg.ErrPrimaryDisabled) {
			e.logger.Debug("primary profile disabled, using fallback")
		} else {
			e.logger.Warn("profile launch failed, falling back", "profile", p, "fallback", profiles[i+1], "error", err)
		}
	}
	return nil, profile, lastErr
}

// supervise marks the entry running and blocks until proc exits.
func (e *Entry) supervise(proc Process, profile types.Profile) (int, error) {
	e.mu.Lock()
	e.proc = proc
	e.state = types.StateRunning
	e.profile = profile
	e.since = time.Now()
	e.mu.Unlock()

	e.logger.Info("stream started", "profile", profile, "pid", proc.Pid())
	e.sup.emit(e.event(types.EventStarted, profile, 0, ""))

	stable := time.AfterFunc(e.sup.cfg.StableAfter, func() {
		if !e.superseded() {
			e.sup.emit(e.event(types.EventStable, profile, 0, ""))
		}
	})

	// A stop that raced with the launch must still reach this process.
	if e.ctx.Err() != nil {
		proc.Terminate()
	}

	code, err := proc.Wait()
	stable.Stop()

	e.mu.Lock()
	e.proc = nil
	e.mu.Unlock()
	return code, err
}

// fail records a failed attempt: placeholder playlist, retry count, Restarting.
// A superseded entry skips the placeholder: its stream id may no longer exist.
func (e *Entry) fail(profile types.Profile, msg string) {
	e.sup.mu.RLock()
	if !e.superseded() {
		if err := e.sup.store.WriteEmptyPlaylist(e.streamID); err != nil {
			e.logger.Warn("failed to write placeholder playlist", "error", err)
		}
	}
	e.sup.mu.RUnlock()

	e.mu.Lock()
	e.retryCount++
	e.state = types.StateRestarting
	e.profile = profile
	e.lastError = msg
	e.since = time.Now()
	e.mu.Unlock()
}

// cooldown waits out the restart delay. It returns false if the entry was
// superseded meanwhile.
func (e *Entry) cooldown() bool {
	timer := time.NewTimer(e.sup.cfg.RestartCooldown)
	defer timer.Stop()

	select {
	case <-e.ctx.Done():
		return false
	case <-timer.C:
	}
	return !e.superseded()
}

func (e *Entry) finish(reason string) {
	e.mu.Lock()
	e.state = types.StateStopped
	e.proc = nil
	e.since = time.Now()
	profile := e.profile
	e.mu.Unlock()

	e.logger.Debug("stream stopped", "reason", reason)
	e.sup.emit(e.event(types.EventStopped, profile, 0, reason))
}

func (e *Entry) setState(state types.StreamState, profile types.Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	e.profile = profile
	e.since = time.Now()
}

// RetryCount returns the number of failed attempts so far.
func (e *Entry) RetryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount
}

func (e *Entry) exitMessage(proc Process, waitErr error) string {
	if msg := proc.LastError(); msg != "" {
		return msg
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return "exited with non-zero status"
}

func (e *Entry) event(t types.EventType, profile types.Profile, code int, msg string) types.StreamEvent {
	return types.StreamEvent{
		Type:       t,
		StreamID:   e.streamID,
		Camera:     e.camera.Label(),
		Profile:    profile,
		ExitCode:   code,
		RetryCount: e.RetryCount(),
		Generation: e.generation,
		Error:      msg,
		Time:       time.Now(),
	}
}
