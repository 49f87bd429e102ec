package stream

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/camwall/camstream/internal/ffmpeg"
	"github.com/camwall/camstream/internal/util"
)

// OutputPaths maps a stream id to its playlist and segment files.
type OutputPaths interface {
	PlaylistPath(streamID string) string
	SegmentPattern(streamID string) string
}

// ExecLauncher runs ffmpeg as a child process.
type ExecLauncher struct {
	Binary      string
	Params      ffmpeg.Params
	Outputs     OutputPaths
	StopTimeout time.Duration // Between the graceful signal and SIGKILL
}

// Launch builds the arguments for req.Profile and starts the process.
// Cancelling ctx terminates the process.
func (l *ExecLauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	args, err := ffmpeg.BuildArgs(req.Profile, l.Params, req.Camera.SourceURL, ffmpeg.Output{
		Playlist:       l.Outputs.PlaylistPath(req.StreamID),
		SegmentPattern: l.Outputs.SegmentPattern(req.StreamID),
	})
	if err != nil {
		return nil, &LaunchError{Profile: req.Profile, Err: err}
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, l.Binary, args...)

	logger := slog.With("stream_id", req.StreamID, "profile", req.Profile)
	diag := ffmpeg.NewDiagnosticWriter(logger, l.Params.Verbose)
	cmd.Stderr = diag

	// Graceful stop first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = l.StopTimeout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &LaunchError{Profile: req.Profile, Err: err}
	}

	logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", len(args))
	return &execProcess{cmd: cmd, cancel: cancel, diag: diag}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	diag   *ffmpeg.DiagnosticWriter
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	p.diag.Flush()
	p.cancel()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), err
	}
	return -1, err
}

func (p *execProcess) Terminate() {
	p.cancel()
}

func (p *execProcess) Kill() {
	if p.cmd.Process == nil {
		return
	}
	if err := util.ForceKill(p.cmd.Process); err != nil {
		slog.Debug("force kill failed", "pid", p.cmd.Process.Pid, "error", err)
	}
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) LastError() string {
	return p.diag.LastError()
}
