//go:build !windows

package stream

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/ffmpeg"
	"github.com/camwall/camstream/internal/hls"
	"github.com/camwall/camstream/internal/types"
)

func newExecLauncher(t *testing.T, binary string, primary bool) *ExecLauncher {
	t.Helper()
	store, err := hls.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &ExecLauncher{
		Binary: binary,
		Params: ffmpeg.Params{
			SegmentDuration: 2,
			ListSize:        5,
			Primary: ffmpeg.PrimaryParams{
				Enabled: primary, Width: 720, FrameRate: 15, GOP: 30,
				Bitrate: "2M", MaxRate: "2.2M", BufferSize: "2M", Preset: "veryfast",
			},
		},
		Outputs:     store,
		StopTimeout: time.Second,
	}
}

var execRequest = LaunchRequest{
	StreamID: "stream1",
	Camera:   camera.Camera{Name: "A", SourceURL: "rtsp://10.0.0.1/a"},
	Profile:  types.ProfilePrimary,
}

func TestExecLauncherMissingBinary(t *testing.T) {
	l := newExecLauncher(t, filepath.Join(t.TempDir(), "no-such-ffmpeg"), true)

	_, err := l.Launch(context.Background(), execRequest)
	var le *LaunchError
	if !errors.As(err, &le) || le.Profile != types.ProfilePrimary {
		t.Fatalf("Launch() error = %v, want LaunchError for primary", err)
	}
}

func TestExecLauncherPrimaryDisabled(t *testing.T) {
	l := newExecLauncher(t, "ffmpeg", false)

	_, err := l.Launch(context.Background(), execRequest)
	if !errors.Is(err, ffmpeg.ErrPrimaryDisabled) {
		t.Fatalf("Launch() error = %v, want ErrPrimaryDisabled", err)
	}
}

func TestExecLauncherReportsNonZeroExit(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}
	l := newExecLauncher(t, bin, true)

	proc, err := l.Launch(context.Background(), execRequest)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if proc.Pid() == 0 {
		t.Error("Pid() = 0 for a started process")
	}

	code, err := proc.Wait()
	if code != 1 || err == nil {
		t.Errorf("Wait() = %d, %v; want exit code 1", code, err)
	}
}
