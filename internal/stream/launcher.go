package stream

import (
	"context"
	"fmt"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/types"
)

// LaunchRequest describes one transcoder start.
type LaunchRequest struct {
	StreamID string
	Camera   camera.Camera
	Profile  types.Profile
}

// Process is a started transcoder owned by exactly one Entry.
type Process interface {
	// Wait blocks until the process exits and returns its exit code.
	// A process ended by a signal reports -1.
	Wait() (int, error)
	// Terminate requests a graceful stop. It does not wait.
	Terminate()
	// Kill stops the process immediately.
	Kill()
	Pid() int
	// LastError returns the last diagnostic line, if any.
	LastError() string
}

// Launcher starts transcoder processes. A returned error means the process
// could not be started at all; implementations return *LaunchError.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// LaunchError reports that a profile's process could not be built or spawned.
type LaunchError struct {
	Profile types.Profile
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s profile: %v", e.Profile, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// CameraSource supplies the ordered list of active cameras.
type CameraSource interface {
	ListActive() ([]camera.Camera, error)
}

// Artifacts is the output area the supervisor clears and writes placeholders into.
type Artifacts interface {
	Clear() error
	WriteEmptyPlaylist(streamID string) error
}
