// Package types provides shared type definitions used across the stream supervisor.
package types

import "time"

// StreamState represents the lifecycle state of a supervised stream.
type StreamState string

const (
	// StateStarting indicates the transcoder is being launched.
	StateStarting StreamState = "starting"
	// StateRunning indicates the transcoder process is alive.
	StateRunning StreamState = "running"
	// StateRestarting indicates the stream failed and is waiting out the cooldown.
	StateRestarting StreamState = "restarting"
	// StateStopped indicates the stream was superseded, stopped or exited cleanly.
	StateStopped StreamState = "stopped"
)

// Profile names an argument preset for the transcoder.
type Profile string

const (
	// ProfilePrimary re-encodes the source at a bounded bitrate and resolution.
	ProfilePrimary Profile = "primary"
	// ProfileFallback copies the source video stream without re-encoding.
	ProfileFallback Profile = "fallback"
)

// Timing defaults.
const (
	DefaultStartupPacing   = 1 * time.Second
	DefaultRestartCooldown = 5 * time.Second
	DefaultStableAfter     = 30 * time.Second // Consider a stream healthy after this long
	DefaultStopTimeout     = 3 * time.Second  // Time between graceful signal and SIGKILL
	PollInterval           = 50 * time.Millisecond
)

// StreamStatus contains a point-in-time snapshot of one stream entry.
type StreamStatus struct {
	StreamID   string      `json:"stream_id"`
	Index      int         `json:"index"`
	Camera     string      `json:"camera"`
	SourceURL  string      `json:"source_url"` // Credentials masked
	State      StreamState `json:"state"`
	Profile    Profile     `json:"profile"`
	RetryCount int         `json:"retry_count"`
	Generation uint64      `json:"generation"`
	PID        int         `json:"pid,omitzero"`
	LastError  string      `json:"last_error,omitzero"`
	Since      time.Time   `json:"since"`
}

// EventType classifies a StreamEvent.
type EventType string

const (
	EventStarted      EventType = "started"       // Process launched
	EventStable       EventType = "stable"        // Process kept running for the stable threshold
	EventExited       EventType = "exited"        // Process exited non-zero while current
	EventLaunchFailed EventType = "launch_failed" // Neither profile could be launched
	EventStopped      EventType = "stopped"       // Entry reached its terminal state
	EventGeneration   EventType = "generation"    // Generation advanced; entries of older generations are superseded
	EventReconciled   EventType = "reconciled"    // A reconciliation pass finished starting entries
)

// StreamEvent is published by the supervisor on every lifecycle transition
// that observers (alerts, metrics, live status) care about.
type StreamEvent struct {
	Type       EventType `json:"type"`
	StreamID   string    `json:"stream_id,omitzero"`
	Camera     string    `json:"camera,omitzero"`
	Profile    Profile   `json:"profile,omitzero"`
	ExitCode   int       `json:"exit_code,omitzero"`
	RetryCount int       `json:"retry_count,omitzero"`
	Generation uint64    `json:"generation"`
	Error      string    `json:"error,omitzero"`
	Time       time.Time `json:"time"`
}

// StreamLogEntry is one line of the JSONL alert log.
type StreamLogEntry struct {
	ID         string  `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Event      string  `json:"event"` // "stream_down", "stream_recovered", or "test"
	StreamID   string  `json:"stream_id,omitempty"`
	Camera     string  `json:"camera,omitempty"`
	Failures   int     `json:"failures,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	DownForSec float64 `json:"down_for_sec,omitempty"`
}

// WSTestResult is sent to a websocket client after a notification test.
type WSTestResult struct {
	Type     string `json:"type"`
	TestType string `json:"test_type"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// WSEventLogResult is sent to a websocket client in response to view_event_log.
type WSEventLogResult struct {
	Type    string           `json:"type"`
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Entries []StreamLogEntry `json:"entries,omitempty"`
	Path    string           `json:"path,omitempty"`
}

// VersionInfo describes the running build and the latest published release.
type VersionInfo struct {
	Current     string `json:"current"`
	Latest      string `json:"latest,omitempty"`
	UpdateAvail bool   `json:"update_available"`
	Commit      string `json:"commit,omitempty"`
	BuildTime   string `json:"build_time,omitempty"`
}
