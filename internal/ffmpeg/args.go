// Package ffmpeg builds transcoder command lines and handles their diagnostic output.
package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/camwall/camstream/internal/types"
)

// MaxStderrSize limits the stderr tail kept per process.
const MaxStderrSize = 64 * 1024 // 64KB

// ErrPrimaryDisabled is returned when the primary profile is switched off in settings.
var ErrPrimaryDisabled = errors.New("primary profile disabled")

// Params holds every setting that shapes the transcoder arguments.
type Params struct {
	SegmentDuration int
	ListSize        int
	Verbose         bool
	Primary         PrimaryParams
}

// PrimaryParams are the re-encode settings of the primary profile.
type PrimaryParams struct {
	Enabled        bool
	Width          int
	FrameRate      int
	GOP            int
	Bitrate        string
	MaxRate        string
	BufferSize     string
	Preset         string
	ConnectTimeout time.Duration
}

// Output names the files a stream writes.
type Output struct {
	Playlist       string // e.g. streams/stream1.m3u8
	SegmentPattern string // e.g. streams/stream1_%03d.ts
}

// BuildArgs returns the argument list for profile. Building the primary
// profile fails when it is disabled or its parameters are unusable; the
// fallback profile only needs the source and output.
func BuildArgs(profile types.Profile, p Params, source string, out Output) ([]string, error) {
	if source == "" {
		return nil, errors.New("empty source URL")
	}
	if out.Playlist == "" || out.SegmentPattern == "" {
		return nil, errors.New("empty output path")
	}

	switch profile {
	case types.ProfilePrimary:
		return primaryArgs(p, source, out)
	case types.ProfileFallback:
		return fallbackArgs(p, source, out), nil
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
}

func baseArgs(p Params) []string {
	level := "warning"
	if p.Verbose {
		level = "info"
	}
	return []string{"-hide_banner", "-loglevel", level}
}

// primaryArgs re-encodes to low-latency baseline H.264 at a bounded size and rate.
func primaryArgs(p Params, source string, out Output) ([]string, error) {
	pp := p.Primary
	if !pp.Enabled {
		return nil, ErrPrimaryDisabled
	}
	if err := pp.validate(); err != nil {
		return nil, fmt.Errorf("invalid primary profile: %w", err)
	}

	args := baseArgs(p)
	if pp.ConnectTimeout > 0 {
		args = append(args, "-timeout", strconv.FormatInt(pp.ConnectTimeout.Microseconds(), 10))
	}
	args = append(args,
		"-rtsp_transport", "tcp",
		"-i", source,
		"-rtbufsize", "5M",
		"-vf", fmt.Sprintf("scale=%d:-2", pp.Width),
		"-c:v", "libx264",
		"-preset", pp.Preset,
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.0",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(pp.FrameRate),
		"-g", strconv.Itoa(pp.GOP),
		"-b:v", pp.Bitrate,
		"-maxrate", pp.MaxRate,
		"-bufsize", pp.BufferSize,
		"-an",
		"-max_delay", "50000",
	)
	args = append(args, hlsArgs(p, "delete_segments+append_list+discont_start", out)...)
	return args, nil
}

// fallbackArgs copies the source video stream without re-encoding.
func fallbackArgs(p Params, source string, out Output) []string {
	args := baseArgs(p)
	args = append(args,
		"-rtsp_transport", "tcp",
		"-i", source,
		"-c:v", "copy",
		"-an",
	)
	return append(args, hlsArgs(p, "delete_segments", out)...)
}

func hlsArgs(p Params, flags string, out Output) []string {
	return []string{
		"-f", "hls",
		"-hls_time", strconv.Itoa(p.SegmentDuration),
		"-hls_list_size", strconv.Itoa(p.ListSize),
		"-hls_flags", flags,
		"-hls_segment_filename", out.SegmentPattern,
		out.Playlist,
	}
}

func (pp PrimaryParams) validate() error {
	var problems []string
	if pp.Width <= 0 {
		problems = append(problems, "width must be positive")
	}
	if pp.FrameRate <= 0 {
		problems = append(problems, "frame rate must be positive")
	}
	if pp.GOP <= 0 {
		problems = append(problems, "gop must be positive")
	}
	for _, f := range []struct{ name, value string }{
		{"bitrate", pp.Bitrate},
		{"max rate", pp.MaxRate},
		{"buffer size", pp.BufferSize},
		{"preset", pp.Preset},
	} {
		if strings.TrimSpace(f.value) == "" {
			problems = append(problems, f.name+" is empty")
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, ", "))
	}
	return nil
}

// ExtractLastError extracts the last meaningful line from FFmpeg stderr.
// Returns empty string if no meaningful line is found.
func ExtractLastError(stderr string) string {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 200 {
			return line[:200] + "..."
		}
		return line
	}
	return ""
}
