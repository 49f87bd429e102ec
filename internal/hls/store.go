// Package hls manages the directory of playlists and segments written by the
// transcoders and serves it to players.
package hls

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/camwall/camstream/internal/util"
)

// EmptyPlaylist is a minimal valid playlist with no segments. It stands in
// for a stream that currently has no running transcoder.
const EmptyPlaylist = "#EXTM3U\n#EXT-X-VERSION:3\n"

const (
	playlistExt = ".m3u8"
	segmentExt  = ".ts"
)

// Store is the on-disk output area shared by all streams.
type Store struct {
	dir string
}

// NewStore creates dir if needed and returns a Store rooted there.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.WrapError("create streams directory", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// PlaylistPath returns the playlist file for a stream.
func (s *Store) PlaylistPath(streamID string) string {
	return filepath.Join(s.dir, streamID+playlistExt)
}

// SegmentPattern returns the printf-style segment file pattern for a stream.
func (s *Store) SegmentPattern(streamID string) string {
	return filepath.Join(s.dir, streamID+"_%03d"+segmentExt)
}

// Clear removes every playlist and segment file. Other files are left alone.
// Removal keeps going past individual failures and returns them joined.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(s.dir, 0o755)
		}
		return util.WrapError("list streams directory", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteEmptyPlaylist replaces a stream's playlist with EmptyPlaylist.
func (s *Store) WriteEmptyPlaylist(streamID string) error {
	if !validStreamID(streamID) {
		return fmt.Errorf("invalid stream id %q", streamID)
	}

	tmp, err := os.CreateTemp(s.dir, "."+streamID+"-*.tmp")
	if err != nil {
		return util.WrapError("create placeholder playlist", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.WriteString(EmptyPlaylist); err != nil {
		util.SafeClose(tmp, "placeholder playlist")
		return util.WrapError("write placeholder playlist", err)
	}
	if err := tmp.Close(); err != nil {
		return util.WrapError("close placeholder playlist", err)
	}
	if err := os.Rename(tmp.Name(), s.PlaylistPath(streamID)); err != nil {
		return util.WrapError("install placeholder playlist", err)
	}
	return nil
}

func isArtifact(name string) bool {
	return strings.HasSuffix(name, playlistExt) || strings.HasSuffix(name, segmentExt)
}

// validStreamID accepts plain file-name-safe ids such as "stream3".
func validStreamID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
