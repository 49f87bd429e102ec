package hls

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Handler serves playlists and segments from the store. It expects the URL
// path to be the bare file name, so mount it behind http.StripPrefix.
// A missing playlist is answered with EmptyPlaylist rather than 404 so
// players keep polling while a stream is restarting.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" || strings.Contains(name, "/") || !isArtifact(name) {
			http.NotFound(w, r)
			return
		}

		isPlaylist := strings.HasSuffix(name, playlistExt)
		if isPlaylist {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Content-Type", "video/mp2t")
		}

		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && isPlaylist {
				http.ServeContent(w, r, name, time.Time{}, strings.NewReader(EmptyPlaylist))
				return
			}
			if errors.Is(err, os.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		defer f.Close() //nolint:errcheck // read-only

		info, err := f.Stat()
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, name, info.ModTime(), f)
	})
}
