package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/radovskyb/watcher"

	"github.com/camwall/camstream/internal/util"
)

// WatchService polls the directory holding the cameras file and calls
// onChange when the cameras file changes. Atomic saves replace the file by
// rename, so the directory is watched and events for other entries in it
// are dropped.
type WatchService struct {
	path     string
	interval time.Duration
	onChange func(ctx context.Context)
}

// NewWatchService watches path every interval.
func NewWatchService(path string, interval time.Duration, onChange func(ctx context.Context)) *WatchService {
	return &WatchService{path: path, interval: interval, onChange: onChange}
}

// Serve implements suture.Service.
func (s *WatchService) Serve(ctx context.Context) error {
	w := watcher.New()
	w.FilterOps(watcher.Write, watcher.Create, watcher.Remove, watcher.Rename, watcher.Move)

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return util.WrapError("watch cameras directory", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Start(s.interval)
	}()
	w.Wait()
	defer w.Close()

	slog.Info("watching cameras file", "path", s.path, "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.Event:
			if !s.touchesFile(ev) {
				continue
			}
			slog.Debug("cameras file changed", "op", ev.Op.String(), "path", ev.Path)
			s.onChange(ctx)
		case err := <-w.Error:
			slog.Warn("cameras watcher error", "error", err)
		case err := <-errCh:
			if err != nil {
				return util.WrapError("run cameras watcher", err)
			}
			return nil
		case <-w.Closed:
			return nil
		}
	}
}

// touchesFile reports whether ev concerns the cameras file. Rename and move
// events carry both paths in Path, the new one last.
func (s *WatchService) touchesFile(ev watcher.Event) bool {
	base := filepath.Base(s.path)
	return filepath.Base(ev.Path) == base ||
		strings.Contains(ev.Path, string(filepath.Separator)+base+" ")
}

// String implements fmt.Stringer for suture's logs.
func (s *WatchService) String() string {
	return "cameras-watcher"
}
