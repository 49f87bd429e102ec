package ffmpeg

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/camwall/camstream/internal/util"
)

// Error lines are logged at most this often per process, with a small burst.
const (
	errorLogInterval = time.Second
	errorLogBurst    = 5
	maxLineLength    = 4096
)

// DiagnosticWriter receives a transcoder's stderr. Lines mentioning an error
// or failure are logged at error level (rate limited); with verbose set every
// line is also logged at debug level. The recent tail is kept for LastError.
type DiagnosticWriter struct {
	logger  *slog.Logger
	verbose bool
	limiter *rate.Limiter
	tail    *util.BoundedBuffer

	mu         sync.Mutex
	partial    []byte
	suppressed int
}

// NewDiagnosticWriter returns a writer that logs through logger.
func NewDiagnosticWriter(logger *slog.Logger, verbose bool) *DiagnosticWriter {
	return &DiagnosticWriter{
		logger:  logger,
		verbose: verbose,
		limiter: rate.NewLimiter(rate.Every(errorLogInterval), errorLogBurst),
		tail:    util.NewBoundedBuffer(MaxStderrSize),
	}
}

// Write implements io.Writer.
func (w *DiagnosticWriter) Write(p []byte) (int, error) {
	_, _ = w.tail.Write(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexAny(w.partial, "\r\n")
		if i < 0 {
			break
		}
		w.handleLine(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxLineLength {
		w.handleLine(string(w.partial))
		w.partial = w.partial[:0]
	}
	return len(p), nil
}

// Flush handles any buffered partial line. Call it after the process exits.
func (w *DiagnosticWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.partial) > 0 {
		w.handleLine(string(w.partial))
		w.partial = w.partial[:0]
	}
	if w.suppressed > 0 {
		w.logger.Warn("ffmpeg error lines suppressed", "count", w.suppressed)
		w.suppressed = 0
	}
}

// LastError returns the last non-empty line written.
func (w *DiagnosticWriter) LastError() string {
	return ExtractLastError(w.tail.String())
}

// handleLine must be called with w.mu held.
func (w *DiagnosticWriter) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if w.verbose {
		w.logger.Debug("ffmpeg", "line", line)
	}
	if !IsErrorLine(line) {
		return
	}

	if !w.limiter.Allow() {
		w.suppressed++
		return
	}
	if w.suppressed > 0 {
		w.logger.Warn("ffmpeg error lines suppressed", "count", w.suppressed)
		w.suppressed = 0
	}
	w.logger.Error("ffmpeg reported error", "line", line)
}

// IsErrorLine reports whether a diagnostic line signals an error or failure.
func IsErrorLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") || strings.Contains(lower, "fail")
}
