package util

import "log/slog"

// LogNotifyResult executes a notification function and logs its outcome.
// Errors are logged internally, so no error is returned.
func LogNotifyResult(fn func() error, notifyType string, logSuccess bool, attrs ...any) {
	if err := fn(); err != nil {
		slog.Error("notification failed", append([]any{"type", notifyType, "error", err}, attrs...)...)
		return
	}
	if logSuccess {
		slog.Info("notification sent", append([]any{"type", notifyType}, attrs...)...)
	}
}
