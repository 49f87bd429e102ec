package notify

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/camwall/camstream/internal/types"
	"github.com/camwall/camstream/internal/util"
)

// LogStreamDown records a stream-down alert.
func LogStreamDown(logPath, streamID, camera string, failures int, lastError string) error {
	return appendLogEntry(logPath, types.StreamLogEntry{
		Event:     "stream_down",
		StreamID:  streamID,
		Camera:    camera,
		Failures:  failures,
		LastError: lastError,
	})
}

// LogStreamRecovered records that a stream recovered after an alert.
func LogStreamRecovered(logPath, streamID, camera string, downFor time.Duration) error {
	return appendLogEntry(logPath, types.StreamLogEntry{
		Event:      "stream_recovered",
		StreamID:   streamID,
		Camera:     camera,
		DownForSec: downFor.Seconds(),
	})
}

// WriteTestLog writes a test entry to verify log file configuration.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}
	return appendLogEntry(logPath, types.StreamLogEntry{Event: "test"})
}

// ReadLog returns up to limit of the most recent entries, newest first.
// A missing file yields no entries.
func ReadLog(logPath string, limit int) ([]types.StreamLogEntry, error) {
	if logPath == "" {
		return nil, fmt.Errorf("log file path not configured")
	}

	f, err := os.Open(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	var entries []types.StreamLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry types.StreamLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // Skip lines written by other tools
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, util.WrapError("read log file", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

// appendLogEntry stamps the entry and appends it as one JSON line.
func appendLogEntry(logPath string, entry types.StreamLogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	entry.ID = uuid.NewString()
	entry.Timestamp = util.RFC3339Now()

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(jsonData, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}
	return nil
}
