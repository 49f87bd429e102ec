package server

import (
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/camwall/camstream/internal/notify"
	"github.com/camwall/camstream/internal/types"
)

// maxLogEntries bounds the entries returned by view_event_log.
const maxLogEntries = 100

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sender delivers a JSON message to one client.
type Sender interface {
	WriteJSON(v any) error
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	restartStreams func()
	setActive      func(id int, active bool) error
	logPath        string
	testTriggers   map[string]func() error
}

// NewCommandHandler creates a new command handler. restartStreams must not
// block the caller for long; it is invoked on its own goroutine.
func NewCommandHandler(
	restartStreams func(),
	setActive func(id int, active bool) error,
	logPath string,
	testTriggers map[string]func() error,
) *CommandHandler {
	return &CommandHandler{
		restartStreams: restartStreams,
		setActive:      setActive,
		logPath:        logPath,
		testTriggers:   testTriggers,
	}
}

// Handle processes a WebSocket command and performs the requested action.
func (h *CommandHandler) Handle(cmd WSCommand, client Sender, triggerStatusUpdate func()) {
	switch cmd.Type {
	case "restart_streams":
		slog.Info("restart_streams: restarting all streams")
		go h.restartStreams()
	case "set_active":
		h.handleSetActive(cmd, client)
	case "test_webhook", "test_log", "test_email":
		h.handleTest(client, cmd.Type)
	case "view_event_log":
		h.handleViewEventLog(client)
	default:
		slog.Warn("unknown WebSocket command type", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

func (h *CommandHandler) handleSetActive(cmd WSCommand, client Sender) {
	var req struct {
		ID     *int  `json:"id"`
		Active *bool `json:"active"`
	}
	if err := json.Unmarshal(cmd.Data, &req); err != nil || req.ID == nil || req.Active == nil {
		slog.Warn("set_active: invalid data", "error", err)
		sendCommandError(client, cmd.Type, "id and active are required")
		return
	}
	if err := h.setActive(*req.ID, *req.Active); err != nil {
		slog.Warn("set_active: failed", "id", *req.ID, "error", err)
		sendCommandError(client, cmd.Type, err.Error())
		return
	}
	slog.Info("set_active: updated camera", "id", *req.ID, "active", *req.Active)
}

func sendCommandError(client Sender, command, msg string) {
	if err := client.WriteJSON(map[string]any{
		"type":    "command_error",
		"command": command,
		"error":   msg,
	}); err != nil {
		slog.Error("failed to send command error", "command", command, "error", err)
	}
}

// handleTest executes a notification test and sends the result to the client.
// testCmd should be in format "test_<type>" (e.g., "test_email", "test_webhook").
func (h *CommandHandler) handleTest(client Sender, testCmd string) {
	testType := strings.TrimPrefix(testCmd, "test_")
	trigger, ok := h.testTriggers[testType]
	if !ok {
		slog.Warn("unknown test type", "command", testCmd)
		return
	}

	go func() {
		result := types.WSTestResult{
			Type:     "test_result",
			TestType: testType,
			Success:  true,
		}

		if err := trigger(); err != nil {
			slog.Error("test failed", "command", testCmd, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			slog.Info("test succeeded", "command", testCmd)
		}

		if wsErr := client.WriteJSON(result); wsErr != nil {
			slog.Error("failed to send test response", "command", testCmd, "error", wsErr)
		}
	}()
}

// handleViewEventLog reads and returns the most recent alert log entries.
func (h *CommandHandler) handleViewEventLog(client Sender) {
	go func() {
		result := types.WSEventLogResult{
			Type:    "event_log_result",
			Success: true,
		}

		if h.logPath == "" {
			result.Success = false
			result.Error = "Log file path not configured"
		} else if entries, err := notify.ReadLog(h.logPath, maxLogEntries); err != nil {
			result.Success = false
			result.Error = err.Error()
		} else {
			result.Entries = entries
			result.Path = h.logPath
		}

		if wsErr := client.WriteJSON(result); wsErr != nil {
			slog.Error("failed to send event log response", "error", wsErr)
		}
	}()
}
