package notify

import (
	"sync"
	"time"

	"github.com/camwall/camstream/internal/config"
	"github.com/camwall/camstream/internal/types"
	"github.com/camwall/camstream/internal/util"
)

// streamAlert tracks consecutive failures of one stream.
type streamAlert struct {
	camera    string
	failures  int
	lastError string
	firstFail time.Time
	alerted   bool
}

// StreamNotifier turns supervisor events into alerts. A stream that fails
// FailureThreshold times in a row triggers one stream-down alert per
// configured channel; a recovery alert follows when it becomes stable again.
// State is per generation: a new generation clears it, and events from
// older generations are ignored.
type StreamNotifier struct {
	cfg     config.NotificationsConfig
	email   *EmailConfig
	webhook *WebhookClient

	// mu protects generation and streams
	mu         sync.Mutex
	generation uint64
	streams    map[string]*streamAlert

	// wg tracks in-flight senders.
	wg sync.WaitGroup
}

// NewStreamNotifier returns a StreamNotifier for the given settings.
func NewStreamNotifier(cfg config.NotificationsConfig) *StreamNotifier {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = config.DefaultFailureAlert
	}
	return &StreamNotifier{
		cfg:     cfg,
		email:   EmailConfigFrom(cfg.Email),
		webhook: NewWebhookClient(cfg.WebhookURL),
		streams: make(map[string]*streamAlert),
	}
}

// Webhook returns the notifier's webhook client.
func (n *StreamNotifier) Webhook() *WebhookClient {
	return n.webhook
}

// Email returns the notifier's SMTP settings.
func (n *StreamNotifier) Email() *EmailConfig {
	return n.email
}

// LogPath returns the alert log location, empty when disabled.
func (n *StreamNotifier) LogPath() string {
	return n.cfg.LogPath
}

// HandleEvent processes one supervisor event. It never blocks on delivery.
func (n *StreamNotifier) HandleEvent(ev types.StreamEvent) {
	switch ev.Type {
	case types.EventGeneration:
		// Stream ids are reassigned on every pass.
		n.mu.Lock()
		if ev.Generation > n.generation {
			n.generation = ev.Generation
			clear(n.streams)
		}
		n.mu.Unlock()

	case types.EventExited, types.EventLaunchFailed:
		n.handleFailure(ev)

	case types.EventStable:
		n.handleStable(ev)
	}
}

func (n *StreamNotifier) handleFailure(ev types.StreamEvent) {
	n.mu.Lock()
	if ev.Generation < n.generation {
		n.mu.Unlock()
		return
	}
	a, ok := n.streams[ev.StreamID]
	if !ok {
		a = &streamAlert{camera: ev.Camera, firstFail: ev.Time}
		n.streams[ev.StreamID] = a
	}
	a.failures++
	if ev.Error != "" {
		a.lastError = ev.Error
	}
	shouldAlert := !a.alerted && a.failures >= n.cfg.FailureThreshold
	if shouldAlert {
		a.alerted = true
	}
	failures, lastError := a.failures, a.lastError
	n.mu.Unlock()

	if shouldAlert {
		n.sendDown(ev.StreamID, ev.Camera, failures, lastError)
	}
}

func (n *StreamNotifier) handleStable(ev types.StreamEvent) {
	n.mu.Lock()
	if ev.Generation < n.generation {
		n.mu.Unlock()
		return
	}
	a, ok := n.streams[ev.StreamID]
	delete(n.streams, ev.StreamID)
	n.mu.Unlock()

	if ok && a.alerted {
		n.sendRecovered(ev.StreamID, ev.Camera, ev.Time.Sub(a.firstFail))
	}
}

func (n *StreamNotifier) sendDown(streamID, camera string, failures int, lastError string) {
	attrs := []any{"stream", streamID, "camera", camera}
	if n.cfg.HasWebhook() {
		n.dispatch(func() error {
			return n.webhook.SendStreamDown(streamID, camera, failures, lastError)
		}, "Stream down webhook", attrs)
	}
	if n.cfg.HasEmail() {
		n.dispatch(func() error {
			return SendStreamDownAlert(n.email, camera, streamID, failures, lastError)
		}, "Stream down email", attrs)
	}
	if n.cfg.HasLogPath() {
		n.dispatch(func() error {
			return LogStreamDown(n.cfg.LogPath, streamID, camera, failures, lastError)
		}, "Stream down log", attrs)
	}
}

func (n *StreamNotifier) sendRecovered(streamID, camera string, downFor time.Duration) {
	attrs := []any{"stream", streamID, "camera", camera, "down_for", downFor.Round(time.Second)}
	if n.cfg.HasWebhook() {
		n.dispatch(func() error {
			return n.webhook.SendStreamRecovered(streamID, camera, downFor)
		}, "Recovery webhook", attrs)
	}
	if n.cfg.HasEmail() {
		n.dispatch(func() error {
			return SendStreamRecoveredAlert(n.email, camera, streamID, downFor)
		}, "Recovery email", attrs)
	}
	if n.cfg.HasLogPath() {
		n.dispatch(func() error {
			return LogStreamRecovered(n.cfg.LogPath, streamID, camera, downFor)
		}, "Recovery log", attrs)
	}
}

func (n *StreamNotifier) dispatch(fn func() error, notifyType string, attrs []any) {
	n.wg.Go(func() {
		util.LogNotifyResult(fn, notifyType, true, attrs...)
	})
}

// Wait blocks until all dispatched notifications have completed.
func (n *StreamNotifier) Wait() {
	n.wg.Wait()
}
