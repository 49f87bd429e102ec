package notify

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/camwall/camstream/internal/metrics"
	"github.com/camwall/camstream/internal/util"
)

// Webhook breaker tuning: open after consecutive failures, probe again after a minute.
const (
	webhookTimeout          = 10 * time.Second
	webhookBreakerFailures  = 3
	webhookBreakerOpenDelay = time.Minute
)

// WebhookClient posts alert payloads to a URL behind a circuit breaker, so
// an unreachable receiver does not tie up a goroutine per failing stream.
type WebhookClient struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[struct{}]
}

// NewWebhookClient returns a client for url. An empty url yields a client
// whose sends are no-ops.
func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "webhook",
			Timeout: webhookBreakerOpenDelay,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= webhookBreakerFailures
			},
			OnStateChange: func(name string, _, to gobreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
	}
}

// SendStreamDown reports a stream that keeps failing.
func (w *WebhookClient) SendStreamDown(streamID, camera string, failures int, lastError string) error {
	return w.send(map[string]any{
		"event":      "stream_down",
		"stream_id":  streamID,
		"camera":     camera,
		"failures":   failures,
		"last_error": lastError,
		"timestamp":  util.RFC3339Now(),
	})
}

// SendStreamRecovered reports a stream that has been stable again.
func (w *WebhookClient) SendStreamRecovered(streamID, camera string, downFor time.Duration) error {
	return w.send(map[string]any{
		"event":        "stream_recovered",
		"stream_id":    streamID,
		"camera":       camera,
		"down_for_sec": downFor.Seconds(),
		"timestamp":    util.RFC3339Now(),
	})
}

// SendTest sends a test payload to verify the webhook configuration.
func (w *WebhookClient) SendTest() error {
	if w.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	return w.send(map[string]any{
		"event":     "test",
		"message":   "This is a test notification from the camera stream server",
		"timestamp": util.RFC3339Now(),
	})
}

func (w *WebhookClient) send(payload map[string]any) error {
	if !util.IsConfigured(w.url) {
		return nil // Silently skip if not configured
	}

	_, err := w.cb.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("webhook suspended after repeated failures: %w", err)
	}
	return err
}

func (w *WebhookClient) post(payload map[string]any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
