package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/pkg/schema"
)

// LogNotifier writes notifications to the structured log. Always delivers.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(ctx context.Context, msg Notification) (Delivery, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logging.LogWith(ctx, logger).Info("notification",
		"channel", msg.Channel,
		"recipients", msg.Recipients,
		"subject", msg.Subject,
		"message", msg.Message,
	)
	return Delivery{Delivered: true, Channel: msg.Channel}, nil
}

// WebhookNotifier POSTs notifications as JSON to a fixed URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with a 10s client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Notification) (Delivery, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Delivery{Channel: msg.Channel}, fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return Delivery{Channel: msg.Channel}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Delivery{Channel: msg.Channel}, fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Delivery{Channel: msg.Channel}, schema.NewErrorf(schema.ErrCodeStepExecution,
			"webhook returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return Delivery{Delivered: true, Channel: msg.Channel}, nil
}

// Router sends each notification to the notifier registered for its channel,
// falling back to a default.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Notifier
	fallback Notifier
}

// NewRouter creates a Router. fallback handles unregistered channels and may be nil.
func NewRouter(fallback Notifier) *Router {
	return &Router{channels: make(map[string]Notifier), fallback: fallback}
}

// Handle routes channel to n, replacing any previous notifier.
func (r *Router) Handle(channel string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = n
}

func (r *Router) Send(ctx context.Context, msg Notification) (Delivery, error) {
	r.mu.RLock()
	n, ok := r.channels[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		n = r.fallback
	}
	if n == nil {
		return Delivery{Channel: msg.Channel}, schema.NewErrorf(schema.ErrCodeNotFound,
			"no notifier for channel %q", msg.Channel)
	}
	return n.Send(ctx, msg)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*Router)(nil)
)
