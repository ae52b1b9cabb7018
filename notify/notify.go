// Outbound notifications to moderators and affected users. Delivery is
// fire-and-forget: failures are logged, never fatal to the moderation or audit
// operation that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/hearth-social/vigil/util"
)

type Notifier interface {
	Notify(ctx context.Context, recipient, eventType string, payload map[string]any)
}

// Discards all notifications.
type NullNotifier struct{}

func (n *NullNotifier) Notify(ctx context.Context, recipient, eventType string, payload map[string]any) {
}

type webhookBody struct {
	Recipient string         `json:"recipient"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Posts notifications to a configured webhook (eg, an internal notification
// relay or a Slack-style incoming webhook). Outbound volume is rate limited;
// notifications over the limit are dropped with a warning.
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		URL:     url,
		Client:  util.RobustHTTPClient(),
		Limiter: rate.NewLimiter(rate.Limit(5), 20),
		Logger:  logger.With("system", "notify"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, recipient, eventType string, payload map[string]any) {
	if !n.Limiter.Allow() {
		n.Logger.Warn("notification dropped by rate limit", "recipient", recipient, "eventType", eventType)
		return
	}
	if err := n.send(ctx, recipient, eventType, payload); err != nil {
		n.Logger.Warn("notification delivery failed", "recipient", recipient, "eventType", eventType, "err", err)
	}
}

func (n *WebhookNotifier) send(ctx context.Context, recipient, eventType string, payload map[string]any) error {
	body, err := json.Marshal(webhookBody{
		Recipient: recipient,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
