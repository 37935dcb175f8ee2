package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/services"
)

// Publisher queues a notification for the asynchronous channel senders.
type Publisher interface {
	PublishNotification(ctx context.Context, notification domain.Notification, channels []domain.NotificationChannel) (string, error)
}

// WebhookSender posts a notification to the organisation webhook.
type WebhookSender interface {
	Send(ctx context.Context, notification domain.Notification) error
}

// DispatcherDeps bundles collaborators required to construct the dispatcher.
type DispatcherDeps struct {
	Publisher Publisher
	Webhook   WebhookSender
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Dispatcher routes webhook deliveries directly and everything else through the publisher.
type Dispatcher struct {
	publisher Publisher
	webhook   WebhookSender
	logger    func(context.Context, string, map[string]any)
}

var _ services.NotificationDispatcher = (*Dispatcher)(nil)

// NewDispatcher returns a dispatcher. At least one delivery path must be configured.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Publisher == nil && deps.Webhook == nil {
		return nil, errors.New("notifications: publisher or webhook is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Dispatcher{publisher: deps.Publisher, webhook: deps.Webhook, logger: logger}, nil
}

// SendNotification delivers on every channel. Channels without a configured path are skipped and logged.
func (d *Dispatcher) SendNotification(ctx context.Context, notification domain.Notification) error {
	if strings.TrimSpace(notification.Type) == "" {
		return errors.New("notifications: notification type is required")
	}

	var (
		queued  []domain.NotificationChannel
		webhook bool
	)
	for _, ch := range notification.Channels {
		switch {
		case ch == domain.NotificationChannelWebhook:
			webhook = true
		case ch.Valid():
			queued = append(queued, ch)
		default:
			d.logger(ctx, "notifications.channel.unknown", map[string]any{"channel": string(ch), "type": notification.Type})
		}
	}

	if len(queued) > 0 {
		if d.publisher == nil {
			d.logger(ctx, "notifications.publish.skipped", map[string]any{"type": notification.Type, "reason": "publisher not configured"})
		} else {
			id, err := d.publisher.PublishNotification(ctx, notification, queued)
			if err != nil {
				return fmt.Errorf("notifications: publish: %w", err)
			}
			d.logger(ctx, "notifications.published", map[string]any{
				"type":           notification.Type,
				"messageId":      id,
				"idempotencyKey": notification.IdempotencyKey,
			})
		}
	}

	if webhook {
		if d.webhook == nil {
			d.logger(ctx, "notifications.webhook.skipped", map[string]any{"type": notification.Type, "reason": "webhook not configured"})
			return nil
		}
		if err := d.webhook.Send(ctx, notification); err != nil {
			return fmt.Errorf("notifications: webhook: %w", err)
		}
	}
	return nil
}
