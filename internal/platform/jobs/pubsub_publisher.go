package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

// NotificationMessage is the JSON body published for every queued notification.
type NotificationMessage struct {
	OrganizationID string            `json:"organizationId"`
	ClientID       string            `json:"clientId"`
	Type           string            `json:"type"`
	Trigger        string            `json:"trigger"`
	Country        string            `json:"country,omitempty"`
	Subject        string            `json:"subject"`
	Message        string            `json:"message"`
	HTML           string            `json:"html,omitempty"`
	Channels       []string          `json:"channels"`
	Variables      map[string]string `json:"variables,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	QueuedAt       time.Time         `json:"queuedAt"`
}

// PubSubNotificationPublisher publishes rendered notifications to a Pub/Sub topic
// consumed by the email, in-app and telegram senders.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	clock   func() time.Time
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
		clock:   time.Now,
	}, nil
}

// PublishNotification enqueues the notification for the given channels and returns the server message id.
func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, notification domain.Notification, channels []domain.NotificationChannel) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub notification publisher: not initialised")
	}
	if len(channels) == 0 {
		return "", errors.New("pubsub notification publisher: at least one channel is required")
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, string(ch))
	}

	data, err := p.marshal(NotificationMessage{
		OrganizationID: notification.OrganizationID,
		ClientID:       notification.ClientID,
		Type:           notification.Type,
		Trigger:        notification.Trigger,
		Country:        notification.Country,
		Subject:        notification.Subject,
		Message:        notification.Message,
		HTML:           notification.HTML,
		Channels:       names,
		Variables:      notification.Variables,
		IdempotencyKey: notification.IdempotencyKey,
		QueuedAt:       p.clock().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "organizationId", notification.OrganizationID)
	setAttr(attrs, "clientId", notification.ClientID)
	setAttr(attrs, "type", notification.Type)
	setAttr(attrs, "trigger", notification.Trigger)
	setAttr(attrs, "channels", strings.Join(names, ","))
	if key := strings.TrimSpace(notification.IdempotencyKey); key != "" {
		attrs["idempotencyKey"] = key
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
