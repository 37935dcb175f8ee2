package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

type recordingPublisher struct {
	channels [][]domain.NotificationChannel
	err      error
}

func (p *recordingPublisher) PublishNotification(_ context.Context, _ domain.Notification, channels []domain.NotificationChannel) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.channels = append(p.channels, channels)
	return "msg-1", nil
}

type recordingWebhook struct {
	sent []domain.Notification
	err  error
}

func (w *recordingWebhook) Send(_ context.Context, n domain.Notification) error {
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, n)
	return nil
}

func testNotification(channels ...domain.NotificationChannel) domain.Notification {
	return domain.Notification{Type: "order_paid", Channels: channels, IdempotencyKey: "job-1"}
}

func TestDispatcherRoutesChannels(t *testing.T) {
	publisher := &recordingPublisher{}
	webhook := &recordingWebhook{}
	d, err := NewDispatcher(DispatcherDeps{Publisher: publisher, Webhook: webhook})
	require.NoError(t, err)

	n := testNotification(domain.NotificationChannelEmail, domain.NotificationChannelWebhook, "pigeon", domain.NotificationChannelInApp)
	require.NoError(t, d.SendNotification(context.Background(), n))

	require.Len(t, publisher.channels, 1)
	assert.Equal(t, []domain.NotificationChannel{domain.NotificationChannelEmail, domain.NotificationChannelInApp}, publisher.channels[0])
	require.Len(t, webhook.sent, 1)
	assert.Equal(t, "job-1", webhook.sent[0].IdempotencyKey)
}

func TestDispatcherSkipsUnconfiguredPaths(t *testing.T) {
	var events []string
	logger := func(_ context.Context, event string, _ map[string]any) { events = append(events, event) }

	webhookOnly, err := NewDispatcher(DispatcherDeps{Webhook: &recordingWebhook{}, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, webhookOnly.SendNotification(context.Background(), testNotification(domain.NotificationChannelEmail)))

	publisherOnly, err := NewDispatcher(DispatcherDeps{Publisher: &recordingPublisher{}, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, publisherOnly.SendNotification(context.Background(), testNotification(domain.NotificationChannelWebhook)))

	assert.Equal(t, []string{"notifications.publish.skipped", "notifications.webhook.skipped"}, events)
}

func TestDispatcherPropagatesFailures(t *testing.T) {
	boom := errors.New("boom")

	d, err := NewDispatcher(DispatcherDeps{Publisher: &recordingPublisher{err: boom}})
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendNotification(context.Background(), testNotification(domain.NotificationChannelEmail)), boom)

	d, err = NewDispatcher(DispatcherDeps{Webhook: &recordingWebhook{err: boom}})
	require.NoError(t, err)
	assert.ErrorIs(t, d.SendNotification(context.Background(), testNotification(domain.NotificationChannelWebhook)), boom)

	assert.Error(t, d.SendNotification(context.Background(), domain.Notification{}))

	_, err = NewDispatcher(DispatcherDeps{})
	assert.Error(t, err)
}
