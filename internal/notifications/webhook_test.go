package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

const testWebhookSecret = "webhook-secret"

func TestHTTPWebhookSendsSignedRequest(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	var (
		gotClaims jwt.RegisteredClaims
		gotKey    string
		gotBody   webhookBody
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotKey = r.Header.Get("Idempotency-Key")

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		_, err := parser.ParseWithClaims(raw, &gotClaims, func(*jwt.Token) (any, error) {
			return []byte(testWebhookSecret), nil
		})
		assert.NoError(t, err)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook, err := NewHTTPWebhook(WebhookConfig{
		URL:    srv.URL,
		Secret: testWebhookSecret,
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)

	err = hook.Send(context.Background(), domain.Notification{
		OrganizationID: "org-1",
		ClientID:       "client-1",
		Type:           "order_cancelled",
		Trigger:        "cancelled",
		Subject:        "Order order-1 was cancelled",
		IdempotencyKey: "job-9",
	})
	require.NoError(t, err)

	assert.Equal(t, "job-9", gotKey)
	assert.Equal(t, "settlement", gotClaims.Issuer)
	assert.Equal(t, "org-1", gotClaims.Subject)
	assert.Equal(t, "job-9", gotClaims.ID)
	assert.True(t, gotClaims.ExpiresAt.Time.Equal(now.Add(webhookTokenTTL)))
	assert.Equal(t, "order_cancelled", gotBody.Type)
	assert.Equal(t, "client-1", gotBody.ClientID)
}

func TestHTTPWebhookRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook, err := NewHTTPWebhook(WebhookConfig{URL: srv.URL, Secret: testWebhookSecret})
	require.NoError(t, err)

	err = hook.Send(context.Background(), domain.Notification{Type: "order_paid"})
	require.ErrorIs(t, err, ErrWebhookRejected)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "nope")
}

func TestHTTPWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	hook, err := NewHTTPWebhook(WebhookConfig{URL: srv.URL, Secret: testWebhookSecret, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Error(t, hook.Send(context.Background(), domain.Notification{Type: "order_paid"}))
}

func TestNewHTTPWebhookValidation(t *testing.T) {
	_, err := NewHTTPWebhook(WebhookConfig{Secret: "s"})
	assert.Error(t, err)
	_, err = NewHTTPWebhook(WebhookConfig{URL: "https://example.com"})
	assert.Error(t, err)
}
